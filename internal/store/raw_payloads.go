package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// RawPayload is an archived upstream response body.
type RawPayload struct {
	ID                int64          `db:"id"`
	RunID             sql.NullString `db:"run_id"`
	FetchedAt         time.Time      `db:"fetched_at"`
	Source            string         `db:"source"`
	Endpoint          string         `db:"endpoint"`
	StationID         sql.NullString `db:"station_id"`
	PayloadCompressed []byte         `db:"payload_compressed"`
	PayloadHash       string         `db:"payload_hash"`
}

// StoreRawPayload stores a compressed upstream response.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, runID, source, endpoint string, stationID *string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	var run, station sql.NullString
	if runID != "" {
		run = sql.NullString{String: runID, Valid: true}
	}
	if stationID != nil {
		station = sql.NullString{String: *stationID, Valid: true}
	}

	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
		INSERT INTO raw_payloads
		(run_id, fetched_at, source, endpoint, station_id, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
		RETURNING id
	`), run, time.Now().UTC(), source, endpoint, station, buf.Bytes(), hex.EncodeToString(hash[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}
	return id, nil
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	if err := s.db.GetContext(ctx, &compressed, s.q(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`), id); err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldRawPayloads deletes payloads fetched before cutoff and returns how
// many were removed.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM raw_payloads WHERE fetched_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
