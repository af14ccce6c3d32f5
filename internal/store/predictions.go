package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lox/velocast/internal/models"
)

type predictionRow struct {
	ID             int64     `db:"id"`
	StationID      string    `db:"station_id"`
	PredictionDate string    `db:"prediction_date"`
	Value          int       `db:"prediction_value"`
	ModelVersion   string    `db:"model_version"`
	CreatedAt      time.Time `db:"created_at"`
}

type metricRow struct {
	ID                int64     `db:"id"`
	StationID         string    `db:"station_id"`
	Date              string    `db:"date"`
	ActualValue       int       `db:"actual_value"`
	PredictedValue    int       `db:"predicted_value"`
	AbsoluteError     float64   `db:"absolute_error"`
	MeanAbsoluteError float64   `db:"mean_absolute_error"`
	ModelVersion      string    `db:"model_version"`
	CreatedAt         time.Time `db:"created_at"`
}

// SavePredictionWithContext writes a prediction and its feature context in one
// transaction. The prediction is inserted first to obtain its id, which the
// context row references; either both rows are committed or neither is.
// A second prediction for the same station and date fails with
// ErrPredictionExists.
func (s *Store) SavePredictionWithContext(ctx context.Context, p models.Prediction, fc models.FeatureContext) (int64, error) {
	if p.Value < 0 {
		return 0, fmt.Errorf("prediction for %s is negative: %d", p.StationID, p.Value)
	}
	payload, err := json.Marshal(fc)
	if err != nil {
		return 0, fmt.Errorf("marshal feature context: %w", err)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		// A conflicting insert returns no row.
		err := tx.GetContext(ctx, &id, tx.Rebind(`
			INSERT INTO predictions (station_id, prediction_date, prediction_value, model_version, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (station_id, prediction_date) DO NOTHING
			RETURNING id
		`), p.StationID, models.FormatDay(p.PredictionDate), p.Value, p.ModelVersion, createdAt.UTC())
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPredictionExists
		}
		if err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO prediction_contexts (prediction_id, feature_context) VALUES (?, ?)
		`), id, string(payload)); err != nil {
			return fmt.Errorf("insert feature context: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetPredictionsByDate(ctx context.Context, date time.Time) ([]models.Prediction, error) {
	var rows []predictionRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT id, station_id, prediction_date, prediction_value, model_version, created_at
		FROM predictions
		WHERE prediction_date = ?
		ORDER BY station_id
	`), models.FormatDay(date)); err != nil {
		return nil, err
	}
	out := make([]models.Prediction, 0, len(rows))
	for _, r := range rows {
		d, err := models.ParseDay(r.PredictionDate)
		if err != nil {
			return nil, fmt.Errorf("prediction %d: %w", r.ID, err)
		}
		out = append(out, models.Prediction{
			ID:             r.ID,
			StationID:      r.StationID,
			PredictionDate: d,
			Value:          r.Value,
			ModelVersion:   r.ModelVersion,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

// GetPredictionContext returns the feature snapshot stored with a prediction.
func (s *Store) GetPredictionContext(ctx context.Context, predictionID int64) (models.FeatureContext, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, s.q(`
		SELECT feature_context FROM prediction_contexts WHERE prediction_id = ?
	`), predictionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fc models.FeatureContext
	if err := json.Unmarshal([]byte(raw), &fc); err != nil {
		return nil, fmt.Errorf("decode feature context %d: %w", predictionID, err)
	}
	return fc, nil
}

// AddModelMetrics inserts a day's metrics in one transaction.
func (s *Store) AddModelMetrics(ctx context.Context, metrics []models.ModelMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]metricRow, len(metrics))
	for i, m := range metrics {
		rows[i] = metricRow{
			StationID:         m.StationID,
			Date:              models.FormatDay(m.Date),
			ActualValue:       m.ActualValue,
			PredictedValue:    m.PredictedValue,
			AbsoluteError:     m.AbsoluteError,
			MeanAbsoluteError: m.MeanAbsoluteError,
			ModelVersion:      m.ModelVersion,
			CreatedAt:         now,
		}
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(rows); start += insertBatchSize {
			end := min(start+insertBatchSize, len(rows))
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO model_metrics
				(station_id, date, actual_value, predicted_value, absolute_error,
				 mean_absolute_error, model_version, created_at)
				VALUES (:station_id, :date, :actual_value, :predicted_value, :absolute_error,
				 :mean_absolute_error, :model_version, :created_at)
			`, rows[start:end]); err != nil {
				return fmt.Errorf("insert model metrics: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) HasMetricsForDate(ctx context.Context, date time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM model_metrics WHERE date = ?`), models.FormatDay(date))
	return n > 0, err
}

func (s *Store) GetModelMetrics(ctx context.Context, date time.Time) ([]models.ModelMetric, error) {
	var rows []metricRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT id, station_id, date, actual_value, predicted_value, absolute_error,
		       mean_absolute_error, model_version, created_at
		FROM model_metrics
		WHERE date = ?
		ORDER BY station_id
	`), models.FormatDay(date)); err != nil {
		return nil, err
	}
	out := make([]models.ModelMetric, 0, len(rows))
	for _, r := range rows {
		d, err := models.ParseDay(r.Date)
		if err != nil {
			return nil, fmt.Errorf("model metric %d: %w", r.ID, err)
		}
		out = append(out, models.ModelMetric{
			ID:                r.ID,
			StationID:         r.StationID,
			Date:              d,
			ActualValue:       r.ActualValue,
			PredictedValue:    r.PredictedValue,
			AbsoluteError:     r.AbsoluteError,
			MeanAbsoluteError: r.MeanAbsoluteError,
			ModelVersion:      r.ModelVersion,
		})
	}
	return out, nil
}
