package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    latitude {{real}},
    longitude {{real}},
    created_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS bike_counts (
    id {{serial}},
    station_id TEXT NOT NULL,
    date TEXT NOT NULL,
    intensity INTEGER NOT NULL,
    created_at {{timestamp}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bike_counts_station_date ON bike_counts(station_id, date);
CREATE INDEX IF NOT EXISTS idx_bike_counts_date ON bike_counts(date);

CREATE TABLE IF NOT EXISTS weather (
    date TEXT PRIMARY KEY,
    avg_temp {{real}} NOT NULL,
    precipitation_mm {{real}} NOT NULL,
    wind_max {{real}} NOT NULL,
    updated_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS predictions (
    id {{serial}},
    station_id TEXT NOT NULL,
    prediction_date TEXT NOT NULL,
    prediction_value INTEGER NOT NULL CHECK (prediction_value >= 0),
    model_version TEXT NOT NULL,
    created_at {{timestamp}} NOT NULL,
    UNIQUE(station_id, prediction_date)
);

CREATE INDEX IF NOT EXISTS idx_predictions_date ON predictions(prediction_date);

CREATE TABLE IF NOT EXISTS prediction_contexts (
    id {{serial}},
    prediction_id BIGINT NOT NULL UNIQUE REFERENCES predictions(id) ON DELETE CASCADE,
    feature_context TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS model_metrics (
    id {{serial}},
    station_id TEXT NOT NULL,
    date TEXT NOT NULL,
    actual_value INTEGER NOT NULL,
    predicted_value INTEGER NOT NULL,
    absolute_error {{real}} NOT NULL,
    mean_absolute_error {{real}} NOT NULL,
    model_version TEXT NOT NULL,
    created_at {{timestamp}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_metrics_date ON model_metrics(date);
`,
	},
	{
		Version:     2,
		Description: "Pipeline run audit and raw payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id {{serial}},
    run_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    target_date TEXT NOT NULL,
    started_at {{timestamp}} NOT NULL,
    finished_at {{timestamp}},
    success BOOLEAN NOT NULL DEFAULT FALSE,
    records INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_stage ON pipeline_runs(stage, started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id {{serial}},
    run_id TEXT,
    fetched_at {{timestamp}} NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    payload_compressed {{blob}} NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_source ON raw_payloads(source, fetched_at);
`,
	},
}

// Migrate applies every pending migration, each in its own transaction.
func (s *Store) Migrate(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("migrations")

	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		logger.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))

		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, s.ddl(m.SQL)); err != nil {
				return fmt.Errorf("execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
				m.Version, m.Description, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		logger.Info("migration completed", zap.Int("version", m.Version))
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.ddl(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at {{timestamp}}
		)
	`))
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := s.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, err
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_migrations"); err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
