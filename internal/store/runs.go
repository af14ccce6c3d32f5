package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/velocast/internal/models"
)

type runRow struct {
	ID           int64          `db:"id"`
	RunID        string         `db:"run_id"`
	Stage        string         `db:"stage"`
	TargetDate   string         `db:"target_date"`
	StartedAt    time.Time      `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	Success      bool           `db:"success"`
	Records      sql.NullInt64  `db:"records"`
	ErrorMessage sql.NullString `db:"error_message"`
}

// StartRun records the start of a pipeline stage and returns it.
func (s *Store) StartRun(ctx context.Context, runID, stage string, target time.Time) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		RunID:      runID,
		Stage:      stage,
		TargetDate: target,
		StartedAt:  time.Now().UTC(),
	}
	err := s.db.GetContext(ctx, &run.ID, s.q(`
		INSERT INTO pipeline_runs (run_id, stage, target_date, started_at, success)
		VALUES (?, ?, ?, ?, FALSE)
		RETURNING id
	`), run.RunID, run.Stage, models.FormatDay(target), run.StartedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun stores the outcome of a run started with StartRun.
func (s *Store) CompleteRun(ctx context.Context, run *models.PipelineRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pipeline_runs SET
			finished_at = ?,
			success = ?,
			records = ?,
			error_message = ?
		WHERE id = ?
	`), run.FinishedAt, run.Success, run.Records, run.ErrorMessage, run.ID)
	return err
}

// GetRecentRuns returns the latest runs of a stage, newest first. An empty
// stage matches every stage.
func (s *Store) GetRecentRuns(ctx context.Context, stage string, limit int) ([]models.PipelineRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT id, run_id, stage, target_date, started_at, finished_at, success, records, error_message
		FROM pipeline_runs
		WHERE (? = '' OR stage = ?)
		ORDER BY id DESC
		LIMIT ?
	`), stage, stage, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.PipelineRun, 0, len(rows))
	for _, r := range rows {
		target, err := models.ParseDay(r.TargetDate)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PipelineRun{
			ID:           r.ID,
			RunID:        r.RunID,
			Stage:        r.Stage,
			TargetDate:   target,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
			Success:      r.Success,
			Records:      r.Records,
			ErrorMessage: r.ErrorMessage,
		})
	}
	return out, nil
}
