// Package pipeline sequences the daily update, predict and monitor stages and
// the monthly retrain.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lox/velocast/internal/lags"
	"github.com/lox/velocast/internal/metrics"
	"github.com/lox/velocast/internal/models"
	"github.com/lox/velocast/internal/monitor"
	"github.com/lox/velocast/internal/predict"
	"github.com/lox/velocast/internal/source"
	"github.com/lox/velocast/internal/store"
	"github.com/lox/velocast/internal/training"
)

const (
	StageUpdate   = "update"
	StagePredict  = "predict"
	StageMonitor  = "monitor"
	StageRetrain  = "retrain"
	StageBackfill = "backfill"
	StageCleanup  = "cleanup"
)

// Geocoder names a counter from its coordinates.
type Geocoder interface {
	Name(ctx context.Context, lat, lon float64) (string, error)
}

// Sources are the upstreams the pipeline reads. Geocoder may be nil.
type Sources struct {
	Stations source.Source[models.Station]
	Traffic  source.Source[models.IntensitySample]
	Weather  source.Source[models.WeatherObservation]
	Forecast source.Source[models.WeatherObservation]
	Geocoder Geocoder
}

type Options struct {
	ModelDir       string
	ModelVersion   string
	Location       *time.Location
	Workers        int
	EvalWindowDays int
	// RawRetention is how long archived upstream payloads are kept; zero keeps them.
	RawRetention time.Duration
	Training     training.Config
	Clock        clockwork.Clock
}

type Pipeline struct {
	store      *store.Store
	src        Sources
	opts       Options
	clock      clockwork.Clock
	predictor  atomic.Pointer[predict.Predictor]
	reconciler *lags.Reconciler
	monitor    *monitor.Monitor
	logger     *zap.Logger
}

// New builds a pipeline and loads the configured model artifacts. A failed
// load is logged; only the predict stage depends on it.
func New(st *store.Store, src Sources, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.EvalWindowDays <= 0 {
		opts.EvalWindowDays = 60
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger = logger.Named("pipeline")
	p := &Pipeline{
		store:      st,
		src:        src,
		opts:       opts,
		clock:      opts.Clock,
		reconciler: lags.NewReconciler(st, opts.Workers, logger),
		monitor:    monitor.New(st, logger),
		logger:     logger,
	}
	if err := p.LoadPredictor(); err != nil {
		p.logger.Error("model artifacts unavailable, predict stage disabled until retrain", zap.Error(err))
	}
	return p
}

// LoadPredictor reads the configured artifact version from disk.
func (p *Pipeline) LoadPredictor() error {
	pr, err := predict.Load(p.opts.ModelDir, p.opts.ModelVersion, p.logger)
	if err != nil {
		return err
	}
	p.SetPredictor(pr)
	return nil
}

// SetPredictor replaces the predictor used by later predict stages.
func (p *Pipeline) SetPredictor(pr *predict.Predictor) {
	p.predictor.Store(pr)
}

// Today is the current calendar day in the pipeline's location.
func (p *Pipeline) Today() time.Time {
	return models.Day(p.clock.Now().In(p.opts.Location))
}

type runIDKey struct{}

// RunID returns the id of the pipeline run ctx belongs to, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

type stageFunc func(ctx context.Context) (records int, err error)

// RunDaily runs update for yesterday, predict for today and monitor for
// yesterday. Each stage is isolated: a failure or panic in one is recorded
// and the next still runs. The joined stage errors are returned for callers
// that want an exit status; the scheduler ignores them.
func (p *Pipeline) RunDaily(ctx context.Context, today time.Time) error {
	today = models.Day(today)
	yesterday := today.AddDate(0, 0, -1)
	runID := uuid.NewString()
	p.logger.Info("daily run starting", zap.String("run_id", runID), zap.String("date", models.FormatDay(today)))

	errs := []error{
		p.guard(ctx, runID, StageUpdate, yesterday, p.updateStage(yesterday)),
		p.guard(ctx, runID, StagePredict, today, p.predictStage(today)),
		p.guard(ctx, runID, StageMonitor, yesterday, p.monitorStage(yesterday)),
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("daily run finished with failures", zap.String("run_id", runID), zap.Error(err))
	} else {
		p.logger.Info("daily run complete", zap.String("run_id", runID))
	}
	return err
}

// RunMonthly retrains on all stored data and prunes old raw payloads.
func (p *Pipeline) RunMonthly(ctx context.Context) error {
	runID := uuid.NewString()
	today := p.Today()
	return errors.Join(
		p.guard(ctx, runID, StageRetrain, today, p.retrainStage(time.Time{})),
		p.guard(ctx, runID, StageCleanup, today, p.cleanupStage()),
	)
}

// RunStage runs one stage on its own, guarded like the scheduled runs.
func (p *Pipeline) RunStage(ctx context.Context, stage string, target time.Time) error {
	target = models.Day(target)
	var fn stageFunc
	switch stage {
	case StageUpdate:
		fn = p.updateStage(target)
	case StagePredict:
		fn = p.predictStage(target)
	case StageMonitor:
		fn = p.monitorStage(target)
	case StageCleanup:
		fn = p.cleanupStage()
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return p.guard(ctx, uuid.NewString(), stage, target, fn)
}

// RunRetrain retrains with an explicit cutoff; a zero cutoff holds out the
// last EvalWindowDays of data.
func (p *Pipeline) RunRetrain(ctx context.Context, cutoff time.Time) error {
	return p.guard(ctx, uuid.NewString(), StageRetrain, p.Today(), p.retrainStage(cutoff))
}

// RunBackfill loads stations, traffic and weather history for [from, to].
func (p *Pipeline) RunBackfill(ctx context.Context, from, to time.Time) error {
	from, to = models.Day(from), models.Day(to)
	if to.Before(from) {
		return fmt.Errorf("backfill range %s..%s is empty", models.FormatDay(from), models.FormatDay(to))
	}
	return p.guard(ctx, uuid.NewString(), StageBackfill, to, func(ctx context.Context) (int, error) {
		res, err := p.Backfill(ctx, from, to)
		return res.Counts, err
	})
}

// guard runs fn with panic recovery, stage metrics and a pipeline_runs audit
// row. It never panics.
func (p *Pipeline) guard(ctx context.Context, runID, stage string, target time.Time, fn stageFunc) error {
	log := p.logger.With(zap.String("run_id", runID), zap.String("stage", stage), zap.String("target", models.FormatDay(target)))
	ctx = withRunID(ctx, runID)

	run, err := p.store.StartRun(ctx, runID, stage, target)
	if err != nil {
		log.Warn("could not record run start", zap.Error(err))
	}

	start := p.clock.Now()
	log.Info("stage starting")
	n, err := p.protect(ctx, log, fn)
	elapsed := p.clock.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.StageRunsTotal.WithLabelValues(stage, status).Inc()
	metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())

	if run != nil {
		run.Success = err == nil
		run.Records = sql.NullInt64{Int64: int64(n), Valid: true}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := p.store.CompleteRun(context.WithoutCancel(ctx), run); cerr != nil {
			log.Warn("could not record run outcome", zap.Error(cerr))
		}
	}

	if err != nil {
		log.Error("stage failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return fmt.Errorf("%s: %w", stage, err)
	}
	log.Info("stage complete", zap.Int("records", n), zap.Duration("elapsed", elapsed))
	return nil
}

func (p *Pipeline) protect(ctx context.Context, log *zap.Logger, fn stageFunc) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stage panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (p *Pipeline) updateStage(day time.Time) stageFunc {
	return func(ctx context.Context) (int, error) {
		res, err := p.Update(ctx, day)
		return res.Counts, err
	}
}

func (p *Pipeline) predictStage(day time.Time) stageFunc {
	return func(ctx context.Context) (int, error) {
		res, err := p.Predict(ctx, day)
		return res.Written, err
	}
}

func (p *Pipeline) monitorStage(day time.Time) stageFunc {
	return func(ctx context.Context) (int, error) {
		res, err := p.monitor.Run(ctx, day)
		return res.Matched, err
	}
}

func (p *Pipeline) retrainStage(cutoff time.Time) stageFunc {
	return func(ctx context.Context) (int, error) {
		report, err := p.Retrain(ctx, cutoff)
		return report.Rows, err
	}
}

func (p *Pipeline) cleanupStage() stageFunc {
	return func(ctx context.Context) (int, error) {
		n, err := p.CleanupRawPayloads(ctx)
		return int(n), err
	}
}

// CleanupRawPayloads drops archived payloads older than the retention window.
func (p *Pipeline) CleanupRawPayloads(ctx context.Context) (int64, error) {
	if p.opts.RawRetention <= 0 {
		return 0, nil
	}
	cutoff := p.clock.Now().Add(-p.opts.RawRetention)
	n, err := p.store.CleanupOldRawPayloads(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup raw payloads: %w", err)
	}
	p.logger.Info("pruned raw payloads", zap.Int64("deleted", n), zap.Time("before", cutoff))
	return n, nil
}
