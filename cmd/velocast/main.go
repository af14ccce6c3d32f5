package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/velocast/internal/config"
	"github.com/lox/velocast/internal/logging"
	"github.com/lox/velocast/internal/models"
	"github.com/lox/velocast/internal/pipeline"
	"github.com/lox/velocast/internal/schedule"
	"github.com/lox/velocast/internal/source"
	"github.com/lox/velocast/internal/store"
	"github.com/lox/velocast/internal/training"
)

type Globals struct {
	config.Config `embed:""`

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to a .env file.'"`
}

type CLI struct {
	Globals

	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
	Daily    DailyCmd    `cmd:"" help:"Run update, predict and monitor once."`
	Update   UpdateCmd   `cmd:"" help:"Load counts and weather for one day."`
	Predict  PredictCmd  `cmd:"" help:"Predict every station for one day."`
	Monitor  MonitorCmd  `cmd:"" help:"Score one day's predictions against counts."`
	Retrain  RetrainCmd  `cmd:"" help:"Retrain the model on all stored data."`
	Backfill BackfillCmd `cmd:"" help:"Load stations, traffic and weather history."`
	Schedule ScheduleCmd `cmd:"" help:"Run the daily and monthly jobs on their schedules and serve /metrics."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("velocast"),
		kong.Description("Daily bicycle traffic forecasts per counting station."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
	)
	kctx.FatalIfErrorf(kctx.Run())
}

// app is everything a command needs, built from the global configuration.
type app struct {
	cfg      *config.Config
	loc      *time.Location
	logger   *zap.Logger
	store    *store.Store
	pipeline *pipeline.Pipeline
}

func (g *Globals) open(ctx context.Context) (*app, error) {
	cfg := &g.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx, logger); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	trainCfg := training.DefaultConfig()
	trainCfg.Workers = cfg.Workers

	archive := pipeline.NewArchiver(st, logger)
	p := pipeline.New(st, buildSources(cfg, archive, logger), pipeline.Options{
		ModelDir:       cfg.ModelDir,
		ModelVersion:   cfg.ModelVersion,
		Location:       loc,
		Workers:        cfg.Workers,
		EvalWindowDays: cfg.EvalWindowDays,
		RawRetention:   time.Duration(cfg.RawRetentionDays) * 24 * time.Hour,
		Training:       trainCfg,
	}, logger)

	return &app{cfg: cfg, loc: loc, logger: logger, store: st, pipeline: p}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func buildSources(cfg *config.Config, archive source.Archiver, logger *zap.Logger) pipeline.Sources {
	var src pipeline.Sources
	csv := source.NewCSV(cfg.CSVDir, logger)

	switch cfg.TrafficSource {
	case config.SourceCSV:
		src.Stations = csv.Stations()
		src.Traffic = csv.Traffic()
	default:
		eco := source.NewEcoCounter(cfg.EcoCounterURL, cfg.HTTP(), archive, logger)
		src.Stations = eco.Stations()
		src.Traffic = eco.Traffic()
	}

	switch cfg.WeatherSource {
	case config.SourceCSV:
		src.Weather = csv.Weather()
	default:
		src.Weather = source.NewOpenMeteoArchive(cfg.OpenMeteo(cfg.OpenMeteoArchiveURL), archive, logger)
	}

	src.Forecast = source.NewOpenMeteoForecast(cfg.OpenMeteo(cfg.OpenMeteoForecastURL), archive, logger)
	if cfg.GeocodingEnabled {
		src.Geocoder = source.NewGeocoder(cfg.NominatimURL, cfg.HTTP(), 1, logger)
	}
	return src
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dayOr returns d as a calendar day, or fallback when d was not given.
func dayOr(d, fallback time.Time) time.Time {
	if d.IsZero() {
		return fallback
	}
	return models.Day(d)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("database migrated", zap.Int("version", v))
	return nil
}

type DailyCmd struct {
	Date time.Time `name:"date" format:"2006-01-02" help:"Day to predict (default today); update and monitor use the day before."`
}

func (c *DailyCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.pipeline.RunDaily(ctx, dayOr(c.Date, a.pipeline.Today()))
}

type UpdateCmd struct {
	Date time.Time `name:"date" format:"2006-01-02" help:"Day to load (default yesterday)."`
}

func (c *UpdateCmd) Run(g *Globals) error {
	return runStage(g, pipeline.StageUpdate, c.Date, -1)
}

type PredictCmd struct {
	Date time.Time `name:"date" format:"2006-01-02" help:"Day to predict (default today)."`
}

func (c *PredictCmd) Run(g *Globals) error {
	return runStage(g, pipeline.StagePredict, c.Date, 0)
}

type MonitorCmd struct {
	Date time.Time `name:"date" format:"2006-01-02" help:"Day to score (default yesterday)."`
}

func (c *MonitorCmd) Run(g *Globals) error {
	return runStage(g, pipeline.StageMonitor, c.Date, -1)
}

// runStage runs one stage for date, or for today shifted by offsetDays.
func runStage(g *Globals, stage string, date time.Time, offsetDays int) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.pipeline.RunStage(ctx, stage, dayOr(date, a.pipeline.Today().AddDate(0, 0, offsetDays)))
}

type RetrainCmd struct {
	Cutoff time.Time `name:"cutoff" env:"TRAIN_CUTOFF" format:"2006-01-02" help:"First evaluation day (default latest data minus the eval window)."`
}

func (c *RetrainCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.pipeline.RunRetrain(ctx, c.Cutoff)
}

type BackfillCmd struct {
	From time.Time `name:"from" required:"" format:"2006-01-02" help:"First day to load."`
	To   time.Time `name:"to" format:"2006-01-02" help:"Last day to load (default yesterday)."`
}

func (c *BackfillCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	to := dayOr(c.To, a.pipeline.Today().AddDate(0, 0, -1))
	return a.pipeline.RunBackfill(ctx, c.From, to)
}

type ScheduleCmd struct{}

func (c *ScheduleCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	p := a.pipeline
	sched := schedule.New(a.loc, a.logger)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.logger.Info("serving metrics", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		return sched.Run(gctx,
			schedule.Job{Name: "daily", Spec: a.cfg.DailySchedule, Run: func(ctx context.Context) {
				_ = p.RunDaily(ctx, p.Today())
			}},
			schedule.Job{Name: "monthly", Spec: a.cfg.MonthlySchedule, Run: func(ctx context.Context) {
				_ = p.RunMonthly(ctx)
			}},
		)
	})

	err = eg.Wait()
	if err != nil {
		a.logger.Error("scheduler stopped", zap.Error(err))
		return err
	}
	a.logger.Info("scheduler stopped")
	return nil
}
