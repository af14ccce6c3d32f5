// Package monitor backtests stored predictions against realised counts.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/velocast/internal/metrics"
	"github.com/lox/velocast/internal/models"
)

type Store interface {
	GetPredictionsByDate(ctx context.Context, date time.Time) ([]models.Prediction, error)
	GetActualsByDate(ctx context.Context, date time.Time) ([]models.DailyObservation, error)
	HasMetricsForDate(ctx context.Context, date time.Time) (bool, error)
	AddModelMetrics(ctx context.Context, metrics []models.ModelMetric) error
}

// Skip reasons reported in Result.
const (
	SkipNoPredictions = "no predictions"
	SkipNoActuals     = "no actuals"
	SkipNoMatches     = "no matching stations"
	SkipAlreadyScored = "metrics already recorded"
)

type Result struct {
	Date                 time.Time
	Matched              int
	UnmatchedPredictions int
	UnmatchedActuals     int
	MAE                  float64
	// SkipReason is set when no metrics were written.
	SkipReason string
}

type Monitor struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, logger: logger.Named("monitor")}
}

// Run scores the predictions stored for date against that date's counts and
// records one metric per matched station in a single transaction.
func (m *Monitor) Run(ctx context.Context, date time.Time) (Result, error) {
	date = models.Day(date)
	res := Result{Date: date}
	log := m.logger.With(zap.String("date", models.FormatDay(date)))

	done, err := m.store.HasMetricsForDate(ctx, date)
	if err != nil {
		return res, fmt.Errorf("check existing metrics: %w", err)
	}
	if done {
		res.SkipReason = SkipAlreadyScored
		log.Info("metrics already recorded")
		return res, nil
	}

	preds, err := m.store.GetPredictionsByDate(ctx, date)
	if err != nil {
		return res, fmt.Errorf("load predictions: %w", err)
	}
	actuals, err := m.store.GetActualsByDate(ctx, date)
	if err != nil {
		return res, fmt.Errorf("load actuals: %w", err)
	}

	switch {
	case len(preds) == 0:
		res.SkipReason = SkipNoPredictions
	case len(actuals) == 0:
		res.SkipReason = SkipNoActuals
	}
	if res.SkipReason != "" {
		log.Warn("skipping monitoring", zap.String("reason", res.SkipReason),
			zap.Int("predictions", len(preds)), zap.Int("actuals", len(actuals)))
		return res, nil
	}

	rows, mae := Score(date, preds, actuals)
	res.Matched = len(rows)
	res.UnmatchedPredictions = len(preds) - len(rows)
	res.UnmatchedActuals = len(actuals) - len(rows)
	if len(rows) == 0 {
		res.SkipReason = SkipNoMatches
		log.Warn("skipping monitoring", zap.String("reason", res.SkipReason))
		return res, nil
	}

	if err := m.store.AddModelMetrics(ctx, rows); err != nil {
		return res, fmt.Errorf("save metrics: %w", err)
	}
	res.MAE = mae
	metrics.DailyMAE.Set(mae)

	log.Info("monitoring complete",
		zap.Int("matched", res.Matched),
		zap.Int("unmatched_predictions", res.UnmatchedPredictions),
		zap.Int("unmatched_actuals", res.UnmatchedActuals),
		zap.Float64("mae", mae),
	)
	return res, nil
}

// Score pairs predictions with actuals by station. Stations present on only
// one side are not scored. Every returned metric carries the day's MAE over
// the matched pairs.
func Score(date time.Time, preds []models.Prediction, actuals []models.DailyObservation) ([]models.ModelMetric, float64) {
	actual := make(map[string]int, len(actuals))
	for _, a := range actuals {
		actual[a.StationID] = a.Intensity
	}

	var rows []models.ModelMetric
	var errs []float64
	seen := make(map[string]bool, len(preds))
	for _, p := range preds {
		v, ok := actual[p.StationID]
		if !ok || seen[p.StationID] {
			continue
		}
		seen[p.StationID] = true
		ae := math.Abs(float64(p.Value - v))
		errs = append(errs, ae)
		rows = append(rows, models.ModelMetric{
			StationID:      p.StationID,
			Date:           models.Day(date),
			ActualValue:    v,
			PredictedValue: p.Value,
			AbsoluteError:  ae,
			ModelVersion:   p.ModelVersion,
		})
	}
	if len(rows) == 0 {
		return nil, 0
	}

	mae := stat.Mean(errs, nil)
	for i := range rows {
		rows[i].MeanAbsoluteError = mae
	}
	return rows, mae
}
