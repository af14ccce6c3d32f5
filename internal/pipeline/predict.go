package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/velocast/internal/features"
	"github.com/lox/velocast/internal/metrics"
	"github.com/lox/velocast/internal/models"
	"github.com/lox/velocast/internal/predict"
	"github.com/lox/velocast/internal/source"
	"github.com/lox/velocast/internal/store"
)

// ErrNoForecast is returned when the forecast has no entry for the target day.
var ErrNoForecast = errors.New("no weather forecast for target day")

type PredictResult struct {
	Candidates    int
	AlreadyStored int
	Written       int
	Skipped       int
	Failed        int
	Substitutions int
}

// inferenceColumns are the columns of a table assembled for inference,
// before calendar and weather features are derived.
var inferenceColumns = []features.Column{
	features.ColStationID, features.ColDate,
	features.ColLatitude, features.ColLongitude,
	features.ColAvgTemp, features.ColPrecipitationMM, features.ColWindMax,
	features.ColLag1, features.ColLag7,
}

// Predict forecasts every station's count for day and stores each prediction
// with its feature context.
func (p *Pipeline) Predict(ctx context.Context, day time.Time) (PredictResult, error) {
	day = models.Day(day)
	var res PredictResult

	pr := p.predictor.Load()
	if pr == nil {
		return res, predict.ErrNotLoaded
	}
	if p.src.Forecast == nil {
		return res, errors.New("no forecast source configured")
	}

	weather, err := p.forecastFor(ctx, day)
	if err != nil {
		return res, err
	}

	stations, err := p.store.GetAllStations(ctx)
	if err != nil {
		return res, fmt.Errorf("load stations: %w", err)
	}
	existing, err := p.store.GetPredictionsByDate(ctx, day)
	if err != nil {
		return res, fmt.Errorf("load existing predictions: %w", err)
	}
	done := make(map[string]bool, len(existing))
	for _, e := range existing {
		done[e.StationID] = true
	}

	byID := make(map[string]models.Station, len(stations))
	ids := make([]string, 0, len(stations))
	for _, st := range stations {
		if done[st.StationID] {
			res.AlreadyStored++
			metrics.StationsSkipped.WithLabelValues(metrics.SkipAlreadyPredicted).Inc()
			continue
		}
		byID[st.StationID] = st
		ids = append(ids, st.StationID)
	}
	if len(ids) == 0 {
		p.logger.Info("nothing to predict", zap.String("date", models.FormatDay(day)), zap.Int("already_stored", res.AlreadyStored))
		return res, nil
	}

	reconciled, err := p.reconciler.Reconcile(ctx, ids, day)
	if err != nil {
		return res, fmt.Errorf("reconcile lags: %w", err)
	}
	res.Candidates = len(reconciled)
	res.Skipped = len(ids) - len(reconciled)
	if len(reconciled) == 0 {
		p.logger.Warn("no station has enough history to predict", zap.String("date", models.FormatDay(day)))
		return res, nil
	}

	rows := make([]features.Row, 0, len(reconciled))
	for _, l := range reconciled {
		st := byID[l.StationID]
		rows = append(rows, features.Row{
			StationID:       l.StationID,
			Date:            day,
			Latitude:        st.Latitude,
			Longitude:       st.Longitude,
			AvgTemp:         weather.AvgTemp,
			PrecipitationMM: weather.PrecipitationMM,
			WindMax:         weather.WindMax,
			Lag1:            l.Lag1,
			Lag7:            l.Lag7,
		})
	}
	table, err := features.Build(features.NewTable(rows, inferenceColumns...), features.InferenceSteps())
	if err != nil {
		return res, fmt.Errorf("build features: %w", err)
	}

	batch, err := pr.PredictBatch(table)
	if err != nil {
		return res, fmt.Errorf("predict batch: %w", err)
	}
	res.Skipped += batch.Skipped
	res.Substitutions = batch.Substitutions

	written, dup, failed := p.savePredictions(ctx, day, pr.Version(), batch.Results)
	res.Written = written
	res.AlreadyStored += dup
	res.Failed = failed

	p.logger.Info("predictions stored",
		zap.String("date", models.FormatDay(day)),
		zap.String("model_version", pr.Version()),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped),
		zap.Int("already_stored", res.AlreadyStored),
		zap.Int("failed", res.Failed),
		zap.Int("substitutions", res.Substitutions),
	)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if failed > 0 {
		return res, fmt.Errorf("%d of %d predictions could not be saved", failed, len(batch.Results))
	}
	return res, nil
}

func (p *Pipeline) forecastFor(ctx context.Context, day time.Time) (models.WeatherObservation, error) {
	days, err := p.src.Forecast.Fetch(ctx, source.Query{Start: day, End: day})
	if err != nil {
		return models.WeatherObservation{}, fmt.Errorf("fetch forecast: %w", err)
	}
	for _, d := range days {
		if models.Day(d.Date).Equal(day) {
			return d, nil
		}
	}
	return models.WeatherObservation{}, ErrNoForecast
}

// savePredictions writes each prediction and its context in its own
// transaction, a bounded number at a time. A duplicate is counted as already
// stored, not as a failure.
func (p *Pipeline) savePredictions(ctx context.Context, day time.Time, version string, results []predict.Result) (written, dup, failed int) {
	var nWritten, nFailed, nDup atomic.Int64
	now := p.clock.Now()

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for _, r := range results {
		g.Go(func() error {
			if ctx.Err() != nil {
				nFailed.Add(1)
				return nil
			}
			_, err := p.store.SavePredictionWithContext(ctx, models.Prediction{
				StationID:      r.StationID,
				PredictionDate: day,
				Value:          r.Value,
				ModelVersion:   version,
				CreatedAt:      now,
			}, models.FeatureContext(r.Context))
			switch {
			case err == nil:
				nWritten.Add(1)
				metrics.PredictionsWritten.Inc()
			case errors.Is(err, store.ErrPredictionExists):
				nDup.Add(1)
				metrics.StationsSkipped.WithLabelValues(metrics.SkipAlreadyPredicted).Inc()
				p.logger.Info("prediction already stored", zap.String("station", r.StationID))
			default:
				nFailed.Add(1)
				metrics.StationsSkipped.WithLabelValues(metrics.SkipWriteError).Inc()
				p.logger.Error("saving prediction failed", zap.String("station", r.StationID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(nWritten.Load()), int(nDup.Load()), int(nFailed.Load())
}
