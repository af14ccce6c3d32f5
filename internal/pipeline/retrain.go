package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/artifact"
	"github.com/lox/velocast/internal/features"
	"github.com/lox/velocast/internal/models"
	"github.com/lox/velocast/internal/predict"
	"github.com/lox/velocast/internal/training"
)

var ErrNoTrainingData = errors.New("no training data")

// Retrain builds the training table from every stored count, runs the
// two-phase fit and writes the production artifacts under the configured
// version. The new predictor is used by later predict stages.
//
// A zero cutoff holds out the last EvalWindowDays of stored data.
func (p *Pipeline) Retrain(ctx context.Context, cutoff time.Time) (training.Report, error) {
	rows, err := p.store.TrainingRows(ctx)
	if err != nil {
		return training.Report{}, fmt.Errorf("load training rows: %w", err)
	}
	if len(rows) == 0 {
		return training.Report{}, ErrNoTrainingData
	}

	table, err := features.Build(trainingTable(rows), features.TrainingSteps())
	if err != nil {
		return training.Report{}, fmt.Errorf("build features: %w", err)
	}
	if table.Len() == 0 {
		return training.Report{}, fmt.Errorf("%w: no row has both lags", ErrNoTrainingData)
	}

	if cutoff.IsZero() {
		_, last, _ := table.DateRange()
		cutoff = last.AddDate(0, 0, -p.opts.EvalWindowDays)
	}
	cutoff = models.Day(cutoff)

	p.logger.Info("retraining",
		zap.Int("stored_rows", len(rows)),
		zap.Int("feature_rows", table.Len()),
		zap.String("cutoff", models.FormatDay(cutoff)))

	prod, report, err := training.New(p.opts.Training, p.logger).TwoPhase(ctx, table, cutoff)
	if err != nil {
		return report, err
	}

	now := p.clock.Now()
	version := p.opts.ModelVersion
	if err := prod.Preprocessor.Save(p.opts.ModelDir, version, now); err != nil {
		return report, fmt.Errorf("save preprocessor: %w", err)
	}
	if err := artifact.SaveModel(p.opts.ModelDir, version, features.Names(features.FeatureColumns), prod.Model, now); err != nil {
		return report, fmt.Errorf("save model: %w", err)
	}
	p.SetPredictor(predict.New(prod.Preprocessor, prod.Model, version, p.logger))

	fields := []zap.Field{
		zap.String("model_version", version),
		zap.Int("rows", report.Rows),
		zap.Int("stations", len(report.Stations)),
		zap.Float64("cv_rmse", report.CVRMSE),
	}
	if ev := report.Evaluation; ev != nil {
		fields = append(fields,
			zap.Float64("holdout_rmse", ev.Holdout.RMSE),
			zap.Float64("holdout_mae", ev.Holdout.MAE))
	}
	p.logger.Info("model retrained", fields...)
	return report, nil
}

func trainingTable(rows []models.TrainingRow) features.Table {
	out := make([]features.Row, len(rows))
	for i, r := range rows {
		out[i] = features.Row{
			StationID:       r.StationID,
			Date:            models.Day(r.Date),
			Latitude:        r.Latitude,
			Longitude:       r.Longitude,
			Intensity:       float64(r.Intensity),
			AvgTemp:         r.AvgTemp,
			PrecipitationMM: r.PrecipitationMM,
			WindMax:         r.WindMax,
		}
	}
	return features.NewTable(out, features.RawColumns...)
}
