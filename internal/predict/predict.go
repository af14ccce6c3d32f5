// Package predict runs batch inference with a fitted preprocessor and model.
package predict

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/artifact"
	"github.com/lox/velocast/internal/features"
	"github.com/lox/velocast/internal/gbm"
	"github.com/lox/velocast/internal/metrics"
	"github.com/lox/velocast/internal/preprocess"
)

var ErrNotLoaded = errors.New("model artifacts not loaded")

type Predictor struct {
	pre     *preprocess.Preprocessor
	model   *gbm.Regressor
	version string
	logger  *zap.Logger
}

func New(pre *preprocess.Preprocessor, model *gbm.Regressor, version string, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{pre: pre, model: model, version: version, logger: logger.Named("predict")}
}

// Load reads both artifacts for version from dir. Either one failing to load
// fails the whole predictor.
func Load(dir, version string, logger *zap.Logger) (*Predictor, error) {
	schema := features.Names(features.FeatureColumns)
	model, err := artifact.LoadModel(dir, version, schema)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", version, err)
	}
	pre, err := preprocess.Load(dir, version, logger)
	if err != nil {
		return nil, fmt.Errorf("load preprocessor %s: %w", version, err)
	}
	return New(pre, model, version, logger), nil
}

func (p *Predictor) Version() string { return p.version }

// Result is one scored row. Context holds the engineered feature values the
// model saw, before scaling.
type Result struct {
	StationID string
	Value     int
	Context   map[string]float64
}

type Batch struct {
	Results       []Result
	Skipped       int
	Substitutions int
}

// PredictBatch scores every row of t. Rows with non-finite inputs or outputs
// are skipped individually; only a table without the feature schema fails the
// batch. Values are rounded and clamped at zero.
func (p *Predictor) PredictBatch(t features.Table) (Batch, error) {
	if p == nil || p.pre == nil || p.model == nil {
		return Batch{}, ErrNotLoaded
	}
	if err := t.Require(features.FeatureColumns...); err != nil {
		return Batch{}, err
	}

	var batch Batch
	valid := make([]features.Row, 0, t.Len())
	for _, r := range t.Rows() {
		if err := finite(r); err != nil {
			p.logger.Warn("row skipped", zap.String("station", r.StationID), zap.Error(err))
			metrics.StationsSkipped.WithLabelValues(metrics.SkipInvalidRow).Inc()
			batch.Skipped++
			continue
		}
		valid = append(valid, r)
	}

	m, err := p.pre.Transform(features.NewTable(valid, t.Columns()...))
	if err != nil {
		return Batch{}, fmt.Errorf("transform batch: %w", err)
	}
	batch.Substitutions = m.Substitutions
	metrics.UnknownStationSubstitutions.Add(float64(m.Substitutions))

	batch.Results = make([]Result, 0, len(m.Rows))
	for i, r := range m.Rows {
		raw, err := p.model.Predict(m.X[i])
		if err == nil && (math.IsNaN(raw) || math.IsInf(raw, 0)) {
			err = fmt.Errorf("model returned %v", raw)
		}
		if err != nil {
			p.logger.Warn("row skipped", zap.String("station", r.StationID), zap.Error(err))
			metrics.StationsSkipped.WithLabelValues(metrics.SkipInvalidRow).Inc()
			batch.Skipped++
			continue
		}
		batch.Results = append(batch.Results, Result{
			StationID: r.StationID,
			Value:     clamp(raw),
			Context:   r.Context(),
		})
	}
	return batch, nil
}

func clamp(v float64) int {
	return int(math.Max(0, math.Round(v)))
}

func finite(r features.Row) error {
	for _, c := range features.FeatureColumns {
		if c == features.ColStationID {
			continue
		}
		v, err := r.Value(c)
		if err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not finite", c)
		}
	}
	return nil
}
