package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/features"
	"github.com/lox/velocast/internal/gbm"
	"github.com/lox/velocast/internal/preprocess"
)

// Evaluation is the outcome of the disposable evaluation phase.
type Evaluation struct {
	Cutoff        time.Time
	TrainRows     int
	TestRows      int
	Params        gbm.Params
	CVRMSE        float64
	Holdout       Scores
	Stations      []string
	Substitutions int
}

// Report summarizes a two-phase run. Evaluation is nil when the split was not
// possible or the evaluation phase failed.
type Report struct {
	Evaluation *Evaluation
	Rows       int
	Params     gbm.Params
	CVRMSE     float64
	Stations   []string
}

// Production is the pair of artifacts fit on the full dataset.
type Production struct {
	Preprocessor *preprocess.Preprocessor
	Model        *gbm.Regressor
}

// TwoPhase first fits a throwaway preprocessor and model on rows before cutoff
// and scores them on the rest, then fits fresh ones on every row. Only the
// second pair is returned for deployment, so its station encoding covers
// stations that first appeared after cutoff. Evaluation failures are logged
// and do not stop the production fit.
func (t *Trainer) TwoPhase(ctx context.Context, table features.Table, cutoff time.Time) (Production, Report, error) {
	if table.Len() == 0 {
		return Production{}, Report{}, errors.New("empty training table")
	}
	table = table.SortChronological()

	var report Report
	eval, err := t.evaluate(ctx, table, cutoff)
	switch {
	case err == nil:
		report.Evaluation = eval
	case ctx.Err() != nil:
		return Production{}, Report{}, ctx.Err()
	default:
		t.logger.Warn("evaluation phase skipped", zap.Time("cutoff", cutoff), zap.Error(err))
	}

	t.logger.Info("fitting production artifacts on full dataset", zap.Int("rows", table.Len()))
	pre := preprocess.New(t.logger)
	if err := pre.Fit(table); err != nil {
		return Production{}, Report{}, fmt.Errorf("fit production preprocessor: %w", err)
	}
	full, err := pre.Transform(table)
	if err != nil {
		return Production{}, Report{}, fmt.Errorf("transform full dataset: %w", err)
	}
	res, err := t.Train(ctx, full.X, full.Y)
	if err != nil {
		return Production{}, Report{}, fmt.Errorf("train production model: %w", err)
	}

	report.Rows = table.Len()
	report.Params = res.Best
	report.CVRMSE = res.CVRMSE
	report.Stations = pre.KnownStations()
	return Production{Preprocessor: pre, Model: res.Model}, report, nil
}

func (t *Trainer) evaluate(ctx context.Context, table features.Table, cutoff time.Time) (*Evaluation, error) {
	train, test := table.Split(cutoff)
	if train.Len() == 0 || test.Len() == 0 {
		return nil, fmt.Errorf("split at %s leaves %d train and %d test rows",
			cutoff.Format(time.DateOnly), train.Len(), test.Len())
	}
	t.logger.Info("evaluation phase",
		zap.Time("cutoff", cutoff),
		zap.Int("train_rows", train.Len()),
		zap.Int("test_rows", test.Len()))

	pre := preprocess.New(t.logger)
	if err := pre.Fit(train); err != nil {
		return nil, fmt.Errorf("fit evaluation preprocessor: %w", err)
	}
	mTrain, err := pre.Transform(train)
	if err != nil {
		return nil, err
	}
	mTest, err := pre.Transform(test)
	if err != nil {
		return nil, err
	}
	res, err := t.Train(ctx, mTrain.X, mTrain.Y)
	if err != nil {
		return nil, err
	}
	scores, err := t.Evaluate(res.Model, mTest.X, mTest.Y)
	if err != nil {
		return nil, err
	}
	return &Evaluation{
		Cutoff:        cutoff,
		TrainRows:     train.Len(),
		TestRows:      test.Len(),
		Params:        res.Best,
		CVRMSE:        res.CVRMSE,
		Holdout:       scores,
		Stations:      pre.KnownStations(),
		Substitutions: mTest.Substitutions,
	}, nil
}
