// Package training fits gradient-boosted models with a chronological grid
// search and implements the evaluate-then-refit retraining policy.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/velocast/internal/gbm"
)

// Grid is the hyperparameter search space.
type Grid struct {
	MaxDepth     []int
	LearningRate []float64
	NEstimators  []int
}

func DefaultGrid() Grid {
	return Grid{
		MaxDepth:     []int{3, 5, 7},
		LearningRate: []float64{0.01, 0.1},
		NEstimators:  []int{100, 500, 1000},
	}
}

// Params expands the grid over base in a fixed order.
func (g Grid) Params(base gbm.Params) []gbm.Params {
	var out []gbm.Params
	for _, d := range g.MaxDepth {
		for _, lr := range g.LearningRate {
			for _, n := range g.NEstimators {
				p := base
				p.MaxDepth, p.LearningRate, p.NEstimators = d, lr, n
				out = append(out, p)
			}
		}
	}
	return out
}

type Config struct {
	Grid    Grid
	Base    gbm.Params
	Folds   int
	Workers int
}

func DefaultConfig() Config {
	return Config{
		Grid:    DefaultGrid(),
		Base:    gbm.DefaultParams(),
		Folds:   3,
		Workers: runtime.GOMAXPROCS(0),
	}
}

// Candidate is one grid point with its mean validation RMSE.
type Candidate struct {
	Params gbm.Params
	RMSE   float64
}

// Result is the outcome of a grid search. Model is the best candidate refit on
// every row.
type Result struct {
	Best       gbm.Params
	CVRMSE     float64
	Candidates []Candidate
	Model      *gbm.Regressor
}

type Trainer struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Trainer {
	if cfg.Folds == 0 {
		cfg.Folds = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger.Named("training")}
}

// Train runs the grid search over time-ordered rows and returns the best model
// refit on all of them.
func (t *Trainer) Train(ctx context.Context, X [][]float64, y []float64) (Result, error) {
	if len(X) != len(y) {
		return Result{}, fmt.Errorf("%d rows but %d targets", len(X), len(y))
	}
	folds, err := TimeSeriesSplit(len(X), t.cfg.Folds)
	if err != nil {
		return Result{}, err
	}
	grid := t.cfg.Grid.Params(t.cfg.Base)
	if len(grid) == 0 {
		return Result{}, errors.New("empty hyperparameter grid")
	}

	t.logger.Info("grid search started",
		zap.Int("rows", len(X)),
		zap.Int("candidates", len(grid)),
		zap.Int("folds", len(folds)))

	candidates := make([]Candidate, len(grid))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)
	for i, p := range grid {
		g.Go(func() error {
			rmse, err := crossValidate(gctx, p, X, y, folds)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			candidates[i] = Candidate{Params: p, RMSE: rmse}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.RMSE < best.RMSE {
			best = c
		}
	}

	model := gbm.New(best.Params)
	if err := model.Fit(X, y); err != nil {
		return Result{}, fmt.Errorf("refit best candidate: %w", err)
	}

	t.logger.Info("grid search finished",
		zap.Stringer("best", best.Params),
		zap.Float64("cv_rmse", best.RMSE))

	return Result{
		Best:       best.Params,
		CVRMSE:     best.RMSE,
		Candidates: candidates,
		Model:      model,
	}, nil
}

func crossValidate(ctx context.Context, p gbm.Params, X [][]float64, y []float64, folds []Fold) (float64, error) {
	var total float64
	for _, f := range folds {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		m := gbm.New(p)
		if err := m.Fit(X[:f.TestStart], y[:f.TestStart]); err != nil {
			return 0, err
		}
		pred, err := m.PredictBatch(X[f.TestStart:f.TestEnd])
		if err != nil {
			return 0, err
		}
		s, err := Score(y[f.TestStart:f.TestEnd], pred)
		if err != nil {
			return 0, err
		}
		total += s.RMSE
	}
	mean := total / float64(len(folds))
	if math.IsNaN(mean) {
		return 0, errors.New("validation RMSE is NaN")
	}
	return mean, nil
}

// Evaluate scores m on a held-out set and logs RMSE and MAE.
func (t *Trainer) Evaluate(m *gbm.Regressor, X [][]float64, y []float64) (Scores, error) {
	pred, err := m.PredictBatch(X)
	if err != nil {
		return Scores{}, err
	}
	s, err := Score(y, pred)
	if err != nil {
		return Scores{}, err
	}
	t.logger.Info("holdout evaluation",
		zap.Int("rows", len(y)),
		zap.Float64("rmse", s.RMSE),
		zap.Float64("mae", s.MAE))
	return s, nil
}
