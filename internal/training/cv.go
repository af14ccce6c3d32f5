package training

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Fold is a chronological train/validation split over row indices. Training
// rows are [0, TestStart) and validation rows are [TestStart, TestEnd).
type Fold struct {
	TestStart int
	TestEnd   int
}

// TimeSeriesSplit returns k expanding-window folds over n time-ordered rows.
// Each validation block has n/(k+1) rows and follows all of its training rows.
func TimeSeriesSplit(n, k int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", k)
	}
	size := n / (k + 1)
	if size == 0 {
		return nil, fmt.Errorf("%d rows is too few for %d folds", n, k)
	}
	folds := make([]Fold, k)
	for i := range folds {
		start := n - (k-i)*size
		folds[i] = Fold{TestStart: start, TestEnd: start + size}
	}
	return folds, nil
}

// Scores are regression errors on a held-out set.
type Scores struct {
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
}

// Score compares predictions to truth.
func Score(truth, pred []float64) (Scores, error) {
	if len(truth) != len(pred) {
		return Scores{}, fmt.Errorf("%d targets but %d predictions", len(truth), len(pred))
	}
	if len(truth) == 0 {
		return Scores{}, errors.New("no rows to score")
	}
	n := float64(len(truth))
	return Scores{
		RMSE: floats.Distance(truth, pred, 2) / math.Sqrt(n),
		MAE:  floats.Distance(truth, pred, 1) / n,
	}, nil
}
