package training

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/velocast/internal/features"
	"github.com/lox/velocast/internal/gbm"
)

func TestTimeSeriesSplit(t *testing.T) {
	folds, err := TimeSeriesSplit(12, 3)
	require.NoError(t, err)
	want := []Fold{{3, 6}, {6, 9}, {9, 12}}
	if diff := cmp.Diff(want, folds); diff != "" {
		t.Errorf("folds mismatch (-want +got):\n%s", diff)
	}

	folds, err = TimeSeriesSplit(10, 3)
	require.NoError(t, err)
	for _, f := range folds {
		assert.Greater(t, f.TestStart, 0, "validation must follow some training rows")
		assert.Equal(t, 2, f.TestEnd-f.TestStart)
	}
	assert.Equal(t, 10, folds[len(folds)-1].TestEnd)

	_, err = TimeSeriesSplit(3, 3)
	assert.Error(t, err)
	_, err = TimeSeriesSplit(100, 1)
	assert.Error(t, err)
}

func TestScore(t *testing.T) {
	s, err := Score([]float64{1, 2, 3, 4}, []float64{2, 2, 3, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, s.MAE, 1e-12)
	assert.InDelta(t, 1.118033988749895, s.RMSE, 1e-12) // sqrt(5/4)

	_, err = Score([]float64{1}, nil)
	assert.Error(t, err)
}

func TestGridParams(t *testing.T) {
	params := DefaultGrid().Params(gbm.DefaultParams())
	assert.Len(t, params, 18)
	assert.Equal(t, 3, params[0].MaxDepth)
	assert.Equal(t, 0.01, params[0].LearningRate)
	assert.Equal(t, 100, params[0].NEstimators)
	assert.Equal(t, 7, params[17].MaxDepth)
	assert.Equal(t, 1000, params[17].NEstimators)
}

func smallConfig() Config {
	return Config{
		Grid: Grid{
			MaxDepth:     []int{1, 3},
			LearningRate: []float64{0.1},
			NEstimators:  []int{1, 40},
		},
		Base:    gbm.DefaultParams(),
		Folds:   3,
		Workers: 2,
	}
}

func TestTrain_PicksLowestCVError(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 240; i++ {
		a, b := float64(i%7), float64(i%5)
		X = append(X, []float64{a, b})
		y = append(y, 5*a*b+a)
	}
	res, err := New(smallConfig(), nil).Train(context.Background(), X, y)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 4)

	for _, c := range res.Candidates {
		assert.GreaterOrEqual(t, c.RMSE, res.CVRMSE)
	}
	assert.Equal(t, 3, res.Best.MaxDepth)
	assert.Equal(t, 40, res.Best.NEstimators)
	require.NotNil(t, res.Model)
	assert.Len(t, res.Model.Trees, 40)
}

func TestTrain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	X := make([][]float64, 40)
	y := make([]float64, 40)
	for i := range X {
		X[i] = []float64{float64(i)}
		y[i] = float64(i)
	}
	_, err := New(smallConfig(), nil).Train(ctx, X, y)
	assert.ErrorIs(t, err, context.Canceled)
}

// trainingTable builds engineered rows for stations over consecutive days.
func trainingTable(t *testing.T, start time.Time, days int, stations ...string) features.Table {
	t.Helper()
	var rows []features.Row
	for _, s := range stations {
		for i := 0; i < days; i++ {
			d := start.AddDate(0, 0, i)
			base := 200.0
			if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
				base = 80
			}
			rows = append(rows, features.Row{
				StationID:       s,
				Date:            d,
				Latitude:        43.61,
				Longitude:       3.87,
				Intensity:       base + float64(len(s)*i%13),
				AvgTemp:         12 + float64(i%9),
				PrecipitationMM: float64(i % 4),
				WindMax:         15,
			})
		}
	}
	out, err := features.Build(features.NewTable(rows, features.RawColumns...), features.TrainingSteps())
	require.NoError(t, err)
	return out
}

func TestTwoPhase_ProductionCoversLateStations(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cutoff := start.AddDate(0, 0, 60)

	early := trainingTable(t, start, 90, "A", "B")
	late := trainingTable(t, cutoff, 30, "LATE")
	table := features.NewTable(append(early.Rows(), late.Rows()...), early.Columns()...)

	prod, report, err := New(smallConfig(), nil).TwoPhase(context.Background(), table, cutoff)
	require.NoError(t, err)
	require.NotNil(t, report.Evaluation)

	assert.Equal(t, []string{"A", "B"}, report.Evaluation.Stations)
	assert.Equal(t, []string{"A", "B", "LATE"}, report.Stations)
	assert.Subset(t, report.Stations, report.Evaluation.Stations)
	assert.Positive(t, report.Evaluation.Substitutions)
	assert.True(t, prod.Preprocessor.Known("LATE"))
	assert.Equal(t, table.Len(), report.Rows)
	assert.Equal(t, report.Evaluation.TrainRows+report.Evaluation.TestRows, report.Rows)
}

func TestTwoPhase_SkipsEvaluationWithoutSplit(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	table := trainingTable(t, start, 60, "A")

	prod, report, err := New(smallConfig(), nil).TwoPhase(context.Background(), table, start.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Nil(t, report.Evaluation)
	assert.NotNil(t, prod.Model)
	assert.Equal(t, []string{"A"}, report.Stations)
}
