package gbm

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit_StepFunction(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 200; i++ {
		x := float64(i)
		X = append(X, []float64{x, float64(i % 3)})
		if x < 100 {
			y = append(y, 10)
		} else {
			y = append(y, 50)
		}
	}
	p := DefaultParams()
	p.MaxDepth = 2
	p.NEstimators = 50
	m := New(p)
	require.NoError(t, m.Fit(X, y))

	low, err := m.Predict([]float64{20, 1})
	require.NoError(t, err)
	high, err := m.Predict([]float64{180, 1})
	require.NoError(t, err)
	assert.InDelta(t, 10, low, 0.5)
	assert.InDelta(t, 50, high, 0.5)
}

func TestFit_ReducesTrainingError(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 300; i++ {
		a := float64(i%17) / 17
		b := float64(i%11) / 11
		X = append(X, []float64{a, b})
		y = append(y, 3*a+math.Sin(6*b))
	}
	mse := func(m *Regressor) float64 {
		var s float64
		for i := range X {
			p, err := m.Predict(X[i])
			require.NoError(t, err)
			s += (p - y[i]) * (p - y[i])
		}
		return s / float64(len(X))
	}

	p := DefaultParams()
	p.NEstimators = 0
	flat := New(p)
	require.NoError(t, flat.Fit(X, y))

	p.NEstimators = 200
	boosted := New(p)
	require.NoError(t, boosted.Fit(X, y))

	assert.Less(t, mse(boosted), mse(flat)/10)
}

func TestFit_NoTreesPredictsMean(t *testing.T) {
	p := DefaultParams()
	p.NEstimators = 0
	m := New(p)
	require.NoError(t, m.Fit([][]float64{{1}, {2}, {3}}, []float64{2, 4, 9}))
	got, err := m.Predict([]float64{100})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, got, 1e-12)
}

func TestFit_ConstantFeatureDoesNotSplit(t *testing.T) {
	m := New(DefaultParams())
	require.NoError(t, m.Fit([][]float64{{1}, {1}, {1}, {1}}, []float64{1, 2, 3, 4}))
	for _, tree := range m.Trees {
		assert.Len(t, tree.Nodes, 1)
	}
}

func TestFit_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		X      [][]float64
		y      []float64
	}{
		{"empty", DefaultParams(), nil, nil},
		{"length mismatch", DefaultParams(), [][]float64{{1}, {2}}, []float64{1}},
		{"ragged rows", DefaultParams(), [][]float64{{1, 2}, {2}}, []float64{1, 2}},
		{"nan target", DefaultParams(), [][]float64{{1}}, []float64{math.NaN()}},
		{"zero depth", Params{MaxDepth: 0, LearningRate: 0.1, NEstimators: 1, MinSamplesLeaf: 1, MaxBins: 255}, [][]float64{{1}}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New(tt.params).Fit(tt.X, tt.y))
		})
	}
}

func TestPredict_WidthMismatch(t *testing.T) {
	m := New(DefaultParams())
	require.NoError(t, m.Fit([][]float64{{1, 2}, {3, 4}}, []float64{1, 2}))
	_, err := m.Predict([]float64{1})
	assert.Error(t, err)
}

func TestRegressor_JSONRoundTripPredictsIdentically(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 120; i++ {
		X = append(X, []float64{float64(i), float64(i * i % 13)})
		y = append(y, float64(i%7)*3+float64(i%13))
	}
	p := DefaultParams()
	p.NEstimators = 20
	m := New(p)
	require.NoError(t, m.Fit(X, y))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	var back Regressor
	require.NoError(t, json.Unmarshal(data, &back))

	want, err := m.PredictBatch(X)
	require.NoError(t, err)
	got, err := back.PredictBatch(X)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestThresholds_QuantileCap(t *testing.T) {
	col := make([]float64, 1000)
	for i := range col {
		col[i] = float64(i)
	}
	th := thresholds(col, 16)
	assert.LessOrEqual(t, len(th), 15)
	for i := 1; i < len(th); i++ {
		assert.Greater(t, th[i], th[i-1])
	}
}
