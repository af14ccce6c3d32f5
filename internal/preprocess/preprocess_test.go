package preprocess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lox/velocast/internal/artifact"
	"github.com/lox/velocast/internal/features"
)

func featureTable(t *testing.T, stations map[string]int, withTarget bool) features.Table {
	t.Helper()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var rows []features.Row
	for s, n := range stations {
		for i := 0; i < n; i++ {
			rows = append(rows, features.Row{
				StationID:       s,
				Date:            start.AddDate(0, 0, i),
				Latitude:        43.6,
				Longitude:       3.87 + float64(i)*0.001,
				Intensity:       float64(100 + i),
				AvgTemp:         float64(10 + i%5),
				PrecipitationMM: float64(i % 3),
				WindMax:         20,
				Lag1:            float64(99 + i),
				Lag7:            float64(93 + i),
			})
		}
	}
	cols := []features.Column{features.ColStationID, features.ColDate, features.ColLatitude, features.ColLongitude,
		features.ColAvgTemp, features.ColPrecipitationMM, features.ColWindMax, features.ColLag1, features.ColLag7}
	if withTarget {
		cols = append(cols, features.ColIntensity)
	}
	out, err := features.Build(features.NewTable(rows, cols...), features.InferenceSteps())
	require.NoError(t, err)
	return out.SortChronological()
}

func TestFit_FallbackIsMostFrequentStation(t *testing.T) {
	p := New(nil)
	require.NoError(t, p.Fit(featureTable(t, map[string]int{"A": 3, "B": 5, "C": 5}, true)))
	assert.Equal(t, []string{"A", "B", "C"}, p.KnownStations())
	assert.Equal(t, "B", p.Fallback) // ties go to the first in sort order
}

func TestFit_RequiresFeatureSchema(t *testing.T) {
	err := New(nil).Fit(features.NewTable(nil, features.ColStationID))
	assert.ErrorIs(t, err, features.ErrMissingColumn)
}

func TestTransform_ScalesAndOrders(t *testing.T) {
	tbl := featureTable(t, map[string]int{"A": 10, "B": 10}, true)
	p := New(nil)
	require.NoError(t, p.Fit(tbl))

	m, err := p.Transform(tbl)
	require.NoError(t, err)
	require.Len(t, m.X, 20)
	require.Len(t, m.Y, 20)
	assert.Zero(t, m.Substitutions)

	for _, x := range m.X {
		assert.Len(t, x, len(features.FeatureColumns))
	}

	// Every scaled column has zero mean over the fit set; latitude is constant
	// and keeps a unit scale.
	for j, c := range features.FeatureColumns {
		if _, ok := p.scales[c]; !ok {
			continue
		}
		var sum float64
		for _, x := range m.X {
			sum += x[j]
		}
		assert.InDelta(t, 0, sum/float64(len(m.X)), 1e-9, "column %s", c)
	}
	assert.Equal(t, 1.0, p.scales[features.ColLatitude].Std)

	stationCol := 0
	assert.Equal(t, features.ColStationID, features.FeatureColumns[stationCol])
	for i, r := range m.Rows {
		want := 0.0
		if r.StationID == "B" {
			want = 1
		}
		assert.Equal(t, want, m.X[i][stationCol])
		assert.Equal(t, r.Intensity, m.Y[i])
	}
}

func TestTransform_UnknownStationUsesFallback(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := New(zap.New(core))
	require.NoError(t, p.Fit(featureTable(t, map[string]int{"A": 4, "B": 6}, true)))

	m, err := p.Transform(featureTable(t, map[string]int{"A": 2, "NEW": 3}, false))
	require.NoError(t, err)
	assert.Equal(t, 3, m.Substitutions)
	assert.Nil(t, m.Y)

	fallbackCode := float64(1) // B
	for i, r := range m.Rows {
		if r.StationID == "NEW" {
			assert.Equal(t, fallbackCode, m.X[i][0])
		}
	}

	entries := logs.FilterMessage("unknown stations mapped to fallback class").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].ContextMap()["substitutions"])
}

func TestTransform_NotFitted(t *testing.T) {
	_, err := New(nil).Transform(features.NewTable(nil))
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	tbl := featureTable(t, map[string]int{"A": 4, "B": 6}, true)
	p := New(nil)
	require.NoError(t, p.Fit(tbl))
	require.NoError(t, p.Save(dir, "v1", time.Now()))

	loaded, err := Load(dir, "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, p.KnownStations(), loaded.KnownStations())
	assert.Equal(t, p.Fallback, loaded.Fallback)

	want, err := p.Transform(tbl)
	require.NoError(t, err)
	got, err := loaded.Transform(tbl)
	require.NoError(t, err)
	assert.Equal(t, want.X, got.X)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(t.TempDir(), "v1", nil)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}
