// Package preprocess turns feature tables into model-ready matrices.
//
// A Preprocessor learns a station label encoding and per-column standard
// scaling from a training table, then applies both to any table with the same
// feature schema. Stations unseen during Fit are mapped to a fallback class so
// inference batches never fail on newly installed counters.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/velocast/internal/artifact"
	"github.com/lox/velocast/internal/features"
)

var ErrNotFitted = errors.New("preprocessor is not fitted")

// ScaledColumns are standardized to zero mean and unit variance.
var ScaledColumns = []features.Column{
	features.ColLatitude, features.ColLongitude,
	features.ColAvgTemp, features.ColPrecipitationMM, features.ColWindMax,
	features.ColLag1, features.ColLag7,
}

// Scale holds the population mean and standard deviation of one column.
type Scale struct {
	Column features.Column `json:"column"`
	Mean   float64         `json:"mean"`
	Std    float64         `json:"std"`
}

func (s Scale) apply(v float64) float64 {
	return (v - s.Mean) / s.Std
}

type Preprocessor struct {
	// Stations is the sorted set of known station ids; a station's code is
	// its index.
	Stations []string          `json:"stations"`
	Fallback string            `json:"fallback"`
	Scales   []Scale           `json:"scales"`
	Columns  []features.Column `json:"columns"`

	codes  map[string]int
	scales map[features.Column]Scale
	logger *zap.Logger
}

func New(logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preprocessor{logger: logger.Named("preprocess")}
}

// Matrix is a transformed table. Y is nil when the input carried no target.
type Matrix struct {
	X             [][]float64
	Y             []float64
	Rows          []features.Row
	Substitutions int
}

// Fit learns the station encoding and column scales from t, replacing any
// previously fitted state.
func (p *Preprocessor) Fit(t features.Table) error {
	if err := t.Require(features.FeatureColumns...); err != nil {
		return err
	}
	if t.Len() == 0 {
		return errors.New("fit preprocessor: empty table")
	}

	rows := t.Rows()
	freq := make(map[string]int)
	for _, r := range rows {
		freq[r.StationID]++
	}
	stations := make([]string, 0, len(freq))
	for s := range freq {
		stations = append(stations, s)
	}
	sort.Strings(stations)

	fallback := stations[0]
	for _, s := range stations[1:] {
		if freq[s] > freq[fallback] {
			fallback = s
		}
	}

	scales := make([]Scale, 0, len(ScaledColumns))
	values := make([]float64, len(rows))
	for _, c := range ScaledColumns {
		for i, r := range rows {
			v, err := r.Value(c)
			if err != nil {
				return err
			}
			values[i] = v
		}
		scales = append(scales, fitScale(c, values))
	}

	p.Stations = stations
	p.Fallback = fallback
	p.Scales = scales
	p.Columns = append([]features.Column(nil), features.FeatureColumns...)
	p.index()
	return nil
}

func fitScale(c features.Column, values []float64) Scale {
	mean := stat.Mean(values, nil)
	var std float64
	if n := float64(len(values)); n > 1 {
		std = math.Sqrt(stat.Variance(values, nil) * (n - 1) / n)
	}
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return Scale{Column: c, Mean: mean, Std: std}
}

func (p *Preprocessor) index() {
	p.codes = make(map[string]int, len(p.Stations))
	for i, s := range p.Stations {
		p.codes[s] = i
	}
	p.scales = make(map[features.Column]Scale, len(p.Scales))
	for _, s := range p.Scales {
		p.scales[s.Column] = s
	}
}

func (p *Preprocessor) fitted() bool {
	return len(p.Stations) > 0 && p.codes != nil
}

// Known reports whether station was part of the fit set.
func (p *Preprocessor) Known(station string) bool {
	_, ok := p.codes[station]
	return ok
}

// KnownStations returns a copy of the fitted station set.
func (p *Preprocessor) KnownStations() []string {
	return append([]string(nil), p.Stations...)
}

// Transform encodes, scales and orders t into a matrix. Unknown stations are
// substituted with the fallback class and counted; the target is split out
// when t carries intensity.
func (p *Preprocessor) Transform(t features.Table) (Matrix, error) {
	if !p.fitted() {
		return Matrix{}, ErrNotFitted
	}
	if err := t.Require(p.Columns...); err != nil {
		return Matrix{}, err
	}

	rows := t.Rows()
	m := Matrix{
		X:    make([][]float64, 0, len(rows)),
		Rows: rows,
	}
	withTarget := t.Has(features.ColIntensity)
	if withTarget {
		m.Y = make([]float64, 0, len(rows))
	}

	for _, r := range rows {
		code, ok := p.codes[r.StationID]
		if !ok {
			code = p.codes[p.Fallback]
			m.Substitutions++
		}
		x := make([]float64, len(p.Columns))
		for j, c := range p.Columns {
			if c == features.ColStationID {
				x[j] = float64(code)
				continue
			}
			v, err := r.Value(c)
			if err != nil {
				return Matrix{}, err
			}
			if s, ok := p.scales[c]; ok {
				v = s.apply(v)
			}
			x[j] = v
		}
		m.X = append(m.X, x)
		if withTarget {
			m.Y = append(m.Y, r.Intensity)
		}
	}

	if m.Substitutions > 0 {
		p.logger.Warn("unknown stations mapped to fallback class",
			zap.Int("substitutions", m.Substitutions),
			zap.String("fallback", p.Fallback))
	}
	return m, nil
}

// Save writes the fitted state as a versioned artifact under dir.
func (p *Preprocessor) Save(dir, version string, now time.Time) error {
	if !p.fitted() {
		return ErrNotFitted
	}
	path := artifact.Path(dir, artifact.KindPreprocessor, version)
	return artifact.Save(path, artifact.KindPreprocessor, version, features.Names(p.Columns), p, now)
}

// Load reads a preprocessor artifact saved under dir for version. The stored
// schema must match the current feature columns.
func Load(dir, version string, logger *zap.Logger) (*Preprocessor, error) {
	p := New(logger)
	path := artifact.Path(dir, artifact.KindPreprocessor, version)
	if _, err := artifact.Load(path, artifact.KindPreprocessor, features.Names(features.FeatureColumns), p); err != nil {
		return nil, err
	}
	if len(p.Stations) == 0 {
		return nil, fmt.Errorf("%s: no stations in artifact", path)
	}
	if !slices.Contains(p.Stations, p.Fallback) {
		return nil, fmt.Errorf("%s: fallback %q is not a known station", path, p.Fallback)
	}
	p.index()
	return p, nil
}
