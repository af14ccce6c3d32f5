// Package gbm implements gradient-boosted regression trees with squared loss.
//
// Features are quantized once per fit into at most MaxBins buckets; split search
// then works on per-node histograms of residual sums. Trees keep their split
// thresholds in raw feature units, so a fitted Regressor predicts on unbinned
// input and serializes to plain JSON.
package gbm

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrEmptyInput = errors.New("gbm: empty training set")

type Params struct {
	MaxDepth       int     `json:"max_depth"`
	LearningRate   float64 `json:"learning_rate"`
	NEstimators    int     `json:"n_estimators"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	MaxBins        int     `json:"max_bins"`
}

func DefaultParams() Params {
	return Params{
		MaxDepth:       5,
		LearningRate:   0.1,
		NEstimators:    100,
		MinSamplesLeaf: 1,
		MaxBins:        255,
	}
}

func (p Params) String() string {
	return fmt.Sprintf("max_depth=%d learning_rate=%g n_estimators=%d", p.MaxDepth, p.LearningRate, p.NEstimators)
}

func (p Params) validate() error {
	switch {
	case p.MaxDepth < 1:
		return fmt.Errorf("gbm: max_depth must be >= 1, got %d", p.MaxDepth)
	case p.LearningRate <= 0:
		return fmt.Errorf("gbm: learning_rate must be > 0, got %g", p.LearningRate)
	case p.NEstimators < 0:
		return fmt.Errorf("gbm: n_estimators must be >= 0, got %d", p.NEstimators)
	case p.MinSamplesLeaf < 1:
		return fmt.Errorf("gbm: min_samples_leaf must be >= 1, got %d", p.MinSamplesLeaf)
	case p.MaxBins < 2 || p.MaxBins > math.MaxUint16:
		return fmt.Errorf("gbm: max_bins must be in [2, %d], got %d", math.MaxUint16, p.MaxBins)
	}
	return nil
}

// Node is a tree node. Leaves have Left == -1 and carry the already shrunk Value.
type Node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) predict(x []float64) float64 {
	i := 0
	for t.Nodes[i].Left >= 0 {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

type Regressor struct {
	Params   Params  `json:"params"`
	Base     float64 `json:"base"`
	Features int     `json:"features"`
	Trees    []Tree  `json:"trees"`
}

func New(p Params) *Regressor {
	return &Regressor{Params: p}
}

// Fit trains the ensemble from scratch on X (rows) and y.
func (r *Regressor) Fit(X [][]float64, y []float64) error {
	if err := r.Params.validate(); err != nil {
		return err
	}
	if len(X) == 0 {
		return ErrEmptyInput
	}
	if len(X) != len(y) {
		return fmt.Errorf("gbm: %d rows but %d targets", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return errors.New("gbm: rows have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("gbm: row %d has %d features, want %d", i, len(row), width)
		}
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("gbm: target %d is not finite", i)
		}
	}

	bins := quantize(X, r.Params.MaxBins)

	n := len(y)
	var sum float64
	for _, v := range y {
		sum += v
	}
	r.Base = sum / float64(n)
	r.Features = width
	r.Trees = make([]Tree, 0, r.Params.NEstimators)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = r.Base
	}
	residual := make([]float64, n)
	idx := make([]int, n)

	g := &grower{params: r.Params, bins: bins}
	for m := 0; m < r.Params.NEstimators; m++ {
		for i := range residual {
			residual[i] = y[i] - pred[i]
			idx[i] = i
		}
		g.residual = residual
		g.nodes = nil
		g.grow(idx, 0)
		tree := Tree{Nodes: g.nodes}
		for i := range pred {
			pred[i] += tree.predict(X[i])
		}
		r.Trees = append(r.Trees, tree)
	}
	return nil
}

// Predict returns the ensemble output for one row.
func (r *Regressor) Predict(x []float64) (float64, error) {
	if len(x) != r.Features {
		return 0, fmt.Errorf("gbm: got %d features, model expects %d", len(x), r.Features)
	}
	out := r.Base
	for _, t := range r.Trees {
		out += t.predict(x)
	}
	return out, nil
}

// PredictBatch predicts every row of X.
func (r *Regressor) PredictBatch(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, x := range X {
		v, err := r.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

type binned struct {
	codes      [][]uint16  // [feature][row]
	thresholds [][]float64 // [feature][bin] upper bound, inclusive
}

func quantize(X [][]float64, maxBins int) binned {
	width := len(X[0])
	b := binned{
		codes:      make([][]uint16, width),
		thresholds: make([][]float64, width),
	}
	col := make([]float64, len(X))
	for f := 0; f < width; f++ {
		for i := range X {
			col[i] = X[i][f]
		}
		th := thresholds(col, maxBins)
		codes := make([]uint16, len(X))
		for i := range X {
			codes[i] = uint16(sort.SearchFloat64s(th, X[i][f]))
		}
		b.codes[f] = codes
		b.thresholds[f] = th
	}
	return b
}

// thresholds returns ascending cut points; a value v falls in the first bin
// whose threshold is >= v, or in the overflow bin after the last one.
func thresholds(col []float64, maxBins int) []float64 {
	sorted := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	uniq := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			uniq = append(uniq, v)
		}
	}
	if len(uniq) <= 1 {
		return nil
	}
	if len(uniq) <= maxBins {
		th := make([]float64, len(uniq)-1)
		for i := range th {
			th[i] = (uniq[i] + uniq[i+1]) / 2
		}
		return th
	}

	th := make([]float64, 0, maxBins-1)
	for q := 1; q < maxBins; q++ {
		v := sorted[q*len(sorted)/maxBins]
		if len(th) == 0 || v > th[len(th)-1] {
			th = append(th, v)
		}
	}
	if th[len(th)-1] >= uniq[len(uniq)-1] {
		th = th[:len(th)-1]
	}
	return th
}

type grower struct {
	params   Params
	bins     binned
	residual []float64
	nodes    []Node

	count []int
	sum   []float64
}

type split struct {
	feature int
	bin     int
	gain    float64
}

// grow appends the subtree for idx and returns its node index.
func (g *grower) grow(idx []int, depth int) int {
	var total float64
	for _, i := range idx {
		total += g.residual[i]
	}
	n := len(idx)
	self := len(g.nodes)
	g.nodes = append(g.nodes, Node{Left: -1, Value: g.params.LearningRate * total / float64(n)})

	if depth >= g.params.MaxDepth || n < 2*g.params.MinSamplesLeaf {
		return self
	}

	best, ok := g.bestSplit(idx, total)
	if !ok {
		return self
	}

	codes := g.bins.codes[best.feature]
	left := make([]int, 0, n)
	right := make([]int, 0, n)
	for _, i := range idx {
		if int(codes[i]) <= best.bin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := g.grow(left, depth+1)
	r := g.grow(right, depth+1)
	g.nodes[self] = Node{
		Feature:   best.feature,
		Threshold: g.bins.thresholds[best.feature][best.bin],
		Left:      l,
		Right:     r,
	}
	return self
}

func (g *grower) bestSplit(idx []int, total float64) (split, bool) {
	n := float64(len(idx))
	parent := total * total / n
	minLeaf := g.params.MinSamplesLeaf
	best := split{gain: 1e-12}
	found := false

	for f, th := range g.bins.thresholds {
		nb := len(th) + 1
		if nb < 2 {
			continue
		}
		if cap(g.count) < nb {
			g.count = make([]int, nb)
			g.sum = make([]float64, nb)
		}
		count, sum := g.count[:nb], g.sum[:nb]
		for b := range count {
			count[b] = 0
			sum[b] = 0
		}
		codes := g.bins.codes[f]
		for _, i := range idx {
			c := codes[i]
			count[c]++
			sum[c] += g.residual[i]
		}

		var nl int
		var sl float64
		for b := 0; b < nb-1; b++ {
			nl += count[b]
			sl += sum[b]
			nr := len(idx) - nl
			if nl < minLeaf {
				continue
			}
			if nr < minLeaf {
				break
			}
			sr := total - sl
			gain := sl*sl/float64(nl) + sr*sr/float64(nr) - parent
			if gain > best.gain {
				best = split{feature: f, bin: b, gain: gain}
				found = true
			}
		}
	}
	return best, found
}
