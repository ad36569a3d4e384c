package nullstat

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"layerguard/internal/model"
)

// MultinomialModel discretizes every feature into quantile bins and keeps, per
// class, the log reference probability of each (feature, bin) pair.
type MultinomialModel struct {
	opts Options

	// Edges[d] are the NumBins-1 inner bin edges of feature d.
	Edges [][]float64 `json:"edges"`
	// LogProba[class][d][b] is ln P(bin b | class) for feature d.
	LogProba map[int][][]float64 `json:"log_proba"`
	// Fallback lists classes that were too small and use the pooled model.
	Fallback []int `json:"fallback,omitempty"`
}

func (m *MultinomialModel) Fit(train [][]float64, labels, predicted []int) error {
	byClass, all, err := correctByClass(train, labels, predicted)
	if err != nil {
		return err
	}
	width := len(train[all[0]])
	for _, i := range all {
		if len(train[i]) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", model.ErrShapeMismatch, i, len(train[i]), width)
		}
	}

	m.Edges = quantileEdges(train, all, width, m.opts)
	m.LogProba = make(map[int][][]float64)
	m.LogProba[PooledClass] = m.classProba(train, all)
	for _, c := range sortedClasses(byClass) {
		idx := byClass[c]
		if len(idx) < m.opts.MinClassSamples {
			m.opts.Logger.Warn("class has too few samples, using pooled null model",
				"layer", m.opts.Layer, "class", c, "samples", len(idx), "min_samples", m.opts.MinClassSamples)
			m.Fallback = append(m.Fallback, c)
			continue
		}
		m.LogProba[c] = m.classProba(train, idx)
	}
	return nil
}

// Statistic returns -2 Σ_d ln P(bin(x_d) | class), the log-likelihood of the
// sample's bin vector under the class null.
func (m *MultinomialModel) Statistic(x []float64, class int) (float64, error) {
	if m.LogProba == nil {
		return 0, fmt.Errorf("multinomial model is not fitted")
	}
	if len(x) != len(m.Edges) {
		return 0, fmt.Errorf("%w: sample has %d features, model has %d", model.ErrShapeMismatch, len(x), len(m.Edges))
	}
	logp, ok := m.LogProba[class]
	if !ok {
		logp = m.LogProba[PooledClass]
	}
	total := 0.0
	for d, v := range x {
		total += logp[d][binIndex(m.Edges[d], v)]
	}
	return -2 * total, nil
}

func (m *MultinomialModel) Classes() []int {
	classes := make([]int, 0, len(m.LogProba))
	for c := range m.LogProba {
		if c != PooledClass {
			classes = append(classes, c)
		}
	}
	sort.Ints(classes)
	return classes
}

func (m *MultinomialModel) classProba(train [][]float64, idx []int) [][]float64 {
	bins := m.opts.NumBins
	out := make([][]float64, len(m.Edges))
	for d := range m.Edges {
		counts := make([]float64, bins)
		for _, i := range idx {
			counts[binIndex(m.Edges[d], train[i][d])]++
		}
		var proba []float64
		if m.opts.CombineLowProba {
			proba = combineLowProba(counts, m.opts.MinBinProba, m.opts.Smoothing)
		} else {
			proba = smoothProba(counts, m.opts.Smoothing)
		}
		for b := range proba {
			proba[b] = math.Log(proba[b])
		}
		out[d] = proba
	}
	return out
}

func quantileEdges(train [][]float64, all []int, width int, opts Options) [][]float64 {
	sample := all
	if len(sample) > opts.MaxQuantileSamples {
		rng := rand.New(rand.NewSource(opts.Seed))
		perm := rng.Perm(len(all))[:opts.MaxQuantileSamples]
		sample = make([]int, len(perm))
		for i, p := range perm {
			sample[i] = all[p]
		}
	}

	edges := make([][]float64, width)
	values := make([]float64, len(sample))
	for d := 0; d < width; d++ {
		for i, row := range sample {
			values[i] = train[row][d]
		}
		sort.Float64s(values)
		inner := make([]float64, opts.NumBins-1)
		for b := range inner {
			inner[b] = stat.Quantile(float64(b+1)/float64(opts.NumBins), stat.Empirical, values, nil)
		}
		edges[d] = inner
	}
	return edges
}

// binIndex returns the bin of v given sorted inner edges; a value equal to an
// edge falls in the lower bin.
func binIndex(edges []float64, v float64) int {
	return sort.SearchFloat64s(edges, v)
}

func smoothProba(counts []float64, alpha float64) []float64 {
	total := 0.0
	for _, c := range counts {
		total += c
	}
	denom := total + alpha*float64(len(counts))
	out := make([]float64, len(counts))
	for b, c := range counts {
		out[b] = (c + alpha) / denom
	}
	return out
}

// combineLowProba smooths counts with a pseudo-count alpha, then merges each
// run of adjacent bins below minProba into one group whose mass is shared
// evenly by its bins. Bins at or above the threshold keep their own estimate,
// so empty tail bins stay unlikely.
func combineLowProba(counts []float64, minProba, alpha float64) []float64 {
	out := smoothProba(counts, alpha)
	for start := 0; start < len(out); {
		if out[start] >= minProba {
			start++
			continue
		}
		end, mass := start, 0.0
		for end < len(out) && out[end] < minProba {
			mass += out[end]
			end++
		}
		for b := start; b < end; b++ {
			out[b] = mass / float64(end-start)
		}
		start = end
	}
	return out
}
