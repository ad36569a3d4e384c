package stats

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"layerguard/internal/model"
)

const (
	DefaultNumProportions = 10
	DefaultSweepTrials    = 5
)

type SweepOptions struct {
	// MaxProportion is the largest attack share swept, in (0, 1].
	MaxProportion  float64
	NumProportions int
	// Trials is the number of seeded subsamples averaged per fold and proportion.
	Trials     int
	FPRTargets []float64
	Seed       int64
}

func (o SweepOptions) withDefaults() (SweepOptions, error) {
	if o.MaxProportion <= 0 || o.MaxProportion > 1 {
		return o, model.Configf("max attack proportion must be in (0, 1], got %v", o.MaxProportion)
	}
	if o.NumProportions <= 0 {
		o.NumProportions = DefaultNumProportions
	}
	if o.Trials <= 0 {
		o.Trials = DefaultSweepTrials
	}
	if o.FPRTargets == nil {
		o.FPRTargets = DefaultFPRTargets
	}
	return o, nil
}

// Proportions returns the evenly spaced attack shares max/n, 2·max/n, ..., max.
func (o SweepOptions) Proportions() []float64 {
	out := make([]float64, o.NumProportions)
	for i := range out {
		out[i] = o.MaxProportion * float64(i+1) / float64(o.NumProportions)
	}
	return out
}

// MetricSummary is the mean and standard deviation of one metric across folds.
type MetricSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

type ProportionMetrics struct {
	Proportion       float64         `json:"proportion"`
	AUC              MetricSummary   `json:"auc"`
	AveragePrecision MetricSummary   `json:"average_precision"`
	TPRAtFPR         []MetricSummary `json:"tpr_at_fpr"`
	// PerFold holds the trial-averaged metrics of every fold.
	PerFold []Metrics `json:"per_fold"`
}

// SweepProportions recomputes the metrics of every fold after subsampling
// attack and clean scores so that attacks make up each swept proportion.
func SweepProportions(scoresPerFold [][]float64, labelsPerFold [][]int, opts SweepOptions) ([]ProportionMetrics, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if len(scoresPerFold) != len(labelsPerFold) {
		return nil, fmt.Errorf("%w: %d score folds, %d label folds", model.ErrLengthMismatch, len(scoresPerFold), len(labelsPerFold))
	}
	if len(scoresPerFold) == 0 {
		return nil, fmt.Errorf("no folds to evaluate")
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	proportions := opts.Proportions()
	out := make([]ProportionMetrics, 0, len(proportions))
	for _, p := range proportions {
		pm := ProportionMetrics{Proportion: p, PerFold: make([]Metrics, 0, len(scoresPerFold))}
		for fold := range scoresPerFold {
			m, err := sweepFold(rng, scoresPerFold[fold], labelsPerFold[fold], p, opts)
			if err != nil {
				return nil, fmt.Errorf("fold %d proportion %v: %w", fold+1, p, err)
			}
			pm.PerFold = append(pm.PerFold, m)
		}
		pm.AUC = summarize(pm.PerFold, func(m Metrics) float64 { return m.AUC })
		pm.AveragePrecision = summarize(pm.PerFold, func(m Metrics) float64 { return m.AveragePrecision })
		pm.TPRAtFPR = make([]MetricSummary, len(opts.FPRTargets))
		for i := range opts.FPRTargets {
			pm.TPRAtFPR[i] = summarize(pm.PerFold, func(m Metrics) float64 { return m.TPRAtFPR[i] })
		}
		out = append(out, pm)
	}
	return out, nil
}

func sweepFold(rng *rand.Rand, scores []float64, labels []int, p float64, opts SweepOptions) (Metrics, error) {
	if len(scores) != len(labels) {
		return Metrics{}, fmt.Errorf("%w: %d scores, %d labels", model.ErrLengthMismatch, len(scores), len(labels))
	}
	var pos, neg []int
	for i, label := range labels {
		if label == 1 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	if len(pos) == 0 || len(neg) == 0 {
		return Metrics{}, fmt.Errorf("fold needs both clean and attack scores")
	}
	nPos, nNeg := subsampleSizes(len(pos), len(neg), p)

	avg := Metrics{TPRAtFPR: make([]float64, len(opts.FPRTargets))}
	for trial := 0; trial < opts.Trials; trial++ {
		idx := append(pick(rng, pos, nPos), pick(rng, neg, nNeg)...)
		sort.Ints(idx)
		s := make([]float64, len(idx))
		l := make([]int, len(idx))
		for i, j := range idx {
			s[i], l[i] = scores[j], labels[j]
		}
		m, err := Evaluate(s, l, opts.FPRTargets)
		if err != nil {
			return Metrics{}, err
		}
		avg.AUC += m.AUC
		avg.AveragePrecision += m.AveragePrecision
		for i, v := range m.TPRAtFPR {
			avg.TPRAtFPR[i] += v
		}
		avg.Positives, avg.Negatives = m.Positives, m.Negatives
	}
	n := float64(opts.Trials)
	avg.AUC /= n
	avg.AveragePrecision /= n
	for i := range avg.TPRAtFPR {
		avg.TPRAtFPR[i] /= n
	}
	return avg, nil
}

// subsampleSizes keeps as many samples as possible while making positives a p
// share of the result.
func subsampleSizes(pos, neg int, p float64) (int, int) {
	if p >= 1 {
		return pos, neg
	}
	wantPos := int(math.Round(p / (1 - p) * float64(neg)))
	if wantPos >= 1 && wantPos <= pos {
		return wantPos, neg
	}
	if wantPos < 1 {
		wantNeg := int(math.Round((1 - p) / p))
		return 1, max(1, min(neg, wantNeg))
	}
	wantNeg := int(math.Round((1 - p) / p * float64(pos)))
	return pos, max(1, min(neg, wantNeg))
}

func pick(rng *rand.Rand, idx []int, n int) []int {
	if n >= len(idx) {
		return append([]int(nil), idx...)
	}
	perm := rng.Perm(len(idx))[:n]
	out := make([]int, n)
	for i, p := range perm {
		out[i] = idx[p]
	}
	return out
}

func summarize(folds []Metrics, value func(Metrics) float64) MetricSummary {
	values := make([]float64, len(folds))
	for i, m := range folds {
		values[i] = value(m)
	}
	if len(values) == 1 {
		return MetricSummary{Mean: values[0]}
	}
	mean, std := stat.MeanStdDev(values, nil)
	return MetricSummary{Mean: mean, Std: std}
}

// ProportionKey formats a proportion the way report files key it.
func ProportionKey(p float64) string {
	return strconv.FormatFloat(p, 'f', 4, 64)
}
