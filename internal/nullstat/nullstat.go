// Package nullstat fits per-class reference (null) distributions of one layer's
// embeddings and turns new embeddings into test statistics under that null.
// Larger statistics mean the embedding is less typical of the class.
package nullstat

import (
	"fmt"
	"log/slog"
	"sort"

	"layerguard/internal/model"
)

type Kind string

const (
	Multinomial Kind = "multinomial"
	Gaussian    Kind = "gaussian"
)

// PooledClass keys the all-class model used for small or unseen classes.
const PooledClass = -1

const (
	defaultNumBins            = 10
	defaultSmoothing          = 0.5
	defaultMinClassSamples    = 20
	defaultMaxQuantileSamples = 10000
	defaultRegularization     = 1e-6
)

type Options struct {
	Kind Kind
	// NumBins is the number of quantile bins per feature (multinomial).
	NumBins int
	// CombineLowProba additionally pools runs of adjacent smoothed bins whose
	// probability is below MinBinProba, spreading the run's mass evenly.
	CombineLowProba bool
	MinBinProba     float64
	Smoothing       float64
	// MinClassSamples is the correct-sample count below which a class uses the
	// pooled model.
	MinClassSamples    int
	MaxQuantileSamples int
	// Regularization is the ridge added to the covariance diagonal (gaussian).
	Regularization float64
	Seed           int64
	Logger         *slog.Logger
	// Layer only labels log records.
	Layer int
}

func (o Options) withDefaults() Options {
	if o.NumBins <= 0 {
		o.NumBins = defaultNumBins
	}
	if o.MinBinProba <= 0 {
		o.MinBinProba = 1.0 / float64(4*o.NumBins)
	}
	if o.Smoothing <= 0 {
		o.Smoothing = defaultSmoothing
	}
	if o.MinClassSamples <= 0 {
		o.MinClassSamples = defaultMinClassSamples
	}
	if o.MaxQuantileSamples <= 0 {
		o.MaxQuantileSamples = defaultMaxQuantileSamples
	}
	if o.Regularization <= 0 {
		o.Regularization = defaultRegularization
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Estimator is the fit/statistic contract shared by every null model kind.
type Estimator interface {
	Fit(train [][]float64, labels, predicted []int) error
	Statistic(x []float64, class int) (float64, error)
	// Classes lists the classes with a dedicated (not pooled) model.
	Classes() []int
}

func New(opts Options) (Estimator, error) {
	opts = opts.withDefaults()
	switch opts.Kind {
	case Multinomial, "":
		return &MultinomialModel{opts: opts}, nil
	case Gaussian:
		return &GaussianModel{opts: opts}, nil
	default:
		return nil, model.Configf("unsupported test statistic: %s", opts.Kind)
	}
}

// correctByClass groups the rows whose true label equals the prediction.
func correctByClass(train [][]float64, labels, predicted []int) (map[int][]int, []int, error) {
	if len(labels) != len(train) || len(predicted) != len(train) {
		return nil, nil, fmt.Errorf("%w: %d rows, %d labels, %d predictions", model.ErrShapeMismatch, len(train), len(labels), len(predicted))
	}
	byClass := make(map[int][]int)
	all := make([]int, 0, len(train))
	for i := range train {
		if labels[i] != predicted[i] {
			continue
		}
		byClass[labels[i]] = append(byClass[labels[i]], i)
		all = append(all, i)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%w: no correctly classified training samples", model.ErrShapeMismatch)
	}
	return byClass, all, nil
}

func sortedClasses(byClass map[int][]int) []int {
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	return classes
}
