// Package detector implements the adversarial and out-of-distribution detectors
// that share one fit/score contract. Higher scores mean more anomalous.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"layerguard/internal/dimred"
	"layerguard/internal/embed"
	"layerguard/internal/fusion"
	"layerguard/internal/model"
	"layerguard/internal/nullstat"
)

type Method string

const (
	Proposed     Method = "proposed"
	LID          Method = "lid"
	LIDClassCond Method = "lid_class_cond"
	Mahalanobis  Method = "mahalanobis"
	TrustScore   Method = "trust"
	DeepKNN      Method = "dknn"
	OddsAreOdd   Method = "odds"
)

var methods = []Method{Proposed, LID, LIDClassCond, Mahalanobis, TrustScore, DeepKNN, OddsAreOdd}

// Methods lists every supported detection method.
func Methods() []Method {
	return append([]Method(nil), methods...)
}

func ParseMethod(name string) (Method, error) {
	for _, m := range methods {
		if string(m) == name {
			return m, nil
		}
	}
	return "", model.Configf("unknown detection method: %q", name)
}

// NeedsAdversarialTrain reports whether fitting uses adversarial training data.
func (m Method) NeedsAdversarialTrain() bool {
	switch m {
	case LID, LIDClassCond, Mahalanobis:
		return true
	}
	return false
}

// UsesNoisyTrain reports whether noisy training data joins the clean class when
// it is supplied.
func (m Method) UsesNoisyTrain() bool {
	switch m {
	case LID, LIDClassCond, Mahalanobis:
		return true
	}
	return false
}

// NeedsModel reports whether the method queries the classifier itself.
func (m Method) NeedsModel() bool {
	return m == OddsAreOdd
}

// AppliesProjection reports whether per-layer dimension reduction is applied
// before fitting.
func (m Method) AppliesProjection() bool {
	return m == Proposed || m == TrustScore
}

// Split is one labeled sample set with its layer embeddings.
type Split struct {
	Inputs     [][]float64
	Embeddings model.EmbeddingSet
	Labels     []int
	Predicted  []int
}

func (s *Split) validate(name string) error {
	if err := s.Embeddings.Validate(); err != nil {
		return fmt.Errorf("%s split: %w", name, err)
	}
	n := s.Embeddings.Rows()
	if s.Labels != nil && len(s.Labels) != n {
		return fmt.Errorf("%w: %s split has %d embeddings and %d labels", model.ErrShapeMismatch, name, n, len(s.Labels))
	}
	if s.Predicted != nil && len(s.Predicted) != n {
		return fmt.Errorf("%w: %s split has %d embeddings and %d predictions", model.ErrShapeMismatch, name, n, len(s.Predicted))
	}
	if s.Inputs != nil && len(s.Inputs) != n {
		return fmt.Errorf("%w: %s split has %d embeddings and %d inputs", model.ErrShapeMismatch, name, n, len(s.Inputs))
	}
	return nil
}

// FitInput carries the training data of one fold. Noisy and Adversarial are nil
// when they were not extracted.
type FitInput struct {
	Clean       Split
	Noisy       *Split
	Adversarial *Split
}

// Batch is one set of samples to score.
type Batch struct {
	Inputs     [][]float64
	Embeddings model.EmbeddingSet
	Predicted  []int
}

type Detector interface {
	Method() Method
	Fit(ctx context.Context, in FitInput) error
	Score(ctx context.Context, b Batch) ([]float64, error)
	// Snapshot serializes the fitted state.
	Snapshot() ([]byte, error)
}

const (
	DefaultCalibrationFraction = 0.5
	DefaultTrustAlpha          = 0.0625
	DefaultLIDBatches          = 10
	DefaultNoiseStd            = 0.05
	DefaultNoiseSamples        = 16
	DefaultValidationFraction  = 0.3
)

// DefaultEpsilons is the noise magnitude grid searched by the Mahalanobis
// detector.
var DefaultEpsilons = []float64{0, 0.0005, 0.001, 0.0014, 0.002, 0.005, 0.01}

type Options struct {
	TestStatistic   nullstat.Kind
	Fusion          fusion.Method
	Selection       fusion.Selection
	CombineLowProba bool
	// NumNeighbors <= 0 selects ceil(n^0.4) neighbors.
	NumNeighbors        int
	CalibrationFraction float64
	// TrustLayer indexes the embedding layers; negative values count from the end.
	TrustLayer int
	TrustAlpha float64
	// LIDBatches > 1 scores LID queries in that many partitions.
	LIDBatches         int
	Epsilons           []float64
	ValidationFraction float64
	NoiseStd           float64
	NoiseSamples       int
	MaxIterations      int
	Workers            int
	Seed               int64
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CalibrationFraction <= 0 || o.CalibrationFraction >= 1 {
		o.CalibrationFraction = DefaultCalibrationFraction
	}
	if o.TrustAlpha <= 0 || o.TrustAlpha >= 1 {
		o.TrustAlpha = DefaultTrustAlpha
	}
	if len(o.Epsilons) == 0 {
		o.Epsilons = DefaultEpsilons
	}
	if o.ValidationFraction <= 0 || o.ValidationFraction >= 1 {
		o.ValidationFraction = DefaultValidationFraction
	}
	if o.NoiseStd <= 0 {
		o.NoiseStd = DefaultNoiseStd
	}
	if o.NoiseSamples <= 0 {
		o.NoiseSamples = DefaultNoiseSamples
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Deps are collaborators a detector may need besides embeddings.
type Deps struct {
	Model       embed.Model
	Projections *dimred.Set
}

// New builds an unfitted detector for method.
func New(method Method, opts Options, deps Deps) (Detector, error) {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("method", string(method))
	if method.NeedsModel() && deps.Model == nil {
		return nil, model.Configf("method %s needs a model", method)
	}
	b := base{method: method, opts: opts}
	if method.AppliesProjection() {
		b.projections = deps.Projections
	}
	switch method {
	case Proposed:
		if _, err := nullstat.New(nullstat.Options{Kind: opts.TestStatistic}); err != nil {
			return nil, err
		}
		if _, err := fusion.NewFuser(opts.Fusion, opts.Selection); err != nil {
			return nil, err
		}
		return &LayerStatistics{base: b}, nil
	case LID:
		return &LIDDetector{base: b}, nil
	case LIDClassCond:
		return &LIDDetector{base: b, classConditional: true}, nil
	case Mahalanobis:
		return &MahalanobisDetector{base: b}, nil
	case TrustScore:
		return &TrustScoreDetector{base: b}, nil
	case DeepKNN:
		return &DeepKNNDetector{base: b}, nil
	case OddsAreOdd:
		return &OddsDetector{base: b, model: deps.Model}, nil
	default:
		return nil, model.Configf("unknown detection method: %q", method)
	}
}

type base struct {
	method      Method
	opts        Options
	projections *dimred.Set
}

func (b *base) Method() Method {
	return b.method
}

// prepare applies the projections and, for the last-k selection, keeps only
// the deepest layers. The proposed detector selects layers on p-values instead.
func (b *base) prepare(emb model.EmbeddingSet) (model.EmbeddingSet, error) {
	if b.projections != nil {
		var err error
		emb, err = b.projections.Apply(emb)
		if err != nil {
			return model.EmbeddingSet{}, err
		}
	}
	if b.method != Proposed && b.opts.Selection.Mode == fusion.LastK {
		sel := b.opts.Selection.Resolve(emb.NumLayers(), b.opts.Logger)
		if sel.Mode == fusion.LastK {
			emb = emb.SliceLayers(emb.NumLayers() - sel.K)
		}
	}
	return emb, nil
}

func missingAux(method Method, what string) error {
	return fmt.Errorf("%w: %w: method %s needs %s training data", model.ErrMissingAuxiliaryData, model.ErrConfiguration, method, what)
}

func needPredicted(method Method, predicted []int, rows int) error {
	if predicted == nil {
		return model.Configf("method %s needs predicted labels", method)
	}
	if len(predicted) != rows {
		return fmt.Errorf("%w: %d rows and %d predicted labels", model.ErrShapeMismatch, rows, len(predicted))
	}
	return nil
}

// correctIndices returns the rows whose label equals the prediction, grouped by
// class in ascending class order.
func correctIndices(labels, predicted []int) (map[int][]int, []int) {
	byClass := make(map[int][]int)
	for i := range labels {
		if predicted == nil || labels[i] == predicted[i] {
			byClass[labels[i]] = append(byClass[labels[i]], i)
		}
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	return byClass, classes
}

func checkLayerCount(fitted, got int) error {
	if fitted != got {
		return fmt.Errorf("%w: detector was fitted on %d layers, batch has %d", model.ErrShapeMismatch, fitted, got)
	}
	return nil
}
