package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"layerguard/internal/model"
	"layerguard/internal/nn"
)

// SynthOptions shapes a synthetic detection benchmark: Gaussian class clusters,
// noisy copies of clean samples, and adversarial copies pushed toward the
// neighbouring class.
type SynthOptions struct {
	NumFolds      int
	NumClasses    int
	Dim           int
	TrainPerClass int
	TestPerClass  int
	Radius        float64
	Spread        float64
	NoiseStd      float64
	// AttackStrength is the fraction of the way an adversarial copy moves from
	// its class centre toward the next class centre.
	AttackStrength float64
	Seed           int64
}

func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		NumFolds:       5,
		NumClasses:     3,
		Dim:            4,
		TrainPerClass:  120,
		TestPerClass:   40,
		Radius:         3,
		Spread:         0.6,
		NoiseStd:       0.1,
		AttackStrength: 0.65,
		Seed:           1,
	}
}

func (o SynthOptions) Validate() error {
	switch {
	case o.NumFolds < 1:
		return model.Configf("synthetic folds must be at least 1, got %d", o.NumFolds)
	case o.NumClasses < 2:
		return model.Configf("synthetic classes must be at least 2, got %d", o.NumClasses)
	case o.Dim < 1:
		return model.Configf("synthetic dimension must be at least 1, got %d", o.Dim)
	case o.TrainPerClass < 1 || o.TestPerClass < 1:
		return model.Configf("synthetic sample counts must be positive")
	case o.Radius <= 0 || o.Spread <= 0 || o.NoiseStd < 0:
		return model.Configf("synthetic radius and spread must be positive")
	case o.AttackStrength <= 0 || o.AttackStrength > 1:
		return model.Configf("attack strength must be in (0, 1], got %v", o.AttackStrength)
	}
	return nil
}

// Synthetic is a generated benchmark with its class centres.
type Synthetic struct {
	Centers [][]float64
	Folds   []model.Fold
}

// Source exposes the folds to the harness.
func (s Synthetic) Source() MemorySource {
	return MemorySource{Folds: s.Folds}
}

func Synthesize(opts SynthOptions) (Synthetic, error) {
	if err := opts.Validate(); err != nil {
		return Synthetic{}, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	centers := make([][]float64, opts.NumClasses)
	for c := range centers {
		centers[c] = center(rng, c, opts.Dim, opts.Radius)
	}

	out := Synthetic{Centers: centers, Folds: make([]model.Fold, opts.NumFolds)}
	for i := range out.Folds {
		train := sampleClusters(rng, centers, opts.TrainPerClass, opts.Spread)
		test := sampleClusters(rng, centers, opts.TestPerClass, opts.Spread)
		out.Folds[i] = model.Fold{
			Index:      i,
			CleanTrain: train,
			CleanTest:  test,
			NoisyTrain: perturb(rng, train, opts.NoiseStd),
			NoisyTest:  perturb(rng, test, opts.NoiseStd),
			AdvTrain:   attack(rng, train, centers, opts),
			AdvTest:    attack(rng, test, centers, opts),
		}
	}
	return out, nil
}

// center places the first 2·dim classes on ±radius along the axes and draws
// random directions for the rest.
func center(rng *rand.Rand, class, dim int, radius float64) []float64 {
	if class < 2*dim {
		v := make([]float64, dim)
		v[class%dim] = radius
		if class >= dim {
			v[class%dim] = -radius
		}
		return v
	}
	return randomDirection(rng, dim, radius)
}

func randomDirection(rng *rand.Rand, dim int, radius float64) []float64 {
	v := make([]float64, dim)
	norm := 0.0
	for norm == 0 {
		for j := range v {
			v[j] = rng.NormFloat64()
			norm += v[j] * v[j]
		}
	}
	scale := radius / math.Sqrt(norm)
	for j := range v {
		v[j] *= scale
	}
	return v
}

func sampleClusters(rng *rand.Rand, centers [][]float64, perClass int, spread float64) model.LabeledInputs {
	var out model.LabeledInputs
	for i := 0; i < perClass; i++ {
		for c, center := range centers {
			x := make([]float64, len(center))
			for j, mu := range center {
				x[j] = mu + rng.NormFloat64()*spread
			}
			out.Inputs = append(out.Inputs, x)
			out.Labels = append(out.Labels, c)
		}
	}
	return out
}

func perturb(rng *rand.Rand, set model.LabeledInputs, std float64) model.LabeledInputs {
	out := model.LabeledInputs{
		Inputs: make([][]float64, len(set.Inputs)),
		Labels: append([]int(nil), set.Labels...),
	}
	for i, x := range set.Inputs {
		y := make([]float64, len(x))
		for j, v := range x {
			y[j] = v + rng.NormFloat64()*std
		}
		out.Inputs[i] = y
	}
	return out
}

// attack moves every sample toward the centre of the next class and keeps the
// true label.
func attack(rng *rand.Rand, set model.LabeledInputs, centers [][]float64, opts SynthOptions) model.LabeledInputs {
	out := model.LabeledInputs{
		Inputs: make([][]float64, len(set.Inputs)),
		Labels: append([]int(nil), set.Labels...),
	}
	for i, x := range set.Inputs {
		target := centers[(set.Labels[i]+1)%len(centers)]
		y := make([]float64, len(x))
		for j, v := range x {
			y[j] = v + opts.AttackStrength*(target[j]-v) + rng.NormFloat64()*opts.NoiseStd
		}
		out.Inputs[i] = y
	}
	return out
}

// ReferenceNetwork builds a nearest-centre classifier with two tappable layers:
// the rectified positive and negative parts of the input, and the input
// rebuilt from them.
func ReferenceNetwork(centers [][]float64) (*nn.Network, error) {
	if len(centers) < 2 {
		return nil, model.Configf("reference network needs at least two centres")
	}
	dim := len(centers[0])
	split := nn.Dense{Name: "split", Activation: "relu", Bias: make([]float64, 2*dim)}
	for j := 0; j < dim; j++ {
		pos := make([]float64, dim)
		pos[j] = 1
		split.Weights = append(split.Weights, pos)
	}
	for j := 0; j < dim; j++ {
		neg := make([]float64, dim)
		neg[j] = -1
		split.Weights = append(split.Weights, neg)
	}

	merge := nn.Dense{Name: "merge", Activation: "identity", Bias: make([]float64, dim)}
	for j := 0; j < dim; j++ {
		row := make([]float64, 2*dim)
		row[j] = 1
		row[dim+j] = -1
		merge.Weights = append(merge.Weights, row)
	}

	// logit_z = c_z·x - |c_z|²/2 ranks classes by distance to their centre
	out := nn.Dense{Name: "logits", Activation: "identity"}
	for z, c := range centers {
		if len(c) != dim {
			return nil, fmt.Errorf("%w: centre %d has %d features, want %d", model.ErrShapeMismatch, z, len(c), dim)
		}
		sq := 0.0
		for _, v := range c {
			sq += v * v
		}
		out.Weights = append(out.Weights, append([]float64(nil), c...))
		out.Bias = append(out.Bias, -sq/2)
	}

	net := &nn.Network{
		VersionedRecord: model.VersionedRecord{SchemaVersion: nn.CurrentSchemaVersion, CodecVersion: nn.CurrentCodecVersion},
		ID:              "reference",
		Layers:          []nn.Dense{split, merge, out},
	}
	if err := net.Validate(); err != nil {
		return nil, err
	}
	return net, nil
}
