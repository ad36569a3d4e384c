package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"layerguard/internal/embed"
	"layerguard/internal/model"
)

// OddsDetector implements the odds-are-odd test: adding Gaussian noise to an
// adversarial input shifts the logit gaps f_z - f_y toward the true class much
// more than it does for clean inputs. Shifts are standardized per (y, z) with
// statistics from clean training inputs.
type OddsDetector struct {
	base
	model embed.Model

	NumClasses int `json:"num_classes"`
	// Mean[y][z] and Std[y][z] describe the clean noise-induced shift of g_z
	// for inputs predicted as y.
	Mean [][]float64 `json:"mean"`
	Std  [][]float64 `json:"std"`
}

func (d *OddsDetector) extractor() embed.Extractor {
	return embed.Extractor{Workers: d.opts.Workers}
}

func (d *OddsDetector) Fit(ctx context.Context, in FitInput) error {
	if in.Clean.Inputs == nil {
		return model.Configf("method %s needs raw clean inputs", d.method)
	}
	shifts, predicted, err := d.shifts(ctx, in.Clean.Inputs, d.opts.Seed)
	if err != nil {
		return err
	}
	if len(shifts) == 0 {
		return fmt.Errorf("%w: no clean training inputs", model.ErrShapeMismatch)
	}
	d.NumClasses = len(shifts[0])
	d.Mean = make([][]float64, d.NumClasses)
	d.Std = make([][]float64, d.NumClasses)

	// pooled[z] backs classes that were never predicted
	pooledMean := make([]float64, d.NumClasses)
	pooledStd := make([]float64, d.NumClasses)
	for z := 0; z < d.NumClasses; z++ {
		col := make([]float64, len(shifts))
		for i := range shifts {
			col[i] = shifts[i][z]
		}
		pooledMean[z], pooledStd[z] = meanStd(col)
	}
	for y := 0; y < d.NumClasses; y++ {
		d.Mean[y] = make([]float64, d.NumClasses)
		d.Std[y] = make([]float64, d.NumClasses)
		var rows []int
		for i, p := range predicted {
			if p == y {
				rows = append(rows, i)
			}
		}
		for z := 0; z < d.NumClasses; z++ {
			if len(rows) < 2 {
				d.Mean[y][z], d.Std[y][z] = pooledMean[z], pooledStd[z]
				continue
			}
			col := make([]float64, len(rows))
			for j, i := range rows {
				col[j] = shifts[i][z]
			}
			d.Mean[y][z], d.Std[y][z] = meanStd(col)
		}
	}
	return nil
}

func meanStd(values []float64) (float64, float64) {
	if len(values) < 2 {
		if len(values) == 1 {
			return values[0], 1
		}
		return 0, 1
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return mean, std
}

// shifts returns, per input, the mean change of g_z = f_z - f_y under noise,
// with y the prediction on the clean input. The y entry is always zero.
func (d *OddsDetector) shifts(ctx context.Context, inputs [][]float64, seed int64) ([][]float64, []int, error) {
	ex := d.extractor()
	logits, predicted, err := ex.ExtractLogits(ctx, d.model, inputs)
	if err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, len(inputs))
	for i := range out {
		out[i] = make([]float64, len(logits[i]))
	}
	noisy := make([][]float64, len(inputs))
	for s := 0; s < d.opts.NoiseSamples; s++ {
		for i, x := range inputs {
			row := make([]float64, len(x))
			for j, v := range x {
				row[j] = v + rng.NormFloat64()*d.opts.NoiseStd
			}
			noisy[i] = row
		}
		noisyLogits, _, err := ex.ExtractLogits(ctx, d.model, noisy)
		if err != nil {
			return nil, nil, err
		}
		for i := range inputs {
			y := predicted[i]
			for z := range logits[i] {
				if z == y {
					continue
				}
				clean := logits[i][z] - logits[i][y]
				moved := noisyLogits[i][z] - noisyLogits[i][y]
				out[i][z] += (moved - clean) / float64(d.opts.NoiseSamples)
			}
		}
	}
	return out, predicted, nil
}

func (d *OddsDetector) Score(ctx context.Context, b Batch) ([]float64, error) {
	if d.Mean == nil {
		return nil, errNotFitted
	}
	if b.Inputs == nil {
		return nil, model.Configf("method %s needs raw inputs to score", d.method)
	}
	shifts, predicted, err := d.shifts(ctx, b.Inputs, d.opts.Seed+1)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(shifts))
	for i, row := range shifts {
		if len(row) != d.NumClasses {
			return nil, fmt.Errorf("%w: model returned %d logits, detector expects %d", model.ErrShapeMismatch, len(row), d.NumClasses)
		}
		y := predicted[i]
		best := math.Inf(-1)
		for z, v := range row {
			if z == y {
				continue
			}
			best = math.Max(best, (v-d.Mean[y][z])/d.Std[y][z])
		}
		if math.IsInf(best, -1) {
			best = 0
		}
		out[i] = best
	}
	return out, nil
}

func (d *OddsDetector) Snapshot() ([]byte, error) {
	if d.Mean == nil {
		return nil, errNotFitted
	}
	return json.Marshal(snapshot{Method: d.method, State: d})
}
