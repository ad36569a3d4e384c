package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"layerguard/internal/calibrate"
	"layerguard/internal/fusion"
	"layerguard/internal/model"
	"layerguard/internal/nullstat"
)

// LayerStatistics fits a null model per layer on part of the correctly
// classified clean training data, calibrates p-values on the rest and fuses the
// layer p-values of a sample under its predicted class.
type LayerStatistics struct {
	base

	Models []nullstat.Estimator `json:"models"`
	Table  *calibrate.Table     `json:"calibration"`
	Fuser  fusion.Fuser         `json:"fuser"`
}

func (d *LayerStatistics) Fit(ctx context.Context, in FitInput) error {
	if err := in.Clean.validate("clean"); err != nil {
		return err
	}
	if err := needPredicted(d.method, in.Clean.Predicted, in.Clean.Embeddings.Rows()); err != nil {
		return err
	}
	if in.Clean.Labels == nil {
		return fmt.Errorf("%w: clean split has no labels", model.ErrShapeMismatch)
	}
	emb, err := d.prepare(in.Clean.Embeddings)
	if err != nil {
		return err
	}

	fitIdx, calIdx := d.splitCalibration(in.Clean.Labels, in.Clean.Predicted)
	if len(fitIdx) == 0 || len(calIdx) == 0 {
		return fmt.Errorf("%w: too few correctly classified samples to fit and calibrate", model.ErrShapeMismatch)
	}
	fitLabels := pickInts(in.Clean.Labels, fitIdx)

	numLayers := emb.NumLayers()
	d.Models = make([]nullstat.Estimator, numLayers)
	nulls := make([]map[calibrate.Key][]float64, numLayers)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for l := 0; l < numLayers; l++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			est, err := nullstat.New(nullstat.Options{
				Kind:            d.opts.TestStatistic,
				CombineLowProba: d.opts.CombineLowProba,
				Seed:            d.opts.Seed + int64(l),
				Logger:          d.opts.Logger,
				Layer:           l,
			})
			if err != nil {
				return err
			}
			layer := emb.Layer(l)
			if err := est.Fit(pickRows(layer, fitIdx), fitLabels, fitLabels); err != nil {
				return fmt.Errorf("layer %d: %w", l, err)
			}
			null := make(map[calibrate.Key][]float64)
			for _, i := range calIdx {
				c := in.Clean.Labels[i]
				s, err := est.Statistic(layer[i], c)
				if err != nil {
					return fmt.Errorf("layer %d: %w", l, err)
				}
				key := calibrate.Key{Layer: l, Class: c}
				null[key] = append(null[key], s)
			}
			d.Models[l] = est
			nulls[l] = null
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := make(map[calibrate.Key][]float64)
	for _, null := range nulls {
		for k, v := range null {
			merged[k] = v
		}
	}
	d.Table = calibrate.Calibrate(merged)
	sel := d.opts.Selection.Resolve(numLayers, d.opts.Logger)
	d.Fuser, err = fusion.NewFuser(d.opts.Fusion, sel)
	return err
}

// splitCalibration shuffles the correct samples of each class and holds out
// CalibrationFraction of them for p-value calibration.
func (d *LayerStatistics) splitCalibration(labels, predicted []int) ([]int, []int) {
	byClass, classes := correctIndices(labels, predicted)
	rng := rand.New(rand.NewSource(d.opts.Seed))
	var fitIdx, calIdx []int
	for _, c := range classes {
		idx := append([]int(nil), byClass[c]...)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		nCal := int(float64(len(idx)) * d.opts.CalibrationFraction)
		if len(idx) >= 2 && nCal == 0 {
			nCal = 1
		}
		calIdx = append(calIdx, idx[:nCal]...)
		fitIdx = append(fitIdx, idx[nCal:]...)
	}
	return fitIdx, calIdx
}

func (d *LayerStatistics) Score(ctx context.Context, b Batch) ([]float64, error) {
	if d.Table == nil {
		return nil, errNotFitted
	}
	pvals, err := d.LayerPValues(ctx, b)
	if err != nil {
		return nil, err
	}
	return d.Fuser.Score(pvals)
}

// LayerPValues returns the per-layer p-values of every sample in b.
func (d *LayerStatistics) LayerPValues(ctx context.Context, b Batch) ([][]float64, error) {
	if d.Table == nil {
		return nil, errNotFitted
	}
	if err := b.Embeddings.Validate(); err != nil {
		return nil, err
	}
	rows := b.Embeddings.Rows()
	if err := needPredicted(d.method, b.Predicted, rows); err != nil {
		return nil, err
	}
	emb, err := d.prepare(b.Embeddings)
	if err != nil {
		return nil, err
	}
	if err := checkLayerCount(len(d.Models), emb.NumLayers()); err != nil {
		return nil, err
	}
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p := make([]float64, len(d.Models))
		for l, est := range d.Models {
			s, err := est.Statistic(emb.Layers[l][i], b.Predicted[i])
			if err != nil {
				return nil, fmt.Errorf("layer %d row %d: %w", l, i, err)
			}
			p[l], err = d.Table.PValue(s, l, b.Predicted[i])
			if err != nil {
				return nil, err
			}
		}
		out[i] = p
	}
	return out, nil
}

func (d *LayerStatistics) Snapshot() ([]byte, error) {
	if d.Table == nil {
		return nil, errNotFitted
	}
	return json.Marshal(snapshot{Method: d.method, State: d})
}
