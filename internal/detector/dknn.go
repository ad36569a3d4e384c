package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"layerguard/internal/calibrate"
	"layerguard/internal/knn"
	"layerguard/internal/model"
)

// DeepKNNDetector pools the k nearest clean training neighbours of every layer.
// The non-conformity of class j is the fraction of those neighbours whose label
// differs from j; credibility is its empirical p-value on a held-out
// calibration set, and the score is one minus the credibility of the dkNN
// prediction.
type DeepKNNDetector struct {
	base

	K           int              `json:"k"`
	Classes     []int            `json:"classes"`
	Calibration *calibrate.Table `json:"calibration"`

	index  []*knn.Index
	labels []int
}

func (d *DeepKNNDetector) Fit(ctx context.Context, in FitInput) error {
	if err := in.Clean.validate("clean"); err != nil {
		return err
	}
	if in.Clean.Labels == nil {
		return fmt.Errorf("%w: clean split has no labels", model.ErrShapeMismatch)
	}
	emb, err := d.prepare(in.Clean.Embeddings)
	if err != nil {
		return err
	}
	n := emb.Rows()
	if n < 3 {
		return fmt.Errorf("%w: deep k-NN needs at least 3 training samples, got %d", model.ErrShapeMismatch, n)
	}

	rng := rand.New(rand.NewSource(d.opts.Seed))
	perm := rng.Perm(n)
	nCal := max(1, int(float64(n)*d.opts.CalibrationFraction))
	if nCal >= n {
		nCal = n - 1
	}
	calIdx, refIdx := perm[:nCal], perm[nCal:]
	sort.Ints(calIdx)
	sort.Ints(refIdx)

	d.labels = pickInts(in.Clean.Labels, refIdx)
	seen := make(map[int]bool)
	for _, c := range d.labels {
		if !seen[c] {
			seen[c] = true
			d.Classes = append(d.Classes, c)
		}
	}
	sort.Ints(d.Classes)
	d.K = knn.ResolveK(d.opts.NumNeighbors, len(refIdx))
	d.index = make([]*knn.Index, emb.NumLayers())
	for l := range d.index {
		ix, err := knn.NewIndex(pickRows(emb.Layer(l), refIdx), d.opts.Workers)
		if err != nil {
			return fmt.Errorf("layer %d: %w", l, err)
		}
		d.index[l] = ix
	}

	counts, err := d.neighborCounts(ctx, emb.Subset(calIdx))
	if err != nil {
		return err
	}
	alphas := make([]float64, len(calIdx))
	for i, row := range calIdx {
		alphas[i] = d.nonConformity(counts[i], in.Clean.Labels[row])
	}
	d.Calibration = calibrate.Calibrate(map[calibrate.Key][]float64{
		{Layer: 0, Class: calibrate.PooledClass}: alphas,
	})
	return nil
}

// neighborCounts returns, per row, how many neighbours of each class were found
// across all layers.
func (d *DeepKNNDetector) neighborCounts(ctx context.Context, emb model.EmbeddingSet) ([]map[int]int, error) {
	if err := checkLayerCount(len(d.index), emb.NumLayers()); err != nil {
		return nil, err
	}
	counts := make([]map[int]int, emb.Rows())
	for i := range counts {
		counts[i] = make(map[int]int)
	}
	for l, ix := range d.index {
		res, err := ix.Query(ctx, emb.Layer(l), d.K, nil)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		for i, neighbors := range res.Indices {
			for _, j := range neighbors {
				counts[i][d.labels[j]]++
			}
		}
	}
	return counts, nil
}

func (d *DeepKNNDetector) nonConformity(counts map[int]int, class int) float64 {
	total := d.K * len(d.index)
	return float64(total-counts[class]) / float64(total)
}

// Predict returns the dkNN label (highest credibility) and its credibility for
// every row.
func (d *DeepKNNDetector) Predict(ctx context.Context, b Batch) ([]int, []float64, error) {
	if d.Calibration == nil {
		return nil, nil, errNotFitted
	}
	if err := b.Embeddings.Validate(); err != nil {
		return nil, nil, err
	}
	emb, err := d.prepare(b.Embeddings)
	if err != nil {
		return nil, nil, err
	}
	counts, err := d.neighborCounts(ctx, emb)
	if err != nil {
		return nil, nil, err
	}
	labels := make([]int, len(counts))
	credibility := make([]float64, len(counts))
	for i, c := range counts {
		best, bestP := d.Classes[0], -1.0
		for _, class := range d.Classes {
			p, err := d.Calibration.PValue(d.nonConformity(c, class), 0, calibrate.PooledClass)
			if err != nil {
				return nil, nil, err
			}
			if p > bestP {
				best, bestP = class, p
			}
		}
		labels[i], credibility[i] = best, bestP
	}
	return labels, credibility, nil
}

func (d *DeepKNNDetector) Score(ctx context.Context, b Batch) ([]float64, error) {
	_, credibility, err := d.Predict(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(credibility))
	for i, p := range credibility {
		out[i] = 1 - p
	}
	return out, nil
}

func (d *DeepKNNDetector) Snapshot() ([]byte, error) {
	if d.Calibration == nil {
		return nil, errNotFitted
	}
	return json.Marshal(snapshot{Method: d.method, State: d})
}
