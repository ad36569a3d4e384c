package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"layerguard/internal/knn"
	"layerguard/internal/model"
)

// TrustScoreDetector compares, on one layer, the distance to the high-density
// region of the predicted class with the distance to the closest other class.
// The score is the negated trust ratio so that untrustworthy predictions score
// high.
type TrustScoreDetector struct {
	base

	Layer   int                 `json:"layer"`
	K       int                 `json:"k"`
	Classes []int               `json:"classes"`
	Kept    map[int][][]float64 `json:"kept"`

	index map[int]*knn.Index
}

func (d *TrustScoreDetector) resolveLayer(numLayers int) (int, error) {
	l := d.opts.TrustLayer
	if l < 0 {
		l += numLayers
	}
	if l < 0 || l >= numLayers {
		return 0, model.Configf("trust score layer %d out of range for %d layers", d.opts.TrustLayer, numLayers)
	}
	return l, nil
}

func (d *TrustScoreDetector) Fit(ctx context.Context, in FitInput) error {
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
	if d.Layer, err = d.resolveLayer(emb.NumLayers()); err != nil {
		return err
	}
	rows := emb.Layer(d.Layer)

	byClass, classes := correctIndices(in.Clean.Labels, nil)
	if len(classes) < 2 {
		return fmt.Errorf("%w: trust score needs at least two classes, got %d", model.ErrShapeMismatch, len(classes))
	}
	d.Classes = classes
	d.K = knn.ResolveK(d.opts.NumNeighbors, len(rows))
	d.Kept = make(map[int][][]float64, len(classes))
	d.index = make(map[int]*knn.Index, len(classes))
	for _, c := range classes {
		points := pickRows(rows, byClass[c])
		kept, err := d.filterDense(ctx, points)
		if err != nil {
			return fmt.Errorf("class %d: %w", c, err)
		}
		ix, err := knn.NewIndex(kept, d.opts.Workers)
		if err != nil {
			return fmt.Errorf("class %d: %w", c, err)
		}
		d.Kept[c] = kept
		d.index[c] = ix
	}
	return nil
}

// filterDense drops the TrustAlpha fraction of points with the largest k-NN
// radius inside their class.
func (d *TrustScoreDetector) filterDense(ctx context.Context, points [][]float64) ([][]float64, error) {
	if len(points) < 3 {
		return points, nil
	}
	ix, err := knn.NewIndex(points, d.opts.Workers)
	if err != nil {
		return nil, err
	}
	self := make([]int, len(points))
	for i := range self {
		self[i] = i
	}
	k := min(d.K, len(points)-1)
	res, err := ix.Query(ctx, points, k, self)
	if err != nil {
		return nil, err
	}
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	radius := func(i int) float64 { return res.Distances[i][k-1] }
	sort.SliceStable(order, func(a, b int) bool { return radius(order[a]) < radius(order[b]) })
	keep := int(math.Ceil((1 - d.opts.TrustAlpha) * float64(len(points))))
	keep = max(1, min(keep, len(points)))
	kept := order[:keep]
	sort.Ints(kept)
	return pickRows(points, kept), nil
}

func (d *TrustScoreDetector) Score(ctx context.Context, b Batch) ([]float64, error) {
	if d.index == nil {
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
	if d.Layer >= emb.NumLayers() {
		return nil, fmt.Errorf("%w: trust layer %d missing from batch with %d layers", model.ErrShapeMismatch, d.Layer, emb.NumLayers())
	}
	queries := emb.Layer(d.Layer)

	nearest := make(map[int][]float64, len(d.Classes))
	for _, c := range d.Classes {
		res, err := d.index[c].Query(ctx, queries, 1, nil)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", c, err)
		}
		dist := make([]float64, rows)
		for i := range dist {
			dist[i] = res.Distances[i][0]
		}
		nearest[c] = dist
	}

	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		pred := b.Predicted[i]
		dPred := math.Inf(1)
		if dist, ok := nearest[pred]; ok {
			dPred = dist[i]
		}
		dOther := math.Inf(1)
		for _, c := range d.Classes {
			if c != pred {
				dOther = math.Min(dOther, nearest[c][i])
			}
		}
		out[i] = -TrustRatio(dOther, dPred)
	}
	return out, nil
}

// TrustRatio is d_other / d_pred. An unseen predicted class has zero trust.
func TrustRatio(dOther, dPred float64) float64 {
	if math.IsInf(dPred, 1) {
		return 0
	}
	return dOther / (dPred + minDistance)
}

func (d *TrustScoreDetector) Snapshot() ([]byte, error) {
	if d.index == nil {
		return nil, errNotFitted
	}
	return json.Marshal(snapshot{Method: d.method, State: d})
}
