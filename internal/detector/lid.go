package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"layerguard/internal/knn"
	"layerguard/internal/logit"
	"layerguard/internal/model"
)

// minDistance keeps zero neighbour distances out of the logarithm.
const minDistance = 1e-12

// LIDDetector turns per-layer local intrinsic dimensionality estimates into a
// feature vector and scores it with logistic regression trained on clean plus
// noisy (negative) and adversarial (positive) samples.
type LIDDetector struct {
	base
	classConditional bool

	K          int               `json:"k"`
	Classifier *logit.Classifier `json:"classifier"`

	// layer -> reference index; class-conditional detectors keep one per class.
	pooled  []*knn.Index
	byClass []map[int]*classIndex
}

type classIndex struct {
	index *knn.Index
	// rows maps the index position back to the clean training row.
	rows []int
	k    int
}

// LIDEstimate is the maximum likelihood estimate -1 / mean(ln(dᵢ / d_k)) over
// ascending neighbour distances.
func LIDEstimate(distances []float64) float64 {
	k := len(distances)
	if k == 0 {
		return 0
	}
	dk := math.Max(distances[k-1], minDistance)
	sum := 0.0
	for _, d := range distances {
		sum += math.Log(math.Max(d, minDistance) / dk)
	}
	if sum >= 0 {
		// all neighbours at the same distance
		return 0
	}
	return -float64(k) / sum
}

func (d *LIDDetector) Fit(ctx context.Context, in FitInput) error {
	if in.Adversarial == nil {
		return missingAux(d.method, "adversarial")
	}
	if err := in.Clean.validate("clean"); err != nil {
		return err
	}
	if err := in.Adversarial.validate("adversarial"); err != nil {
		return err
	}
	if in.Noisy != nil {
		if err := in.Noisy.validate("noisy"); err != nil {
			return err
		}
	}
	if d.classConditional {
		if in.Clean.Labels == nil {
			return fmt.Errorf("%w: clean split has no labels", model.ErrShapeMismatch)
		}
		if err := needPredicted(d.method, in.Adversarial.Predicted, in.Adversarial.Embeddings.Rows()); err != nil {
			return err
		}
		if in.Noisy != nil {
			if err := needPredicted(d.method, in.Noisy.Predicted, in.Noisy.Embeddings.Rows()); err != nil {
				return err
			}
		}
	}

	clean, err := d.prepare(in.Clean.Embeddings)
	if err != nil {
		return err
	}
	if err := d.buildIndexes(clean, in.Clean.Labels); err != nil {
		return err
	}

	self := make([]int, clean.Rows())
	for i := range self {
		self[i] = i
	}
	features, err := d.features(ctx, clean, in.Clean.Labels, self)
	if err != nil {
		return err
	}
	labels := make([]int, len(features))

	if in.Noisy != nil {
		noisy, err := d.prepare(in.Noisy.Embeddings)
		if err != nil {
			return err
		}
		f, err := d.features(ctx, noisy, in.Noisy.Predicted, nil)
		if err != nil {
			return err
		}
		features = append(features, f...)
		labels = append(labels, make([]int, len(f))...)
	}

	adv, err := d.prepare(in.Adversarial.Embeddings)
	if err != nil {
		return err
	}
	f, err := d.features(ctx, adv, in.Adversarial.Predicted, nil)
	if err != nil {
		return err
	}
	features = append(features, f...)
	for range f {
		labels = append(labels, 1)
	}

	d.Classifier, err = logit.Fit(features, labels, logit.Options{
		MaxIterations: d.opts.MaxIterations,
		L2:            logit.DefaultL2,
		Balanced:      true,
	})
	return err
}

func (d *LIDDetector) buildIndexes(clean model.EmbeddingSet, labels []int) error {
	n := clean.Rows()
	d.K = knn.ResolveK(d.opts.NumNeighbors, n)
	d.pooled = make([]*knn.Index, clean.NumLayers())
	if d.classConditional {
		d.byClass = make([]map[int]*classIndex, clean.NumLayers())
	}
	for l := range d.pooled {
		ix, err := knn.NewIndex(clean.Layer(l), d.opts.Workers)
		if err != nil {
			return fmt.Errorf("layer %d: %w", l, err)
		}
		d.pooled[l] = ix
		if !d.classConditional {
			continue
		}
		byClass, classes := correctIndices(labels, nil)
		d.byClass[l] = make(map[int]*classIndex, len(classes))
		for _, c := range classes {
			rows := byClass[c]
			if len(rows) < 2 {
				continue
			}
			cix, err := knn.NewIndex(pickRows(clean.Layer(l), rows), d.opts.Workers)
			if err != nil {
				return fmt.Errorf("layer %d class %d: %w", l, c, err)
			}
			d.byClass[l][c] = &classIndex{index: cix, rows: rows, k: knn.ResolveK(d.opts.NumNeighbors, len(rows))}
		}
	}
	return nil
}

// features returns one LID per layer for every row of emb. self, when non-nil,
// gives the clean training row each query must not match.
func (d *LIDDetector) features(ctx context.Context, emb model.EmbeddingSet, classes []int, self []int) ([][]float64, error) {
	if err := checkLayerCount(len(d.pooled), emb.NumLayers()); err != nil {
		return nil, err
	}
	n := emb.Rows()
	cols := make([][]float64, emb.NumLayers())
	parts := 1
	if d.opts.LIDBatches > 1 {
		parts = d.opts.LIDBatches
	}
	for l := range cols {
		cols[l] = make([]float64, n)
		for _, span := range chunks(n, parts) {
			if err := d.layerLID(ctx, l, emb.Layer(l), classes, self, span, cols[l]); err != nil {
				return nil, fmt.Errorf("layer %d: %w", l, err)
			}
		}
	}
	return transpose(cols)
}

func (d *LIDDetector) layerLID(ctx context.Context, l int, rows [][]float64, classes, self []int, span [2]int, out []float64) error {
	if !d.classConditional {
		var exclude []int
		if self != nil {
			exclude = self[span[0]:span[1]]
		}
		k := d.K
		if exclude != nil {
			k = min(k, d.pooled[l].Len()-1)
		}
		res, err := d.pooled[l].Query(ctx, rows[span[0]:span[1]], k, exclude)
		if err != nil {
			return err
		}
		for i, dist := range res.Distances {
			out[span[0]+i] = LIDEstimate(dist)
		}
		return nil
	}

	// Group the span by class so each class index is queried once.
	groups := make(map[int][]int)
	var order []int
	for i := span[0]; i < span[1]; i++ {
		c := classes[i]
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], i)
	}
	for _, c := range order {
		members := groups[c]
		ci, ok := d.byClass[l][c]
		queries := pickRows(rows, members)
		var res knn.Result
		var err error
		if !ok {
			// class unseen in training: fall back to all clean rows
			var exclude []int
			k := d.K
			if self != nil {
				exclude = pickInts(self, members)
				k = min(k, d.pooled[l].Len()-1)
			}
			res, err = d.pooled[l].Query(ctx, queries, k, exclude)
		} else {
			var exclude []int
			k := ci.k
			if self != nil {
				exclude = make([]int, len(members))
				for j, row := range members {
					exclude[j] = positionOf(ci.rows, self[row])
				}
				k = min(k, ci.index.Len()-1)
			}
			res, err = ci.index.Query(ctx, queries, k, exclude)
		}
		if err != nil {
			return fmt.Errorf("class %d: %w", c, err)
		}
		for j, dist := range res.Distances {
			out[members[j]] = LIDEstimate(dist)
		}
	}
	return nil
}

// positionOf returns the position of row in the ascending rows slice, or -1.
func positionOf(rows []int, row int) int {
	lo, hi := 0, len(rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if rows[mid] < row {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(rows) && rows[lo] == row {
		return lo
	}
	return -1
}

func (d *LIDDetector) Score(ctx context.Context, b Batch) ([]float64, error) {
	if d.Classifier == nil {
		return nil, errNotFitted
	}
	if err := b.Embeddings.Validate(); err != nil {
		return nil, err
	}
	if d.classConditional {
		if err := needPredicted(d.method, b.Predicted, b.Embeddings.Rows()); err != nil {
			return nil, err
		}
	}
	emb, err := d.prepare(b.Embeddings)
	if err != nil {
		return nil, err
	}
	features, err := d.features(ctx, emb, b.Predicted, nil)
	if err != nil {
		return nil, err
	}
	return d.Classifier.PredictProba(features)
}

func (d *LIDDetector) Snapshot() ([]byte, error) {
	if d.Classifier == nil {
		return nil, errNotFitted
	}
	return json.Marshal(snapshot{Method: d.method, State: d})
}
