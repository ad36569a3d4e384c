package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"layerguard/internal/logit"
	"layerguard/internal/model"
	"layerguard/internal/nullstat"
	"layerguard/internal/stats"
)

// MahalanobisDetector scores the minimum class-conditional Mahalanobis distance
// of every layer, measured after nudging the embedding toward its closest class
// mean, and combines the layer distances with logistic regression.
type MahalanobisDetector struct {
	base

	Gaussians  []*nullstat.TiedGaussian `json:"gaussians"`
	Epsilon    float64                  `json:"epsilon"`
	Classifier *logit.Classifier        `json:"classifier"`
	// ValidationAUC records the tuning result per candidate epsilon.
	ValidationAUC map[string]float64 `json:"validation_auc"`
}

func (d *MahalanobisDetector) Fit(ctx context.Context, in FitInput) error {
	if in.Adversarial == nil {
		return missingAux(d.method, "adversarial")
	}
	if err := in.Clean.validate("clean"); err != nil {
		return err
	}
	if err := in.Adversarial.validate("adversarial"); err != nil {
		return err
	}
	if in.Clean.Labels == nil {
		return fmt.Errorf("%w: clean split has no labels", model.ErrShapeMismatch)
	}
	clean, err := d.prepare(in.Clean.Embeddings)
	if err != nil {
		return err
	}

	byClass, classes := correctIndices(in.Clean.Labels, in.Clean.Predicted)
	if len(classes) == 0 {
		return fmt.Errorf("%w: no correctly classified clean samples", model.ErrShapeMismatch)
	}
	d.Gaussians = make([]*nullstat.TiedGaussian, clean.NumLayers())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for l := range d.Gaussians {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tg, err := nullstat.FitTiedGaussian(clean.Layer(l), byClass, 1e-6)
			if err != nil {
				return fmt.Errorf("layer %d: %w", l, err)
			}
			d.Gaussians[l] = tg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sets := []model.EmbeddingSet{clean}
	labels := make([]int, clean.Rows())
	if in.Noisy != nil {
		if err := in.Noisy.validate("noisy"); err != nil {
			return err
		}
		noisy, err := d.prepare(in.Noisy.Embeddings)
		if err != nil {
			return err
		}
		sets = append(sets, noisy)
		labels = append(labels, make([]int, noisy.Rows())...)
	}
	adv, err := d.prepare(in.Adversarial.Embeddings)
	if err != nil {
		return err
	}
	sets = append(sets, adv)
	for i := 0; i < adv.Rows(); i++ {
		labels = append(labels, 1)
	}

	trainIdx, valIdx := d.validationSplit(labels)
	d.ValidationAUC = make(map[string]float64, len(d.opts.Epsilons))
	bestAUC := math.Inf(-1)
	var bestFeatures [][]float64
	for _, eps := range d.opts.Epsilons {
		if err := ctx.Err(); err != nil {
			return err
		}
		features, err := d.featureSets(sets, eps)
		if err != nil {
			return err
		}
		auc, err := d.validate(features, labels, trainIdx, valIdx)
		if err != nil {
			return fmt.Errorf("epsilon %v: %w", eps, err)
		}
		d.ValidationAUC[stats.ProportionKey(eps)] = auc
		d.opts.Logger.Debug("mahalanobis noise magnitude", "epsilon", eps, "validation_auc", auc)
		if auc > bestAUC {
			bestAUC = auc
			d.Epsilon = eps
			bestFeatures = features
		}
	}

	d.Classifier, err = logit.Fit(bestFeatures, labels, logit.Options{
		MaxIterations: d.opts.MaxIterations,
		L2:            logit.DefaultL2,
		Balanced:      true,
	})
	return err
}

// validationSplit holds out ValidationFraction of each detection class.
func (d *MahalanobisDetector) validationSplit(labels []int) ([]int, []int) {
	rng := rand.New(rand.NewSource(d.opts.Seed))
	var train, val []int
	for _, class := range []int{0, 1} {
		var idx []int
		for i, label := range labels {
			if label == class {
				idx = append(idx, i)
			}
		}
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		nVal := max(1, int(float64(len(idx))*d.opts.ValidationFraction))
		if nVal >= len(idx) {
			nVal = len(idx) - 1
		}
		val = append(val, idx[:nVal]...)
		train = append(train, idx[nVal:]...)
	}
	return train, val
}

func (d *MahalanobisDetector) validate(features [][]float64, labels, trainIdx, valIdx []int) (float64, error) {
	c, err := logit.Fit(pickRows(features, trainIdx), pickInts(labels, trainIdx), logit.Options{
		MaxIterations: d.opts.MaxIterations,
		L2:            logit.DefaultL2,
		Balanced:      true,
	})
	if err != nil {
		return 0, err
	}
	proba, err := c.PredictProba(pickRows(features, valIdx))
	if err != nil {
		return 0, err
	}
	return stats.AUC(proba, pickInts(labels, valIdx))
}

func (d *MahalanobisDetector) featureSets(sets []model.EmbeddingSet, eps float64) ([][]float64, error) {
	parts := make([][][]float64, len(sets))
	for i, emb := range sets {
		f, err := d.features(emb, eps)
		if err != nil {
			return nil, err
		}
		parts[i] = f
	}
	return concatRows(parts...), nil
}

// features returns, per row, the minimum squared distance of every layer.
func (d *MahalanobisDetector) features(emb model.EmbeddingSet, eps float64) ([][]float64, error) {
	if err := checkLayerCount(len(d.Gaussians), emb.NumLayers()); err != nil {
		return nil, err
	}
	out := make([][]float64, emb.Rows())
	for i := range out {
		out[i] = make([]float64, len(d.Gaussians))
	}
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Workers)
	for l, tg := range d.Gaussians {
		rows := emb.Layer(l)
		g.Go(func() error {
			for i, x := range rows {
				v, err := perturbedMinDistance(tg, x, eps)
				if err != nil {
					return fmt.Errorf("layer %d row %d: %w", l, i, err)
				}
				out[i][l] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// perturbedMinDistance moves x by -eps·sign(Σ⁻¹(x - μ_ĉ)), the gradient step that
// lowers the distance to the closest class ĉ, and returns the minimum distance
// over classes at the moved point.
func perturbedMinDistance(tg *nullstat.TiedGaussian, x []float64, eps float64) (float64, error) {
	classes := tg.Classes()
	closest, best := 0, math.Inf(1)
	for _, c := range classes {
		dist, err := tg.Distance(x, c)
		if err != nil {
			return 0, err
		}
		if dist < best {
			closest, best = c, dist
		}
	}
	if eps == 0 {
		return best, nil
	}
	grad, err := tg.Whiten(x, closest)
	if err != nil {
		return 0, err
	}
	moved := make([]float64, len(x))
	for j, v := range x {
		moved[j] = v - eps*sign(grad[j])
	}
	best = math.Inf(1)
	for _, c := range classes {
		dist, err := tg.Distance(moved, c)
		if err != nil {
			return 0, err
		}
		best = math.Min(best, dist)
	}
	return best, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func (d *MahalanobisDetector) Score(ctx context.Context, b Batch) ([]float64, error) {
	if d.Classifier == nil {
		return nil, errNotFitted
	}
	if err := b.Embeddings.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb, err := d.prepare(b.Embeddings)
	if err != nil {
		return nil, err
	}
	features, err := d.features(emb, d.Epsilon)
	if err != nil {
		return nil, err
	}
	return d.Classifier.PredictProba(features)
}

func (d *MahalanobisDetector) Snapshot() ([]byte, error) {
	if d.Classifier == nil {
		return nil, errNotFitted
	}
	return json.Marshal(snapshot{Method: d.method, State: d})
}
