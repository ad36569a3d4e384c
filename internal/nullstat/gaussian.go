package nullstat

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"layerguard/internal/model"
)

// TiedGaussian holds class means and one covariance shared by all classes,
// estimated from within-class scatter.
type TiedGaussian struct {
	Means map[int][]float64 `json:"means"`
	// Covariance is row-major, Dim x Dim, ridge included.
	Covariance []float64 `json:"covariance"`
	Dim        int       `json:"dim"`

	chol *mat.Cholesky
}

// FitTiedGaussian estimates class means over the rows in byClass and the tied
// covariance. The pooled mean is stored under PooledClass.
func FitTiedGaussian(rows [][]float64, byClass map[int][]int, ridge float64) (*TiedGaussian, error) {
	var dim int
	total := 0
	for _, idx := range byClass {
		for _, i := range idx {
			if dim == 0 {
				dim = len(rows[i])
			}
			if len(rows[i]) != dim {
				return nil, fmt.Errorf("%w: row %d has %d features, want %d", model.ErrShapeMismatch, i, len(rows[i]), dim)
			}
			total++
		}
	}
	if total == 0 || dim == 0 {
		return nil, fmt.Errorf("%w: no samples to fit gaussian", model.ErrShapeMismatch)
	}

	g := &TiedGaussian{Means: make(map[int][]float64), Dim: dim}
	pooled := make([]float64, dim)
	scatter := mat.NewSymDense(dim, nil)
	diff := mat.NewVecDense(dim, nil)
	for _, c := range sortedClasses(byClass) {
		idx := byClass[c]
		if len(idx) == 0 {
			continue
		}
		mean := make([]float64, dim)
		for _, i := range idx {
			for j, v := range rows[i] {
				mean[j] += v
				pooled[j] += v
			}
		}
		for j := range mean {
			mean[j] /= float64(len(idx))
		}
		g.Means[c] = mean
		for _, i := range idx {
			for j, v := range rows[i] {
				diff.SetVec(j, v-mean[j])
			}
			scatter.SymRankOne(scatter, 1, diff)
		}
	}
	for j := range pooled {
		pooled[j] /= float64(total)
	}
	g.Means[PooledClass] = pooled

	scatter.ScaleSym(1/float64(total), scatter)
	if err := g.factorize(scatter, ridge); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *TiedGaussian) factorize(cov *mat.SymDense, ridge float64) error {
	for attempt := 0; attempt < 8; attempt++ {
		reg := mat.NewSymDense(g.Dim, nil)
		reg.CopySym(cov)
		for j := 0; j < g.Dim; j++ {
			reg.SetSym(j, j, reg.At(j, j)+ridge)
		}
		var chol mat.Cholesky
		if chol.Factorize(reg) {
			g.chol = &chol
			g.Covariance = make([]float64, 0, g.Dim*g.Dim)
			for i := 0; i < g.Dim; i++ {
				for j := 0; j < g.Dim; j++ {
					g.Covariance = append(g.Covariance, reg.At(i, j))
				}
			}
			return nil
		}
		ridge *= 10
	}
	return fmt.Errorf("covariance is not positive definite after regularization")
}

// Whiten returns Σ⁻¹(x - μ_class); unseen classes use the pooled mean.
func (g *TiedGaussian) Whiten(x []float64, class int) ([]float64, error) {
	if len(x) != g.Dim {
		return nil, fmt.Errorf("%w: sample has %d features, model has %d", model.ErrShapeMismatch, len(x), g.Dim)
	}
	mean, ok := g.Means[class]
	if !ok {
		mean = g.Means[PooledClass]
	}
	diff := mat.NewVecDense(g.Dim, nil)
	for j, v := range x {
		diff.SetVec(j, v-mean[j])
	}
	var sol mat.VecDense
	if err := g.chol.SolveVecTo(&sol, diff); err != nil {
		return nil, err
	}
	return sol.RawVector().Data, nil
}

// Distance returns the squared Mahalanobis distance of x to the class mean.
func (g *TiedGaussian) Distance(x []float64, class int) (float64, error) {
	w, err := g.Whiten(x, class)
	if err != nil {
		return 0, err
	}
	mean, ok := g.Means[class]
	if !ok {
		mean = g.Means[PooledClass]
	}
	total := 0.0
	for j, v := range x {
		total += (v - mean[j]) * w[j]
	}
	return total, nil
}

// Classes lists the fitted class labels, excluding the pooled entry.
func (g *TiedGaussian) Classes() []int {
	classes := make([]int, 0, len(g.Means))
	for c := range g.Means {
		if c != PooledClass {
			classes = append(classes, c)
		}
	}
	sort.Ints(classes)
	return classes
}

// GaussianModel is the alternate test statistic: squared Mahalanobis distance
// under a tied-covariance class-conditional Gaussian.
type GaussianModel struct {
	opts Options

	Gaussian *TiedGaussian `json:"gaussian"`
	Fallback []int         `json:"fallback,omitempty"`
}

func (m *GaussianModel) Fit(train [][]float64, labels, predicted []int) error {
	byClass, _, err := correctByClass(train, labels, predicted)
	if err != nil {
		return err
	}
	kept := make(map[int][]int, len(byClass))
	for _, c := range sortedClasses(byClass) {
		idx := byClass[c]
		if len(idx) < m.opts.MinClassSamples {
			m.opts.Logger.Warn("class has too few samples, using pooled null model",
				"layer", m.opts.Layer, "class", c, "samples", len(idx), "min_samples", m.opts.MinClassSamples)
			m.Fallback = append(m.Fallback, c)
		}
		kept[c] = idx
	}
	g, err := FitTiedGaussian(train, kept, m.opts.Regularization)
	if err != nil {
		return err
	}
	// Small classes still contribute scatter but are scored against the pooled mean.
	for _, c := range m.Fallback {
		delete(g.Means, c)
	}
	m.Gaussian = g
	return nil
}

func (m *GaussianModel) Statistic(x []float64, class int) (float64, error) {
	if m.Gaussian == nil {
		return 0, fmt.Errorf("gaussian model is not fitted")
	}
	return m.Gaussian.Distance(x, class)
}

func (m *GaussianModel) Classes() []int {
	if m.Gaussian == nil {
		return nil
	}
	return m.Gaussian.Classes()
}
