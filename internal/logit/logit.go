// Package logit fits binary logistic regression on standardized features. The
// detectors use it to turn per-layer features into a probability of attack.
package logit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"layerguard/internal/model"
)

const (
	DefaultMaxIterations = 200
	// DefaultL2 is the inverse of C = 1 in the usual liblinear parameterization.
	DefaultL2 = 1.0
)

// Scaler standardizes features to zero mean and unit variance.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func FitScaler(x [][]float64) (Scaler, error) {
	if len(x) == 0 {
		return Scaler{}, fmt.Errorf("%w: no rows to standardize", model.ErrShapeMismatch)
	}
	width := len(x[0])
	s := Scaler{Mean: make([]float64, width), Std: make([]float64, width)}
	col := make([]float64, len(x))
	for j := 0; j < width; j++ {
		for i, row := range x {
			if len(row) != width {
				return Scaler{}, fmt.Errorf("%w: row %d has %d features, want %d", model.ErrShapeMismatch, i, len(row), width)
			}
			col[i] = row[j]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		s.Mean[j] = mean
		s.Std[j] = math.Sqrt(variance)
		if s.Std[j] == 0 || math.IsNaN(s.Std[j]) {
			s.Std[j] = 1
		}
	}
	return s, nil
}

func (s Scaler) Transform(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("%w: row %d has %d features, scaler has %d", model.ErrShapeMismatch, i, len(row), len(s.Mean))
		}
		z := make([]float64, len(row))
		for j, v := range row {
			z[j] = (v - s.Mean[j]) / s.Std[j]
		}
		out[i] = z
	}
	return out, nil
}

type Options struct {
	MaxIterations int
	L2            float64
	// Balanced reweights samples so both classes carry equal total weight.
	Balanced bool
}

// Classifier is a standardized logistic regression model.
type Classifier struct {
	Scaler    Scaler    `json:"scaler"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

// Fit learns a classifier for labels in {0, 1}.
func Fit(x [][]float64, y []int, opts Options) (*Classifier, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", model.ErrShapeMismatch, len(x), len(y))
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.L2 < 0 {
		opts.L2 = 0
	}
	var positives int
	for i, label := range y {
		switch label {
		case 0:
		case 1:
			positives++
		default:
			return nil, fmt.Errorf("%w: label %d at row %d is not binary", model.ErrShapeMismatch, label, i)
		}
	}
	if positives == 0 || positives == len(y) {
		return nil, fmt.Errorf("%w: logistic regression needs both classes", model.ErrShapeMismatch)
	}

	scaler, err := FitScaler(x)
	if err != nil {
		return nil, err
	}
	z, err := scaler.Transform(x)
	if err != nil {
		return nil, err
	}

	weights := make([]float64, len(y))
	for i, label := range y {
		weights[i] = 1
		if opts.Balanced {
			count := positives
			if label == 0 {
				count = len(y) - positives
			}
			weights[i] = float64(len(y)) / (2 * float64(count))
		}
	}

	width := len(scaler.Mean)
	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			return objective(theta, z, y, weights, opts.L2)
		},
		Grad: func(grad, theta []float64) {
			gradient(grad, theta, z, y, weights, opts.L2)
		},
	}
	settings := &optimize.Settings{MajorIterations: opts.MaxIterations}
	result, err := optimize.Minimize(problem, make([]float64, width+1), settings, &optimize.LBFGS{})
	if result == nil {
		return nil, fmt.Errorf("fit logistic regression: %w", err)
	}
	// Non-convergence inside the iteration budget still yields usable weights.
	if err != nil && !floatsFinite(result.X) {
		return nil, fmt.Errorf("fit logistic regression: %w", err)
	}
	return &Classifier{
		Scaler:    scaler,
		Weights:   append([]float64(nil), result.X[:width]...),
		Intercept: result.X[width],
	}, nil
}

// PredictProba returns P(y = 1 | x) for every row.
func (c *Classifier) PredictProba(x [][]float64) ([]float64, error) {
	z, err := c.Scaler.Transform(x)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(z))
	for i, row := range z {
		out[i] = sigmoid(floats.Dot(c.Weights, row) + c.Intercept)
	}
	return out, nil
}

func objective(theta []float64, z [][]float64, y []int, w []float64, l2 float64) float64 {
	width := len(theta) - 1
	coef, b := theta[:width], theta[width]
	loss := 0.0
	for i, row := range z {
		m := floats.Dot(coef, row) + b
		// log(1 + exp(-s·m)) with s = ±1
		if y[i] == 1 {
			loss += w[i] * softplus(-m)
		} else {
			loss += w[i] * softplus(m)
		}
	}
	return loss + 0.5*l2*floats.Dot(coef, coef)
}

func gradient(grad, theta []float64, z [][]float64, y []int, w []float64, l2 float64) {
	width := len(theta) - 1
	coef, b := theta[:width], theta[width]
	for j := range grad {
		grad[j] = 0
	}
	for i, row := range z {
		r := w[i] * (sigmoid(floats.Dot(coef, row)+b) - float64(y[i]))
		floats.AddScaled(grad[:width], r, row)
		grad[width] += r
	}
	floats.AddScaled(grad[:width], l2, coef)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func floatsFinite(x []float64) bool {
	if len(x) == 0 {
		return false
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
