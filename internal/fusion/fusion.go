// Package fusion combines per-layer p-values into one anomaly score.
package fusion

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"layerguard/internal/model"
)

type Method string

const (
	HarmonicMeanMethod Method = "harmonic_mean"
	FisherMethod       Method = "fisher"
)

// minPValue keeps logarithms finite.
const minPValue = 1e-300

// HarmonicMean returns L / Σ 1/pᵢ.
func HarmonicMean(p []float64) float64 {
	if len(p) == 0 {
		return 1
	}
	inv := 0.0
	for _, v := range p {
		inv += 1 / math.Max(v, minPValue)
	}
	return float64(len(p)) / inv
}

// FisherStatistic returns -2 Σ ln pᵢ.
func FisherStatistic(p []float64) float64 {
	total := 0.0
	for _, v := range p {
		total += math.Log(math.Max(v, minPValue))
	}
	return -2 * total
}

// FisherPValue is the chi-square survival function of the Fisher statistic with
// 2L degrees of freedom.
func FisherPValue(p []float64) float64 {
	if len(p) == 0 {
		return 1
	}
	chi := distuv.ChiSquared{K: float64(2 * len(p))}
	return chi.Survival(FisherStatistic(p))
}

type Mode int

const (
	All Mode = iota
	TopK
	LastK
)

func (m Mode) String() string {
	switch m {
	case TopK:
		return "top"
	case LastK:
		return "last"
	default:
		return "all"
	}
}

// Selection picks the layers whose p-values enter the fused score.
type Selection struct {
	Mode Mode
	K    int
}

// NewSelection builds a selection from the top-ranked and deep-layer counts; at
// most one of them may be positive.
func NewSelection(topK, lastK int) (Selection, error) {
	switch {
	case topK > 0 && lastK > 0:
		return Selection{}, model.Configf("top-ranked layers (%d) and last layers (%d) cannot both be set", topK, lastK)
	case topK > 0:
		return Selection{Mode: TopK, K: topK}, nil
	case lastK > 0:
		return Selection{Mode: LastK, K: lastK}, nil
	default:
		return Selection{Mode: All}, nil
	}
}

// Resolve clamps the selection against numLayers. A K larger than the layer
// count selects all layers.
func (s Selection) Resolve(numLayers int, logger *slog.Logger) Selection {
	if s.Mode == All || s.K <= numLayers {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("selected layer count exceeds available layers, using all layers",
		"mode", s.Mode.String(), "k", s.K, "layers", numLayers)
	return Selection{Mode: All}
}

// Apply returns the p-values of one sample that the selection keeps.
func (s Selection) Apply(p []float64) []float64 {
	if s.Mode == All || s.K >= len(p) {
		return p
	}
	switch s.Mode {
	case LastK:
		return p[len(p)-s.K:]
	case TopK:
		// smallest p-values are the most anomalous layers
		kept := append([]float64(nil), p...)
		partialSort(kept, s.K)
		return kept[:s.K]
	}
	return p
}

func partialSort(p []float64, k int) {
	for i := 0; i < k; i++ {
		min := i
		for j := i + 1; j < len(p); j++ {
			if p[j] < p[min] {
				min = j
			}
		}
		p[i], p[min] = p[min], p[i]
	}
}

type Fuser struct {
	Method    Method
	Selection Selection
}

func NewFuser(method Method, sel Selection) (Fuser, error) {
	switch method {
	case HarmonicMeanMethod, FisherMethod:
	case "":
		method = HarmonicMeanMethod
	default:
		return Fuser{}, model.Configf("unsupported fusion method: %s", method)
	}
	return Fuser{Method: method, Selection: sel}, nil
}

// Score fuses perLayer[i] (one p-value per layer for sample i). The result is
// -ln(HMP) for the harmonic mean and the Fisher statistic for fisher, so larger
// values are more anomalous.
func (f Fuser) Score(perLayer [][]float64) ([]float64, error) {
	out := make([]float64, len(perLayer))
	width := -1
	for i, p := range perLayer {
		if width < 0 {
			width = len(p)
		}
		if len(p) != width || width == 0 {
			return nil, fmt.Errorf("%w: sample %d has %d layer p-values, want %d", model.ErrShapeMismatch, i, len(p), width)
		}
		kept := f.Selection.Apply(p)
		switch f.Method {
		case FisherMethod:
			out[i] = FisherStatistic(kept)
		default:
			out[i] = -math.Log(HarmonicMean(kept))
		}
	}
	return out, nil
}
