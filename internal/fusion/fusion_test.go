package fusion

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"layerguard/internal/calibrate"
	"layerguard/internal/model"
)

func TestHarmonicMeanBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 200; trial++ {
		p := make([]float64, 1+rng.Intn(8))
		lo, hi := 1.0, 0.0
		for i := range p {
			p[i] = 0.001 + rng.Float64()*0.999
			lo = math.Min(lo, p[i])
			hi = math.Max(hi, p[i])
		}
		h := HarmonicMean(p)
		require.GreaterOrEqual(t, h, lo-1e-12)
		require.LessOrEqual(t, h, hi+1e-12)
		require.LessOrEqual(t, h, lo*float64(len(p))+1e-12)

		f := FisherStatistic(p)
		require.GreaterOrEqual(t, f, 0.0)
		lowered := append([]float64(nil), p...)
		lowered[0] /= 2
		require.Greater(t, FisherStatistic(lowered), f)
	}
	require.InDelta(t, 0.5, HarmonicMean([]float64{0.5, 0.5}), 1e-12)
}

func TestFisher(t *testing.T) {
	require.InDelta(t, -2*math.Log(0.25), FisherStatistic([]float64{0.5, 0.5}), 1e-12)
	// chi-square with 2 dof has survival exp(-x/2), so one p-value maps to itself
	require.InDelta(t, 0.3, FisherPValue([]float64{0.3}), 1e-9)
	require.Less(t, FisherPValue([]float64{0.01, 0.02}), FisherPValue([]float64{0.5, 0.6}))
	require.False(t, math.IsInf(FisherStatistic([]float64{0}), 0))
}

func TestNewSelectionExclusive(t *testing.T) {
	_, err := NewSelection(2, 3)
	require.True(t, errors.Is(err, model.ErrConfiguration))

	sel, err := NewSelection(0, 2)
	require.NoError(t, err)
	require.Equal(t, Selection{Mode: LastK, K: 2}, sel)
	require.Equal(t, []float64{0.3, 0.4}, sel.Apply([]float64{0.1, 0.2, 0.3, 0.4}))

	sel, err = NewSelection(2, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []float64{0.1, 0.05}, sel.Apply([]float64{0.5, 0.1, 0.9, 0.05}))

	sel, err = NewSelection(0, 0)
	require.NoError(t, err)
	require.Equal(t, All, sel.Mode)
}

func TestSelectionResolveWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sel := Selection{Mode: LastK, K: 5}.Resolve(3, logger)
	require.Equal(t, All, sel.Mode)
	require.True(t, strings.Contains(buf.String(), "using all layers"))

	sel = Selection{Mode: TopK, K: 2}.Resolve(3, logger)
	require.Equal(t, TopK, sel.Mode)
}

func TestFuserRanksAnomalousLayersHigher(t *testing.T) {
	// 100 null statistics spread evenly over [0, 10] per layer.
	stats := make(map[calibrate.Key][]float64)
	for layer := 0; layer < 3; layer++ {
		null := make([]float64, 100)
		for i := range null {
			null[i] = (float64(i) + 0.5) / 10
		}
		stats[calibrate.Key{Layer: layer, Class: 0}] = null
	}
	table := calibrate.Calibrate(stats)

	pvals := func(s []float64) []float64 {
		out := make([]float64, len(s))
		for l, v := range s {
			p, err := table.PValue(v, l, 0)
			require.NoError(t, err)
			out[l] = p
		}
		return out
	}
	anomalous := pvals([]float64{9.5, 9.7, 0.1})
	typical := pvals([]float64{0.1, 0.1, 0.1})

	for _, method := range []Method{HarmonicMeanMethod, FisherMethod} {
		f, err := NewFuser(method, Selection{Mode: All})
		require.NoError(t, err)
		scores, err := f.Score([][]float64{anomalous, typical})
		require.NoError(t, err)
		require.Greater(t, scores[0], scores[1], "method=%s", method)
	}

	require.Less(t, HarmonicMean(anomalous), 0.1)
	require.Greater(t, HarmonicMean(typical), 0.5)
	require.Less(t, FisherPValue(anomalous), 0.1)
	require.Greater(t, FisherPValue(typical), 0.5)

	f, err := NewFuser(HarmonicMeanMethod, Selection{Mode: All})
	require.NoError(t, err)
	scores, err := f.Score([][]float64{anomalous, typical})
	require.NoError(t, err)
	require.InDelta(t, HarmonicMean(anomalous), math.Exp(-scores[0]), 1e-12)
	require.InDelta(t, HarmonicMean(typical), math.Exp(-scores[1]), 1e-12)
}

func TestFuserRejectsRaggedInput(t *testing.T) {
	f, err := NewFuser("", Selection{})
	require.NoError(t, err)
	require.Equal(t, HarmonicMeanMethod, f.Method)
	_, err = f.Score([][]float64{{0.5, 0.5}, {0.5}})
	require.True(t, errors.Is(err, model.ErrShapeMismatch))

	_, err = NewFuser("median", Selection{})
	require.True(t, errors.Is(err, model.ErrConfiguration))
}
