package calibrate

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"layerguard/internal/model"
)

func TestPValueFormula(t *testing.T) {
	table := Calibrate(map[Key][]float64{{Layer: 0, Class: 1}: {3, 1, 2, 2}})

	cases := []struct {
		s    float64
		want float64
	}{
		{s: 0, want: 5.0 / 5},
		{s: 1, want: 5.0 / 5},
		{s: 2, want: 4.0 / 5},
		{s: 2.5, want: 2.0 / 5},
		{s: 3, want: 2.0 / 5},
		{s: 10, want: 1.0 / 5},
	}
	for _, tc := range cases {
		p, err := table.PValue(tc.s, 0, 1)
		require.NoError(t, err)
		require.InDelta(t, tc.want, p, 1e-12, "s=%v", tc.s)
	}
}

func TestPValueMonotoneAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	null := make([]float64, 500)
	for i := range null {
		null[i] = rng.ExpFloat64()
	}
	table := Calibrate(map[Key][]float64{{Layer: 2, Class: 0}: null})

	prev := 1.0
	for s := -1.0; s < 10; s += 0.01 {
		p, err := table.PValue(s, 2, 0)
		require.NoError(t, err)
		require.LessOrEqual(t, p, prev)
		require.Greater(t, p, 0.0)
		require.LessOrEqual(t, p, 1.0)
		prev = p
	}
}

func TestPValueUniformUnderNull(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	null := make([]float64, 2000)
	for i := range null {
		null[i] = rng.NormFloat64()
	}
	table := Calibrate(map[Key][]float64{{Layer: 0, Class: 0}: null})

	const n = 2000
	pvals := make([]float64, n)
	for i := range pvals {
		p, err := table.PValue(rng.NormFloat64(), 0, 0)
		require.NoError(t, err)
		pvals[i] = p
	}
	sort.Float64s(pvals)
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = (float64(i) + 0.5) / n
	}
	require.Less(t, stat.KolmogorovSmirnov(pvals, nil, grid, nil), 0.06)
}

func TestPValuePooledFallback(t *testing.T) {
	table := Calibrate(map[Key][]float64{
		{Layer: 0, Class: 0}: {1, 2},
		{Layer: 0, Class: 1}: {3, 4},
	})
	require.Equal(t, 4, table.Size(0, 9))
	p, err := table.PValue(3, 0, 9)
	require.NoError(t, err)
	require.InDelta(t, 3.0/5, p, 1e-12)

	_, err = table.PValue(3, 1, 0)
	require.True(t, errors.Is(err, model.ErrShapeMismatch))
	require.Equal(t, []int{0}, table.Layers())
}

func TestTableJSON(t *testing.T) {
	table := Calibrate(map[Key][]float64{{Layer: 1, Class: 2}: {0.5, 0.1}})
	data, err := json.Marshal(table)
	require.NoError(t, err)

	var decoded Table
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, table.Entries, decoded.Entries)
}
