package detector

import (
	"errors"
	"fmt"

	"layerguard/internal/model"
)

var errNotFitted = errors.New("detector is not fitted")

type snapshot struct {
	Method Method `json:"method"`
	State  any    `json:"state"`
}

func pickRows(rows [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func pickInts(values []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}

func concatRows(parts ...[][]float64) [][]float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([][]float64, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// chunks splits [0, n) into at most parts contiguous ranges.
func chunks(n, parts int) [][2]int {
	if n == 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	out := make([][2]int, 0, parts)
	size, rem := n/parts, n%parts
	start := 0
	for i := 0; i < parts; i++ {
		end := start + size
		if i < rem {
			end++
		}
		out = append(out, [2]int{start, end})
		start = end
	}
	return out
}

func transpose(cols [][]float64) ([][]float64, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	n := len(cols[0])
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, len(cols))
	}
	for j, col := range cols {
		if len(col) != n {
			return nil, fmt.Errorf("%w: feature %d has %d rows, want %d", model.ErrShapeMismatch, j, len(col), n)
		}
		for i, v := range col {
			out[i][j] = v
		}
	}
	return out, nil
}
