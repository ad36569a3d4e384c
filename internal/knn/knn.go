// Package knn implements exact Euclidean nearest-neighbour search over a fixed
// reference set. Results are deterministic: ties are broken by the lower
// reference index, so the worker count never changes the output.
package knn

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"layerguard/internal/model"
)

// NeighborhoodConst is the exponent of the automatic neighbour count n^c.
const NeighborhoodConst = 0.4

// AutoK returns ceil(n^NeighborhoodConst).
func AutoK(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Ceil(math.Pow(float64(n), NeighborhoodConst)))
}

// ResolveK returns k, or AutoK(n) when k <= 0, clamped to [1, max(n-1, 1)].
func ResolveK(k, n int) int {
	if k <= 0 {
		k = AutoK(n)
	}
	limit := n - 1
	if limit < 1 {
		limit = 1
	}
	if k > limit {
		k = limit
	}
	return k
}

type Index struct {
	points  [][]float64
	workers int
}

type Result struct {
	Indices   [][]int
	Distances [][]float64
}

func NewIndex(points [][]float64, workers int) (*Index, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("knn index requires at least one point")
	}
	width := len(points[0])
	for i, p := range points {
		if len(p) != width {
			return nil, fmt.Errorf("%w: point %d has %d features, want %d", model.ErrShapeMismatch, i, len(p), width)
		}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Index{points: points, workers: workers}, nil
}

func (ix *Index) Len() int {
	return len(ix.points)
}

// Query finds the k nearest reference points of every query row. exclude, when
// non-nil, names one reference index per query to skip (-1 skips nothing); it
// is how training rows avoid matching themselves.
func (ix *Index) Query(ctx context.Context, queries [][]float64, k int, exclude []int) (Result, error) {
	if exclude != nil && len(exclude) != len(queries) {
		return Result{}, fmt.Errorf("%w: %d exclusions for %d queries", model.ErrShapeMismatch, len(exclude), len(queries))
	}
	available := len(ix.points)
	if exclude != nil {
		available--
	}
	if k <= 0 || k > available {
		return Result{}, fmt.Errorf("k=%d out of range [1, %d]", k, available)
	}

	res := Result{
		Indices:   make([][]int, len(queries)),
		Distances: make([][]float64, len(queries)),
	}
	width := len(ix.points[0])

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	chunk := (len(queries) + ix.workers - 1) / ix.workers
	for start := 0; start < len(queries); start += chunk {
		end := min(start+chunk, len(queries))
		g.Go(func() error {
			order := make([]int, len(ix.points))
			dist := make([]float64, len(ix.points))
			for q := start; q < end; q++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if len(queries[q]) != width {
					return fmt.Errorf("%w: query %d has %d features, want %d", model.ErrShapeMismatch, q, len(queries[q]), width)
				}
				skip := -1
				if exclude != nil {
					skip = exclude[q]
				}
				res.Indices[q], res.Distances[q] = ix.nearest(queries[q], k, skip, order, dist)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (ix *Index) nearest(query []float64, k, skip int, order []int, dist []float64) ([]int, []float64) {
	order = order[:0]
	for i, p := range ix.points {
		if i == skip {
			continue
		}
		dist[i] = Distance(query, p)
		order = append(order, i)
	}
	sort.Slice(order, func(a, b int) bool {
		da, db := dist[order[a]], dist[order[b]]
		if da == db {
			return order[a] < order[b]
		}
		return da < db
	})
	idx := make([]int, k)
	d := make([]float64, k)
	for i := 0; i < k; i++ {
		idx[i] = order[i]
		d[i] = dist[order[i]]
	}
	return idx, d
}

// Distance is the Euclidean distance between equal-length vectors.
func Distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
