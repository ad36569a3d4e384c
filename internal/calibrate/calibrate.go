// Package calibrate converts test statistics into empirical p-values using null
// statistics held out from null-model fitting.
package calibrate

import (
	"encoding/json"
	"fmt"
	"sort"

	"layerguard/internal/model"
)

// PooledClass keys the all-class entry of a layer.
const PooledClass = -1

type Key struct {
	Layer int `json:"layer"`
	Class int `json:"class"`
}

// Table holds ascending null statistics per (layer, class).
type Table struct {
	Entries map[Key][]float64
}

// Calibrate sorts a copy of every null sample and adds a pooled entry per layer
// unless the caller supplied one.
func Calibrate(stats map[Key][]float64) *Table {
	t := &Table{Entries: make(map[Key][]float64, len(stats))}
	pooled := make(map[int][]float64)
	explicit := make(map[int]bool)
	for k, values := range stats {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		t.Entries[k] = sorted
		if k.Class == PooledClass {
			explicit[k.Layer] = true
			continue
		}
		pooled[k.Layer] = append(pooled[k.Layer], values...)
	}
	for layer, values := range pooled {
		if explicit[layer] {
			continue
		}
		sort.Float64s(values)
		t.Entries[Key{Layer: layer, Class: PooledClass}] = values
	}
	return t
}

// PValue returns (1 + #{null >= s}) / (n + 1) against the entry of (layer,
// class), or the layer's pooled entry when the class was not seen.
func (t *Table) PValue(s float64, layer, class int) (float64, error) {
	null, ok := t.Entries[Key{Layer: layer, Class: class}]
	if !ok || len(null) == 0 {
		null, ok = t.Entries[Key{Layer: layer, Class: PooledClass}]
	}
	if !ok || len(null) == 0 {
		return 0, fmt.Errorf("%w: no calibration data for layer %d", model.ErrShapeMismatch, layer)
	}
	// first index with null[i] >= s
	i := sort.SearchFloat64s(null, s)
	return float64(1+len(null)-i) / float64(len(null)+1), nil
}

// Layers lists the calibrated layers in ascending order.
func (t *Table) Layers() []int {
	seen := make(map[int]bool)
	layers := make([]int, 0)
	for k := range t.Entries {
		if !seen[k.Layer] {
			seen[k.Layer] = true
			layers = append(layers, k.Layer)
		}
	}
	sort.Ints(layers)
	return layers
}

// Size returns the number of null samples behind (layer, class), after the
// pooled fallback.
func (t *Table) Size(layer, class int) int {
	if null, ok := t.Entries[Key{Layer: layer, Class: class}]; ok && len(null) > 0 {
		return len(null)
	}
	return len(t.Entries[Key{Layer: layer, Class: PooledClass}])
}

type tableEntry struct {
	Key
	Null []float64 `json:"null"`
}

func (t *Table) MarshalJSON() ([]byte, error) {
	entries := make([]tableEntry, 0, len(t.Entries))
	for k, v := range t.Entries {
		entries = append(entries, tableEntry{Key: k, Null: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Layer != entries[j].Layer {
			return entries[i].Layer < entries[j].Layer
		}
		return entries[i].Class < entries[j].Class
	})
	return json.Marshal(entries)
}

func (t *Table) UnmarshalJSON(data []byte) error {
	var entries []tableEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	t.Entries = make(map[Key][]float64, len(entries))
	for _, e := range entries {
		t.Entries[e.Key] = e.Null
	}
	return nil
}
