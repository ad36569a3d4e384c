// Package dimred applies pre-fitted linear dimensionality reduction models to
// layer embeddings. Fitting the models happens elsewhere.
package dimred

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"layerguard/internal/model"
)

// Projection maps x to Components · (x - Mean). Components has one row per
// output dimension.
type Projection struct {
	Method     string      `json:"method"`
	Mean       []float64   `json:"mean"`
	Components [][]float64 `json:"components"`
}

// Set holds one optional projection per layer; a nil entry leaves the layer
// unchanged.
type Set struct {
	model.VersionedRecord
	Layers []*Projection `json:"layers"`
}

func (p *Projection) InputDim() int {
	return len(p.Mean)
}

func (p *Projection) OutputDim() int {
	return len(p.Components)
}

func (p *Projection) Validate() error {
	if len(p.Components) == 0 || len(p.Mean) == 0 {
		return fmt.Errorf("projection has no components")
	}
	for i, row := range p.Components {
		if len(row) != len(p.Mean) {
			return fmt.Errorf("component %d has %d entries, mean has %d", i, len(row), len(p.Mean))
		}
	}
	return nil
}

// Apply projects every row of a layer embedding matrix.
func (p *Projection) Apply(rows [][]float64) ([][]float64, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d := p.InputDim()
	centered := mat.NewDense(len(rows), d, nil)
	for i, row := range rows {
		if len(row) != d {
			return nil, fmt.Errorf("%w: row %d has %d features, projection expects %d", model.ErrShapeMismatch, i, len(row), d)
		}
		for j, v := range row {
			centered.Set(i, j, v-p.Mean[j])
		}
	}
	comp := mat.NewDense(p.OutputDim(), d, nil)
	for i, row := range p.Components {
		comp.SetRow(i, row)
	}

	var out mat.Dense
	out.Mul(centered, comp.T())
	projected := make([][]float64, len(rows))
	for i := range projected {
		projected[i] = mat.Row(nil, i, &out)
	}
	return projected, nil
}

// Apply transforms every layer with its projection. The set may cover fewer
// layers than the embeddings; uncovered layers pass through.
func (s *Set) Apply(emb model.EmbeddingSet) (model.EmbeddingSet, error) {
	if s == nil {
		return emb, nil
	}
	out := model.EmbeddingSet{Layers: make([][][]float64, len(emb.Layers))}
	for l, layer := range emb.Layers {
		if l >= len(s.Layers) || s.Layers[l] == nil {
			out.Layers[l] = layer
			continue
		}
		projected, err := s.Layers[l].Apply(layer)
		if err != nil {
			return model.EmbeddingSet{}, fmt.Errorf("layer %d: %w", l, err)
		}
		out.Layers[l] = projected
	}
	return out, nil
}

// Tail returns a set aligned to the layers in [from, len).
func (s *Set) Tail(from int) *Set {
	if s == nil || from <= 0 {
		return s
	}
	if from >= len(s.Layers) {
		return &Set{VersionedRecord: s.VersionedRecord}
	}
	return &Set{VersionedRecord: s.VersionedRecord, Layers: s.Layers[from:]}
}

// Pick returns a single-layer set holding the projection of layer l.
func (s *Set) Pick(l int) *Set {
	if s == nil || l < 0 || l >= len(s.Layers) {
		return nil
	}
	return &Set{VersionedRecord: s.VersionedRecord, Layers: []*Projection{s.Layers[l]}}
}

func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode dimension reduction models %s: %w", path, err)
	}
	for l, p := range set.Layers {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
	}
	return &set, nil
}
