package model

import (
	"encoding/json"
	"fmt"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// EmbeddingSet holds per-layer embedding matrices for one sample set.
// Layers[l][i] is the feature vector of sample i at layer l.
type EmbeddingSet struct {
	Layers [][][]float64 `json:"layers"`
}

func (s EmbeddingSet) NumLayers() int {
	return len(s.Layers)
}

// Rows returns the sample count of the first layer; Validate checks the rest.
func (s EmbeddingSet) Rows() int {
	if len(s.Layers) == 0 {
		return 0
	}
	return len(s.Layers[0])
}

func (s EmbeddingSet) Layer(i int) [][]float64 {
	return s.Layers[i]
}

// Validate checks that every layer has the same row count and that rows inside
// a layer share one width.
func (s EmbeddingSet) Validate() error {
	rows := s.Rows()
	for l, layer := range s.Layers {
		if len(layer) != rows {
			return fmt.Errorf("%w: layer %d has %d rows, want %d", ErrShapeMismatch, l, len(layer), rows)
		}
		if len(layer) == 0 {
			continue
		}
		width := len(layer[0])
		for i, row := range layer {
			if len(row) != width {
				return fmt.Errorf("%w: layer %d row %d has %d features, want %d", ErrShapeMismatch, l, i, len(row), width)
			}
		}
	}
	return nil
}

// ValidateLabels checks that a parallel label vector matches the row count.
func (s EmbeddingSet) ValidateLabels(labels []int) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if labels != nil && len(labels) != s.Rows() {
		return fmt.Errorf("%w: %d labels for %d samples", ErrShapeMismatch, len(labels), s.Rows())
	}
	return nil
}

// Subset returns the rows at idx from every layer. Rows are shared, not copied.
func (s EmbeddingSet) Subset(idx []int) EmbeddingSet {
	out := EmbeddingSet{Layers: make([][][]float64, len(s.Layers))}
	for l, layer := range s.Layers {
		rows := make([][]float64, len(idx))
		for i, j := range idx {
			rows[i] = layer[j]
		}
		out.Layers[l] = rows
	}
	return out
}

// SliceLayers keeps the layers in [from, NumLayers).
func (s EmbeddingSet) SliceLayers(from int) EmbeddingSet {
	if from <= 0 {
		return s
	}
	if from >= len(s.Layers) {
		return EmbeddingSet{}
	}
	return EmbeddingSet{Layers: s.Layers[from:]}
}

// SelectLayers keeps only the listed layer indices, in order.
func (s EmbeddingSet) SelectLayers(layers []int) (EmbeddingSet, error) {
	out := EmbeddingSet{Layers: make([][][]float64, 0, len(layers))}
	for _, l := range layers {
		if l < 0 || l >= len(s.Layers) {
			return EmbeddingSet{}, fmt.Errorf("%w: layer index %d out of range [0, %d)", ErrConfiguration, l, len(s.Layers))
		}
		out.Layers = append(out.Layers, s.Layers[l])
	}
	return out, nil
}

// LabeledInputs is one raw sample set handed over by the data collaborator.
type LabeledInputs struct {
	Inputs [][]float64 `json:"inputs"`
	Labels []int       `json:"labels"`
}

func (d LabeledInputs) Len() int {
	return len(d.Inputs)
}

func (d LabeledInputs) Validate() error {
	if len(d.Labels) != len(d.Inputs) {
		return fmt.Errorf("%w: %d labels for %d inputs", ErrShapeMismatch, len(d.Labels), len(d.Inputs))
	}
	return nil
}

// Fold is one cross-validation split. Noisy and adversarial sets may be empty
// for methods that do not consume them.
type Fold struct {
	Index      int           `json:"index"`
	CleanTrain LabeledInputs `json:"clean_train"`
	CleanTest  LabeledInputs `json:"clean_test"`
	NoisyTrain LabeledInputs `json:"noisy_train"`
	NoisyTest  LabeledInputs `json:"noisy_test"`
	AdvTrain   LabeledInputs `json:"adv_train"`
	AdvTest    LabeledInputs `json:"adv_test"`
}

func (f Fold) Validate() error {
	sets := []struct {
		name string
		data LabeledInputs
	}{
		{"clean train", f.CleanTrain},
		{"clean test", f.CleanTest},
		{"noisy train", f.NoisyTrain},
		{"noisy test", f.NoisyTest},
		{"adversarial train", f.AdvTrain},
		{"adversarial test", f.AdvTest},
	}
	for _, set := range sets {
		if err := set.data.Validate(); err != nil {
			return fmt.Errorf("%s: %w", set.name, err)
		}
	}
	if f.CleanTrain.Len() == 0 {
		return fmt.Errorf("%w: clean train split is empty", ErrShapeMismatch)
	}
	if f.NoisyTrain.Len() > 0 && f.NoisyTrain.Len() != f.CleanTrain.Len() {
		return fmt.Errorf("%w: %d noisy train samples for %d clean train samples", ErrShapeMismatch, f.NoisyTrain.Len(), f.CleanTrain.Len())
	}
	if f.NoisyTest.Len() > 0 && f.NoisyTest.Len() != f.CleanTest.Len() {
		return fmt.Errorf("%w: %d noisy test samples for %d clean test samples", ErrShapeMismatch, f.NoisyTest.Len(), f.CleanTest.Len())
	}
	return nil
}

// FoldResult is what survives a fold once its embeddings are released.
type FoldResult struct {
	Fold   int       `json:"fold"`
	Scores []float64 `json:"scores"`
	Labels []int     `json:"labels"`
}

// Tensor is one layer activation for a batch. Shape[0] is the batch size;
// Data is row-major.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("%w: tensor has no shape", ErrShapeMismatch)
	}
	size := 1
	for _, dim := range t.Shape {
		if dim < 0 {
			return fmt.Errorf("%w: negative tensor dimension %d", ErrShapeMismatch, dim)
		}
		size *= dim
	}
	if size != len(t.Data) {
		return fmt.Errorf("%w: tensor shape %v needs %d values, got %d", ErrShapeMismatch, t.Shape, size, len(t.Data))
	}
	return nil
}

// DetectorBlob is the serialized state of the detector fitted on one fold.
type DetectorBlob struct {
	VersionedRecord
	RunKey       string          `json:"run_key"`
	Method       string          `json:"method"`
	Fold         int             `json:"fold"`
	CreatedAtUTC string          `json:"created_at_utc"`
	State        json.RawMessage `json:"state"`
}

// Key identifies the blob inside a store.
func (b DetectorBlob) Key() string {
	return DetectorKey(b.RunKey, b.Fold)
}

// DetectorKey is "<run key>/fold_<n>" with a one-based fold number.
func DetectorKey(runKey string, fold int) string {
	return fmt.Sprintf("%s/fold_%d", runKey, fold+1)
}
