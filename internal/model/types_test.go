package model

import (
	"errors"
	"testing"
)

func TestEmbeddingSetValidate(t *testing.T) {
	ok := EmbeddingSet{Layers: [][][]float64{
		{{1, 2}, {3, 4}},
		{{1}, {2}},
	}}
	if err := ok.ValidateLabels([]int{0, 1}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := EmbeddingSet{Layers: [][][]float64{
		{{1, 2}, {3, 4}},
		{{1}},
	}}
	if err := bad.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	if err := ok.ValidateLabels([]int{0}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected label shape mismatch, got %v", err)
	}
}

func TestEmbeddingSetSubsetAndSlice(t *testing.T) {
	set := EmbeddingSet{Layers: [][][]float64{
		{{1}, {2}, {3}},
		{{10}, {20}, {30}},
		{{100}, {200}, {300}},
	}}

	sub := set.Subset([]int{2, 0})
	if sub.Rows() != 2 || sub.Layers[1][0][0] != 30 || sub.Layers[2][1][0] != 100 {
		t.Fatalf("unexpected subset: %+v", sub)
	}

	last := set.SliceLayers(1)
	if last.NumLayers() != 2 || last.Layers[0][0][0] != 10 {
		t.Fatalf("unexpected sliced layers: %+v", last)
	}

	picked, err := set.SelectLayers([]int{2})
	if err != nil {
		t.Fatalf("select layers: %v", err)
	}
	if picked.NumLayers() != 1 || picked.Layers[0][0][0] != 100 {
		t.Fatalf("unexpected selected layers: %+v", picked)
	}
	if _, err := set.SelectLayers([]int{3}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFoldValidateNoisyCounts(t *testing.T) {
	fold := Fold{
		CleanTrain: LabeledInputs{Inputs: [][]float64{{1}, {2}}, Labels: []int{0, 1}},
		NoisyTrain: LabeledInputs{Inputs: [][]float64{{1}}, Labels: []int{0}},
	}
	if err := fold.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestFoldErrorUnwrap(t *testing.T) {
	err := &FoldError{Fold: 2, Method: "lid", Err: ErrLengthMismatch}
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected wrapped length mismatch")
	}
	if got := err.Error(); got != "fold 3 (method lid): scores and labels length mismatch" {
		t.Fatalf("unexpected message: %s", got)
	}
}
