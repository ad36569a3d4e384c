// Package embed runs a trained classifier over inputs and collects per-layer
// embeddings together with the predicted labels.
package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"layerguard/internal/model"
	"layerguard/internal/nn"
)

const defaultBatchSize = 256

// Model is the classifier collaborator. It must be in inference mode and
// return one activation tensor per tapped layer plus the final logits.
type Model interface {
	ForwardWithLayerTaps(ctx context.Context, batch [][]float64) ([]model.Tensor, [][]float64, error)
}

// Extractor holds the per-detector layer selection. The zero value taps every
// layer with default batching.
type Extractor struct {
	// Layers lists tap indices to keep; nil keeps all.
	Layers    []int
	BatchSize int
	Workers   int
}

type batchResult struct {
	layers    [][][]float64
	predicted []int
	logits    [][]float64
}

// Extract returns the embeddings of inputs at the selected layers and the
// classifier's predicted labels. labels may be nil; when given it must be
// parallel to inputs.
func (e Extractor) Extract(ctx context.Context, m Model, inputs [][]float64, labels []int) (model.EmbeddingSet, []int, error) {
	res, err := e.run(ctx, m, inputs, labels)
	if err != nil {
		return model.EmbeddingSet{}, nil, err
	}
	return model.EmbeddingSet{Layers: res.layers}, res.predicted, nil
}

// ExtractLogits returns only the logits and predicted labels.
func (e Extractor) ExtractLogits(ctx context.Context, m Model, inputs [][]float64) ([][]float64, []int, error) {
	res, err := e.run(ctx, m, inputs, nil)
	if err != nil {
		return nil, nil, err
	}
	return res.logits, res.predicted, nil
}

func (e Extractor) run(ctx context.Context, m Model, inputs [][]float64, labels []int) (batchResult, error) {
	if m == nil {
		return batchResult{}, model.Configf("model is required for embedding extraction")
	}
	if labels != nil && len(labels) != len(inputs) {
		return batchResult{}, fmt.Errorf("%w: %d labels for %d inputs", model.ErrShapeMismatch, len(labels), len(inputs))
	}
	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}

	numBatches := (len(inputs) + batchSize - 1) / batchSize
	results := make([]batchResult, numBatches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for b := 0; b < numBatches; b++ {
		start := b * batchSize
		end := min(start+batchSize, len(inputs))
		g.Go(func() error {
			res, err := e.runBatch(gctx, m, inputs[start:end])
			if err != nil {
				return fmt.Errorf("batch %d: %w", b, err)
			}
			results[b] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batchResult{}, err
	}

	merged := batchResult{}
	for _, res := range results {
		if merged.layers == nil {
			merged.layers = make([][][]float64, len(res.layers))
		}
		if len(res.layers) != len(merged.layers) {
			return batchResult{}, fmt.Errorf("%w: batches returned different layer counts", model.ErrShapeMismatch)
		}
		for l := range res.layers {
			merged.layers[l] = append(merged.layers[l], res.layers[l]...)
		}
		merged.predicted = append(merged.predicted, res.predicted...)
		merged.logits = append(merged.logits, res.logits...)
	}
	if len(merged.predicted) != len(inputs) {
		return batchResult{}, fmt.Errorf("%w: %d predicted labels for %d inputs", model.ErrShapeMismatch, len(merged.predicted), len(inputs))
	}
	return merged, nil
}

func (e Extractor) runBatch(ctx context.Context, m Model, batch [][]float64) (batchResult, error) {
	taps, logits, err := m.ForwardWithLayerTaps(ctx, batch)
	if err != nil {
		return batchResult{}, err
	}
	if len(logits) != len(batch) {
		return batchResult{}, fmt.Errorf("%w: model returned %d logit rows for %d inputs", model.ErrShapeMismatch, len(logits), len(batch))
	}

	selected := taps
	if e.Layers != nil {
		selected = make([]model.Tensor, 0, len(e.Layers))
		for _, l := range e.Layers {
			if l < 0 || l >= len(taps) {
				return batchResult{}, model.Configf("layer index %d out of range [0, %d)", l, len(taps))
			}
			selected = append(selected, taps[l])
		}
	}

	res := batchResult{
		layers:    make([][][]float64, len(selected)),
		predicted: make([]int, len(batch)),
		logits:    logits,
	}
	for l, tensor := range selected {
		rows, err := Pool(tensor)
		if err != nil {
			return batchResult{}, fmt.Errorf("layer %d: %w", l, err)
		}
		if len(rows) != len(batch) {
			return batchResult{}, fmt.Errorf("%w: layer %d returned %d rows for %d inputs", model.ErrShapeMismatch, l, len(rows), len(batch))
		}
		res.layers[l] = rows
	}
	for i, row := range logits {
		res.predicted[i] = nn.Argmax(row)
	}
	return res, nil
}

// Pool flattens a batch tensor into one feature vector per sample. Tensors of
// shape [N, C, H, W] are averaged over the spatial dimensions so each channel
// contributes one feature; [N, D] passes through. Other ranks are flattened.
func Pool(t model.Tensor) ([][]float64, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := t.Shape[0]
	rows := make([][]float64, n)
	if n == 0 {
		return rows, nil
	}
	stride := len(t.Data) / n

	if len(t.Shape) == 4 {
		channels := t.Shape[1]
		spatial := t.Shape[2] * t.Shape[3]
		for i := 0; i < n; i++ {
			row := make([]float64, channels)
			base := i * stride
			for c := 0; c < channels; c++ {
				if spatial == 0 {
					continue
				}
				sum := 0.0
				offset := base + c*spatial
				for _, v := range t.Data[offset : offset+spatial] {
					sum += v
				}
				row[c] = sum / float64(spatial)
			}
			rows[i] = row
		}
		return rows, nil
	}

	for i := 0; i < n; i++ {
		rows[i] = append([]float64(nil), t.Data[i*stride:(i+1)*stride]...)
	}
	return rows, nil
}
