package nn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"layerguard/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("network version mismatch")

// Dense is one fully connected layer. Weights[o][i] maps input i to output o.
// TapShape, when set, reports the layer output as a [C, H, W] feature map so
// that the extractor pools it the same way it pools convolution outputs.
type Dense struct {
	Name       string      `json:"name"`
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
	TapShape   []int       `json:"tap_shape,omitempty"`
}

// Network is a feed-forward classifier whose hidden layer outputs can be tapped.
// The last layer produces the logits and is not tapped.
type Network struct {
	model.VersionedRecord
	ID     string  `json:"id"`
	Layers []Dense `json:"layers"`
}

func (n *Network) Validate() error {
	if len(n.Layers) < 2 {
		return fmt.Errorf("network needs at least one hidden layer and an output layer")
	}
	inputs := -1
	for i, layer := range n.Layers {
		if len(layer.Weights) == 0 {
			return fmt.Errorf("layer %d has no weights", i)
		}
		if len(layer.Bias) != len(layer.Weights) {
			return fmt.Errorf("layer %d bias size %d does not match %d outputs", i, len(layer.Bias), len(layer.Weights))
		}
		width := len(layer.Weights[0])
		for o, row := range layer.Weights {
			if len(row) != width {
				return fmt.Errorf("layer %d output %d has %d weights, want %d", i, o, len(row), width)
			}
		}
		if inputs >= 0 && width != inputs {
			return fmt.Errorf("layer %d expects %d inputs, previous layer has %d outputs", i, width, inputs)
		}
		if len(layer.TapShape) > 0 {
			size := 1
			for _, dim := range layer.TapShape {
				size *= dim
			}
			if size != len(layer.Weights) {
				return fmt.Errorf("layer %d tap shape %v does not cover %d outputs", i, layer.TapShape, len(layer.Weights))
			}
		}
		if _, err := GetActivation(layer.Activation); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		inputs = len(layer.Weights)
	}
	return nil
}

func (n *Network) InputSize() int {
	if len(n.Layers) == 0 || len(n.Layers[0].Weights) == 0 {
		return 0
	}
	return len(n.Layers[0].Weights[0])
}

func (n *Network) NumClasses() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return len(n.Layers[len(n.Layers)-1].Weights)
}

// NumTaps is the number of tappable hidden layers.
func (n *Network) NumTaps() int {
	return len(n.Layers) - 1
}

// Forward runs one sample and returns every layer output, logits last.
func (n *Network) Forward(input []float64) ([][]float64, error) {
	if len(input) != n.InputSize() {
		return nil, fmt.Errorf("%w: input has %d features, network expects %d", model.ErrShapeMismatch, len(input), n.InputSize())
	}
	outputs := make([][]float64, 0, len(n.Layers))
	current := input
	for i, layer := range n.Layers {
		fn, err := GetActivation(layer.Activation)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		next := make([]float64, len(layer.Weights))
		for o, row := range layer.Weights {
			total := layer.Bias[o]
			for j, w := range row {
				total += w * current[j]
			}
			next[o] = fn(total)
		}
		outputs = append(outputs, next)
		current = next
	}
	return outputs, nil
}

// ForwardWithLayerTaps runs a batch and returns one tensor per hidden layer plus
// the logits of every sample.
func (n *Network) ForwardWithLayerTaps(ctx context.Context, batch [][]float64) ([]model.Tensor, [][]float64, error) {
	taps := make([]model.Tensor, n.NumTaps())
	for l := range taps {
		shape := []int{len(batch)}
		if len(n.Layers[l].TapShape) > 0 {
			shape = append(shape, n.Layers[l].TapShape...)
		} else {
			shape = append(shape, len(n.Layers[l].Weights))
		}
		taps[l] = model.Tensor{Shape: shape, Data: make([]float64, 0, len(batch)*len(n.Layers[l].Weights))}
	}

	logits := make([][]float64, len(batch))
	for i, input := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		outputs, err := n.Forward(input)
		if err != nil {
			return nil, nil, fmt.Errorf("sample %d: %w", i, err)
		}
		for l := range taps {
			taps[l].Data = append(taps[l].Data, outputs[l]...)
		}
		logits[i] = outputs[len(outputs)-1]
	}
	return taps, logits, nil
}

func EncodeNetwork(n Network) ([]byte, error) {
	return json.Marshal(n)
}

func DecodeNetwork(data []byte) (Network, error) {
	var n Network
	if err := json.Unmarshal(data, &n); err != nil {
		return Network{}, err
	}
	if n.SchemaVersion != CurrentSchemaVersion || n.CodecVersion != CurrentCodecVersion {
		return Network{}, ErrVersionMismatch
	}
	if err := n.Validate(); err != nil {
		return Network{}, err
	}
	return n, nil
}

func LoadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := DecodeNetwork(data)
	if err != nil {
		return nil, fmt.Errorf("decode network %s: %w", path, err)
	}
	return &n, nil
}
