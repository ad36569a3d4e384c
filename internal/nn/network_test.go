package nn

import (
	"context"
	"errors"
	"math"
	"testing"

	"layerguard/internal/model"
)

func testNetwork() Network {
	return Network{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              "net-1",
		Layers: []Dense{
			{
				Name:       "hidden",
				Weights:    [][]float64{{1, 0}, {0, 1}, {1, 1}, {1, -1}},
				Bias:       []float64{0, 0, 0, 0},
				Activation: "relu",
				TapShape:   []int{1, 2, 2},
			},
			{
				Name:       "logits",
				Weights:    [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}},
				Bias:       []float64{0, 0.5},
				Activation: "identity",
			},
		},
	}
}

func TestNetworkForward(t *testing.T) {
	net := testNetwork()
	if err := net.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	outputs, err := net.Forward([]float64{2, 1})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	hidden := outputs[0]
	want := []float64{2, 1, 3, 1}
	for i := range want {
		if math.Abs(hidden[i]-want[i]) > 1e-12 {
			t.Fatalf("unexpected hidden output: got=%v want=%v", hidden, want)
		}
	}
	logits := outputs[1]
	if logits[0] != 2 || logits[1] != 1.5 {
		t.Fatalf("unexpected logits: %v", logits)
	}
}

func TestNetworkForwardWithLayerTaps(t *testing.T) {
	net := testNetwork()
	taps, logits, err := net.ForwardWithLayerTaps(context.Background(), [][]float64{{2, 1}, {0, 3}})
	if err != nil {
		t.Fatalf("forward with taps: %v", err)
	}
	if len(taps) != 1 {
		t.Fatalf("expected one tap, got %d", len(taps))
	}
	if got := taps[0].Shape; len(got) != 4 || got[0] != 2 || got[1] != 1 || got[2] != 2 || got[3] != 2 {
		t.Fatalf("unexpected tap shape: %v", got)
	}
	if err := taps[0].Validate(); err != nil {
		t.Fatalf("tap validate: %v", err)
	}
	if len(logits) != 2 || Argmax(logits[1]) != 1 {
		t.Fatalf("unexpected logits: %v", logits)
	}
}

func TestNetworkRejectsWrongInputSize(t *testing.T) {
	net := testNetwork()
	if _, err := net.Forward([]float64{1}); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestDecodeNetworkVersionMismatch(t *testing.T) {
	net := testNetwork()
	net.SchemaVersion = 9
	data, err := EncodeNetwork(net)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeNetwork(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeNetworkRoundTrip(t *testing.T) {
	data, err := EncodeNetwork(testNetwork())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	net, err := DecodeNetwork(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if net.ID != "net-1" || net.NumClasses() != 2 || net.InputSize() != 2 || net.NumTaps() != 1 {
		t.Fatalf("unexpected network after decode: %+v", net)
	}
}

func TestArgmaxPrefersLowestIndex(t *testing.T) {
	if got := Argmax([]float64{1, 3, 3}); got != 1 {
		t.Fatalf("expected lowest index on ties, got %d", got)
	}
}

func TestRegisterAndGetActivation(t *testing.T) {
	resetActivationsForTests()
	t.Cleanup(resetActivationsForTests)

	if err := RegisterActivation("quad", func(x float64) float64 { return x * x }); err != nil {
		t.Fatalf("register activation: %v", err)
	}
	fn, err := GetActivation("quad")
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	if got := fn(3); got != 9 {
		t.Fatalf("unexpected activation result: got=%f want=9", got)
	}
	if err := RegisterActivation("quad", func(x float64) float64 { return x }); !errors.Is(err, ErrActivationExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := GetActivation("missing"); !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	resetActivationsForTests()
	if _, err := GetActivation("quad"); err == nil {
		t.Fatal("expected reset to drop registered activation")
	}
	relu, err := GetActivation("relu")
	if err != nil || relu(-2) != 0 || relu(3) != 3 {
		t.Fatalf("unexpected relu after reset: err=%v", err)
	}
}
