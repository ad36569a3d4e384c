package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

// ActivationFunc is applied element-wise to the pre-activation of a dense layer.
type ActivationFunc func(x float64) float64

type activationSet struct {
	mu sync.RWMutex
	fn map[string]ActivationFunc
}

var activations = newActivationSet()

func newActivationSet() *activationSet {
	return &activationSet{fn: builtInActivations()}
}

func builtInActivations() map[string]ActivationFunc {
	return map[string]ActivationFunc{
		"identity": func(x float64) float64 { return x },
		"relu":     func(x float64) float64 { return math.Max(x, 0) },
		"leaky_relu": func(x float64) float64 {
			if x < 0 {
				return 0.01 * x
			}
			return x
		},
		"tanh":     math.Tanh,
		"sigmoid":  func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		"softplus": func(x float64) float64 { return math.Log1p(math.Exp(-math.Abs(x))) + math.Max(x, 0) },
	}
}

// RegisterActivation adds a named activation for networks decoded afterwards.
func RegisterActivation(name string, fn ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil {
		return fmt.Errorf("activation %s: function is required", name)
	}
	activations.mu.Lock()
	defer activations.mu.Unlock()
	if _, ok := activations.fn[name]; ok {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activations.fn[name] = fn
	return nil
}

func MustRegisterActivation(name string, fn ActivationFunc) {
	if err := RegisterActivation(name, fn); err != nil {
		panic(err)
	}
}

// GetActivation resolves name; the empty name is the identity.
func GetActivation(name string) (ActivationFunc, error) {
	if name == "" {
		name = "identity"
	}
	activations.mu.RLock()
	fn, ok := activations.fn[name]
	activations.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrActivationNotFound, name, strings.Join(ListActivations(), ", "))
	}
	return fn, nil
}

func ListActivations() []string {
	activations.mu.RLock()
	defer activations.mu.RUnlock()
	names := make([]string, 0, len(activations.fn))
	for name := range activations.fn {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationsForTests() {
	activations.mu.Lock()
	activations.fn = builtInActivations()
	activations.mu.Unlock()
}
