package model

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration        = errors.New("configuration error")
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrMissingAuxiliaryData = errors.New("missing auxiliary data")
	ErrLengthMismatch       = errors.New("scores and labels length mismatch")
	ErrCheckpointCorruption = errors.New("checkpoint corruption")
)

// FoldError ties a failure to the fold and detection method that produced it.
type FoldError struct {
	Fold   int
	Method string
	Err    error
}

func (e *FoldError) Error() string {
	return fmt.Sprintf("fold %d (method %s): %v", e.Fold+1, e.Method, e.Err)
}

func (e *FoldError) Unwrap() error {
	return e.Err
}

// Configf builds a configuration error with context.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
