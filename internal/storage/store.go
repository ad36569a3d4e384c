// Package storage persists the serialized state of fitted detectors so a run
// can be inspected or rescored after the fact. The checkpoint file stays the
// source of truth for progress; blobs are an optional side channel.
package storage

import (
	"context"

	"layerguard/internal/model"
)

// Store defines the persistence operations for detector blobs.
type Store interface {
	Init(ctx context.Context) error
	SaveDetector(ctx context.Context, blob model.DetectorBlob) error
	GetDetector(ctx context.Context, runKey string, fold int) (model.DetectorBlob, bool, error)
	// ListDetectors returns the blobs of one run ordered by fold.
	ListDetectors(ctx context.Context, runKey string) ([]model.DetectorBlob, error)
	DeleteDetectors(ctx context.Context, runKey string) error
}
