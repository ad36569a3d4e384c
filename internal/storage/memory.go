package storage

import (
	"context"
	"strings"
	"sync"

	"layerguard/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	detectors   map[string]model.DetectorBlob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	if s.detectors == nil {
		s.detectors = make(map[string]model.DetectorBlob)
	}
	return nil
}

func (s *MemoryStore) SaveDetector(_ context.Context, blob model.DetectorBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if err := checkVersion(blob.VersionedRecord); err != nil {
		return err
	}
	blob.State = append([]byte(nil), blob.State...)
	s.detectors[blob.Key()] = blob
	return nil
}

func (s *MemoryStore) GetDetector(_ context.Context, runKey string, fold int) (model.DetectorBlob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.DetectorBlob{}, false, ErrNotInitialized
	}
	blob, ok := s.detectors[model.DetectorKey(runKey, fold)]
	return blob, ok, nil
}

func (s *MemoryStore) ListDetectors(_ context.Context, runKey string) ([]model.DetectorBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	prefix := keyPrefix(runKey)
	var out []model.DetectorBlob
	for key, blob := range s.detectors {
		if strings.HasPrefix(key, prefix) {
			out = append(out, blob)
		}
	}
	sortByFold(out)
	return out, nil
}

func (s *MemoryStore) DeleteDetectors(_ context.Context, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	prefix := keyPrefix(runKey)
	for key := range s.detectors {
		if strings.HasPrefix(key, prefix) {
			delete(s.detectors, key)
		}
	}
	return nil
}
