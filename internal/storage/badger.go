package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"layerguard/internal/model"
)

// BadgerStore keeps detector blobs in an embedded BadgerDB directory. An empty
// path opens an in-memory database.
type BadgerStore struct {
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(path string, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{path: path, logger: logger}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create badger directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if s.logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: s.logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) SaveDetector(_ context.Context, blob model.DetectorBlob) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := checkVersion(blob.VersionedRecord); err != nil {
		return err
	}
	payload, err := EncodeDetector(blob)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blob.Key()), payload)
	})
}

func (s *BadgerStore) GetDetector(_ context.Context, runKey string, fold int) (model.DetectorBlob, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.DetectorBlob{}, false, err
	}

	key := model.DetectorKey(runKey, fold)
	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.DetectorBlob{}, false, nil
	}
	if err != nil {
		return model.DetectorBlob{}, false, err
	}

	blob, err := DecodeDetector(payload)
	if err != nil {
		return model.DetectorBlob{}, false, fmt.Errorf("decode detector %s: %w", key, err)
	}
	return blob, true, nil
}

func (s *BadgerStore) ListDetectors(ctx context.Context, runKey string) ([]model.DetectorBlob, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var out []model.DetectorBlob
	prefix := []byte(keyPrefix(runKey))
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			blob, err := DecodeDetector(payload)
			if err != nil {
				return fmt.Errorf("decode detector %s: %w", it.Item().Key(), err)
			}
			out = append(out, blob)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByFold(out)
	return out, nil
}

func (s *BadgerStore) DeleteDetectors(_ context.Context, runKey string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.DropPrefix([]byte(keyPrefix(runKey)))
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}
