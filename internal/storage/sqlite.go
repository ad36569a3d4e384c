//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"layerguard/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveDetector(ctx context.Context, blob model.DetectorBlob) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeDetector(blob)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO detectors (run_key, fold, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_key, fold) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, blob.RunKey, blob.Fold, blob.SchemaVersion, blob.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetDetector(ctx context.Context, runKey string, fold int) (model.DetectorBlob, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.DetectorBlob{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM detectors WHERE run_key = ? AND fold = ?`, runKey, fold).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DetectorBlob{}, false, nil
		}
		return model.DetectorBlob{}, false, err
	}

	blob, err := DecodeDetector(payload)
	if err != nil {
		return model.DetectorBlob{}, false, fmt.Errorf("decode detector %s: %w", model.DetectorKey(runKey, fold), err)
	}
	return blob, true, nil
}

func (s *SQLiteStore) ListDetectors(ctx context.Context, runKey string) ([]model.DetectorBlob, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM detectors WHERE run_key = ? ORDER BY fold`, runKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DetectorBlob
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		blob, err := DecodeDetector(payload)
		if err != nil {
			return nil, fmt.Errorf("decode detector of %s: %w", runKey, err)
		}
		out = append(out, blob)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDetectors(ctx context.Context, runKey string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM detectors WHERE run_key = ?`, runKey)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS detectors (
			run_key TEXT NOT NULL,
			fold INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_key, fold)
		);
	`)
	return err
}
