// Package checkpoint persists the progress of a cross-validation run: the
// scores and detection labels of every completed fold plus the index of the
// next fold. The record is rewritten atomically after each fold.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"layerguard/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

func FileName(method string) string {
	return fmt.Sprintf("checkpoint_%s.json", method)
}

func Path(dir, method string) string {
	return filepath.Join(dir, FileName(method))
}

type Record struct {
	model.VersionedRecord
	Method string `json:"method"`
	// ConfigFingerprint identifies the score-affecting options the folds were
	// computed with.
	ConfigFingerprint string      `json:"config_fingerprint,omitempty"`
	NumFolds          int         `json:"num_folds"`
	NextFoldIndex     int         `json:"next_fold_index"`
	ScoresPerFold     [][]float64 `json:"scores_per_fold"`
	LabelsPerFold     [][]int     `json:"labels_per_fold"`
	// FittedDetectors is empty, or holds one blob store key per completed fold
	// once any detector was saved; "" marks a fold whose detector was not saved.
	FittedDetectors []string `json:"fitted_detectors,omitempty"`
	Checksum        string   `json:"checksum"`
}

// New returns the record of a run that has not completed any fold.
func New(method string, numFolds int) Record {
	return Record{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Method:          method,
		NumFolds:        numFolds,
		ScoresPerFold:   [][]float64{},
		LabelsPerFold:   [][]int{},
	}
}

// Validate checks the structural invariants of a loaded record.
func (r Record) Validate() error {
	if r.SchemaVersion != CurrentSchemaVersion || r.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: unsupported record version %d/%d", model.ErrCheckpointCorruption, r.SchemaVersion, r.CodecVersion)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: method is empty", model.ErrCheckpointCorruption)
	}
	if r.NumFolds < 1 {
		return fmt.Errorf("%w: num_folds %d", model.ErrCheckpointCorruption, r.NumFolds)
	}
	if r.NextFoldIndex < 0 || r.NextFoldIndex > r.NumFolds {
		return fmt.Errorf("%w: next fold %d outside [0, %d]", model.ErrCheckpointCorruption, r.NextFoldIndex, r.NumFolds)
	}
	if len(r.ScoresPerFold) != r.NextFoldIndex || len(r.LabelsPerFold) != r.NextFoldIndex {
		return fmt.Errorf("%w: %d score arrays and %d label arrays for next fold %d", model.ErrCheckpointCorruption,
			len(r.ScoresPerFold), len(r.LabelsPerFold), r.NextFoldIndex)
	}
	for i := range r.ScoresPerFold {
		if len(r.ScoresPerFold[i]) != len(r.LabelsPerFold[i]) {
			return fmt.Errorf("%w: fold %d has %d scores and %d labels", model.ErrCheckpointCorruption,
				i+1, len(r.ScoresPerFold[i]), len(r.LabelsPerFold[i]))
		}
		for _, label := range r.LabelsPerFold[i] {
			if label != 0 && label != 1 {
				return fmt.Errorf("%w: fold %d has detection label %d", model.ErrCheckpointCorruption, i+1, label)
			}
		}
	}
	if len(r.FittedDetectors) != 0 && len(r.FittedDetectors) != r.NextFoldIndex {
		return fmt.Errorf("%w: %d detector keys for %d completed folds", model.ErrCheckpointCorruption, len(r.FittedDetectors), r.NextFoldIndex)
	}
	return nil
}

// Done reports whether every fold has completed.
func (r Record) Done() bool {
	return r.NextFoldIndex >= r.NumFolds
}

// Advance returns a copy of r with res appended as the next fold. Earlier fold
// arrays are shared, never rewritten.
func (r Record) Advance(res model.FoldResult, detectorKey string) (Record, error) {
	if res.Fold != r.NextFoldIndex {
		return Record{}, fmt.Errorf("%w: fold %d completed, checkpoint expects fold %d", model.ErrCheckpointCorruption, res.Fold+1, r.NextFoldIndex+1)
	}
	if r.Done() {
		return Record{}, fmt.Errorf("%w: all %d folds already completed", model.ErrCheckpointCorruption, r.NumFolds)
	}
	if len(res.Scores) != len(res.Labels) {
		return Record{}, fmt.Errorf("%w: fold %d has %d scores and %d labels", model.ErrLengthMismatch, res.Fold+1, len(res.Scores), len(res.Labels))
	}
	next := r
	next.ScoresPerFold = append(r.ScoresPerFold[:len(r.ScoresPerFold):len(r.ScoresPerFold)], res.Scores)
	next.LabelsPerFold = append(r.LabelsPerFold[:len(r.LabelsPerFold):len(r.LabelsPerFold)], res.Labels)
	if detectorKey != "" || len(r.FittedDetectors) > 0 {
		keys := make([]string, r.NextFoldIndex, r.NextFoldIndex+1)
		copy(keys, r.FittedDetectors)
		next.FittedDetectors = append(keys, detectorKey)
	}
	next.NextFoldIndex++
	return next, nil
}

func computeChecksum(r Record) (string, error) {
	r.Checksum = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Load reads the checkpoint of method from dir. A missing file is not an error.
func Load(dir, method string) (Record, bool, error) {
	path := Path(dir, method)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, false, fmt.Errorf("%w: %s: %v", model.ErrCheckpointCorruption, path, err)
	}
	want, err := computeChecksum(r)
	if err != nil {
		return Record{}, false, err
	}
	if r.Checksum != want {
		return Record{}, false, fmt.Errorf("%w: %s: checksum mismatch", model.ErrCheckpointCorruption, path)
	}
	if err := r.Validate(); err != nil {
		return Record{}, false, fmt.Errorf("%s: %w", path, err)
	}
	if r.Method != method {
		return Record{}, false, fmt.Errorf("%w: %s belongs to method %s", model.ErrCheckpointCorruption, path, r.Method)
	}
	return r, true, nil
}

// Save writes r to dir through a synced temp file and a rename, so a reader
// sees either the previous record or the new one.
func Save(dir string, r Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	checksum, err := computeChecksum(r)
	if err != nil {
		return "", err
	}
	r.Checksum = checksum
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := Path(dir, r.Method)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("rename checkpoint: %w", err)
	}
	success = true
	syncDir(dir)
	return path, nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Remove deletes the checkpoint of method. A missing file is not an error.
func Remove(dir, method string) error {
	err := os.Remove(Path(dir, method))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
