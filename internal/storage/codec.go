package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"layerguard/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrNotInitialized  = errors.New("store is not initialized")
)

// NewDetectorBlob stamps the current record versions on a detector snapshot.
func NewDetectorBlob(runKey, method string, fold int, createdAtUTC string, state []byte) model.DetectorBlob {
	return model.DetectorBlob{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunKey:          runKey,
		Method:          method,
		Fold:            fold,
		CreatedAtUTC:    createdAtUTC,
		State:           json.RawMessage(state),
	}
}

func EncodeDetector(b model.DetectorBlob) ([]byte, error) {
	return json.Marshal(b)
}

func DecodeDetector(data []byte) (model.DetectorBlob, error) {
	var blob model.DetectorBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return model.DetectorBlob{}, err
	}
	if err := checkVersion(blob.VersionedRecord); err != nil {
		return model.DetectorBlob{}, err
	}
	return blob, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func sortByFold(blobs []model.DetectorBlob) {
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Fold < blobs[j].Fold })
}

// keyPrefix is the common prefix of every key of runKey.
func keyPrefix(runKey string) string {
	return runKey + "/"
}
