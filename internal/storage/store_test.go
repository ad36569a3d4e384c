package storage

import (
	"context"
	"errors"
	"testing"

	"layerguard/internal/model"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = CloseIfSupported(store)
	})

	for fold := 2; fold >= 0; fold-- {
		blob := NewDetectorBlob("lid_k20", "lid", fold, "2026-01-02T03:04:05Z", []byte(`{"method":"lid"}`))
		if err := store.SaveDetector(ctx, blob); err != nil {
			t.Fatalf("save fold %d: %v", fold, err)
		}
	}
	other := NewDetectorBlob("lid_k2", "lid", 0, "", []byte(`{}`))
	if err := store.SaveDetector(ctx, other); err != nil {
		t.Fatalf("save other run: %v", err)
	}

	got, ok, err := store.GetDetector(ctx, "lid_k20", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted detector")
	}
	if got.Fold != 1 || got.Method != "lid" || string(got.State) != `{"method":"lid"}` {
		t.Fatalf("unexpected blob: %+v", got)
	}

	if _, ok, err := store.GetDetector(ctx, "lid_k20", 7); err != nil || ok {
		t.Fatalf("expected missing fold, got ok=%t err=%v", ok, err)
	}

	list, err := store.ListDetectors(ctx, "lid_k20")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 blobs without the lid_k2 run, got %d", len(list))
	}
	for i, blob := range list {
		if blob.Fold != i {
			t.Fatalf("blobs not ordered by fold: %+v", list)
		}
	}

	// overwrite keeps one entry per fold
	replaced := NewDetectorBlob("lid_k20", "lid", 0, "", []byte(`{"v":2}`))
	if err := store.SaveDetector(ctx, replaced); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, err = store.GetDetector(ctx, "lid_k20", 0)
	if err != nil || string(got.State) != `{"v":2}` {
		t.Fatalf("overwrite not visible: %+v err=%v", got, err)
	}

	if err := store.DeleteDetectors(ctx, "lid_k20"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err = store.ListDetectors(ctx, "lid_k20")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no blobs after delete, got %d", len(list))
	}
	if _, ok, _ := store.GetDetector(ctx, "lid_k2", 0); !ok {
		t.Fatal("delete removed another run")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBadgerStoreInMemory(t *testing.T) {
	exerciseStore(t, NewBadgerStore("", nil))
}

func TestBadgerStorePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewBadgerStore(dir, nil)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.SaveDetector(ctx, NewDetectorBlob("dknn", "dknn", 0, "", []byte(`{"k":5}`))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewBadgerStore(dir, nil)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	blob, ok, err := reopened.GetDetector(ctx, "dknn", 0)
	if err != nil || !ok {
		t.Fatalf("expected blob after reopen, ok=%t err=%v", ok, err)
	}
	if string(blob.State) != `{"k":5}` {
		t.Fatalf("unexpected state: %s", blob.State)
	}
}

func TestStoreRequiresInit(t *testing.T) {
	ctx := context.Background()
	for _, store := range []Store{NewMemoryStore(), NewBadgerStore("", nil)} {
		if _, err := store.ListDetectors(ctx, "x"); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%T: expected ErrNotInitialized, got %v", store, err)
		}
	}
}

func TestSaveRejectsVersionMismatch(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	blob := NewDetectorBlob("trust_-1", "trust", 0, "", []byte(`{}`))
	blob.CodecVersion = CurrentCodecVersion + 1
	if err := store.SaveDetector(context.Background(), blob); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeDetectorVersionMismatch(t *testing.T) {
	if _, err := DecodeDetector([]byte(`{"schema_version":9,"codec_version":1}`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	blob := NewDetectorBlob("odds", "odds", 3, "", []byte(`{"mean":[[0]]}`))
	data, err := EncodeDetector(blob)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeDetector(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Key() != "odds/fold_4" {
		t.Fatalf("unexpected key %q", decoded.Key())
	}
}

func TestNewStore(t *testing.T) {
	for _, kind := range []string{"", "memory", "badger"} {
		store, err := NewStore(kind, "", nil)
		if err != nil {
			t.Fatalf("new %q store: %v", kind, err)
		}
		if store == nil {
			t.Fatalf("expected non-nil %q store", kind)
		}
	}
	if _, err := NewStore("unknown", "", nil); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
