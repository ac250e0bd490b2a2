package modulecache

import (
	"path/filepath"
	"testing"

	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "modulecache.db"), kvstore.AllColumns)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	c, err := New(kv, 2)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestGetCompilesOnceThenHitsLRU(t *testing.T) {
	c := newTestCache(t)
	app, _ := ids.RandomBlobId()
	appID := ids.ApplicationId(app)

	calls := 0
	compiler := func(b []byte) ([]byte, error) {
		calls++
		return append([]byte("compiled:"), b...), nil
	}

	got1, err := c.Get(appID, "v1", []byte("wasm-bytes"), compiler)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got2, err := c.Get(appID, "v1", []byte("wasm-bytes"), compiler)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got1) != string(got2) {
		t.Fatalf("mismatched results: %q vs %q", got1, got2)
	}
	if calls != 1 {
		t.Fatalf("compiler called %d times, want 1", calls)
	}
}

func TestGetHitsKVColumnAfterLRUEviction(t *testing.T) {
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "modulecache.db"), kvstore.AllColumns)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	defer kv.Close()
	c, err := New(kv, 1) // tiny LRU forces eviction
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	appA, _ := ids.RandomBlobId()
	appB, _ := ids.RandomBlobId()
	calls := 0
	compiler := func(b []byte) ([]byte, error) {
		calls++
		return append([]byte("compiled:"), b...), nil
	}

	if _, err := c.Get(ids.ApplicationId(appA), "v1", []byte("a"), compiler); err != nil {
		t.Fatalf("get a: %v", err)
	}
	if _, err := c.Get(ids.ApplicationId(appB), "v1", []byte("b"), compiler); err != nil {
		t.Fatalf("get b: %v", err)
	}
	// appA was evicted from the LRU by appB; Get must still find it in the
	// K/V column rather than recompiling.
	if _, err := c.Get(ids.ApplicationId(appA), "v1", []byte("a"), compiler); err != nil {
		t.Fatalf("get a again: %v", err)
	}
	if calls != 2 {
		t.Fatalf("compiler called %d times, want 2 (one per distinct app)", calls)
	}
}

func TestInvalidateForcesRecompile(t *testing.T) {
	c := newTestCache(t)
	app, _ := ids.RandomBlobId()
	appID := ids.ApplicationId(app)
	calls := 0
	compiler := func(b []byte) ([]byte, error) {
		calls++
		return append([]byte("compiled:"), b...), nil
	}

	if _, err := c.Get(appID, "v1", []byte("a"), compiler); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := c.Invalidate(appID, "v1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.Get(appID, "v1", []byte("a"), compiler); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("compiler called %d times, want 2", calls)
	}
}
