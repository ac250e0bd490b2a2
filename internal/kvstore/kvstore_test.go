package kvstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, AllColumns)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetHasDelete(t *testing.T) {
	s := newTestStore(t)

	if ok, err := s.Has(ColumnEntities, []byte("k1")); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := s.Put(ColumnEntities, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := s.Get(ColumnEntities, []byte("k1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get mismatch: v=%s ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ColumnEntities, []byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Has(ColumnEntities, []byte("k1")); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestIterPrefixOrdering(t *testing.T) {
	s := newTestStore(t)
	keys := []string{"a:1", "a:3", "a:2", "b:1"}
	for _, k := range keys {
		if err := s.Put(ColumnChildIndex, []byte(k), []byte("v")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	entries, err := s.Iter(ColumnChildIndex, []byte("a:"))
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	want := []string{"a:1", "a:2", "a:3"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if string(e.Key) != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, e.Key, want[i])
		}
	}
}

func TestTransactionAtomicRollback(t *testing.T) {
	s := newTestStore(t)

	err := s.Transaction(func(tx *Tx) error {
		if err := tx.Put(ColumnEntities, []byte("x"), []byte("1")); err != nil {
			return err
		}
		return errTxFailure
	})
	if err == nil {
		t.Fatalf("expected transaction error")
	}
	if ok, _ := s.Has(ColumnEntities, []byte("x")); ok {
		t.Fatalf("expected rollback to discard staged write")
	}
}

var errTxFailure = &txErr{"forced failure"}

type txErr struct{ msg string }

func (e *txErr) Error() string { return e.msg }
