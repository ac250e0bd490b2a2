package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
	"github.com/calimero-network/core/internal/modulecache"
	"github.com/calimero-network/core/internal/storage"
)

// commitWat is a hand-written fixture (no Go-to-WASM toolchain needed): it
// exports "commit", which writes a key/value pair through the storage_set
// host import and returns successfully, and "commit_then_trap", which does
// the same storage_set call and then hits unreachable.
const commitWat = `
(module
  (import "env" "storage_set" (func $storage_set (param i32 i32 i32 i32) (result i32)))
  (memory (export "memory") 1)
  (data (i32.const 0) "k")
  (data (i32.const 16) "v")
  (func (export "alloc") (param i32) (result i32)
    i32.const 1024)
  (func (export "commit") (param i32 i32) (result i64)
    (drop (call $storage_set (i32.const 0) (i32.const 1) (i32.const 16) (i32.const 1)))
    (i64.const 0))
  (func (export "commit_then_trap") (param i32 i32) (result i64)
    (drop (call $storage_set (i32.const 0) (i32.const 1) (i32.const 16) (i32.const 1)))
    unreachable))
`

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "runtime.db"), kvstore.AllColumns)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	cache, err := modulecache.New(kv, 2)
	if err != nil {
		t.Fatalf("new module cache: %v", err)
	}
	st := storage.New(kv)
	return New(cache, st, nil, 1000, 1000, 0)
}

func compileWat(t *testing.T, wat string) []byte {
	t.Helper()
	wasmBytes, err := wasmer.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("wat2wasm: %v", err)
	}
	return wasmBytes
}

// TestExecuteCommitsOnSuccess covers P7's positive case: a call that
// returns normally makes its storage_set writes visible afterward.
func TestExecuteCommitsOnSuccess(t *testing.T) {
	rt := newTestRuntime(t)
	wasmBytes := compileWat(t, commitWat)

	contextID := ids.ContextId(randEntityIDForTest(1))
	appID := ids.ApplicationId(randEntityIDForTest(2))
	clock := hlc.New([hlc.NodeIDSize]byte{1}, nil)

	outcome, err := rt.Execute(context.Background(), ExecutionParams{
		ContextID:  contextID,
		Method:     "commit",
		AppWasm:    wasmBytes,
		AppID:      appID,
		AppVersion: "v1",
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.GasUsed != 0 {
		t.Fatalf("unexpected gas used: %d", outcome.GasUsed)
	}

	id := entityIDForKey(contextID, []byte("k"))
	got, err := rt.store.FindByID(id)
	if err != nil {
		t.Fatalf("expected committed entity, find failed: %v", err)
	}
	if string(got.Payload) != "v" {
		t.Fatalf("committed payload = %q, want %q", got.Payload, "v")
	}
}

// TestExecuteRollsBackOnTrap covers P7's negative case and spec §8
// scenario 6 ("execution rollback"): a call that traps after staging a
// storage_set write must leave no trace of that write behind.
func TestExecuteRollsBackOnTrap(t *testing.T) {
	rt := newTestRuntime(t)
	wasmBytes := compileWat(t, commitWat)

	contextID := ids.ContextId(randEntityIDForTest(3))
	appID := ids.ApplicationId(randEntityIDForTest(4))
	clock := hlc.New([hlc.NodeIDSize]byte{2}, nil)

	outcome, err := rt.Execute(context.Background(), ExecutionParams{
		ContextID:  contextID,
		Method:     "commit_then_trap",
		AppWasm:    wasmBytes,
		AppID:      appID,
		AppVersion: "v1",
		Clock:      clock,
	})
	if err == nil {
		t.Fatalf("expected an error from a trapping call")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected an *ExecutionError, got %T: %v", err, err)
	}
	if execErr.Kind != ErrKindTrap {
		t.Fatalf("error kind = %s, want %s", execErr.Kind, ErrKindTrap)
	}
	if outcome.GasUsed != 0 || outcome.ReturnValue != nil || outcome.Events != nil || outcome.Logs != nil {
		t.Fatalf("expected a zero-value outcome on trap, got %+v", outcome)
	}

	id := entityIDForKey(contextID, []byte("k"))
	if _, err := rt.store.FindByID(id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("trap leaked a storage_set write: find err = %v, want ErrNotFound", err)
	}
}

func randEntityIDForTest(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	return id
}
