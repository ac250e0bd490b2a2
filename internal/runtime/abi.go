package runtime

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/calimero-network/core/internal/blobstore"
	ctxregistry "github.com/calimero-network/core/internal/context"
	"github.com/calimero-network/core/internal/eventbus"
	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/storage"
)

// guestKVCollection is the child-index collection name guest_kv writes are
// registered under, rooted at kvRootID, so storage_iter has something to
// walk (entity ids are content hashes, not independently enumerable).
const guestKVCollection = "guest_kv"

// kvRootID is a synthetic per-context parent entity id; it never needs to
// exist as a saved entity, only as a child-index key (storage.AddChild
// does not require its parent to exist).
func kvRootID(contextID ids.ContextId) ids.EntityId {
	h := sha256.New()
	h.Write(contextID.Bytes())
	h.Write([]byte("\x00guest_kv_root"))
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return ids.NewEntityId(digest)
}

// kvIterState is one guest storage_iter cursor's snapshot, fixed at the
// moment storage_iter was called; writes later in the same call are not
// visible through it.
type kvIterState struct {
	items []storage.ChildInfo
	pos   int
}

// hostCtx is the struct threaded through every host call instead of a
// process global (spec's REDESIGN FLAG: "Global storage state" — state
// lives here, scoped to one Execute invocation, not in package variables).
type hostCtx struct {
	mem *wasmer.Memory

	contextID  ids.ContextId
	caller     ids.SignerId
	executorID ids.SignerId
	now        hlc.Timestamp

	store    *storage.Interface
	blobs    *blobstore.Store
	registry *ctxregistry.Registry

	pending           map[ids.EntityId]storage.Entity
	pendingKVLinks    []storage.ChildInfo
	pendingKVRemovals []ids.EntityId
	logs              []string
	events            []eventbus.NodeEvent

	blobBuf     *bytes.Buffer
	iterCursors map[int32]*kvIterState
	nextCursor  int32

	gasRemaining uint64

	trapErr error
	seed    [32]byte
	seedCtr uint64
}

func (h *hostCtx) trap(err error) {
	if h.trapErr == nil {
		h.trapErr = err
	}
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	if ptr < 0 || ln < 0 {
		return nil
	}
	data := h.mem.Data()
	if int(ptr)+int(ln) > len(data) {
		h.trap(newExecErr(ErrKindTrap, "guest memory read out of bounds: ptr=%d len=%d", ptr, ln))
		return nil
	}
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, b []byte) bool {
	data := h.mem.Data()
	if ptr < 0 || int(ptr)+len(b) > len(data) {
		h.trap(newExecErr(ErrKindTrap, "guest memory write out of bounds: ptr=%d len=%d", ptr, len(b)))
		return false
	}
	copy(data[ptr:], b)
	return true
}

// entityIDForKey derives the storage entity id a guest key maps to,
// scoped to this context so two contexts never collide on the same key.
func entityIDForKey(contextID ids.ContextId, key []byte) ids.EntityId {
	h := sha256.New()
	h.Write(contextID.Bytes())
	h.Write(key)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return ids.NewEntityId(digest)
}

func (h *hostCtx) lookup(id ids.EntityId) (storage.Entity, bool) {
	if e, ok := h.pending[id]; ok {
		return e, true
	}
	e, err := h.store.FindByID(id)
	if err != nil {
		return storage.Entity{}, false
	}
	return e, true
}

func (h *hostCtx) consumeGas(units uint64) bool {
	if units > h.gasRemaining {
		h.gasRemaining = 0
		h.trap(newExecErr(ErrKindTrap, "gas exhausted"))
		return false
	}
	h.gasRemaining -= units
	return true
}

// deterministicRandom derives pseudo-random bytes from a per-call seed and
// an incrementing counter rather than OS entropy: guest randomness must
// reproduce identically on replay (spec P9, supplemented ABI detail).
func (h *hostCtx) deterministicRandom(n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		buf := make([]byte, 0, 40)
		buf = append(buf, h.seed[:]...)
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], h.seedCtr)
		buf = append(buf, ctr[:]...)
		h.seedCtr++
		digest := sha256.Sum256(buf)
		out = append(out, digest[:]...)
	}
	return out[:n]
}

func i32Types(n int) []wasmer.ValueKind {
	out := make([]wasmer.ValueKind, n)
	for i := range out {
		out[i] = wasmer.ValueKind(wasmer.I32)
	}
	return out
}

// registerHostImports binds the host ABI into a wasmer ImportObject,
// following the same registerHost/hostCtx pattern used elsewhere for
// binding Go closures as wasm imports.
func registerHostImports(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	storageGet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(4)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen := args[0].I32(), args[1].I32()
			dstPtr, dstCap := args[2].I32(), args[3].I32()
			key := h.read(keyPtr, keyLen)
			if h.trapErr != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			id := entityIDForKey(h.contextID, key)
			e, ok := h.lookup(id)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if int32(len(e.Payload)) > dstCap {
				return []wasmer.Value{wasmer.NewI32(-2)}, nil
			}
			h.write(dstPtr, e.Payload)
			return []wasmer.Value{wasmer.NewI32(int32(len(e.Payload)))}, nil
		},
	)

	storageSet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(4)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen := args[0].I32(), args[1].I32()
			valPtr, valLen := args[2].I32(), args[3].I32()
			key := h.read(keyPtr, keyLen)
			val := h.read(valPtr, valLen)
			if h.trapErr != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			id := entityIDForKey(h.contextID, key)
			existing, _ := h.lookup(id)
			e := storage.Entity{
				ID:      id,
				Payload: val,
				Metadata: storage.Metadata{
					CreatedAt:   existing.Metadata.CreatedAt,
					UpdatedAt:   h.now,
					StorageKind: storage.KindCustom,
					CustomTag:   "guest_kv",
					Signer:      h.caller,
				},
			}
			if e.Metadata.CreatedAt.IsZero() {
				e.Metadata.CreatedAt = h.now
			}
			h.pending[id] = e
			h.pendingKVLinks = append(h.pendingKVLinks, storage.ChildInfo{ChildID: id, UpdatedAt: h.now})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	storageRemove := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(2)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen := args[0].I32(), args[1].I32()
			key := h.read(keyPtr, keyLen)
			if h.trapErr != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			id := entityIDForKey(h.contextID, key)
			e := storage.Entity{
				ID: id,
				Metadata: storage.Metadata{
					CreatedAt:   h.now,
					UpdatedAt:   h.now,
					StorageKind: storage.KindCustom,
					CustomTag:   "guest_kv",
					Signer:      h.caller,
				},
			}
			h.pending[id] = e
			h.pendingKVRemovals = append(h.pendingKVRemovals, id)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	blobRead := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(4)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			idPtr, dstPtr, dstCap := args[0].I32(), args[2].I32(), args[3].I32()
			idBytes := h.read(idPtr, 32)
			if h.trapErr != nil || h.blobs == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			blobID, err := ids.BlobIdFromBytes(idBytes)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			r, err := h.blobs.Get(blobID)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			defer r.Close()
			buf := make([]byte, dstCap)
			n, _ := r.Read(buf)
			h.write(dstPtr, buf[:n])
			return []wasmer.Value{wasmer.NewI32(int32(n))}, nil
		},
	)

	eventEmit := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(4)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			namePtr, nameLen := args[0].I32(), args[1].I32()
			payloadPtr, payloadLen := args[2].I32(), args[3].I32()
			name := h.read(namePtr, nameLen)
			payload := h.read(payloadPtr, payloadLen)
			if h.trapErr != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			// Queued until commit: the call can still trap after this point,
			// in which case Execute discards h.events along with h.pending.
			h.events = append(h.events, eventbus.NodeEvent{
				ContextID: h.contextID,
				Name:      string(name),
				Payload:   append([]byte(nil), payload...),
				At:        h.now,
			})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	logMessage := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(2)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			msg := h.read(ptr, ln)
			if h.trapErr == nil {
				h.logs = append(h.logs, string(msg))
			}
			return []wasmer.Value{}, nil
		},
	)

	contextID := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.write(args[0].I32(), h.contextID.Bytes())
			return []wasmer.Value{}, nil
		},
	)

	signerID := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.write(args[0].I32(), h.caller.Bytes())
			return []wasmer.Value{}, nil
		},
	)

	randomBytes := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(2)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, n := args[0].I32(), args[1].I32()
			h.write(ptr, h.deterministicRandom(int(n)))
			return []wasmer.Value{}, nil
		},
	)

	consumeGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(1)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			units := uint64(args[0].I32())
			if !h.consumeGas(units) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	ctxTimeNow := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			var buf [16]byte
			binary.BigEndian.PutUint64(buf[0:8], h.now.Physical)
			binary.BigEndian.PutUint64(buf[8:16], h.now.Logical)
			h.write(args[0].I32(), buf[:])
			return []wasmer.Value{}, nil
		},
	)

	ctxExecutorID := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.write(args[0].I32(), h.executorID.Bytes())
			return []wasmer.Value{}, nil
		},
	)

	storageIter := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			items, err := h.store.ChildrenOf(kvRootID(h.contextID), guestKVCollection)
			if err != nil {
				h.trap(newExecErr(ErrKindHost, "storage_iter: %w", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			live := make([]storage.ChildInfo, 0, len(items))
			for _, it := range items {
				if !it.Tombstone {
					live = append(live, it)
				}
			}
			cursor := h.nextCursor
			h.nextCursor++
			h.iterCursors[cursor] = &kvIterState{items: live}
			return []wasmer.Value{wasmer.NewI32(cursor)}, nil
		},
	)

	iterNext := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(3)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			cursor, dstPtr, dstCap := args[0].I32(), args[1].I32(), args[2].I32()
			st, ok := h.iterCursors[cursor]
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if st.pos >= len(st.items) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			id := st.items[st.pos].ChildID
			st.pos++
			e, ok := h.lookup(id)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			if int32(len(e.Payload)) > dstCap {
				return []wasmer.Value{wasmer.NewI32(-2)}, nil
			}
			h.write(dstPtr, e.Payload)
			return []wasmer.Value{wasmer.NewI32(int32(len(e.Payload)))}, nil
		},
	)

	blobCreate := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.blobBuf = &bytes.Buffer{}
			return []wasmer.Value{}, nil
		},
	)

	blobWrite := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(2)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if h.blobBuf == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			ptr, ln := args[0].I32(), args[1].I32()
			chunk := h.read(ptr, ln)
			if h.trapErr != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.blobBuf.Write(chunk)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	// blobClose commits the buffered bytes immediately rather than staging
	// them in h.pending: blob ids are content hashes, so a call that later
	// traps leaves at most an unreferenced blob on disk, never a corrupted
	// or partially-written one.
	blobClose := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(2)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if h.blobBuf == nil || h.blobs == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			dstPtr, dstCap := args[0].I32(), args[1].I32()
			id, err := h.blobs.Put(bytes.NewReader(h.blobBuf.Bytes()))
			h.blobBuf = nil
			if err != nil {
				h.trap(newExecErr(ErrKindHost, "blob_close: %w", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			idBytes := id.Bytes()
			if int32(len(idBytes)) > dstCap {
				return []wasmer.Value{wasmer.NewI32(-2)}, nil
			}
			h.write(dstPtr, idBytes)
			return []wasmer.Value{wasmer.NewI32(int32(len(idBytes)))}, nil
		},
	)

	// blobAnnounce marks a blob available to this context's peers on their
	// next sync (apps/blobs' blob_announce_to_context), committed
	// immediately for the same reason blobClose is: it is an idempotent
	// registry marker, not a storage write subject to rollback.
	blobAnnounce := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(1)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if h.registry == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			idBytes := h.read(args[0].I32(), 32)
			if h.trapErr != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			blobID, err := ids.BlobIdFromBytes(idBytes)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.registry.AnnounceBlob(h.contextID, blobID); err != nil {
				h.trap(newExecErr(ErrKindHost, "blob_announce_to_context: %w", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	guestPanic := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32Types(2)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			msg := h.read(ptr, ln)
			h.trap(newExecErr(ErrKindPanic, "guest panic: %s", msg))
			return []wasmer.Value{}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"storage_get":              storageGet,
		"storage_set":              storageSet,
		"storage_remove":           storageRemove,
		"storage_iter":             storageIter,
		"iter_next":                iterNext,
		"blob_read":                blobRead,
		"blob_create":              blobCreate,
		"blob_write":               blobWrite,
		"blob_close":               blobClose,
		"blob_announce_to_context": blobAnnounce,
		"event_emit":               eventEmit,
		"log_message":              logMessage,
		"context_id":               contextID,
		"signer_id":                signerID,
		"ctx_time_now":             ctxTimeNow,
		"ctx_executor_id":          ctxExecutorID,
		"random_bytes":             randomBytes,
		"consume_gas":              consumeGas,
		"panic":                    guestPanic,
	})

	return imports
}
