// Package runtime executes application WASM modules against a context's
// storage, enforcing atomic rollback on trap or host error (spec §4.6, P7)
// through a wasmer-go instance per call and a host ABI (§6.1) bound to a
// per-call struct rather than process globals.
package runtime

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
	"golang.org/x/time/rate"

	"github.com/calimero-network/core/internal/blobstore"
	ctxregistry "github.com/calimero-network/core/internal/context"
	"github.com/calimero-network/core/internal/eventbus"
	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/metrics"
	"github.com/calimero-network/core/internal/modulecache"
	"github.com/calimero-network/core/internal/storage"
)

// DefaultGasLimit bounds the host-metered work a single call may perform
// (spec §4.6 resource limits; Open Question resolved — a generous but
// finite per-call budget rather than unbounded execution).
const DefaultGasLimit = 10_000_000

// ExecutionParams describes one call into a context's application.
type ExecutionParams struct {
	ContextID  ids.ContextId
	Caller     ids.SignerId
	// ExecutorID is this node's own identity, distinct from Caller (the
	// signer who asked for the call). Guest code reads it via
	// ctx_executor_id and Caller via signer_id.
	ExecutorID ids.SignerId
	Method     string
	Args       []byte
	AppWasm    []byte
	AppID      ids.ApplicationId
	AppVersion string
	Clock      *hlc.Clock
}

// ExecutionOutcome is everything a successful call produced.
type ExecutionOutcome struct {
	ReturnValue []byte
	Logs        []string
	Events      []eventbus.NodeEvent
	GasUsed     uint64
}

// Runtime executes application calls. Safe for concurrent use; each
// Execute call gets its own wasmer Store/Instance.
type Runtime struct {
	engine   *wasmer.Engine
	cache    *modulecache.Cache
	limiter  *rate.Limiter
	gasLimit uint64
	store    *storage.Interface
	blobs    *blobstore.Store
	registry *ctxregistry.Registry
	metrics  *metrics.Registry
}

// SetMetrics attaches a metrics registry; nil disables reporting (the
// zero value, which every pre-existing caller gets, is a no-op).
func (rt *Runtime) SetMetrics(m *metrics.Registry) { rt.metrics = m }

// SetRegistry attaches a context registry, enabling the blob_announce_to_context
// host call; nil (the default) makes that call a no-op.
func (rt *Runtime) SetRegistry(r *ctxregistry.Registry) { rt.registry = r }

// New constructs a Runtime. callsPerSecond/burst throttle call admission
// (spec §3.8: "golang.org/x/time/rate"); gasLimit <= 0 uses DefaultGasLimit.
func New(cache *modulecache.Cache, st *storage.Interface, blobs *blobstore.Store, callsPerSecond float64, burst int, gasLimit uint64) *Runtime {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	return &Runtime{
		engine:   wasmer.NewEngine(),
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(callsPerSecond), burst),
		gasLimit: gasLimit,
		store:    st,
		blobs:    blobs,
	}
}

// compile serializes a validated module for the module cache's compile-miss
// path (spec §4.5).
func (rt *Runtime) compile(wasmBytes []byte) ([]byte, error) {
	wstore := wasmer.NewStore(rt.engine)
	mod, err := wasmer.NewModule(wstore, wasmBytes)
	if err != nil {
		return nil, newExecErr(ErrKindCompilation, "%w", err)
	}
	serialized, err := mod.Serialize()
	if err != nil {
		return nil, newExecErr(ErrKindCompilation, "serialize: %w", err)
	}
	return serialized, nil
}

// Execute runs one method call to completion or failure. On any
// ExecutionError (compilation, link, method-not-found, trap, host, panic)
// every staged storage write and queued event is discarded, so none of
// them becomes visible (P7). Blobs finished with blob_close and markers
// set by blob_announce_to_context are committed during the host call and
// are kept.
func (rt *Runtime) Execute(ctx context.Context, p ExecutionParams) (ExecutionOutcome, error) {
	outcome, err := rt.execute(ctx, p)
	if rt.metrics != nil {
		rt.metrics.RuntimeCallsTotal.Inc()
		if err != nil {
			rt.metrics.RuntimeCallFailures.Inc()
		} else {
			rt.metrics.RuntimeGasUsedTotal.Add(float64(outcome.GasUsed))
		}
	}
	return outcome, err
}

func (rt *Runtime) execute(ctx context.Context, p ExecutionParams) (ExecutionOutcome, error) {
	if err := rt.limiter.Wait(ctx); err != nil {
		return ExecutionOutcome{}, fmt.Errorf("runtime: rate limit wait: %w", err)
	}

	compiled, err := rt.cache.Get(p.AppID, p.AppVersion, p.AppWasm, rt.compile)
	if err != nil {
		return ExecutionOutcome{}, err
	}

	wstore := wasmer.NewStore(rt.engine)
	mod, err := wasmer.DeserializeModule(wstore, compiled)
	if err != nil {
		return ExecutionOutcome{}, newExecErr(ErrKindCompilation, "deserialize: %w", err)
	}

	now := p.Clock.Now()
	seed := sha256.Sum256(append(append(p.ContextID.Bytes(), []byte(p.Method)...), p.Args...))
	h := &hostCtx{
		contextID:    p.ContextID,
		caller:       p.Caller,
		executorID:   p.ExecutorID,
		now:          now,
		store:        rt.store,
		blobs:        rt.blobs,
		registry:     rt.registry,
		pending:      map[ids.EntityId]storage.Entity{},
		iterCursors:  map[int32]*kvIterState{},
		gasRemaining: rt.gasLimit,
		seed:         seed,
	}

	imports := registerHostImports(wstore, h)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return ExecutionOutcome{}, newExecErr(ErrKindLink, "%w", err)
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return ExecutionOutcome{}, newExecErr(ErrKindLink, "memory export missing: %w", err)
	}
	h.mem = mem

	fn, err := instance.Exports.GetFunction(p.Method)
	if err != nil {
		return ExecutionOutcome{}, newExecErr(ErrKindMethodNotFound, "%q: %w", p.Method, err)
	}

	argsPtr, ok := rt.writeGuestArgs(instance, h, p.Args)
	if !ok {
		return ExecutionOutcome{}, h.trapErr
	}

	result, callErr := fn(argsPtr, int32(len(p.Args)))
	if h.trapErr != nil {
		return ExecutionOutcome{}, h.trapErr
	}
	if callErr != nil {
		return ExecutionOutcome{}, newExecErr(ErrKindTrap, "%w", callErr)
	}

	returnValue, err := rt.readGuestResult(h, result)
	if err != nil {
		return ExecutionOutcome{}, newExecErr(ErrKindHost, "%w", err)
	}

	for id, e := range h.pending {
		if _, err := rt.store.Save(e); err != nil {
			return ExecutionOutcome{}, newExecErr(ErrKindHost, "commit entity %s: %w", id, err)
		}
	}
	for _, link := range h.pendingKVLinks {
		if err := rt.store.AddChild(kvRootID(p.ContextID), guestKVCollection, link); err != nil && !errors.Is(err, storage.ErrStaleTombstone) {
			return ExecutionOutcome{}, newExecErr(ErrKindHost, "commit kv index link: %w", err)
		}
	}
	for _, id := range h.pendingKVRemovals {
		if err := rt.store.RemoveChild(kvRootID(p.ContextID), guestKVCollection, id, h.now); err != nil && !errors.Is(err, storage.ErrStaleTombstone) {
			return ExecutionOutcome{}, newExecErr(ErrKindHost, "commit kv index removal: %w", err)
		}
	}

	return ExecutionOutcome{
		ReturnValue: returnValue,
		Logs:        h.logs,
		Events:      h.events,
		GasUsed:     rt.gasLimit - h.gasRemaining,
	}, nil
}

// writeGuestArgs copies call arguments into guest memory at a scratch
// offset reserved by the guest's own allocator convention: the guest
// exports "alloc(len) -> ptr" which the host calls first (spec §6.1).
func (rt *Runtime) writeGuestArgs(instance *wasmer.Instance, h *hostCtx, args []byte) (int32, bool) {
	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		h.trap(newExecErr(ErrKindLink, "guest does not export alloc: %w", err))
		return 0, false
	}
	raw, err := alloc(int32(len(args)))
	if err != nil {
		h.trap(newExecErr(ErrKindTrap, "alloc call failed: %w", err))
		return 0, false
	}
	ptr, ok := raw.(int32)
	if !ok {
		h.trap(newExecErr(ErrKindHost, "alloc returned non-i32"))
		return 0, false
	}
	if !h.write(ptr, args) {
		return 0, false
	}
	return ptr, true
}

// readGuestResult interprets a method's (ptr, len)-packed i64 return value:
// the guest packs its result pointer into the high 32 bits and length into
// the low 32 bits of a single i64, and the host copies the result out of
// guest memory, so no second host round trip is needed to learn the length
// before reading (grounded on the original's wasm-abi-v1 normalize.rs).
func (rt *Runtime) readGuestResult(h *hostCtx, result any) ([]byte, error) {
	packed, ok := result.(int64)
	if !ok {
		return nil, fmt.Errorf("method did not return a packed i64")
	}
	ptr := int32(packed >> 32)
	ln := int32(packed & 0xFFFFFFFF)
	if ln == 0 {
		return nil, nil
	}
	out := h.read(ptr, ln)
	if h.trapErr != nil {
		return nil, h.trapErr
	}
	return out, nil
}
