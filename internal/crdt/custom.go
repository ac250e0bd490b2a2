package crdt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/calimero-network/core/internal/storage"
)

// CustomMergeFunc is the signature a guest application's custom merge
// export must present to the runtime host ABI (spec §3 StorageKind.Custom:
// "delegates convergence to an application-supplied function exported by
// the WASM module"). The runtime package wires the actual WASM call;
// tests and non-WASM callers may register a Go function directly.
type CustomMergeFunc func(tag string, local, remote []byte) ([]byte, error)

var (
	customMergeMu sync.RWMutex
	customMerge   CustomMergeFunc
)

// RegisterCustomMergeFunc installs the function Custom.Merge delegates to;
// called with nil it clears it. Only this package's tests call it: the
// runtime package does not register an application's merge export.
func RegisterCustomMergeFunc(fn CustomMergeFunc) {
	customMergeMu.Lock()
	defer customMergeMu.Unlock()
	customMerge = fn
}

func init() {
	RegisterDecoder(storage.KindCustom, func(b []byte) (Mergeable, error) { return DecodeCustom(b) })
}

// Custom wraps an opaque payload whose merge semantics are defined by the
// application itself rather than by this package (spec §3
// StorageKind.Custom). Metadata.CustomTag names which exported function to
// invoke; Custom carries the same tag so Merge can find it without a
// separate lookup.
type Custom struct {
	Tag     string
	Payload []byte
}

// NewCustom wraps payload under tag.
func NewCustom(tag string, payload []byte) *Custom { return &Custom{Tag: tag, Payload: payload} }

func (c *Custom) Kind() storage.StorageKind { return storage.KindCustom }

func (c *Custom) Encode() []byte {
	out := appendUint64(nil, uint64(len(c.Tag)))
	out = append(out, c.Tag...)
	out = append(out, c.Payload...)
	return out
}

// DecodeCustom parses bytes produced by Encode.
func DecodeCustom(b []byte) (*Custom, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: custom record too short")
	}
	tlen := int(binary.BigEndian.Uint64(b[0:8]))
	if 8+tlen > len(b) {
		return nil, fmt.Errorf("crdt: custom record truncated")
	}
	tag := string(b[8 : 8+tlen])
	payload := append([]byte(nil), b[8+tlen:]...)
	return &Custom{Tag: tag, Payload: payload}, nil
}

// Merge calls the registered CustomMergeFunc. An unregistered tag (no
// runtime wired, e.g. a unit test exercising a non-Custom path) is an
// error rather than a silent no-op, so a misconfigured node fails loudly
// instead of losing writes (spec P7: a trapped or unavailable merge must
// not silently apply a partial result).
func (c *Custom) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*Custom)
	if !ok {
		return nil, fmt.Errorf("crdt: custom merge type mismatch: %T", remote)
	}
	if c.Tag != o.Tag {
		return nil, fmt.Errorf("crdt: custom merge tag mismatch: %q vs %q", c.Tag, o.Tag)
	}
	customMergeMu.RLock()
	fn := customMerge
	customMergeMu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("crdt: no custom merge function registered for tag %q", c.Tag)
	}
	merged, err := fn(c.Tag, c.Payload, o.Payload)
	if err != nil {
		return nil, fmt.Errorf("crdt: custom merge tag %q: %w", c.Tag, err)
	}
	return &Custom{Tag: c.Tag, Payload: merged}, nil
}

func (c *Custom) Decomposable() bool { return false }
