package crdt

import (
	"encoding/binary"
	"fmt"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/storage"
)

func init() {
	RegisterDecoder(storage.KindLwwRegister, func(b []byte) (Mergeable, error) { return DecodeLwwRegister(b) })
}

// LwwRegister is a last-writer-wins register: higher HLC wins, ties broken
// by node id (spec §3 StorageKind.LwwRegister).
type LwwRegister struct {
	Value     []byte
	UpdatedAt hlc.Timestamp
}

// NewLwwRegister constructs a register value with the given write timestamp.
func NewLwwRegister(value []byte, updatedAt hlc.Timestamp) *LwwRegister {
	return &LwwRegister{Value: value, UpdatedAt: updatedAt}
}

func (r *LwwRegister) Kind() storage.StorageKind { return storage.KindLwwRegister }

func (r *LwwRegister) Encode() []byte {
	out := make([]byte, 0, 8+8+32+len(r.Value))
	out = appendUint64(out, r.UpdatedAt.Physical)
	out = appendUint64(out, r.UpdatedAt.Logical)
	out = append(out, r.UpdatedAt.NodeID[:]...)
	out = append(out, r.Value...)
	return out
}

// DecodeLwwRegister parses bytes produced by Encode.
func DecodeLwwRegister(b []byte) (*LwwRegister, error) {
	if len(b) < 48 {
		return nil, fmt.Errorf("crdt: lww register record too short (%d bytes)", len(b))
	}
	var r LwwRegister
	r.UpdatedAt.Physical = binary.BigEndian.Uint64(b[0:8])
	r.UpdatedAt.Logical = binary.BigEndian.Uint64(b[8:16])
	copy(r.UpdatedAt.NodeID[:], b[16:48])
	r.Value = append([]byte(nil), b[48:]...)
	return &r, nil
}

// Merge keeps the value whose HLC is greater; a tie cannot occur because
// HLC.Compare breaks ties on node id, and two distinct nodes never share a
// node id (spec §3, §4.8.2 tie-break policy, scenario 3 in spec §8).
func (r *LwwRegister) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*LwwRegister)
	if !ok {
		return nil, fmt.Errorf("crdt: lww register merge type mismatch: %T", remote)
	}
	if r.UpdatedAt.Compare(o.UpdatedAt) >= 0 {
		return r, nil
	}
	return o, nil
}

func (r *LwwRegister) Decomposable() bool { return false }

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
