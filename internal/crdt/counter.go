package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/calimero-network/core/internal/storage"
)

func init() {
	RegisterDecoder(storage.KindGCounter, func(b []byte) (Mergeable, error) { return DecodeGCounter(b) })
	RegisterDecoder(storage.KindPnCounter, func(b []byte) (Mergeable, error) { return DecodePnCounter(b) })
}

// GCounter is a per-node grow-only counter, merged by taking the per-node
// maximum (spec §3 StorageKind.GCounter, scenario 1 in spec §8).
type GCounter struct {
	Counts map[[32]byte]uint64
}

// NewGCounter returns an empty counter.
func NewGCounter() *GCounter { return &GCounter{Counts: map[[32]byte]uint64{}} }

// Increment adds delta to node's own slot.
func (c *GCounter) Increment(node [32]byte, delta uint64) {
	c.Counts[node] += delta
}

// Value sums every node's contribution.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, v := range c.Counts {
		total += v
	}
	return total
}

func (c *GCounter) Kind() storage.StorageKind { return storage.KindGCounter }

func (c *GCounter) Encode() []byte {
	nodes := sortedNodes(c.Counts)
	out := make([]byte, 0, 8+len(nodes)*40)
	out = appendUint64(out, uint64(len(nodes)))
	for _, n := range nodes {
		out = append(out, n[:]...)
		out = appendUint64(out, c.Counts[n])
	}
	return out
}

// DecodeGCounter parses bytes produced by Encode.
func DecodeGCounter(b []byte) (*GCounter, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: gcounter record too short")
	}
	n := binary.BigEndian.Uint64(b[0:8])
	c := NewGCounter()
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+40 > len(b) {
			return nil, fmt.Errorf("crdt: gcounter record truncated")
		}
		var node [32]byte
		copy(node[:], b[off:off+32])
		val := binary.BigEndian.Uint64(b[off+32 : off+40])
		c.Counts[node] = val
		off += 40
	}
	return c, nil
}

func (c *GCounter) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*GCounter)
	if !ok {
		return nil, fmt.Errorf("crdt: gcounter merge type mismatch: %T", remote)
	}
	merged := NewGCounter()
	for n, v := range c.Counts {
		merged.Counts[n] = v
	}
	for n, v := range o.Counts {
		if v > merged.Counts[n] {
			merged.Counts[n] = v
		}
	}
	return merged, nil
}

func (c *GCounter) Decomposable() bool { return false }

func sortedNodes(m map[[32]byte]uint64) [][32]byte {
	nodes := make([][32]byte, 0, len(m))
	for n := range m {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		for k := 0; k < 32; k++ {
			if nodes[i][k] != nodes[j][k] {
				return nodes[i][k] < nodes[j][k]
			}
		}
		return false
	})
	return nodes
}

// PnCounter is two GCounters (positive, negative) whose difference is the
// logical value (spec §3 StorageKind.PnCounter).
type PnCounter struct {
	Pos *GCounter
	Neg *GCounter
}

// NewPnCounter returns a zero-valued counter.
func NewPnCounter() *PnCounter { return &PnCounter{Pos: NewGCounter(), Neg: NewGCounter()} }

// Increment/Decrement add to the positive/negative side respectively.
func (c *PnCounter) Increment(node [32]byte, delta uint64) { c.Pos.Increment(node, delta) }
func (c *PnCounter) Decrement(node [32]byte, delta uint64) { c.Neg.Increment(node, delta) }

// Value returns Pos - Neg as a signed integer.
func (c *PnCounter) Value() int64 { return int64(c.Pos.Value()) - int64(c.Neg.Value()) }

func (c *PnCounter) Kind() storage.StorageKind { return storage.KindPnCounter }

func (c *PnCounter) Encode() []byte {
	pos := c.Pos.Encode()
	neg := c.Neg.Encode()
	out := make([]byte, 0, 8+len(pos)+len(neg))
	out = appendUint64(out, uint64(len(pos)))
	out = append(out, pos...)
	out = append(out, neg...)
	return out
}

// DecodePnCounter parses bytes produced by Encode.
func DecodePnCounter(b []byte) (*PnCounter, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: pncounter record too short")
	}
	posLen := binary.BigEndian.Uint64(b[0:8])
	if uint64(len(b)-8) < posLen {
		return nil, fmt.Errorf("crdt: pncounter record truncated")
	}
	pos, err := DecodeGCounter(b[8 : 8+posLen])
	if err != nil {
		return nil, err
	}
	neg, err := DecodeGCounter(b[8+posLen:])
	if err != nil {
		return nil, err
	}
	return &PnCounter{Pos: pos, Neg: neg}, nil
}

func (c *PnCounter) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*PnCounter)
	if !ok {
		return nil, fmt.Errorf("crdt: pncounter merge type mismatch: %T", remote)
	}
	pos, err := c.Pos.Merge(o.Pos)
	if err != nil {
		return nil, err
	}
	neg, err := c.Neg.Merge(o.Neg)
	if err != nil {
		return nil, err
	}
	return &PnCounter{Pos: pos.(*GCounter), Neg: neg.(*GCounter)}, nil
}

func (c *PnCounter) Decomposable() bool { return false }
