// Package hlc implements the hybrid logical clock used to order mutations
// across the mesh without requiring synchronized wall clocks (spec §3, §4.8.3).
package hlc

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// NodeIDSize matches ids.Size; duplicated here so that hlc stays a leaf
// package with no import of ids.
const NodeIDSize = 32

// Timestamp is a single hybrid logical clock reading:
// (physical_ns, logical_counter, node_id), ordered lexicographically.
type Timestamp struct {
	Physical uint64
	Logical  uint64
	NodeID   [NodeIDSize]byte
}

// Compare returns -1, 0 or 1 following (physical, logical, node_id) order.
func (t Timestamp) Compare(o Timestamp) int {
	if t.Physical != o.Physical {
		if t.Physical < o.Physical {
			return -1
		}
		return 1
	}
	if t.Logical != o.Logical {
		if t.Logical < o.Logical {
			return -1
		}
		return 1
	}
	return bytes.Compare(t.NodeID[:], o.NodeID[:])
}

// Less reports whether t happened strictly before o.
func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is the zero timestamp (never observed).
func (t Timestamp) IsZero() bool { return t.Physical == 0 && t.Logical == 0 }

// String renders the timestamp as "physical.logical@nodeid-prefix", useful
// for log lines; it is not a wire format.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%x", t.Physical, t.Logical, t.NodeID[:4])
}

// PhysicalClock returns the current time in nanoseconds; it is overridable
// in tests so HLC behavior can be driven deterministically.
type PhysicalClock func() uint64

// SystemClock reads the wall clock via time.Now, matching the source's
// physical-time sampling (_examples/original_source crates/node/primitives/src/clock.rs).
func SystemClock() uint64 { return uint64(time.Now().UnixNano()) }

// Clock is a single node's hybrid logical clock. It is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	nodeID  [NodeIDSize]byte
	last    Timestamp
	physNow PhysicalClock
}

// New constructs a Clock for nodeID. If physNow is nil, SystemClock is used.
func New(nodeID [NodeIDSize]byte, physNow PhysicalClock) *Clock {
	if physNow == nil {
		physNow = SystemClock
	}
	return &Clock{nodeID: nodeID, physNow: physNow}
}

// Now returns a timestamp strictly greater than any previously observed
// local or remote timestamp (spec invariant, §3).
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physNow()
	next := Timestamp{Physical: phys, Logical: 0, NodeID: c.nodeID}
	if phys <= c.last.Physical {
		next.Physical = c.last.Physical
		next.Logical = c.last.Logical + 1
	}
	c.last = next
	return next
}

// Update advances the local clock so the returned timestamp is strictly
// greater than both the prior local state and remote (spec §4.8.3, P4).
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physNow()
	maxPhys := c.last.Physical
	if remote.Physical > maxPhys {
		maxPhys = remote.Physical
	}
	if phys > maxPhys {
		maxPhys = phys
	}

	var next Timestamp
	next.Physical = maxPhys
	next.NodeID = c.nodeID

	switch {
	case maxPhys == c.last.Physical && maxPhys == remote.Physical:
		l := c.last.Logical
		if remote.Logical > l {
			l = remote.Logical
		}
		next.Logical = l + 1
	case maxPhys == c.last.Physical:
		next.Logical = c.last.Logical + 1
	case maxPhys == remote.Physical:
		next.Logical = remote.Logical + 1
	default:
		next.Logical = 0
	}

	c.last = next
	return next
}

// Observe folds a remote timestamp into the local clock without requiring
// the caller to use the result; it is a thin wrapper over Update used by
// receivers that only need the monotonicity side effect (spec §4.8.3).
func (c *Clock) Observe(remote Timestamp) {
	c.Update(remote)
}
