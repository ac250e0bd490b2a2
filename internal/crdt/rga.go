package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/storage"
)

func init() {
	RegisterDecoder(storage.KindRga, func(b []byte) (Mergeable, error) { return DecodeRga(b) })
}

// rgaID uniquely identifies one insert by the HLC at insert time; the
// inserting node is that timestamp's NodeID.
type rgaID struct {
	at hlc.Timestamp
}

func (id rgaID) less(o rgaID) bool { return id.at.Compare(o.at) < 0 }

// rgaElement is one character/token in the causal sequence (spec §3
// StorageKind.Rga): inserted after Origin (zero value = head of sequence),
// tombstoned rather than physically removed so concurrent inserts relative
// to a deleted element still have a stable anchor.
type rgaElement struct {
	id        rgaID
	origin    rgaID
	hasOrigin bool
	value     []byte
	deleted   bool
}

// Rga is a replicated growable array implementing causal, convergent
// ordering for sequence data such as collaborative text (spec §3).
type Rga struct {
	elements map[rgaID]rgaElement
}

// NewRga returns an empty sequence.
func NewRga() *Rga { return &Rga{elements: map[rgaID]rgaElement{}} }

// InsertAfter inserts value immediately after the element identified by
// after (hasAfter=false inserts at the head) with the given unique id.
func (r *Rga) InsertAfter(after hlc.Timestamp, hasAfter bool, id hlc.Timestamp, value []byte) {
	el := rgaElement{id: rgaID{at: id}, value: value}
	if hasAfter {
		el.origin = rgaID{at: after}
		el.hasOrigin = true
	}
	r.elements[el.id] = el
}

// Delete tombstones the element identified by id; a no-op if already deleted
// or absent (mirrors spec §4.8.4's "applying DeleteRef twice is a no-op").
func (r *Rga) Delete(id hlc.Timestamp) {
	key := rgaID{at: id}
	if el, ok := r.elements[key]; ok {
		el.deleted = true
		r.elements[key] = el
	}
}

// Value materializes the sequence's live (non-tombstoned) bytes in causal
// order: children of an origin are ordered by descending id so concurrent
// inserts after the same origin converge on the same order everywhere.
func (r *Rga) Value() []byte {
	children := map[rgaID][]rgaElement{}
	var heads []rgaElement
	for _, el := range r.elements {
		if el.hasOrigin {
			children[el.origin] = append(children[el.origin], el)
		} else {
			heads = append(heads, el)
		}
	}
	sortDesc := func(els []rgaElement) {
		sort.Slice(els, func(i, j int) bool { return els[j].id.less(els[i].id) })
	}
	sortDesc(heads)

	var out []byte
	var walk func([]rgaElement)
	walk = func(level []rgaElement) {
		for _, el := range level {
			if !el.deleted {
				out = append(out, el.value...)
			}
			kids := children[el.id]
			sortDesc(kids)
			walk(kids)
		}
	}
	walk(heads)
	return out
}

func (r *Rga) Kind() storage.StorageKind { return storage.KindRga }

func (r *Rga) Encode() []byte {
	ids := make([]rgaID, 0, len(r.elements))
	for id := range r.elements {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })

	out := appendUint64(nil, uint64(len(ids)))
	for _, id := range ids {
		el := r.elements[id]
		out = appendTimestamp(out, el.id.at)
		if el.hasOrigin {
			out = append(out, 1)
			out = appendTimestamp(out, el.origin.at)
		} else {
			out = append(out, 0)
			out = appendTimestamp(out, hlc.Timestamp{})
		}
		if el.deleted {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = appendUint64(out, uint64(len(el.value)))
		out = append(out, el.value...)
	}
	return out
}

func appendTimestamp(out []byte, ts hlc.Timestamp) []byte {
	out = appendUint64(out, ts.Physical)
	out = appendUint64(out, ts.Logical)
	out = append(out, ts.NodeID[:]...)
	return out
}

func readTimestamp(b []byte, off int) (hlc.Timestamp, int, error) {
	if off+48 > len(b) {
		return hlc.Timestamp{}, 0, fmt.Errorf("crdt: rga timestamp truncated")
	}
	var ts hlc.Timestamp
	ts.Physical = binary.BigEndian.Uint64(b[off : off+8])
	ts.Logical = binary.BigEndian.Uint64(b[off+8 : off+16])
	copy(ts.NodeID[:], b[off+16:off+48])
	return ts, off + 48, nil
}

// DecodeRga parses bytes produced by Encode.
func DecodeRga(b []byte) (*Rga, error) {
	r := NewRga()
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: rga record too short")
	}
	n := binary.BigEndian.Uint64(b[0:8])
	off := 8
	for i := uint64(0); i < n; i++ {
		id, newOff, err := readTimestamp(b, off)
		if err != nil {
			return nil, err
		}
		off = newOff
		if off >= len(b) {
			return nil, fmt.Errorf("crdt: rga record truncated")
		}
		hasOrigin := b[off] == 1
		off++
		origin, newOff2, err := readTimestamp(b, off)
		if err != nil {
			return nil, err
		}
		off = newOff2
		if off >= len(b) {
			return nil, fmt.Errorf("crdt: rga record truncated")
		}
		deleted := b[off] == 1
		off++
		if off+8 > len(b) {
			return nil, fmt.Errorf("crdt: rga record truncated")
		}
		vlen := int(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		if off+vlen > len(b) {
			return nil, fmt.Errorf("crdt: rga record truncated")
		}
		value := append([]byte(nil), b[off:off+vlen]...)
		off += vlen

		el := rgaElement{id: rgaID{at: id}, hasOrigin: hasOrigin, origin: rgaID{at: origin}, deleted: deleted, value: value}
		r.elements[el.id] = el
	}
	return r, nil
}

func (r *Rga) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*Rga)
	if !ok {
		return nil, fmt.Errorf("crdt: rga merge type mismatch: %T", remote)
	}
	merged := NewRga()
	for id, el := range r.elements {
		merged.elements[id] = el
	}
	for id, el := range o.elements {
		if cur, ok := merged.elements[id]; ok {
			// Same insert observed twice: tombstone is sticky (idempotent
			// delete, spec §4.8.4).
			cur.deleted = cur.deleted || el.deleted
			merged.elements[id] = cur
			continue
		}
		merged.elements[id] = el
	}
	return merged, nil
}

func (r *Rga) Decomposable() bool { return false }
