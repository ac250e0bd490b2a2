package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/storage"
)

func init() {
	RegisterDecoder(storage.KindUnorderedMap, func(b []byte) (Mergeable, error) { return DecodeUnorderedMap(b) })
	RegisterDecoder(storage.KindUnorderedSet, func(b []byte) (Mergeable, error) { return DecodeUnorderedSet(b) })
	RegisterDecoder(storage.KindVector, func(b []byte) (Mergeable, error) { return DecodeVector(b) })
}

// Decomposable containers (UnorderedMap, UnorderedSet, Vector) carry only
// structure in their Encode payload — which child entity id a key or slot
// resolves to. The child entities themselves live in the storage interface
// and are merged entity-by-entity; this package only resolves conflicting
// structure (spec §4.4 point 3).

// mapBinding is one key's current target, last-writer-wins on at.
type mapBinding struct {
	child ids.EntityId
	at    hlc.Timestamp
	// tombstone marks a deleted key so a concurrent rebind can still be
	// compared against the deletion's HLC.
	tombstone bool
}

// UnorderedMap is a string-keyed map whose values are child entities,
// structure resolved last-writer-wins per key (spec §3 StorageKind.UnorderedMap).
type UnorderedMap struct {
	bindings map[string]mapBinding
}

// NewUnorderedMap returns an empty map.
func NewUnorderedMap() *UnorderedMap { return &UnorderedMap{bindings: map[string]mapBinding{}} }

// Set binds key to child as of at, last-writer-wins against any concurrent
// Set or Delete of the same key.
func (m *UnorderedMap) Set(key string, child ids.EntityId, at hlc.Timestamp) {
	cur, ok := m.bindings[key]
	if !ok || at.Compare(cur.at) > 0 {
		m.bindings[key] = mapBinding{child: child, at: at}
	}
}

// Delete unbinds key as of at.
func (m *UnorderedMap) Delete(key string, at hlc.Timestamp) {
	cur, ok := m.bindings[key]
	if !ok || at.Compare(cur.at) > 0 {
		m.bindings[key] = mapBinding{at: at, tombstone: true}
	}
}

// Get returns the child entity bound to key, if live.
func (m *UnorderedMap) Get(key string) (ids.EntityId, bool) {
	b, ok := m.bindings[key]
	if !ok || b.tombstone {
		return ids.EntityId{}, false
	}
	return b.child, true
}

// Keys lists every currently-bound key in sorted order.
func (m *UnorderedMap) Keys() []string {
	var out []string
	for k, b := range m.bindings {
		if !b.tombstone {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *UnorderedMap) Kind() storage.StorageKind { return storage.KindUnorderedMap }

func (m *UnorderedMap) Encode() []byte {
	keys := make([]string, 0, len(m.bindings))
	for k := range m.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := appendUint64(nil, uint64(len(keys)))
	for _, k := range keys {
		b := m.bindings[k]
		out = appendUint64(out, uint64(len(k)))
		out = append(out, k...)
		out = append(out, b.child.Bytes()...)
		if b.tombstone {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = appendTimestamp(out, b.at)
	}
	return out
}

// DecodeUnorderedMap parses bytes produced by Encode.
func DecodeUnorderedMap(b []byte) (*UnorderedMap, error) {
	m := NewUnorderedMap()
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: unordered map record too short")
	}
	n := binary.BigEndian.Uint64(b[0:8])
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+8 > len(b) {
			return nil, fmt.Errorf("crdt: unordered map record truncated")
		}
		klen := int(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		if off+klen+32+1 > len(b) {
			return nil, fmt.Errorf("crdt: unordered map record truncated")
		}
		key := string(b[off : off+klen])
		off += klen
		child, err := ids.EntityIdFromBytes(b[off : off+32])
		if err != nil {
			return nil, err
		}
		off += 32
		tombstone := b[off] == 1
		off++
		at, newOff, err := readTimestamp(b, off)
		if err != nil {
			return nil, err
		}
		off = newOff
		m.bindings[key] = mapBinding{child: child, tombstone: tombstone, at: at}
	}
	return m, nil
}

func (m *UnorderedMap) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*UnorderedMap)
	if !ok {
		return nil, fmt.Errorf("crdt: unordered map merge type mismatch: %T", remote)
	}
	merged := NewUnorderedMap()
	for k, b := range m.bindings {
		merged.bindings[k] = b
	}
	for k, b := range o.bindings {
		cur, ok := merged.bindings[k]
		if !ok || b.at.Compare(cur.at) > 0 {
			merged.bindings[k] = b
		}
	}
	return merged, nil
}

func (m *UnorderedMap) Decomposable() bool { return true }

// UnorderedSet is an add-wins observed-remove set of child entity ids
// (spec §3 StorageKind.UnorderedSet), structurally identical to OrSet but
// keyed on ids.EntityId rather than arbitrary bytes.
type UnorderedSet struct {
	adds    map[ids.EntityId]map[orTag]struct{}
	removes map[ids.EntityId]map[orTag]struct{}
}

// NewUnorderedSet returns an empty set.
func NewUnorderedSet() *UnorderedSet {
	return &UnorderedSet{adds: map[ids.EntityId]map[orTag]struct{}{}, removes: map[ids.EntityId]map[orTag]struct{}{}}
}

// Add witnesses child's membership with a unique tag.
func (s *UnorderedSet) Add(child ids.EntityId, tag orTag) {
	if s.adds[child] == nil {
		s.adds[child] = map[orTag]struct{}{}
	}
	s.adds[child][tag] = struct{}{}
}

// Remove tombstones every tag currently observed for child.
func (s *UnorderedSet) Remove(child ids.EntityId) {
	if s.removes[child] == nil {
		s.removes[child] = map[orTag]struct{}{}
	}
	for tag := range s.adds[child] {
		s.removes[child][tag] = struct{}{}
	}
}

// Contains reports whether child has a live add-tag.
func (s *UnorderedSet) Contains(child ids.EntityId) bool {
	for tag := range s.adds[child] {
		if _, removed := s.removes[child][tag]; !removed {
			return true
		}
	}
	return false
}

// Members lists every live child id in sorted order.
func (s *UnorderedSet) Members() []ids.EntityId {
	var out []ids.EntityId
	for child := range s.adds {
		if s.Contains(child) {
			out = append(out, child)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *UnorderedSet) Kind() storage.StorageKind { return storage.KindUnorderedSet }

func (s *UnorderedSet) Encode() []byte {
	keys := collectEntityKeys(s.adds, s.removes)
	out := appendUint64(nil, uint64(len(keys)))
	for _, k := range keys {
		out = append(out, k.Bytes()...)
		out = encodeTagSet(out, s.adds[k])
		out = encodeTagSet(out, s.removes[k])
	}
	return out
}

func collectEntityKeys(a, b map[ids.EntityId]map[orTag]struct{}) []ids.EntityId {
	set := map[ids.EntityId]struct{}{}
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	out := make([]ids.EntityId, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// DecodeUnorderedSet parses bytes produced by Encode.
func DecodeUnorderedSet(b []byte) (*UnorderedSet, error) {
	s := NewUnorderedSet()
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: unordered set record too short")
	}
	n := binary.BigEndian.Uint64(b[0:8])
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+32 > len(b) {
			return nil, fmt.Errorf("crdt: unordered set record truncated")
		}
		child, err := ids.EntityIdFromBytes(b[off : off+32])
		if err != nil {
			return nil, err
		}
		off += 32
		adds, newOff, err := decodeTagSet(b, off)
		if err != nil {
			return nil, err
		}
		off = newOff
		removes, newOff2, err := decodeTagSet(b, off)
		if err != nil {
			return nil, err
		}
		off = newOff2
		s.adds[child] = adds
		s.removes[child] = removes
	}
	return s, nil
}

func (s *UnorderedSet) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*UnorderedSet)
	if !ok {
		return nil, fmt.Errorf("crdt: unordered set merge type mismatch: %T", remote)
	}
	merged := NewUnorderedSet()
	for _, k := range collectEntityKeys(s.adds, o.adds) {
		merged.adds[k] = unionTags(s.adds[k], o.adds[k])
	}
	for _, k := range collectEntityKeys(s.removes, o.removes) {
		merged.removes[k] = unionTags(s.removes[k], o.removes[k])
	}
	return merged, nil
}

func (s *UnorderedSet) Decomposable() bool { return true }

// vectorElement is one slot in a Vector, ordered the same way Rga orders
// elements (insert-after-origin, descending-id tie-break).
type vectorElement struct {
	id        rgaID
	origin    rgaID
	hasOrigin bool
	child     ids.EntityId
	deleted   bool
}

// Vector is an ordered, insertable/deletable sequence of child entity ids
// (spec §3 StorageKind.Vector), using the same causal-tree ordering as Rga
// but referencing children rather than inlining bytes.
type Vector struct {
	elements map[rgaID]vectorElement
}

// NewVector returns an empty vector.
func NewVector() *Vector { return &Vector{elements: map[rgaID]vectorElement{}} }

// InsertAfter inserts child immediately after the slot identified by after
// (hasAfter=false inserts at the head).
func (v *Vector) InsertAfter(after hlc.Timestamp, hasAfter bool, id hlc.Timestamp, child ids.EntityId) {
	el := vectorElement{id: rgaID{at: id}, child: child}
	if hasAfter {
		el.origin = rgaID{at: after}
		el.hasOrigin = true
	}
	v.elements[el.id] = el
}

// Delete tombstones the slot identified by id.
func (v *Vector) Delete(id hlc.Timestamp) {
	key := rgaID{at: id}
	if el, ok := v.elements[key]; ok {
		el.deleted = true
		v.elements[key] = el
	}
}

// Items materializes the vector's live child ids in order.
func (v *Vector) Items() []ids.EntityId {
	children := map[rgaID][]vectorElement{}
	var heads []vectorElement
	for _, el := range v.elements {
		if el.hasOrigin {
			children[el.origin] = append(children[el.origin], el)
		} else {
			heads = append(heads, el)
		}
	}
	sortDesc := func(els []vectorElement) {
		sort.Slice(els, func(i, j int) bool { return els[j].id.less(els[i].id) })
	}
	sortDesc(heads)

	var out []ids.EntityId
	var walk func([]vectorElement)
	walk = func(level []vectorElement) {
		for _, el := range level {
			if !el.deleted {
				out = append(out, el.child)
			}
			kids := children[el.id]
			sortDesc(kids)
			walk(kids)
		}
	}
	walk(heads)
	return out
}

func (v *Vector) Kind() storage.StorageKind { return storage.KindVector }

func (v *Vector) Encode() []byte {
	idList := make([]rgaID, 0, len(v.elements))
	for id := range v.elements {
		idList = append(idList, id)
	}
	sort.Slice(idList, func(i, j int) bool { return idList[i].less(idList[j]) })

	out := appendUint64(nil, uint64(len(idList)))
	for _, id := range idList {
		el := v.elements[id]
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
		out = append(out, el.child.Bytes()...)
	}
	return out
}

// DecodeVector parses bytes produced by Encode.
func DecodeVector(b []byte) (*Vector, error) {
	v := NewVector()
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: vector record too short")
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
			return nil, fmt.Errorf("crdt: vector record truncated")
		}
		hasOrigin := b[off] == 1
		off++
		origin, newOff2, err := readTimestamp(b, off)
		if err != nil {
			return nil, err
		}
		off = newOff2
		if off >= len(b) {
			return nil, fmt.Errorf("crdt: vector record truncated")
		}
		deleted := b[off] == 1
		off++
		if off+32 > len(b) {
			return nil, fmt.Errorf("crdt: vector record truncated")
		}
		child, err := ids.EntityIdFromBytes(b[off : off+32])
		if err != nil {
			return nil, err
		}
		off += 32

		el := vectorElement{id: rgaID{at: id}, hasOrigin: hasOrigin, origin: rgaID{at: origin}, deleted: deleted, child: child}
		v.elements[el.id] = el
	}
	return v, nil
}

func (v *Vector) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*Vector)
	if !ok {
		return nil, fmt.Errorf("crdt: vector merge type mismatch: %T", remote)
	}
	merged := NewVector()
	for id, el := range v.elements {
		merged.elements[id] = el
	}
	for id, el := range o.elements {
		if cur, ok := merged.elements[id]; ok {
			cur.deleted = cur.deleted || el.deleted
			merged.elements[id] = cur
			continue
		}
		merged.elements[id] = el
	}
	return merged, nil
}

func (v *Vector) Decomposable() bool { return true }
