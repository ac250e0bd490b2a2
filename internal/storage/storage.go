// Package storage implements the typed entity layer with Merkle hashing and
// tombstones described in spec §4.3. It is the layer every CRDT collection
// (package crdt) is built on top of, and the layer the sync protocol
// (package sync) diffs and patches.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
)

// StorageKind tags the CRDT semantics carried by an entity's payload
// (spec §3 "StorageKind variants").
type StorageKind uint8

const (
	KindLwwRegister StorageKind = iota
	KindGCounter
	KindPnCounter
	KindLwwSet
	KindOrSet
	KindRga
	KindUnorderedMap
	KindUnorderedSet
	KindVector
	KindUserStorage
	KindFrozenStorage
	KindRecord
	KindCustom
)

// Metadata carries the fields attached to every entity (spec §3).
type Metadata struct {
	CreatedAt   hlc.Timestamp
	UpdatedAt   hlc.Timestamp
	StorageKind StorageKind
	CustomTag   string // only meaningful when StorageKind == KindCustom
	Signer      ids.SignerId
	Nonce       uint64
	Signature   []byte // only present for signed StorageKinds
}

// ChildInfo is the compact summary a parent keeps of one child, sufficient
// to decide divergence without fetching the child (spec glossary).
type ChildInfo struct {
	ChildID   ids.EntityId
	FullHash  [32]byte
	UpdatedAt hlc.Timestamp
	Tombstone bool
	DeletedAt hlc.Timestamp // valid iff Tombstone
}

// Entity is the unit of replicated state (spec §3).
type Entity struct {
	ID       ids.EntityId
	Payload  []byte
	Metadata Metadata
	OwnHash  [32]byte
	FullHash [32]byte
}

// ErrNotFound is returned by FindByID for an absent entity.
var ErrNotFound = errors.New("storage: entity not found")

// ErrStaleTombstone is returned when a tombstone write does not carry a
// strictly greater HLC than the record it would replace (invariant I3).
var ErrStaleTombstone = errors.New("storage: tombstone HLC not strictly greater than prior update")

// TombstoneRetention is the chosen tombstone retention window, in HLC
// physical time (an Open Question in spec §9; resolution recorded in
// DESIGN.md). No code reads it: nothing in this package removes
// tombstones, so a child-index tombstone is kept indefinitely.
const TombstoneRetention = 24 * time.Hour

// Interface is the storage interface of spec §4.3, backed by one kvstore.Store.
type Interface struct {
	kv *kvstore.Store
}

// New wraps kv as a storage Interface.
func New(kv *kvstore.Store) *Interface { return &Interface{kv: kv} }

func entityKey(id ids.EntityId) []byte {
	b := id
	return b[:]
}

// childIndexKey encodes (parent, collection, child) for prefix iteration by
// (parent, collection) — spec §6.4 child_index column.
func childIndexKey(parent ids.EntityId, collection string, child ids.EntityId) []byte {
	p := parent
	c := child
	key := make([]byte, 0, 32+2+len(collection)+32)
	key = append(key, p[:]...)
	key = append(key, ':')
	key = append(key, []byte(collection)...)
	key = append(key, ':')
	key = append(key, c[:]...)
	return key
}

func childPrefix(parent ids.EntityId, collection string) []byte {
	p := parent
	key := make([]byte, 0, 32+2+len(collection))
	key = append(key, p[:]...)
	key = append(key, ':')
	key = append(key, []byte(collection)...)
	key = append(key, ':')
	return key
}

// ownHash implements invariant I1: a function of payload and metadata only.
func ownHash(payload []byte, md Metadata) [32]byte {
	h := sha256.New()
	h.Write(payload)
	var tsBuf [24]byte
	binary.BigEndian.PutUint64(tsBuf[0:8], md.CreatedAt.Physical)
	binary.BigEndian.PutUint64(tsBuf[8:16], md.UpdatedAt.Physical)
	binary.BigEndian.PutUint64(tsBuf[16:24], md.UpdatedAt.Logical)
	h.Write(tsBuf[:])
	h.Write([]byte{byte(md.StorageKind)})
	h.Write([]byte(md.CustomTag))
	signer := md.Signer
	h.Write(signer[:])
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], md.Nonce)
	h.Write(nonceBuf[:])
	h.Write(md.Signature)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FullHash implements invariant I2: H(own_hash || sorted(children full_hash)).
func FullHash(own [32]byte, children []ChildInfo) [32]byte {
	sorted := make([]ChildInfo, len(children))
	copy(sorted, children)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].FullHash[:], sorted[j].FullHash[:]) < 0
	})
	h := sha256.New()
	h.Write(own[:])
	for _, c := range sorted {
		h.Write(c.FullHash[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encodeMetadata/decodeMetadata/encodeEntity/decodeEntity give the entities
// column a stable binary layout; this is an internal wire format private to
// this package, not one of the public wire formats in §6.3, so stdlib
// encoding is appropriate rather than reaching for a serialization library.
func encodeEntity(e Entity) []byte {
	md := e.Metadata
	buf := new(bytesBuffer)
	buf.putUint64(md.CreatedAt.Physical)
	buf.putUint64(md.CreatedAt.Logical)
	buf.put32(md.CreatedAt.NodeID)
	buf.putUint64(md.UpdatedAt.Physical)
	buf.putUint64(md.UpdatedAt.Logical)
	buf.put32(md.UpdatedAt.NodeID)
	buf.putByte(byte(md.StorageKind))
	buf.putString(md.CustomTag)
	signer := md.Signer
	buf.put32(signer)
	buf.putUint64(md.Nonce)
	buf.putBytes(md.Signature)
	buf.put32(e.OwnHash)
	buf.put32(e.FullHash)
	buf.putBytes(e.Payload)
	return buf.b
}

func decodeEntity(id ids.EntityId, raw []byte) (Entity, error) {
	r := &bytesReader{b: raw}
	var e Entity
	e.ID = id
	e.Metadata.CreatedAt.Physical = r.uint64()
	e.Metadata.CreatedAt.Logical = r.uint64()
	e.Metadata.CreatedAt.NodeID = r.arr32()
	e.Metadata.UpdatedAt.Physical = r.uint64()
	e.Metadata.UpdatedAt.Logical = r.uint64()
	e.Metadata.UpdatedAt.NodeID = r.arr32()
	e.Metadata.StorageKind = StorageKind(r.byte_())
	e.Metadata.CustomTag = r.string_()
	signerBytes := r.arr32()
	e.Metadata.Signer = ids.SignerId(signerBytes)
	e.Metadata.Nonce = r.uint64()
	e.Metadata.Signature = r.bytes_()
	e.OwnHash = r.arr32()
	e.FullHash = r.arr32()
	e.Payload = r.bytes_()
	if r.err != nil {
		return Entity{}, fmt.Errorf("storage: decode entity %s: %w", id, r.err)
	}
	return e, nil
}

// Save writes the entity's metadata+payload record in one transaction and
// recomputes own_hash (spec §4.3 save()). full_hash is computed from the
// entity's live child-index entries as they stand; ancestors are not
// updated, which is what MerkleRecompute is for.
func (si *Interface) Save(e Entity) (Entity, error) {
	e.OwnHash = ownHash(e.Payload, e.Metadata)
	existing, err := si.FindByID(e.ID)
	if err == nil {
		if e.Metadata.UpdatedAt.Compare(existing.Metadata.UpdatedAt) < 0 {
			return Entity{}, fmt.Errorf("storage: updated_at_hlc must not decrease for %s", e.ID)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Entity{}, err
	}
	children, err := si.liveChildInfos(e.ID)
	if err != nil {
		return Entity{}, err
	}
	e.FullHash = FullHash(e.OwnHash, children)

	if err := si.kv.Put(kvstore.ColumnEntities, entityKey(e.ID), encodeEntity(e)); err != nil {
		return Entity{}, fmt.Errorf("storage: save %s: %w", e.ID, err)
	}
	return e, nil
}

// FindByID performs a direct lookup (spec §4.3 find_by_id).
func (si *Interface) FindByID(id ids.EntityId) (Entity, error) {
	raw, ok, err := si.kv.Get(kvstore.ColumnEntities, entityKey(id))
	if err != nil {
		return Entity{}, err
	}
	if !ok {
		return Entity{}, ErrNotFound
	}
	return decodeEntity(id, raw)
}

// AddChild inserts a child-index record for (parent, collection, child)
// (spec §4.3 add_child). Mirroring the check RemoveChild makes in the
// opposite direction, it first compares info.UpdatedAt against any existing
// tombstone's DeletedAt: per spec §8 scenario 4 ("delete vs later update")
// the update is retained only iff its HLC is strictly greater than the
// delete's, so a stale update arriving after a newer delete must not
// resurrect the child.
func (si *Interface) AddChild(parent ids.EntityId, collection string, info ChildInfo) error {
	key := childIndexKey(parent, collection, info.ChildID)
	raw, ok, err := si.kv.Get(kvstore.ColumnChildIndex, key)
	if err != nil {
		return err
	}
	if ok {
		prior, err := decodeChildInfo(raw)
		if err != nil {
			return err
		}
		if prior.Tombstone && prior.DeletedAt.Compare(info.UpdatedAt) >= 0 {
			return ErrStaleTombstone
		}
	}
	info.Tombstone = false
	return si.kv.Put(kvstore.ColumnChildIndex, key, encodeChildInfo(info))
}

// RemoveChild replaces the child record with a tombstone carrying
// deletedAt, enforcing invariant I3 (strictly greater HLC than the prior
// record) (spec §4.3 remove_child).
func (si *Interface) RemoveChild(parent ids.EntityId, collection string, childID ids.EntityId, deletedAt hlc.Timestamp) error {
	key := childIndexKey(parent, collection, childID)
	raw, ok, err := si.kv.Get(kvstore.ColumnChildIndex, key)
	if err != nil {
		return err
	}
	if ok {
		prior, err := decodeChildInfo(raw)
		if err != nil {
			return err
		}
		priorHLC := prior.UpdatedAt
		if prior.Tombstone {
			priorHLC = prior.DeletedAt
		}
		if deletedAt.Compare(priorHLC) <= 0 {
			return ErrStaleTombstone
		}
	}
	tomb := ChildInfo{ChildID: childID, Tombstone: true, DeletedAt: deletedAt}
	return si.kv.Put(kvstore.ColumnChildIndex, key, encodeChildInfo(tomb))
}

// ChildrenOf performs prefix iteration over a collection, including
// tombstones (callers that want only live children should use
// liveChildInfos or filter on Tombstone) (spec §4.3 children_of).
func (si *Interface) ChildrenOf(parent ids.EntityId, collection string) ([]ChildInfo, error) {
	entries, err := si.kv.Iter(kvstore.ColumnChildIndex, childPrefix(parent, collection))
	if err != nil {
		return nil, err
	}
	out := make([]ChildInfo, 0, len(entries))
	for _, e := range entries {
		ci, err := decodeChildInfo(e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, nil
}

// ChildWithCollection pairs a ChildInfo with the collection name its key
// was scoped by, for callers (the sync protocol's comparison_data) that
// must enumerate every collection under a parent without knowing the
// names in advance.
type ChildWithCollection struct {
	Collection string
	Info       ChildInfo
}

// AllChildren enumerates every child-index entry under parent, across all
// collections, recovering each entry's collection name from its key
// (spec §4.8.2 step 2: "children_by_collection[]").
func (si *Interface) AllChildren(parent ids.EntityId) ([]ChildWithCollection, error) {
	p := parent
	entries, err := si.kv.Iter(kvstore.ColumnChildIndex, p[:])
	if err != nil {
		return nil, err
	}
	out := make([]ChildWithCollection, 0, len(entries))
	for _, e := range entries {
		collection, err := collectionFromKey(e.Key)
		if err != nil {
			return nil, err
		}
		ci, err := decodeChildInfo(e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, ChildWithCollection{Collection: collection, Info: ci})
	}
	return out, nil
}

// collectionFromKey extracts the collection name from a child_index key of
// the form parent(32) ':' collection ':' child(32).
func collectionFromKey(key []byte) (string, error) {
	const idSize = 32
	if len(key) < idSize+2+idSize {
		return "", fmt.Errorf("storage: malformed child_index key of length %d", len(key))
	}
	rest := key[idSize+1:]
	sep := bytes.IndexByte(rest, ':')
	if sep < 0 {
		return "", fmt.Errorf("storage: malformed child_index key, no collection separator")
	}
	return string(rest[:sep]), nil
}

func (si *Interface) liveChildInfos(parent ids.EntityId) ([]ChildInfo, error) {
	// child_index keys are scoped by parent across every collection name,
	// so a parent-level prefix (just the parent id) picks up every
	// collection at once for full_hash computation.
	p := parent
	entries, err := si.kv.Iter(kvstore.ColumnChildIndex, p[:])
	if err != nil {
		return nil, err
	}
	out := make([]ChildInfo, 0, len(entries))
	for _, e := range entries {
		ci, err := decodeChildInfo(e.Value)
		if err != nil {
			return nil, err
		}
		if !ci.Tombstone {
			out = append(out, ci)
		}
	}
	return out, nil
}

// MerkleRecompute topologically recomputes full_hash for every entity in
// roots and then walks up to each of their ancestors, stopping at the first
// ancestor whose recomputed hash equals the stored one (spec §4.3
// merkle_recompute). The parent of every entity in roots is always
// visited, even when that entity's own full_hash was already current.
// parentOf resolves an entity's parent, or ErrNotFound at the root.
func (si *Interface) MerkleRecompute(roots []ids.EntityId, parentOf func(ids.EntityId) (ids.EntityId, error)) error {
	queue := append([]ids.EntityId(nil), roots...)
	isRoot := make(map[ids.EntityId]bool, len(roots))
	for _, r := range roots {
		isRoot[r] = true
	}
	seen := make(map[ids.EntityId]bool)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		e, err := si.FindByID(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		children, err := si.liveChildInfos(id)
		if err != nil {
			return err
		}
		newFull := FullHash(e.OwnHash, children)
		if newFull == e.FullHash {
			if !isRoot[id] {
				continue // propagation stops: ancestors are unaffected
			}
		} else {
			e.FullHash = newFull
			if err := si.kv.Put(kvstore.ColumnEntities, entityKey(id), encodeEntity(e)); err != nil {
				return err
			}
		}

		parent, err := parentOf(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // id is the context root; nothing above it
			}
			return err
		}
		queue = append(queue, parent)
	}
	return nil
}

func encodeChildInfo(ci ChildInfo) []byte {
	buf := new(bytesBuffer)
	child := ci.ChildID
	buf.put32(child)
	buf.put32(ci.FullHash)
	buf.putUint64(ci.UpdatedAt.Physical)
	buf.putUint64(ci.UpdatedAt.Logical)
	buf.put32(ci.UpdatedAt.NodeID)
	if ci.Tombstone {
		buf.putByte(1)
	} else {
		buf.putByte(0)
	}
	buf.putUint64(ci.DeletedAt.Physical)
	buf.putUint64(ci.DeletedAt.Logical)
	buf.put32(ci.DeletedAt.NodeID)
	return buf.b
}

func decodeChildInfo(raw []byte) (ChildInfo, error) {
	r := &bytesReader{b: raw}
	var ci ChildInfo
	childBytes := r.arr32()
	ci.ChildID = ids.EntityId(childBytes)
	ci.FullHash = r.arr32()
	ci.UpdatedAt.Physical = r.uint64()
	ci.UpdatedAt.Logical = r.uint64()
	ci.UpdatedAt.NodeID = r.arr32()
	ci.Tombstone = r.byte_() == 1
	ci.DeletedAt.Physical = r.uint64()
	ci.DeletedAt.Logical = r.uint64()
	ci.DeletedAt.NodeID = r.arr32()
	if r.err != nil {
		return ChildInfo{}, fmt.Errorf("storage: decode child info: %w", r.err)
	}
	return ci, nil
}
