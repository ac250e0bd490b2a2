package storage

import (
	"path/filepath"
	"testing"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
)

func newTestInterface(t *testing.T) *Interface {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"), kvstore.AllColumns)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return New(kv)
}

func entityID(b byte) ids.EntityId {
	var id ids.EntityId
	id[0] = b
	return id
}

func ts(physical uint64) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical, Logical: 0, NodeID: [32]byte{9}}
}

func TestSaveAndFindByID(t *testing.T) {
	si := newTestInterface(t)
	e := Entity{
		ID:      entityID(1),
		Payload: []byte("v1"),
		Metadata: Metadata{
			CreatedAt:   ts(1),
			UpdatedAt:   ts(1),
			StorageKind: KindLwwRegister,
		},
	}
	saved, err := si.Save(e)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.OwnHash == ([32]byte{}) {
		t.Fatalf("expected non-zero own hash")
	}

	got, err := si.FindByID(e.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if string(got.Payload) != "v1" {
		t.Fatalf("payload = %q", got.Payload)
	}
	if got.OwnHash != saved.OwnHash {
		t.Fatalf("own hash mismatch after round trip")
	}
}

func TestUpdatedAtMustNotDecrease(t *testing.T) {
	si := newTestInterface(t)
	id := entityID(2)
	_, err := si.Save(Entity{ID: id, Payload: []byte("a"), Metadata: Metadata{UpdatedAt: ts(10)}})
	if err != nil {
		t.Fatalf("save 1: %v", err)
	}
	_, err = si.Save(Entity{ID: id, Payload: []byte("b"), Metadata: Metadata{UpdatedAt: ts(5)}})
	if err == nil {
		t.Fatalf("expected error for decreasing updated_at_hlc")
	}
}

// TestFullHashChangesOnlyWhenDescendantChanges exercises P1: E.full_hash
// changes iff a descendant's own_hash or full_hash changed.
func TestFullHashChangesOnlyWhenDescendantChanges(t *testing.T) {
	si := newTestInterface(t)
	parent := entityID(3)
	child := entityID(4)

	if _, err := si.Save(Entity{ID: parent, Payload: []byte("parent"), Metadata: Metadata{UpdatedAt: ts(1)}}); err != nil {
		t.Fatalf("save parent: %v", err)
	}
	childEntity, err := si.Save(Entity{ID: child, Payload: []byte("child-v1"), Metadata: Metadata{UpdatedAt: ts(1)}})
	if err != nil {
		t.Fatalf("save child: %v", err)
	}
	if err := si.AddChild(parent, "items", ChildInfo{ChildID: child, FullHash: childEntity.FullHash, UpdatedAt: ts(1)}); err != nil {
		t.Fatalf("add child: %v", err)
	}

	parentOf := func(id ids.EntityId) (ids.EntityId, error) {
		if id == child {
			return parent, nil
		}
		return ids.EntityId{}, ErrNotFound
	}
	if err := si.MerkleRecompute([]ids.EntityId{child}, parentOf); err != nil {
		t.Fatalf("recompute 1: %v", err)
	}
	before, err := si.FindByID(parent)
	if err != nil {
		t.Fatalf("find parent: %v", err)
	}

	// Unrelated write: save the parent again with identical payload/metadata.
	if _, err := si.Save(before); err != nil {
		t.Fatalf("resave parent: %v", err)
	}
	if err := si.MerkleRecompute([]ids.EntityId{child}, parentOf); err != nil {
		t.Fatalf("recompute 2: %v", err)
	}
	unchanged, err := si.FindByID(parent)
	if err != nil {
		t.Fatalf("find parent: %v", err)
	}
	if unchanged.FullHash != before.FullHash {
		t.Fatalf("full_hash changed without a descendant change")
	}

	// Now actually change the child: full_hash must propagate to the parent.
	childV2, err := si.Save(Entity{ID: child, Payload: []byte("child-v2"), Metadata: Metadata{UpdatedAt: ts(2)}})
	if err != nil {
		t.Fatalf("save child v2: %v", err)
	}
	if err := si.AddChild(parent, "items", ChildInfo{ChildID: child, FullHash: childV2.FullHash, UpdatedAt: ts(2)}); err != nil {
		t.Fatalf("update child index: %v", err)
	}
	if err := si.MerkleRecompute([]ids.EntityId{child}, parentOf); err != nil {
		t.Fatalf("recompute 3: %v", err)
	}
	after, err := si.FindByID(parent)
	if err != nil {
		t.Fatalf("find parent: %v", err)
	}
	if after.FullHash == before.FullHash {
		t.Fatalf("expected full_hash to change after child mutation")
	}
}

func TestRemoveChildRequiresStrictlyGreaterHLC(t *testing.T) {
	si := newTestInterface(t)
	parent := entityID(5)
	child := entityID(6)
	if err := si.AddChild(parent, "c", ChildInfo{ChildID: child, UpdatedAt: ts(10)}); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if err := si.RemoveChild(parent, "c", child, ts(5)); err == nil {
		t.Fatalf("expected stale tombstone rejection")
	}
	if err := si.RemoveChild(parent, "c", child, ts(20)); err != nil {
		t.Fatalf("remove child: %v", err)
	}
	children, err := si.ChildrenOf(parent, "c")
	if err != nil {
		t.Fatalf("children of: %v", err)
	}
	if len(children) != 1 || !children[0].Tombstone {
		t.Fatalf("expected single tombstoned child, got %+v", children)
	}
}

func TestChildrenOfOrdersByID(t *testing.T) {
	si := newTestInterface(t)
	parent := entityID(7)
	for _, b := range []byte{3, 1, 2} {
		if err := si.AddChild(parent, "x", ChildInfo{ChildID: entityID(b), UpdatedAt: ts(1)}); err != nil {
			t.Fatalf("add child %d: %v", b, err)
		}
	}
	children, err := si.ChildrenOf(parent, "x")
	if err != nil {
		t.Fatalf("children of: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("got %d children, want 3", len(children))
	}
	for i := 1; i < len(children); i++ {
		if children[i-1].ChildID[0] >= children[i].ChildID[0] {
			t.Fatalf("children not sorted by id: %v", children)
		}
	}
}
