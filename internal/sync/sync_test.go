package sync

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/calimero-network/core/internal/crdt"
	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
	"github.com/calimero-network/core/internal/storage"
	"github.com/calimero-network/core/internal/transport"
)

func newTestStore(t *testing.T) *storage.Interface {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "sync.db"), kvstore.AllColumns)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return storage.New(kv)
}

func randEntityID(t *testing.T) ids.EntityId {
	t.Helper()
	b, err := ids.RandomBlobId()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	return ids.EntityId(b)
}

func node(b byte) [32]byte {
	var n [32]byte
	n[0] = b
	return n
}

func TestDigestEmptyIsZero(t *testing.T) {
	got := Digest(nil)
	if got != ([32]byte{}) {
		t.Fatalf("digest of empty set = %x, want zero", got)
	}
}

func TestDigestOrderIndependent(t *testing.T) {
	a := storage.Entity{ID: randEntityIDStatic(1)}
	b := storage.Entity{ID: randEntityIDStatic(2)}
	d1 := Digest([]storage.Entity{a, b})
	d2 := Digest([]storage.Entity{b, a})
	if d1 != d2 {
		t.Fatalf("digest depends on input order")
	}
}

func randEntityIDStatic(b byte) ids.EntityId {
	var id ids.EntityId
	id[0] = b
	return id
}

func TestSignaturePayloadHashStableAndSensitive(t *testing.T) {
	id := randEntityIDStatic(7)
	md := storage.Metadata{UpdatedAt: hlc.Timestamp{Physical: 10, NodeID: node(1)}}
	h1 := SignaturePayloadHash(id, []byte("data"), nil, md, 1)
	h2 := SignaturePayloadHash(id, []byte("data"), nil, md, 1)
	if h1 != h2 {
		t.Fatalf("hash is not deterministic")
	}
	h3 := SignaturePayloadHash(id, []byte("data"), nil, md, 2)
	if h1 == h3 {
		t.Fatalf("hash did not change with nonce")
	}
}

// pipeStream satisfies transport.Stream over a net.Pipe half, used to run a
// responder and initiator concurrently without a real network.
func pipeStream(conn net.Conn) transport.Stream { return transport.NewConnStream(conn) }

func TestSessionReconcilesSingleEntity(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sourceStore := newTestStore(t)
	destStore := newTestStore(t)

	contextID := ids.ContextId(randEntityID(t))
	rootID := randEntityID(t)

	clockSource := hlc.New(node(1), nil)
	clockDest := hlc.New(node(2), nil)

	reg := crdt.NewLwwRegister([]byte("hello"), clockSource.Now())
	if _, err := sourceStore.Save(storage.Entity{
		ID:      rootID,
		Payload: reg.Encode(),
		Metadata: storage.Metadata{
			StorageKind: storage.KindLwwRegister,
			UpdatedAt:   reg.UpdatedAt,
		},
	}); err != nil {
		t.Fatalf("save source root: %v", err)
	}

	responder := &Responder{
		OurIdentity: ids.SignerId(randEntityID(t)),
		Store:       sourceStore,
		Clock:       clockSource,
		Stream:      pipeStream(a),
		Timeout:     5 * time.Second,
	}

	initiatorSession := NewSession(contextID, clockDest, destStore, pipeStream(b))
	initiatorSession.Timeout = 5 * time.Second

	done := make(chan error, 1)
	go func() { done <- responder.HandleSession() }()

	ourIdentity := ids.SignerId(randEntityID(t))
	if err := initiatorSession.RunInitiator(context.Background(), ourIdentity, rootID, nil); err != nil {
		t.Fatalf("run initiator: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("responder: %v", err)
	}

	got, err := destStore.FindByID(rootID)
	if err != nil {
		t.Fatalf("find synced root: %v", err)
	}
	decoded, err := crdt.DecodeLwwRegister(got.Payload)
	if err != nil {
		t.Fatalf("decode synced register: %v", err)
	}
	if string(decoded.Value) != "hello" {
		t.Fatalf("synced value = %q, want %q", decoded.Value, "hello")
	}

	want, err := sourceStore.FindByID(rootID)
	if err != nil {
		t.Fatalf("find source root: %v", err)
	}
	if got.FullHash != want.FullHash {
		t.Fatalf("full hash mismatch after sync: got %x, want %x", got.FullHash, want.FullHash)
	}
}

func TestSessionSkipsAlreadyConvergedTree(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	store := newTestStore(t)
	rootID := randEntityID(t)
	clock := hlc.New(node(3), nil)
	reg := crdt.NewLwwRegister([]byte("same"), clock.Now())
	saved, err := store.Save(storage.Entity{
		ID:       rootID,
		Payload:  reg.Encode(),
		Metadata: storage.Metadata{StorageKind: storage.KindLwwRegister, UpdatedAt: reg.UpdatedAt},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	responder := &Responder{
		OurIdentity: ids.SignerId(randEntityID(t)),
		Store:       store,
		Clock:       clock,
		Stream:      pipeStream(a),
		Timeout:     5 * time.Second,
	}
	session := NewSession(ids.ContextId(randEntityID(t)), clock, store, pipeStream(b))
	session.Timeout = 5 * time.Second

	done := make(chan error, 1)
	go func() { done <- responder.HandleSession() }()

	if err := session.RunInitiator(context.Background(), ids.SignerId(randEntityID(t)), rootID, nil); err != nil {
		t.Fatalf("run initiator: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("responder: %v", err)
	}

	got, err := store.FindByID(rootID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.FullHash != saved.FullHash {
		t.Fatalf("full hash changed on a no-op sync")
	}
}

func noParent(ids.EntityId) (ids.EntityId, error) { return ids.EntityId{}, storage.ErrNotFound }

// linkedChild saves a child entity and links it into parent's collection,
// returning the saved child for its caller to reference its hash/id.
func linkedChild(t *testing.T, st *storage.Interface, parent ids.EntityId, collection string, id ids.EntityId, value []byte, updatedAt hlc.Timestamp) storage.Entity {
	t.Helper()
	reg := crdt.NewLwwRegister(value, updatedAt)
	saved, err := st.Save(storage.Entity{
		ID:       id,
		Payload:  reg.Encode(),
		Metadata: storage.Metadata{StorageKind: storage.KindLwwRegister, UpdatedAt: updatedAt},
	})
	if err != nil {
		t.Fatalf("save child: %v", err)
	}
	if err := st.AddChild(parent, collection, storage.ChildInfo{
		ChildID: id, FullHash: saved.FullHash, UpdatedAt: updatedAt,
	}); err != nil {
		t.Fatalf("link child: %v", err)
	}
	return saved
}

func sameRootOnBothSides(t *testing.T, a, b *storage.Interface, rootID ids.EntityId) {
	t.Helper()
	reg := crdt.NewLwwRegister([]byte("root"), hlc.Timestamp{Physical: 1, NodeID: node(9)})
	root := storage.Entity{
		ID:       rootID,
		Payload:  reg.Encode(),
		Metadata: storage.Metadata{StorageKind: storage.KindLwwRegister, UpdatedAt: hlc.Timestamp{Physical: 1, NodeID: node(9)}},
	}
	if _, err := a.Save(root); err != nil {
		t.Fatalf("save root on a: %v", err)
	}
	if _, err := b.Save(root); err != nil {
		t.Fatalf("save root on b: %v", err)
	}
}

// runSync drives one initiator session against rootID over an in-memory
// pipe, with responderStore answering.
func runSync(t *testing.T, initiator *storage.Interface, responderStore *storage.Interface, rootID ids.EntityId) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	responder := &Responder{
		OurIdentity: ids.SignerId(randEntityID(t)),
		Store:       responderStore,
		Clock:       hlc.New(node(2), nil),
		Stream:      pipeStream(a),
		Timeout:     5 * time.Second,
	}
	session := NewSession(ids.ContextId(randEntityID(t)), hlc.New(node(1), nil), initiator, pipeStream(b))
	session.Timeout = 5 * time.Second

	done := make(chan error, 1)
	go func() { done <- responder.HandleSession() }()

	if err := session.RunInitiator(context.Background(), ids.SignerId(randEntityID(t)), rootID, nil); err != nil {
		t.Fatalf("run initiator: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("responder: %v", err)
	}
}

// TestSessionDeleteNewerThanRemoteUpdateWins covers spec §8 scenario 4
// ("delete vs later update") in the direction the bug shipped in: the
// initiator has already tombstoned a child (HLC d) that the responder still
// holds live at an older HLC (u < d). Pulling from the responder must not
// resurrect the deletion.
func TestSessionDeleteNewerThanRemoteUpdateWins(t *testing.T) {
	initiatorStore := newTestStore(t)
	responderStore := newTestStore(t)
	rootID := randEntityID(t)
	childID := randEntityID(t)
	sameRootOnBothSides(t, initiatorStore, responderStore, rootID)

	baseUpdate := hlc.Timestamp{Physical: 2, NodeID: node(1)}
	remoteUpdate := hlc.Timestamp{Physical: 5, NodeID: node(2)}  // u
	localDelete := hlc.Timestamp{Physical: 10, NodeID: node(1)} // d, d > u

	linkedChild(t, initiatorStore, rootID, "items", childID, []byte("base"), baseUpdate)
	if err := initiatorStore.RemoveChild(rootID, "items", childID, localDelete); err != nil {
		t.Fatalf("delete initiator child: %v", err)
	}
	if err := initiatorStore.MerkleRecompute([]ids.EntityId{rootID}, noParent); err != nil {
		t.Fatalf("recompute initiator root: %v", err)
	}

	linkedChild(t, responderStore, rootID, "items", childID, []byte("stale-remote-update"), remoteUpdate)
	if err := responderStore.MerkleRecompute([]ids.EntityId{rootID}, noParent); err != nil {
		t.Fatalf("recompute responder root: %v", err)
	}

	runSync(t, initiatorStore, responderStore, rootID)

	children, err := initiatorStore.ChildrenOf(rootID, "items")
	if err != nil {
		t.Fatalf("children of: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected exactly one child-index record, got %d", len(children))
	}
	if !children[0].Tombstone {
		t.Fatalf("delete (HLC %+v) was resurrected by a remote update that predates it (HLC %+v)", localDelete, remoteUpdate)
	}
	if children[0].DeletedAt != localDelete {
		t.Fatalf("tombstone DeletedAt changed: got %+v, want %+v", children[0].DeletedAt, localDelete)
	}
}

// TestSessionRemoteUpdateNewerThanDeleteIsApplied is the mirror of the
// above: when the remote update's HLC (u) is strictly greater than the
// local delete's (d), the update wins and the child is relinked live, per
// spec §8 scenario 4's "retains the update iff u > d".
func TestSessionRemoteUpdateNewerThanDeleteIsApplied(t *testing.T) {
	initiatorStore := newTestStore(t)
	responderStore := newTestStore(t)
	rootID := randEntityID(t)
	childID := randEntityID(t)
	sameRootOnBothSides(t, initiatorStore, responderStore, rootID)

	baseUpdate := hlc.Timestamp{Physical: 2, NodeID: node(1)}
	localDelete := hlc.Timestamp{Physical: 5, NodeID: node(1)}   // d
	remoteUpdate := hlc.Timestamp{Physical: 10, NodeID: node(2)} // u, u > d

	linkedChild(t, initiatorStore, rootID, "items", childID, []byte("base"), baseUpdate)
	if err := initiatorStore.RemoveChild(rootID, "items", childID, localDelete); err != nil {
		t.Fatalf("delete initiator child: %v", err)
	}
	if err := initiatorStore.MerkleRecompute([]ids.EntityId{rootID}, noParent); err != nil {
		t.Fatalf("recompute initiator root: %v", err)
	}

	linkedChild(t, responderStore, rootID, "items", childID, []byte("newer-remote-update"), remoteUpdate)
	if err := responderStore.MerkleRecompute([]ids.EntityId{rootID}, noParent); err != nil {
		t.Fatalf("recompute responder root: %v", err)
	}

	runSync(t, initiatorStore, responderStore, rootID)

	children, err := initiatorStore.ChildrenOf(rootID, "items")
	if err != nil {
		t.Fatalf("children of: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected exactly one child-index record, got %d", len(children))
	}
	if children[0].Tombstone {
		t.Fatalf("update (HLC %+v) newer than the delete (HLC %+v) should have won", remoteUpdate, localDelete)
	}

	got, err := initiatorStore.FindByID(childID)
	if err != nil {
		t.Fatalf("find child: %v", err)
	}
	decoded, err := crdt.DecodeLwwRegister(got.Payload)
	if err != nil {
		t.Fatalf("decode child: %v", err)
	}
	if string(decoded.Value) != "newer-remote-update" {
		t.Fatalf("child value = %q, want %q", decoded.Value, "newer-remote-update")
	}
}

// TestSessionPartitionAndHeal covers spec §8 scenario 5 ("partition and
// heal"): two nodes each add a different child while unable to reach each
// other, then sync in both directions. Both sides must converge on the
// union of the two additions.
func TestSessionPartitionAndHeal(t *testing.T) {
	storeA := newTestStore(t)
	storeB := newTestStore(t)
	rootID := randEntityID(t)
	childOnA := randEntityID(t)
	childOnB := randEntityID(t)
	sameRootOnBothSides(t, storeA, storeB, rootID)

	// Partitioned: each side independently adds its own child.
	linkedChild(t, storeA, rootID, "items", childOnA, []byte("from-a"), hlc.Timestamp{Physical: 2, NodeID: node(1)})
	if err := storeA.MerkleRecompute([]ids.EntityId{rootID}, noParent); err != nil {
		t.Fatalf("recompute a root: %v", err)
	}
	linkedChild(t, storeB, rootID, "items", childOnB, []byte("from-b"), hlc.Timestamp{Physical: 2, NodeID: node(2)})
	if err := storeB.MerkleRecompute([]ids.EntityId{rootID}, noParent); err != nil {
		t.Fatalf("recompute b root: %v", err)
	}

	// Heal: sync in both directions so each side learns the other's addition.
	runSync(t, storeA, storeB, rootID)
	runSync(t, storeB, storeA, rootID)

	for _, tc := range []struct {
		name string
		st   *storage.Interface
	}{{"a", storeA}, {"b", storeB}} {
		children, err := tc.st.ChildrenOf(rootID, "items")
		if err != nil {
			t.Fatalf("%s: children of: %v", tc.name, err)
		}
		seen := map[ids.EntityId]bool{}
		for _, c := range children {
			if c.Tombstone {
				t.Fatalf("%s: unexpected tombstone for %x", tc.name, c.ChildID)
			}
			seen[c.ChildID] = true
		}
		if !seen[childOnA] || !seen[childOnB] {
			t.Fatalf("%s: expected both children after heal, got %v", tc.name, children)
		}
	}

	rootA, err := storeA.FindByID(rootID)
	if err != nil {
		t.Fatalf("find root a: %v", err)
	}
	rootB, err := storeB.FindByID(rootID)
	if err != nil {
		t.Fatalf("find root b: %v", err)
	}
	if rootA.FullHash != rootB.FullHash {
		t.Fatalf("root full hash did not converge after heal: a=%x b=%x", rootA.FullHash, rootB.FullHash)
	}
}
