package context

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "ctx.db"), kvstore.AllColumns)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	r, err := New(kv, 0, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func randContextID(t *testing.T) ids.ContextId {
	t.Helper()
	b, err := ids.RandomBlobId()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	return ids.ContextId(b)
}

func TestSaveAndGetRoundTrips(t *testing.T) {
	r := newTestRegistry(t)
	cid := randContextID(t)
	appB, _ := ids.RandomBlobId()
	rootB, _ := ids.RandomBlobId()
	member := ids.ContextIdentity(func() ids.BlobId { b, _ := ids.RandomBlobId(); return b }())

	m := Meta{
		ID:          cid,
		Application: ids.ApplicationId(appB),
		Root:        ids.EntityId(rootB),
		Members:     []ids.ContextIdentity{member},
	}
	if err := r.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := r.Get(cid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != m.ID || got.Application != m.Application || got.Root != m.Root {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if len(got.Members) != 1 || got.Members[0] != member {
		t.Fatalf("members mismatch: %+v", got.Members)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(randContextID(t))
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAnnounceBlobIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	cid := randContextID(t)
	if err := r.Save(Meta{ID: cid}); err != nil {
		t.Fatalf("save: %v", err)
	}
	blob, _ := ids.RandomBlobId()

	if err := r.AnnounceBlob(cid, blob); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := r.AnnounceBlob(cid, blob); err != nil {
		t.Fatalf("announce again: %v", err)
	}

	got, err := r.Get(cid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.AnnouncedBlobs) != 1 {
		t.Fatalf("announced blobs = %v, want exactly one entry", got.AnnouncedBlobs)
	}
}

func TestConfigRequestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var signer ids.SignerId
	copy(signer[:], pub)

	req := ConfigRequest{
		ContextID: randContextID(t),
		Signer:    signer,
		Nonce:     1,
		Operation: "add_member",
		Payload:   []byte("payload"),
	}
	req.Sign(priv)
	if !req.Verify() {
		t.Fatalf("expected signature to verify")
	}

	tampered := req
	tampered.Payload = []byte("tampered")
	if tampered.Verify() {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestNonceStoreRejectsReplay(t *testing.T) {
	n := NewNonceStore()
	pub, _, _ := ed25519.GenerateKey(nil)
	var signer ids.SignerId
	copy(signer[:], pub)

	if err := n.Check(signer, 1); err != nil {
		t.Fatalf("check 1: %v", err)
	}
	if err := n.Check(signer, 2); err != nil {
		t.Fatalf("check 2: %v", err)
	}
	if err := n.Check(signer, 2); err == nil {
		t.Fatalf("expected replay of nonce 2 to be rejected")
	}
	if err := n.Check(signer, 1); err == nil {
		t.Fatalf("expected reorder to nonce 1 to be rejected")
	}
}
