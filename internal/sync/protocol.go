// Package sync implements the per-context synchronization protocol (spec
// §4.8): session setup over internal/transport, depth-first hash-tree
// comparison, delta fetch-and-apply through the crdt Mergeable contract,
// causal delivery via the HLC, and bounded-retry fault handling. Messages
// are JSON envelopes, matching the wire convention internal/context already
// uses for its config client.
package sync

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/storage"
)

// messageKind discriminates the envelope's Payload.
type messageKind string

const (
	kindInitSync       messageKind = "init_sync"
	kindInitSyncAck    messageKind = "init_sync_ack"
	kindCompareRequest messageKind = "compare_request"
	kindComparisonData messageKind = "comparison_data"
	kindFetchRequest   messageKind = "fetch_request"
	kindFetchResponse  messageKind = "fetch_response"
	kindCloseSession   messageKind = "close_session"

	// Blob announcement sync (supplemented feature, apps/blobs'
	// blob_announce_to_context): run once after the entity tree converges.
	kindBlobSyncRequest   messageKind = "blob_sync_request"
	kindBlobSyncResponse  messageKind = "blob_sync_response"
	kindBlobFetchRequest  messageKind = "blob_fetch_request"
	kindBlobFetchResponse messageKind = "blob_fetch_response"
)

// envelope is the one message type ever written to the wire; Kind selects
// how Payload is interpreted.
type envelope struct {
	Kind    messageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encodeMessage(kind messageKind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sync: marshal %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Payload: raw})
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return envelope{}, fmt.Errorf("sync: decode envelope: %w", err)
	}
	return env, nil
}

// initSync is the initiator's first message (spec §4.8.1).
type initSync struct {
	ContextID     ids.ContextId `json:"context_id"`
	IdentityPub   [32]byte      `json:"identity_pub"`
}

// initSyncAck is the responder's reply to initSync.
type initSyncAck struct {
	IdentityPub [32]byte `json:"identity_pub"`
	Nonce       [32]byte `json:"nonce"`
}

// compareRequest asks the responder to describe one entity (spec §4.8.2 step 1).
type compareRequest struct {
	EntityID ids.EntityId `json:"entity_id"`
}

// childSummary is one entry of comparisonData's children_by_collection
// (spec §4.8.2 step 2); storage.ChildInfo does not carry the collection
// name its child_index key is scoped by, so sync carries it alongside.
type childSummary struct {
	Collection string        `json:"collection"`
	ChildID    ids.EntityId  `json:"child_id"`
	FullHash   [32]byte      `json:"full_hash"`
	Tombstone  bool          `json:"tombstone"`
	UpdatedAt  hlc.Timestamp `json:"updated_at"`
	DeletedAt  hlc.Timestamp `json:"deleted_at,omitempty"`
}

// comparisonData is the responder's description of one entity, sufficient
// for the initiator to decide whether to descend or fetch (spec §4.8.2 step 2).
type comparisonData struct {
	ID       ids.EntityId   `json:"id"`
	Found    bool           `json:"found"`
	OwnHash  [32]byte       `json:"own_hash"`
	FullHash [32]byte       `json:"full_hash"`
	Children []childSummary `json:"children"`
}

// fetchRequest asks for one entity's full payload and metadata (spec §4.8.2 step 4).
type fetchRequest struct {
	EntityID ids.EntityId `json:"entity_id"`
}

// wireMetadata mirrors storage.Metadata for JSON transport.
type wireMetadata struct {
	CreatedAt   hlc.Timestamp      `json:"created_at"`
	UpdatedAt   hlc.Timestamp      `json:"updated_at"`
	StorageKind storage.StorageKind `json:"storage_kind"`
	CustomTag   string             `json:"custom_tag,omitempty"`
	Signer      ids.SignerId       `json:"signer"`
	Nonce       uint64             `json:"nonce"`
	Signature   []byte             `json:"signature,omitempty"`
}

func toWireMetadata(m storage.Metadata) wireMetadata {
	return wireMetadata{
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		StorageKind: m.StorageKind,
		CustomTag:   m.CustomTag,
		Signer:      m.Signer,
		Nonce:       m.Nonce,
		Signature:   m.Signature,
	}
}

func (w wireMetadata) toMetadata() storage.Metadata {
	return storage.Metadata{
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		StorageKind: w.StorageKind,
		CustomTag:   w.CustomTag,
		Signer:      w.Signer,
		Nonce:       w.Nonce,
		Signature:   w.Signature,
	}
}

// wireEntity mirrors storage.Entity for JSON transport; storage.Entity's
// own encode/decode are a private on-disk record format (spec §6.4), not
// the public wire format this package needs (spec §6.3).
type wireEntity struct {
	ID       ids.EntityId `json:"id"`
	Payload  []byte       `json:"payload"`
	Metadata wireMetadata `json:"metadata"`
	OwnHash  [32]byte     `json:"own_hash"`
	FullHash [32]byte     `json:"full_hash"`
}

func toWireEntity(e storage.Entity) wireEntity {
	return wireEntity{
		ID:       e.ID,
		Payload:  e.Payload,
		Metadata: toWireMetadata(e.Metadata),
		OwnHash:  e.OwnHash,
		FullHash: e.FullHash,
	}
}

func (w wireEntity) toEntity() storage.Entity {
	return storage.Entity{
		ID:       w.ID,
		Payload:  w.Payload,
		Metadata: w.Metadata.toMetadata(),
		OwnHash:  w.OwnHash,
		FullHash: w.FullHash,
	}
}

// fetchResponse answers a fetchRequest. Found is false when the responder
// holds no entity record under that id; RemoveChild only tombstones the
// child-index entry and leaves the entity record in place.
type fetchResponse struct {
	Found  bool       `json:"found"`
	Entity wireEntity `json:"entity"`
}

// closeSession ends a session from either side (spec §4.8.4).
type closeSession struct {
	Reason string `json:"reason"`
}

// blobSyncRequest asks the responder which blobs its context registry has
// announced (blob_announce_to_context); it carries no fields because the
// context id is already fixed for the session by initSync.
type blobSyncRequest struct{}

// blobSyncResponse lists the blob ids the responder's context registry has
// on record as announced.
type blobSyncResponse struct {
	BlobIDs []ids.BlobId `json:"blob_ids"`
}

// blobFetchRequest asks for one announced blob's full bytes.
type blobFetchRequest struct {
	BlobID ids.BlobId `json:"blob_id"`
}

// blobFetchResponse answers a blobFetchRequest; Found is false once the
// responder no longer holds the blob.
type blobFetchResponse struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data"`
}

// Digest computes the state digest of spec §6.3: sort entities by id, feed
// each entity's id||own_hash||full_hash into a SHA-256 accumulator. The
// empty set digests to zero.
func Digest(entities []storage.Entity) [32]byte {
	if len(entities) == 0 {
		return [32]byte{}
	}
	sorted := make([]storage.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].ID, sorted[j].ID
		return string(a[:]) < string(b[:])
	})
	h := sha256.New()
	for _, e := range sorted {
		id := e.ID
		h.Write(id[:])
		h.Write(e.OwnHash[:])
		h.Write(e.FullHash[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AncestorRef is one (id, full_hash) pair in a signed mutation's ancestor
// chain (spec §4.8.5).
type AncestorRef struct {
	ID       ids.EntityId
	FullHash [32]byte
}

// signaturePayloadVersion is the domain separator prefixed to every
// signature payload hash, so a future wire-format revision can't be
// replayed against this one (spec §4.8.5, §6.3).
const signaturePayloadVersion = "calimero-sync-sig-v1"

// SignaturePayloadHash computes the SHA-256 of the versioned, canonical,
// length-prefixed concatenation of a signed mutation's components (spec
// §4.8.5): id, data, ancestor (id, full_hash) pairs, metadata fields except
// the signature, and nonce.
func SignaturePayloadHash(id ids.EntityId, data []byte, ancestors []AncestorRef, md storage.Metadata, nonce uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte(signaturePayloadVersion))
	writeLP(h, id[:])
	writeLP(h, data)

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(ancestors)))
	h.Write(countBuf[:])
	for _, a := range ancestors {
		writeLP(h, a.ID[:])
		writeLP(h, a.FullHash[:])
	}

	for _, ts := range []hlc.Timestamp{md.CreatedAt, md.UpdatedAt} {
		var tsBuf [16]byte
		binary.BigEndian.PutUint64(tsBuf[0:8], ts.Physical)
		binary.BigEndian.PutUint64(tsBuf[8:16], ts.Logical)
		h.Write(tsBuf[:])
		h.Write(ts.NodeID[:])
	}
	h.Write([]byte{byte(md.StorageKind)})
	writeLP(h, []byte(md.CustomTag))
	signer := md.Signer
	h.Write(signer[:])

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	h.Write(nonceBuf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeLP(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}
