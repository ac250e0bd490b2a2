package sync

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/calimero-network/core/internal/blobstore"
	"github.com/calimero-network/core/internal/crdt"
	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/metrics"
	"github.com/calimero-network/core/internal/storage"
	"github.com/calimero-network/core/internal/transport"
)

// DefaultSessionTimeout bounds how long a single request waits for its
// reply before the session is aborted and retried (spec §4.8.4; Open
// Question resolved to 30s).
const DefaultSessionTimeout = 30 * time.Second

// MaxInFlightFetches bounds pending FetchRequest messages per session
// (spec §5 backpressure, default 10).
const MaxInFlightFetches = 10

// MaxRetries bounds the bounded exponential backoff retry loop before a
// session gives up entirely.
const MaxRetries = 5

var (
	// ErrUnknownMember is returned when the remote identity is not a
	// member of the context (spec §4.8.1).
	ErrUnknownMember = errors.New("sync: identity is not a known context member")
	// ErrSessionAborted is returned when a session exceeds MaxRetries.
	ErrSessionAborted = errors.New("sync: session aborted after repeated faults")
	// ErrSignatureRejected is returned when a signed mutation fails
	// verification; the session continues with the next divergent entity
	// rather than aborting (spec §4.8.5).
	ErrSignatureRejected = errors.New("sync: signed mutation rejected")
)

// MemberLookup authorizes a remote identity for a context (spec §4.8.1:
// "verifies... the identity is a known member").
type MemberLookup func(contextID ids.ContextId, identity ids.SignerId) bool

// Session drives one side of the sync protocol for a single context over
// one transport.Stream, reconciling CRDT state via a hash-tree comparison
// rather than a block-height catch-up loop.
type Session struct {
	ID        string
	ContextID ids.ContextId
	Clock     *hlc.Clock
	Store     *storage.Interface
	Stream    transport.Stream
	Timeout   time.Duration
	// Metrics is optional; when set, session outcomes are reported to it
	// (spec's domain-stack prometheus wiring, see DESIGN.md).
	Metrics *metrics.Registry
	// Blobs is optional; when set, RunInitiator pulls any blobs the
	// responder's context has announced (blob_announce_to_context) that
	// this node does not already hold, once the entity tree converges.
	Blobs *blobstore.Store

	limiter    *rate.Limiter
	inflight   chan struct{}
	parentOf   map[ids.EntityId]parentRef
}

type parentRef struct {
	parent     ids.EntityId
	collection string
	hasParent  bool
}

// NewSession constructs a session with the default timeout and in-flight
// bound. Timeout is an exported field a caller may change afterwards; the
// in-flight bound and fetch rate are fixed at MaxInFlightFetches.
func NewSession(contextID ids.ContextId, clock *hlc.Clock, st *storage.Interface, stream transport.Stream) *Session {
	return &Session{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Clock:     clock,
		Store:     st,
		Stream:    stream,
		Timeout:   DefaultSessionTimeout,
		limiter:   rate.NewLimiter(rate.Limit(MaxInFlightFetches), MaxInFlightFetches),
		inflight:  make(chan struct{}, MaxInFlightFetches),
		parentOf:  make(map[ids.EntityId]parentRef),
	}
}

func (s *Session) send(kind messageKind, payload any) error {
	frame, err := encodeMessage(kind, payload)
	if err != nil {
		return err
	}
	return s.Stream.Send(frame)
}

func (s *Session) recv() (envelope, error) {
	frame, err := s.Stream.RecvTimeout(s.Timeout)
	if err != nil {
		return envelope{}, fmt.Errorf("sync: recv timed out after %s: %w", s.Timeout, err)
	}
	return decodeEnvelope(frame)
}

// RunInitiator drives the initiator side of one session against rootID
// (normally the context's root entity): session setup, then a depth-first
// hash-tree compare-and-fetch walk (spec §4.8.1, §4.8.2).
func (s *Session) RunInitiator(ctx context.Context, ourIdentity ids.SignerId, rootID ids.EntityId, verifySigner func(ids.SignerId) ed25519.PublicKey) error {
	if s.Metrics != nil {
		s.Metrics.SyncSessionsTotal.Inc()
	}
	if err := s.runInitiator(ctx, ourIdentity, rootID, verifySigner); err != nil {
		if s.Metrics != nil {
			s.Metrics.SyncSessionFailures.Inc()
		}
		return err
	}
	return nil
}

func (s *Session) runInitiator(ctx context.Context, ourIdentity ids.SignerId, rootID ids.EntityId, verifySigner func(ids.SignerId) ed25519.PublicKey) error {
	var identPub [32]byte
	copy(identPub[:], ourIdentity[:])
	if err := s.send(kindInitSync, initSync{ContextID: s.ContextID, IdentityPub: identPub}); err != nil {
		return err
	}
	env, err := s.recv()
	if err != nil {
		return err
	}
	if env.Kind != kindInitSyncAck {
		return fmt.Errorf("sync: expected init_sync_ack, got %s", env.Kind)
	}

	bo := newBackoff(200*time.Millisecond, 10*time.Second)
	queue := []ids.EntityId{rootID}
	s.parentOf[rootID] = parentRef{}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id := queue[0]
		queue = queue[1:]

		children, err := s.compareOne(id, verifySigner)
		if err != nil {
			if bo.attempt >= MaxRetries {
				return fmt.Errorf("%w: %v", ErrSessionAborted, err)
			}
			delay := bo.Next()
			time.Sleep(delay)
			queue = append([]ids.EntityId{id}, queue...)
			continue
		}
		bo.Reset()
		queue = append(children, queue...)
	}

	if s.Blobs != nil {
		if err := s.syncBlobs(); err != nil {
			return err
		}
	}

	return s.send(kindCloseSession, closeSession{Reason: "compare queue drained"})
}

// syncBlobs asks the responder which blobs its context registry has
// announced and fetches any this node does not already hold (spec §4.1,
// supplemented blob_announce_to_context feature).
func (s *Session) syncBlobs() error {
	if err := s.send(kindBlobSyncRequest, blobSyncRequest{}); err != nil {
		return err
	}
	env, err := s.recv()
	if err != nil {
		return err
	}
	if env.Kind != kindBlobSyncResponse {
		return fmt.Errorf("sync: expected blob_sync_response, got %s", env.Kind)
	}
	var resp blobSyncResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return err
	}

	for _, id := range resp.BlobIDs {
		has, err := s.Blobs.Has(id)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := s.fetchBlob(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) fetchBlob(id ids.BlobId) error {
	if err := s.send(kindBlobFetchRequest, blobFetchRequest{BlobID: id}); err != nil {
		return err
	}
	env, err := s.recv()
	if err != nil {
		return err
	}
	if env.Kind != kindBlobFetchResponse {
		return fmt.Errorf("sync: expected blob_fetch_response, got %s", env.Kind)
	}
	var resp blobFetchResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return err
	}
	if !resp.Found {
		return nil
	}
	_, err = s.Blobs.Put(bytes.NewReader(resp.Data))
	return err
}

// compareOne compares one entity id against the responder, applies any
// divergence, and returns the child entity ids that now need comparing.
func (s *Session) compareOne(id ids.EntityId, verifySigner func(ids.SignerId) ed25519.PublicKey) ([]ids.EntityId, error) {
	if err := s.send(kindCompareRequest, compareRequest{EntityID: id}); err != nil {
		return nil, err
	}
	env, err := s.recv()
	if err != nil {
		return nil, err
	}
	if env.Kind != kindComparisonData {
		return nil, fmt.Errorf("sync: expected comparison_data, got %s", env.Kind)
	}
	var remote comparisonData
	if err := unmarshalPayload(env, &remote); err != nil {
		return nil, err
	}
	if !remote.Found {
		return nil, nil
	}

	local, localErr := s.Store.FindByID(id)
	localExists := localErr == nil
	if localErr != nil && !errors.Is(localErr, storage.ErrNotFound) {
		return nil, localErr
	}

	diverged := !localExists || local.FullHash != remote.FullHash
	if !diverged {
		return nil, nil
	}

	if !localExists || local.OwnHash != remote.OwnHash {
		if err := s.fetchAndApply(id, verifySigner); err != nil && !errors.Is(err, ErrSignatureRejected) {
			return nil, err
		}
	}

	var next []ids.EntityId
	for _, child := range remote.Children {
		local, err := s.Store.ChildrenOf(id, child.Collection)
		if err != nil {
			return nil, err
		}
		if childUpToDate(local, child) {
			continue
		}
		if child.Tombstone {
			if err := s.Store.RemoveChild(id, child.Collection, child.ChildID, child.DeletedAt); err != nil && !errors.Is(err, storage.ErrStaleTombstone) {
				return nil, err
			}
			continue
		}
		s.parentOf[child.ChildID] = parentRef{parent: id, collection: child.Collection, hasParent: true}
		next = append(next, child.ChildID)
	}
	return next, nil
}

func childUpToDate(local []storage.ChildInfo, remote childSummary) bool {
	for _, ci := range local {
		if ci.ChildID != remote.ChildID {
			continue
		}
		if ci.Tombstone != remote.Tombstone {
			return false
		}
		return ci.FullHash == remote.FullHash
	}
	return false
}

// fetchAndApply issues a FetchRequest for id, then applies the result as an
// Add (absent locally) or Update (present locally) per spec §4.8.2 step 5.
func (s *Session) fetchAndApply(id ids.EntityId, verifySigner func(ids.SignerId) ed25519.PublicKey) error {
	if err := s.limiter.Wait(context.Background()); err != nil {
		return err
	}
	select {
	case s.inflight <- struct{}{}:
	default:
		return fmt.Errorf("sync: in-flight fetch bound of %d exceeded", MaxInFlightFetches)
	}
	defer func() { <-s.inflight }()

	if err := s.send(kindFetchRequest, fetchRequest{EntityID: id}); err != nil {
		return err
	}
	env, err := s.recv()
	if err != nil {
		return err
	}
	if env.Kind != kindFetchResponse {
		return fmt.Errorf("sync: expected fetch_response, got %s", env.Kind)
	}
	var resp fetchResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return err
	}
	if !resp.Found {
		return nil
	}
	remote := resp.Entity.toEntity()

	if verifySigner != nil && len(remote.Metadata.Signature) > 0 && remote.Metadata.StorageKind != storage.KindUserStorage {
		if !s.verifySignedMutation(remote, verifySigner) {
			if s.Metrics != nil {
				s.Metrics.SyncSignatureRejects.Inc()
			}
			return ErrSignatureRejected
		}
	}

	s.Clock.Update(remote.Metadata.UpdatedAt)

	local, err := s.Store.FindByID(id)
	merged := remote
	switch {
	case errors.Is(err, storage.ErrNotFound):
		merged = remote
	case err != nil:
		return err
	default:
		if local.Metadata.StorageKind != remote.Metadata.StorageKind {
			return fmt.Errorf("sync: storage kind mismatch for %s: local %d remote %d", id, local.Metadata.StorageKind, remote.Metadata.StorageKind)
		}
		payload, err := crdt.MergeEntities(local.Metadata.StorageKind, local.Payload, remote.Payload)
		if err != nil {
			return err
		}
		merged.Payload = payload
		if local.Metadata.UpdatedAt.Compare(remote.Metadata.UpdatedAt) > 0 {
			merged.Metadata.UpdatedAt = local.Metadata.UpdatedAt
		}
	}

	saved, err := s.Store.Save(merged)
	if err != nil {
		return err
	}

	if pr, ok := s.parentOf[id]; ok && pr.hasParent {
		info := storage.ChildInfo{ChildID: id, FullHash: saved.FullHash, UpdatedAt: saved.Metadata.UpdatedAt}
		// A newer local tombstone beats this fetched update (spec §8
		// scenario 4): AddChild rejects the relink rather than resurrecting
		// the deleted child, so ErrStaleTombstone here is expected, not fatal.
		if err := s.Store.AddChild(pr.parent, pr.collection, info); err != nil && !errors.Is(err, storage.ErrStaleTombstone) {
			return err
		}
	}

	if s.Metrics != nil {
		s.Metrics.SyncEntitiesFetched.Inc()
	}

	return s.Store.MerkleRecompute([]ids.EntityId{id}, s.parentLookup)
}

func (s *Session) parentLookup(id ids.EntityId) (ids.EntityId, error) {
	pr, ok := s.parentOf[id]
	if !ok || !pr.hasParent {
		return ids.EntityId{}, storage.ErrNotFound
	}
	return pr.parent, nil
}

// verifySignedMutation checks the ancestor-bound signature of spec §4.8.5
// for entity kinds that do not already self-verify within crdt (UserStorage
// does, via its own Verify). Ancestors are the (id, current local full_hash)
// chain from the entity up to the context root, binding the signature to
// this entity's current position in the tree rather than a historical
// snapshot (an Open Question resolved this way; see DESIGN.md).
func (s *Session) verifySignedMutation(e storage.Entity, verifySigner func(ids.SignerId) ed25519.PublicKey) bool {
	pub := verifySigner(e.Metadata.Signer)
	if pub == nil {
		return false
	}
	ancestors := s.ancestorChain(e.ID)
	hash := SignaturePayloadHash(e.ID, e.Payload, ancestors, e.Metadata, e.Metadata.Nonce)
	return ed25519.Verify(pub, hash[:], e.Metadata.Signature)
}

func (s *Session) ancestorChain(id ids.EntityId) []AncestorRef {
	var out []AncestorRef
	cur := id
	for {
		pr, ok := s.parentOf[cur]
		if !ok || !pr.hasParent {
			return out
		}
		parentEntity, err := s.Store.FindByID(pr.parent)
		if err != nil {
			return out
		}
		out = append(out, AncestorRef{ID: pr.parent, FullHash: parentEntity.FullHash})
		cur = pr.parent
	}
}

func unmarshalPayload(env envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("sync: decode %s payload: %w", env.Kind, err)
	}
	return nil
}
