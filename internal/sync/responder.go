package sync

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/calimero-network/core/internal/blobstore"
	ctxregistry "github.com/calimero-network/core/internal/context"
	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/metrics"
	"github.com/calimero-network/core/internal/storage"
	"github.com/calimero-network/core/internal/transport"
)

// Responder answers a remote initiator's session (spec §4.8.1-§4.8.2).
type Responder struct {
	OurIdentity ids.SignerId
	Store       *storage.Interface
	Clock       *hlc.Clock
	Members     MemberLookup
	Stream      transport.Stream
	Timeout     time.Duration
	// Metrics is optional; when set, session outcomes are reported to it.
	Metrics *metrics.Registry
	// Registry and Blobs are optional; when both are set, the responder
	// answers blob-sync requests with its context's announced blob ids
	// (blob_announce_to_context) and serves their bytes on request.
	Registry *ctxregistry.Registry
	Blobs    *blobstore.Store
}

// HandleSession runs the responder loop until the initiator closes the
// session or the stream errors (spec §4.8.1-§4.8.4).
func (r *Responder) HandleSession() error {
	if r.Metrics != nil {
		r.Metrics.SyncSessionsTotal.Inc()
	}
	if err := r.handleSession(); err != nil {
		if r.Metrics != nil {
			r.Metrics.SyncSessionFailures.Inc()
		}
		return err
	}
	return nil
}

func (r *Responder) handleSession() error {
	env, err := r.recv()
	if err != nil {
		return err
	}
	if env.Kind != kindInitSync {
		return fmt.Errorf("sync: expected init_sync, got %s", env.Kind)
	}
	var init initSync
	if err := unmarshalPayload(env, &init); err != nil {
		return err
	}

	var remoteIdentity ids.SignerId
	copy(remoteIdentity[:], init.IdentityPub[:])
	if r.Members != nil && !r.Members(init.ContextID, remoteIdentity) {
		return ErrUnknownMember
	}

	var ourPub [32]byte
	copy(ourPub[:], r.OurIdentity[:])
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("sync: generate nonce: %w", err)
	}
	if err := r.send(kindInitSyncAck, initSyncAck{IdentityPub: ourPub, Nonce: nonce}); err != nil {
		return err
	}

	for {
		env, err := r.recv()
		if err != nil {
			return err
		}
		switch env.Kind {
		case kindCompareRequest:
			var req compareRequest
			if err := unmarshalPayload(env, &req); err != nil {
				return err
			}
			if err := r.handleCompare(req); err != nil {
				return err
			}
		case kindFetchRequest:
			var req fetchRequest
			if err := unmarshalPayload(env, &req); err != nil {
				return err
			}
			if err := r.handleFetch(req); err != nil {
				return err
			}
		case kindBlobSyncRequest:
			if err := r.handleBlobSync(init.ContextID); err != nil {
				return err
			}
		case kindBlobFetchRequest:
			var req blobFetchRequest
			if err := unmarshalPayload(env, &req); err != nil {
				return err
			}
			if err := r.handleBlobFetch(req); err != nil {
				return err
			}
		case kindCloseSession:
			return nil
		default:
			return fmt.Errorf("sync: unexpected message %s from initiator", env.Kind)
		}
	}
}

func (r *Responder) handleCompare(req compareRequest) error {
	entity, err := r.Store.FindByID(req.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.send(kindComparisonData, comparisonData{ID: req.EntityID, Found: false})
	}
	if err != nil {
		return err
	}

	children, err := r.Store.AllChildren(req.EntityID)
	if err != nil {
		return err
	}
	summaries := make([]childSummary, 0, len(children))
	for _, c := range children {
		summaries = append(summaries, childSummary{
			Collection: c.Collection,
			ChildID:    c.Info.ChildID,
			FullHash:   c.Info.FullHash,
			Tombstone:  c.Info.Tombstone,
			UpdatedAt:  c.Info.UpdatedAt,
			DeletedAt:  c.Info.DeletedAt,
		})
	}

	return r.send(kindComparisonData, comparisonData{
		ID:       req.EntityID,
		Found:    true,
		OwnHash:  entity.OwnHash,
		FullHash: entity.FullHash,
		Children: summaries,
	})
}

func (r *Responder) handleFetch(req fetchRequest) error {
	entity, err := r.Store.FindByID(req.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.send(kindFetchResponse, fetchResponse{Found: false})
	}
	if err != nil {
		return err
	}
	return r.send(kindFetchResponse, fetchResponse{Found: true, Entity: toWireEntity(entity)})
}

// handleBlobSync answers with every blob id the context's registry has
// recorded as announced; an unconfigured Registry answers with an empty
// list rather than failing the session.
func (r *Responder) handleBlobSync(contextID ids.ContextId) error {
	var blobIDs []ids.BlobId
	if r.Registry != nil {
		meta, err := r.Registry.Get(contextID)
		if err != nil && !errors.Is(err, ctxregistry.ErrNotFound) {
			return err
		}
		blobIDs = meta.AnnouncedBlobs
	}
	return r.send(kindBlobSyncResponse, blobSyncResponse{BlobIDs: blobIDs})
}

func (r *Responder) handleBlobFetch(req blobFetchRequest) error {
	if r.Blobs == nil {
		return r.send(kindBlobFetchResponse, blobFetchResponse{Found: false})
	}
	rc, err := r.Blobs.Get(req.BlobID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return r.send(kindBlobFetchResponse, blobFetchResponse{Found: false})
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return r.send(kindBlobFetchResponse, blobFetchResponse{Found: true, Data: data})
}

func (r *Responder) send(kind messageKind, payload any) error {
	frame, err := encodeMessage(kind, payload)
	if err != nil {
		return err
	}
	return r.Stream.Send(frame)
}

func (r *Responder) recv() (envelope, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	frame, err := r.Stream.RecvTimeout(timeout)
	if err != nil {
		return envelope{}, fmt.Errorf("sync: recv timed out after %s: %w", timeout, err)
	}
	return decodeEnvelope(frame)
}
