// Package ids defines the 32-byte opaque identifiers shared across the
// Calimero core: contexts, applications, blobs, signers, context
// identities and entities. Every identifier carries a semantic tag at the
// type level so a ContextId cannot be passed where an EntityId is expected.
package ids

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the fixed length, in bytes, of every identifier in this package.
const Size = 32

// Raw is the common representation behind every tagged identifier.
type Raw [Size]byte

// ContextId is the public key of a context's one-shot signing key.
type ContextId Raw

// ApplicationId is the content hash of an application's governing blob.
type ApplicationId Raw

// BlobId is the hash of a blob's canonical chunk tree.
type BlobId Raw

// SignerId is an Ed25519 public key identifying a key that may sign
// mutations (member identities, UserStorage writers).
type SignerId Raw

// ContextIdentity is a member identity scoped to one context.
type ContextIdentity Raw

// EntityId identifies one entity within a context's state tree.
type EntityId Raw

// stringer and (un)marshalling is identical for every tag, so it is
// generated once via the generic helpers below and wired per type.

func rawString(r Raw) string {
	return base58.Encode(r[:])
}

func rawFromString(s string, out *Raw) error {
	b, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("ids: decode base58: %w", err)
	}
	if len(b) != Size {
		return fmt.Errorf("ids: decoded length %d, want %d", len(b), Size)
	}
	copy(out[:], b)
	return nil
}

func rawRandom() (Raw, error) {
	var r Raw
	if _, err := rand.Read(r[:]); err != nil {
		return Raw{}, fmt.Errorf("ids: read random: %w", err)
	}
	return r, nil
}

func (id ContextId) String() string        { return rawString(Raw(id)) }
func (id ApplicationId) String() string     { return rawString(Raw(id)) }
func (id BlobId) String() string            { return rawString(Raw(id)) }
func (id SignerId) String() string          { return rawString(Raw(id)) }
func (id ContextIdentity) String() string   { return rawString(Raw(id)) }
func (id EntityId) String() string          { return rawString(Raw(id)) }

func (id ContextId) IsZero() bool      { return id == ContextId{} }
func (id ApplicationId) IsZero() bool  { return id == ApplicationId{} }
func (id BlobId) IsZero() bool         { return id == BlobId{} }
func (id SignerId) IsZero() bool       { return id == SignerId{} }
func (id ContextIdentity) IsZero() bool { return id == ContextIdentity{} }
func (id EntityId) IsZero() bool       { return id == EntityId{} }

func (id ContextId) Bytes() []byte      { b := id; return b[:] }
func (id ApplicationId) Bytes() []byte  { b := id; return b[:] }
func (id BlobId) Bytes() []byte         { b := id; return b[:] }
func (id SignerId) Bytes() []byte       { b := id; return b[:] }
func (id ContextIdentity) Bytes() []byte { b := id; return b[:] }
func (id EntityId) Bytes() []byte       { b := id; return b[:] }

// MarshalJSON renders identifiers in their base58 textual form (spec §6.3).
func (id ContextId) MarshalJSON() ([]byte, error)    { return json.Marshal(id.String()) }
func (id ApplicationId) MarshalJSON() ([]byte, error) { return json.Marshal(id.String()) }
func (id BlobId) MarshalJSON() ([]byte, error)        { return json.Marshal(id.String()) }
func (id SignerId) MarshalJSON() ([]byte, error)      { return json.Marshal(id.String()) }
func (id ContextIdentity) MarshalJSON() ([]byte, error) { return json.Marshal(id.String()) }
func (id EntityId) MarshalJSON() ([]byte, error)      { return json.Marshal(id.String()) }

func (id *ContextId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rawFromString(s, (*Raw)(id))
}

func (id *ApplicationId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rawFromString(s, (*Raw)(id))
}

func (id *BlobId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rawFromString(s, (*Raw)(id))
}

func (id *SignerId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rawFromString(s, (*Raw)(id))
}

func (id *ContextIdentity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rawFromString(s, (*Raw)(id))
}

func (id *EntityId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rawFromString(s, (*Raw)(id))
}

// ContextIdFromString parses a base58 textual id (spec §6.3) into a
// ContextId, for CLI and config flags that carry ids as plain strings.
func ContextIdFromString(s string) (ContextId, error) {
	var r Raw
	if err := rawFromString(s, &r); err != nil {
		return ContextId{}, err
	}
	return ContextId(r), nil
}

// ApplicationIdFromString parses a base58 textual id into an ApplicationId.
func ApplicationIdFromString(s string) (ApplicationId, error) {
	var r Raw
	if err := rawFromString(s, &r); err != nil {
		return ApplicationId{}, err
	}
	return ApplicationId(r), nil
}

// SignerIdFromString parses a base58 textual id into a SignerId.
func SignerIdFromString(s string) (SignerId, error) {
	var r Raw
	if err := rawFromString(s, &r); err != nil {
		return SignerId{}, err
	}
	return SignerId(r), nil
}

// EntityIdFromString parses a base58 textual id into an EntityId.
func EntityIdFromString(s string) (EntityId, error) {
	var r Raw
	if err := rawFromString(s, &r); err != nil {
		return EntityId{}, err
	}
	return EntityId(r), nil
}

// NewEntityId derives an entity id from a 32-byte digest, typically the
// SHA-256 of caller-chosen seed bytes (e.g. a collection key).
func NewEntityId(digest [32]byte) EntityId { return EntityId(digest) }

// RandomBlobId returns a random id; the tests use it for scratch ids.
func RandomBlobId() (BlobId, error) {
	r, err := rawRandom()
	return BlobId(r), err
}

// BlobIdFromDigest converts a raw 32-byte SHA-256 digest into a BlobId.
func BlobIdFromDigest(digest [32]byte) BlobId { return BlobId(digest) }

// EntityIdFromBytes copies exactly Size bytes from b into a new EntityId.
func EntityIdFromBytes(b []byte) (EntityId, error) {
	if len(b) != Size {
		return EntityId{}, fmt.Errorf("ids: want %d bytes, got %d", Size, len(b))
	}
	var id EntityId
	copy(id[:], b)
	return id, nil
}

// BlobIdFromBytes copies exactly Size bytes from b into a new BlobId.
func BlobIdFromBytes(b []byte) (BlobId, error) {
	if len(b) != Size {
		return BlobId{}, fmt.Errorf("ids: want %d bytes, got %d", Size, len(b))
	}
	var id BlobId
	copy(id[:], b)
	return id, nil
}
