// Package crdt implements the typed, mergeable containers that sit on top
// of the storage interface (spec §4.4). Each type presents a StorageKind,
// a commutative/associative/idempotent Merge, and declares whether it is
// decomposable — whether a sync delta must be applied by fetching and
// merging children individually rather than overwriting a whole payload.
package crdt

import (
	"fmt"

	"github.com/calimero-network/core/internal/storage"
)

// Mergeable is the contract every CRDT collection type implements
// (spec §4.4 "The Mergeable contract").
type Mergeable interface {
	// Kind reports the StorageKind this value presents in entity metadata.
	Kind() storage.StorageKind
	// Encode serializes the value for storage as an entity payload.
	Encode() []byte
	// Merge resolves self against remote, both decoded from entities that
	// share an EntityId, and returns the converged value. Merge must be
	// commutative, associative and idempotent (P3).
	Merge(remote Mergeable) (Mergeable, error)
	// Decomposable reports whether this type's children live in the
	// storage interface's child-index rather than being folded into
	// Encode's bytes (spec §4.4 point 3).
	Decomposable() bool
}

// Decoder decodes a Mergeable's payload bytes back into a typed value.
type Decoder func(payload []byte) (Mergeable, error)

var decoders = map[storage.StorageKind]Decoder{}

// RegisterDecoder wires a StorageKind to the function that reconstructs a
// Mergeable from stored bytes; called once per concrete type at package
// init so the sync layer can dispatch purely off StorageKind (spec §4.8.2
// step 5: "invokes the Mergeable contract for the entity's StorageKind").
func RegisterDecoder(kind storage.StorageKind, d Decoder) {
	decoders[kind] = d
}

// Decode dispatches to the registered decoder for kind.
func Decode(kind storage.StorageKind, payload []byte) (Mergeable, error) {
	d, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("crdt: no decoder registered for storage kind %d", kind)
	}
	return d(payload)
}

// MergeEntities merges two entity payloads that share a StorageKind,
// returning the converged payload bytes. This is the function the sync
// protocol calls when applying an inbound Update (spec §4.8.2 step 5).
func MergeEntities(kind storage.StorageKind, localPayload, remotePayload []byte) ([]byte, error) {
	local, err := Decode(kind, localPayload)
	if err != nil {
		return nil, err
	}
	remote, err := Decode(kind, remotePayload)
	if err != nil {
		return nil, err
	}
	merged, err := local.Merge(remote)
	if err != nil {
		return nil, err
	}
	return merged.Encode(), nil
}
