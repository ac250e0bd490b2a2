package crdt

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/storage"
)

func init() {
	RegisterDecoder(storage.KindUserStorage, func(b []byte) (Mergeable, error) { return DecodeUserStorage(b) })
	RegisterDecoder(storage.KindFrozenStorage, func(b []byte) (Mergeable, error) { return DecodeFrozenStorage(b) })
}

// ErrSignatureInvalid is returned when a UserStorage write's signature does
// not verify against its claimed signer.
var ErrSignatureInvalid = fmt.Errorf("crdt: signature does not verify")

// UserStorage is a register writable only by its claimed signer, gated by a
// strictly increasing nonce and an Ed25519 signature over (Signer || Nonce
// || Value) (spec §3 StorageKind.UserStorage, spec §4.8.5 signed mutations).
type UserStorage struct {
	Value     []byte
	Signer    ids.SignerId
	Nonce     uint64
	Signature []byte
	UpdatedAt hlc.Timestamp
}

// NewSignedUserStorage signs value with priv and returns the resulting
// register. The caller is responsible for choosing a nonce greater than any
// previously used by this signer.
func NewSignedUserStorage(priv ed25519.PrivateKey, signer ids.SignerId, nonce uint64, value []byte, at hlc.Timestamp) *UserStorage {
	sig := ed25519.Sign(priv, userStorageSignedBytes(signer, nonce, value))
	return &UserStorage{Value: value, Signer: signer, Nonce: nonce, Signature: sig, UpdatedAt: at}
}

func userStorageSignedBytes(signer ids.SignerId, nonce uint64, value []byte) []byte {
	out := make([]byte, 0, 32+8+len(value))
	out = append(out, signer.Bytes()...)
	out = appendUint64(out, nonce)
	out = append(out, value...)
	return out
}

// Verify checks the register's signature against its own Signer field.
func (u *UserStorage) Verify() error {
	if len(u.Signature) != ed25519.SignatureSize {
		return ErrSignatureInvalid
	}
	pub := ed25519.PublicKey(u.Signer.Bytes())
	if !ed25519.Verify(pub, userStorageSignedBytes(u.Signer, u.Nonce, u.Value), u.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

func (u *UserStorage) Kind() storage.StorageKind { return storage.KindUserStorage }

func (u *UserStorage) Encode() []byte {
	out := make([]byte, 0, 32+8+8+8+len(u.Signature)+len(u.Value))
	out = append(out, u.Signer.Bytes()...)
	out = appendUint64(out, u.Nonce)
	out = appendTimestamp(out, u.UpdatedAt)
	out = appendUint64(out, uint64(len(u.Signature)))
	out = append(out, u.Signature...)
	out = append(out, u.Value...)
	return out
}

// DecodeUserStorage parses bytes produced by Encode.
func DecodeUserStorage(b []byte) (*UserStorage, error) {
	if len(b) < 32+8+48+8 {
		return nil, fmt.Errorf("crdt: user storage record too short")
	}
	var u UserStorage
	signer, err := signerFromBytes(b[0:32])
	if err != nil {
		return nil, err
	}
	u.Signer = signer
	u.Nonce = binary.BigEndian.Uint64(b[32:40])
	at, off, err := readTimestamp(b, 40)
	if err != nil {
		return nil, err
	}
	u.UpdatedAt = at
	if off+8 > len(b) {
		return nil, fmt.Errorf("crdt: user storage record truncated")
	}
	sigLen := int(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	if off+sigLen > len(b) {
		return nil, fmt.Errorf("crdt: user storage record truncated")
	}
	u.Signature = append([]byte(nil), b[off:off+sigLen]...)
	off += sigLen
	u.Value = append([]byte(nil), b[off:]...)
	return &u, nil
}

func signerFromBytes(b []byte) (ids.SignerId, error) {
	if len(b) != 32 {
		return ids.SignerId{}, fmt.Errorf("ids: want 32 bytes, got %d", len(b))
	}
	var s ids.SignerId
	copy(s[:], b)
	return s, nil
}

// Merge requires both sides to verify and picks the strictly higher nonce;
// a nonce collision with differing values is a protocol violation and
// returns an error rather than being silently resolved (spec §4.8.5: "a
// replayed or reordered signed mutation must never apply twice or out of
// nonce order").
func (u *UserStorage) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*UserStorage)
	if !ok {
		return nil, fmt.Errorf("crdt: user storage merge type mismatch: %T", remote)
	}
	if u.Signer != o.Signer {
		return nil, fmt.Errorf("crdt: user storage merge across different signers")
	}
	if err := u.Verify(); err != nil {
		return nil, fmt.Errorf("crdt: local user storage: %w", err)
	}
	if err := o.Verify(); err != nil {
		return nil, fmt.Errorf("crdt: remote user storage: %w", err)
	}
	if u.Nonce == o.Nonce && !bytes.Equal(u.Value, o.Value) {
		return nil, fmt.Errorf("crdt: user storage nonce %d reused with differing values", u.Nonce)
	}
	if u.Nonce >= o.Nonce {
		return u, nil
	}
	return o, nil
}

func (u *UserStorage) Decomposable() bool { return false }

// FrozenStorage accepts exactly one write: the first one observed by HLC,
// any later write is discarded (spec §3 StorageKind.FrozenStorage).
type FrozenStorage struct {
	Value   []byte
	SetAt   hlc.Timestamp
	present bool
}

// NewFrozenStorage constructs an already-set value.
func NewFrozenStorage(value []byte, at hlc.Timestamp) *FrozenStorage {
	return &FrozenStorage{Value: value, SetAt: at, present: true}
}

func (f *FrozenStorage) Kind() storage.StorageKind { return storage.KindFrozenStorage }

func (f *FrozenStorage) Encode() []byte {
	out := make([]byte, 0, 1+48+len(f.Value))
	if f.present {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = appendTimestamp(out, f.SetAt)
	out = append(out, f.Value...)
	return out
}

// DecodeFrozenStorage parses bytes produced by Encode.
func DecodeFrozenStorage(b []byte) (*FrozenStorage, error) {
	if len(b) < 1+48 {
		return nil, fmt.Errorf("crdt: frozen storage record too short")
	}
	present := b[0] == 1
	at, off, err := readTimestamp(b, 1)
	if err != nil {
		return nil, err
	}
	return &FrozenStorage{Value: append([]byte(nil), b[off:]...), SetAt: at, present: present}, nil
}

// Merge keeps whichever side was set first; an unset side always loses.
func (f *FrozenStorage) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*FrozenStorage)
	if !ok {
		return nil, fmt.Errorf("crdt: frozen storage merge type mismatch: %T", remote)
	}
	if !f.present {
		return o, nil
	}
	if !o.present {
		return f, nil
	}
	if f.SetAt.Compare(o.SetAt) <= 0 {
		return f, nil
	}
	return o, nil
}

func (f *FrozenStorage) Decomposable() bool { return false }
