package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SessionKeyPair is one side's ephemeral X25519 key for session setup
// (spec §4.8.1).
type SessionKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateSessionKeyPair creates a fresh ephemeral X25519 key pair.
func GenerateSessionKeyPair() (SessionKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return SessionKeyPair{}, fmt.Errorf("transport: read random: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return SessionKeyPair{}, fmt.Errorf("transport: derive public key: %w", err)
	}
	var kp SessionKeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSessionKey runs X25519 then HKDF-SHA256 over the shared secret to
// produce a chacha20poly1305 key, salted with the session id so two
// sessions between the same peers never reuse a key (spec §4.8.1:
// "session setup: X25519 -> HKDF").
func DeriveSessionKey(priv SessionKeyPair, peerPublic [32]byte, sessionID []byte) ([chacha20poly1305.KeySize]byte, error) {
	shared, err := curve25519.X25519(priv.Private[:], peerPublic[:])
	if err != nil {
		return [chacha20poly1305.KeySize]byte{}, fmt.Errorf("transport: compute shared secret: %w", err)
	}
	kdf := hkdf.New(sha256.New, shared, sessionID, []byte("calimero-sync-session"))
	var key [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return [chacha20poly1305.KeySize]byte{}, fmt.Errorf("transport: derive key: %w", err)
	}
	return key, nil
}
