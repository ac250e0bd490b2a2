// Package transport implements the length-prefixed, optionally encrypted
// stream framing every sync session runs over (spec §4.9), plus a
// net.Conn-backed adapter. internal/meshnet supplies a second adapter over
// libp2p's network.Stream.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxFrameSize bounds a single frame to guard against a malicious or
// corrupt peer claiming an unbounded length prefix (spec §4.9).
const MaxFrameSize = 16 << 20

// lengthPrefixSize is the big-endian uint32 frame length header.
const lengthPrefixSize = 4

// Stream is the framing contract the sync protocol runs over (spec §4.9):
// Send/Recv move whole frames, RecvTimeout bounds how long a caller waits,
// SetEncryption switches every subsequent frame to AEAD-sealed, and Close
// releases the underlying transport.
type Stream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	RecvTimeout(timeout time.Duration) ([]byte, error)
	SetEncryption(key [chacha20poly1305.KeySize]byte) error
	Close() error
}

// ConnStream implements Stream over a net.Conn, framing messages rather
// than pooling connections for reuse.
type ConnStream struct {
	conn net.Conn

	mu       sync.Mutex
	aead     rawAEAD
	sendSeq  uint64
	recvSeq  uint64
}

// rawAEAD is the minimal surface ConnStream needs from a cipher.AEAD,
// named so tests can substitute a no-op implementation.
type rawAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewConnStream wraps conn for length-prefixed frame I/O, unencrypted until
// SetEncryption is called.
func NewConnStream(conn net.Conn) *ConnStream {
	return &ConnStream{conn: conn}
}

// SetEncryption derives a chacha20poly1305 AEAD from key; every subsequent
// Send/Recv seals/opens its frame with a per-direction incrementing nonce
// (spec §4.9: "per-frame nonce increment").
func (s *ConnStream) SetEncryption(key [chacha20poly1305.KeySize]byte) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return fmt.Errorf("transport: init aead: %w", err)
	}
	s.mu.Lock()
	s.aead = aead
	s.mu.Unlock()
	return nil
}

func nonceFor(seq uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], seq)
	return nonce
}

// Send writes one frame: a 4-byte big-endian length prefix followed by the
// (optionally sealed) payload.
func (s *ConnStream) Send(frame []byte) error {
	s.mu.Lock()
	aead := s.aead
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	payload := frame
	if aead != nil {
		nonce := nonceFor(seq, aead.NonceSize())
		payload = aead.Seal(nil, nonce, frame, nil)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := s.conn.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// Recv reads one frame, blocking until it arrives.
func (s *ConnStream) Recv() ([]byte, error) {
	return s.recv(nil)
}

// RecvTimeout reads one frame, returning an error if none arrives within
// timeout.
func (s *ConnStream) RecvTimeout(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	return s.recv(&deadline)
}

func (s *ConnStream) recv(deadline *time.Time) ([]byte, error) {
	if deadline != nil {
		if err := s.conn.SetReadDeadline(*deadline); err != nil {
			return nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(s.conn, header[:]); err != nil {
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("transport: peer announced frame of %d bytes, exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, fmt.Errorf("transport: read frame: %w", err)
	}

	s.mu.Lock()
	aead := s.aead
	seq := s.recvSeq
	s.recvSeq++
	s.mu.Unlock()

	if aead == nil {
		return payload, nil
	}
	nonce := nonceFor(seq, aead.NonceSize())
	plain, err := aead.Open(nil, nonce, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypt frame: %w", err)
	}
	return plain, nil
}

// Close releases the underlying connection.
func (s *ConnStream) Close() error { return s.conn.Close() }
