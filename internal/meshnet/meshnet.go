// Package meshnet adapts a libp2p network.Stream to internal/transport's
// Stream interface, so the sync protocol can run over either a plain TCP
// net.Conn (internal/transport.ConnStream) or a libp2p-multiplexed stream
// without caring which. Narrowed to direct stream dialing: peer discovery
// (mDNS, pubsub) is an explicit non-goal here (see DESIGN.md), so this
// package only opens and accepts protocol streams on an already-constructed
// libp2p host.
package meshnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"golang.org/x/crypto/chacha20poly1305"
)

// ProtocolID is the libp2p protocol this package speaks. Sync sessions
// negotiate this protocol when dialing a peer directly.
const ProtocolID protocol.ID = "/calimero/sync/1.0.0"

// MaxFrameSize mirrors internal/transport.MaxFrameSize; kept independent so
// meshnet never implicitly depends on transport's internals.
const MaxFrameSize = 16 << 20

const lengthPrefixSize = 4

// rawStream is the narrow surface Stream needs from a libp2p network.Stream.
// Keeping it narrow (rather than storing network.Stream directly) lets tests
// exercise the framing logic against any io.ReadWriteCloser, such as a
// net.Pipe half, without constructing a real libp2p connection.
type rawStream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(time.Time) error
}

// Stream wraps a libp2p network.Stream with the same length-prefixed,
// optionally-encrypted framing as internal/transport.ConnStream.
type Stream struct {
	s rawStream

	mu      sync.Mutex
	aead    rawAEAD
	sendSeq uint64
	recvSeq uint64
}

type rawAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Wrap adapts an already-open libp2p stream.
func Wrap(s network.Stream) *Stream { return &Stream{s: s} }

// wrapRaw is used by tests to drive the framing logic over a plain
// io.ReadWriteCloser instead of a real libp2p stream.
func wrapRaw(s rawStream) *Stream { return &Stream{s: s} }

// Dial opens a new stream to peerID over ProtocolID.
func Dial(ctx context.Context, h host.Host, peerID peer.ID) (*Stream, error) {
	s, err := h.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("meshnet: open stream to %s: %w", peerID, err)
	}
	return Wrap(s), nil
}

// SetStreamHandler registers the accept side of ProtocolID on h, calling
// onStream for every inbound stream.
func SetStreamHandler(h host.Host, onStream func(*Stream)) {
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		onStream(Wrap(s))
	})
}

// SetEncryption mirrors transport.Stream.SetEncryption.
func (s *Stream) SetEncryption(key [chacha20poly1305.KeySize]byte) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return fmt.Errorf("meshnet: init aead: %w", err)
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

// Send mirrors transport.Stream.Send.
func (s *Stream) Send(frame []byte) error {
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
		return fmt.Errorf("meshnet: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := s.s.Write(header[:]); err != nil {
		return fmt.Errorf("meshnet: write length prefix: %w", err)
	}
	if _, err := s.s.Write(payload); err != nil {
		return fmt.Errorf("meshnet: write frame: %w", err)
	}
	return nil
}

// Recv mirrors transport.Stream.Recv.
func (s *Stream) Recv() ([]byte, error) {
	return s.recv(nil)
}

// RecvTimeout mirrors transport.Stream.RecvTimeout.
func (s *Stream) RecvTimeout(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	return s.recv(&deadline)
}

func (s *Stream) recv(deadline *time.Time) ([]byte, error) {
	if deadline != nil {
		if err := s.s.SetReadDeadline(*deadline); err != nil {
			return nil, fmt.Errorf("meshnet: set read deadline: %w", err)
		}
		defer s.s.SetReadDeadline(time.Time{})
	}

	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(s.s, header[:]); err != nil {
		return nil, fmt.Errorf("meshnet: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("meshnet: peer announced frame of %d bytes, exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.s, payload); err != nil {
		return nil, fmt.Errorf("meshnet: read frame: %w", err)
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
		return nil, fmt.Errorf("meshnet: decrypt frame: %w", err)
	}
	return plain, nil
}

// Close closes the underlying stream.
func (s *Stream) Close() error { return s.s.Close() }
