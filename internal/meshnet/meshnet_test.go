package meshnet

import (
	"net"
	"testing"
	"time"

	"github.com/calimero-network/core/internal/transport"
)

// net.Conn already satisfies rawStream (Read/Write/Close/SetReadDeadline),
// so net.Pipe stands in for a libp2p stream here.

func TestSendRecvUnencrypted(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := wrapRaw(a)
	sb := wrapRaw(b)

	done := make(chan error, 1)
	go func() { done <- sa.Send([]byte("hello")) }()

	got, err := sb.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestSendRecvEncrypted(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := wrapRaw(a)
	sb := wrapRaw(b)

	kpA, err := transport.GenerateSessionKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	kpB, err := transport.GenerateSessionKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	sessionID := []byte("session-1")

	keyA, err := transport.DeriveSessionKey(kpA, kpB.Public, sessionID)
	if err != nil {
		t.Fatalf("derive key a: %v", err)
	}
	keyB, err := transport.DeriveSessionKey(kpB, kpA.Public, sessionID)
	if err != nil {
		t.Fatalf("derive key b: %v", err)
	}
	if keyA != keyB {
		t.Fatalf("derived keys differ")
	}

	if err := sa.SetEncryption(keyA); err != nil {
		t.Fatalf("set encryption a: %v", err)
	}
	if err := sb.SetEncryption(keyB); err != nil {
		t.Fatalf("set encryption b: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sa.Send([]byte("secret message")) }()

	got, err := sb.RecvTimeout(time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(got) != "secret message" {
		t.Fatalf("got %q, want %q", got, "secret message")
	}
}

func TestRecvTimeoutExpires(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sb := wrapRaw(b)
	_, err := sb.RecvTimeout(50 * time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
