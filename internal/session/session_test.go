package session

import (
	"net"
	"testing"
	"time"

	"github.com/mcoutos/Mesh/internal/datastream"
	"github.com/mcoutos/Mesh/internal/wire"
)

func newPipeSessions(t *testing.T, onControlA, onControlB ControlHandler) (*Session, *Session, func()) {
	t.Helper()
	a, b := net.Pipe()

	termA := make(chan error, 1)
	termB := make(chan error, 1)

	sa := New(a, Connection{RemoteEndpoint: "peer-b:1"}, datastream.RoleClient, onControlA, func(s *Session, err error) { termA <- err })
	sb := New(b, Connection{RemoteEndpoint: "peer-a:1"}, datastream.RoleServer, onControlB, func(s *Session, err error) { termB <- err })

	return sa, sb, func() {
		sa.Close()
		sb.Close()
	}
}

func TestControlRoundTrip(t *testing.T) {
	received := make(chan interface{}, 1)
	sa, sb, cleanup := newPipeSessions(t, nil, func(s *Session, ct wire.ControlType, pkt interface{}) {
		if ct == wire.Profile {
			received <- pkt
		}
	})
	defer cleanup()
	_ = sb

	err := sa.SendControl(&wire.ProfilePacket{DisplayName: "alice", Status: "online", LastModified: 42})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case pkt := <-received:
		p, ok := pkt.(*wire.ProfilePacket)
		if !ok || p.DisplayName != "alice" {
			t.Fatalf("unexpected packet: %#v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control dispatch")
	}
}

func TestDataStreamRoundTripOverSession(t *testing.T) {
	sa, sb, cleanup := newPipeSessions(t, nil, nil)
	defer cleanup()

	clientStream, err := sa.OpenDataStream()
	if err != nil {
		t.Fatal(err)
	}
	serverStream, err := sb.AcceptDataStream(clientStream.Port)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := clientStream.Write([]byte("hi there")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 32)
	n, err := serverStream.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hi there" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestSessionTerminatesOnClose(t *testing.T) {
	sa, sb, _ := newPipeSessions(t, nil, nil)
	if err := sa.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer session did not observe close")
	}
	sb.Close()
}

func TestSessionTerminatesOnOrderlyEOF(t *testing.T) {
	a, b := net.Pipe()
	termB := make(chan error, 1)
	sb := New(b, Connection{}, datastream.RoleServer, nil, func(s *Session, err error) { termB <- err })

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-termB:
		if err != nil {
			t.Fatalf("expected nil (orderly EOF), got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for termination")
	}
	sb.Close()
}
