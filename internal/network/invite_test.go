package network

import (
	"io"
	"net"
	"testing"

	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/wire"
)

// fakeAcceptor mirrors fakeDialer for the server role: it wraps raw as
// a fakeSecureChannel under remote without running a real handshake.
func fakeAcceptor(remote identity.UserID) Acceptor {
	return func(raw ReadWriteCloser, opts HandshakeOptions) (SecureChannel, error) {
		return &fakeSecureChannel{ReadWriteCloser: raw, remote: remote}, nil
	}
}

// writeInvitationFrameThenDrain writes a single invitation control
// frame on w, then discards everything AcceptInvitation writes back
// afterwards (delivery notification, then join()'s profile/image/
// peer-exchange pushes), so none of those later writes block on an
// unread net.Pipe half.
func writeInvitationFrameThenDrain(t *testing.T, w io.ReadWriteCloser, kind wire.MessageKind, text string) {
	t.Helper()
	body, err := wire.EncodeControl(&wire.MessagePacket{Kind: kind, Payload: []byte(text)})
	if err != nil {
		t.Fatalf("encode invitation frame: %v", err)
	}
	if err := wire.WriteFrame(w, wire.ControlPort, body); err != nil {
		t.Fatalf("write invitation frame: %v", err)
	}
	_, _ = io.Copy(io.Discard, w)
}

func TestAcceptInvitationHappyPath(t *testing.T) {
	var local, remote identity.UserID
	local[0] = 1
	remote[0] = 2

	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	go writeInvitationFrameThenDrain(t, b, wire.TextMessage, "hi")

	networkID := identity.DeriveNetworkID("", identity.PrivateSalt(local, remote))
	node := &Node{LocalUserID: local}
	connMgr := &fakeConnMgr{localPort: 9000}
	bus := events.NewBus()

	storeOpened := false
	newStore := func(r identity.UserID) (MessageStore, error) {
		if r != remote {
			t.Fatalf("expected store opened for remote %x, got %x", remote, r)
		}
		storeOpened = true
		return &fakeStore{}, nil
	}

	n, err := AcceptInvitation(a, &fakeConn{}, networkID, node, connMgr, fakeDialer(remote), fakeAcceptor(remote), newStore, bus)
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if n == nil {
		t.Fatal("expected a constructed Network")
	}
	if !storeOpened {
		t.Fatal("expected newStore to be invoked for the invitation's remote identity")
	}
	if n.Type != Private {
		t.Fatal("expected a Private network")
	}
	if n.NetworkID != networkID {
		t.Fatal("expected NetworkID to match the derived value")
	}
	p, ok := n.Peer(remote)
	if !ok || !p.IsOnline() {
		t.Fatal("expected the inviting peer joined and online")
	}
	p.Disconnect()
}

func TestAcceptInvitationNetworkIDMismatchFails(t *testing.T) {
	var local, remote, wrong identity.UserID
	local[0] = 1
	remote[0] = 2
	wrong[0] = 9

	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	go writeInvitationFrameThenDrain(t, b, wire.TextMessage, "hi")

	mismatched := identity.DeriveNetworkID("", identity.PrivateSalt(local, wrong))
	node := &Node{LocalUserID: local}
	connMgr := &fakeConnMgr{localPort: 9000}

	_, err := AcceptInvitation(a, &fakeConn{}, mismatched, node, connMgr, fakeDialer(remote), fakeAcceptor(remote),
		func(identity.UserID) (MessageStore, error) { return &fakeStore{}, nil }, events.NewBus())
	if err == nil {
		t.Fatal("expected rejection on networkId mismatch")
	}
}

func TestAcceptInvitationRejectsNonTextMessage(t *testing.T) {
	var local, remote identity.UserID
	local[0] = 1
	remote[0] = 2

	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	go writeInvitationFrameThenDrain(t, b, wire.InlineImage, "x")

	networkID := identity.DeriveNetworkID("", identity.PrivateSalt(local, remote))
	node := &Node{LocalUserID: local}
	connMgr := &fakeConnMgr{localPort: 9000}

	_, err := AcceptInvitation(a, &fakeConn{}, networkID, node, connMgr, fakeDialer(remote), fakeAcceptor(remote),
		func(identity.UserID) (MessageStore, error) { return &fakeStore{}, nil }, events.NewBus())
	if err == nil {
		t.Fatal("expected rejection of a non-TextMessage invitation payload")
	}
}
