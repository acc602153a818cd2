package network

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/peer"
)

// fakeSecureChannel wraps a raw ReadWriteCloser (typically one end of a
// net.Pipe) as a SecureChannel whose remote identity and renegotiation
// state are fixed for the test, skipping the real handshake.
type fakeSecureChannel struct {
	ReadWriteCloser
	remote identity.UserID
}

func (f *fakeSecureChannel) RemotePeerUserID() identity.UserID { return f.remote }
func (f *fakeSecureChannel) NeedsRenegotiation() bool          { return false }
func (f *fakeSecureChannel) Renegotiate() error                { return nil }

// fakeConn is a minimal Connection stub.
type fakeConn struct {
	remoteEP string
	viaEP    string
	virtual  bool
	raw      ReadWriteCloser
	connErr  error
}

func (c *fakeConn) RemotePeerEP() EndPoint       { return EndPoint(c.remoteEP) }
func (c *fakeConn) ViaRemotePeerEP() EndPoint    { return EndPoint(c.viaEP) }
func (c *fakeConn) IsVirtualConnection() bool    { return c.virtual }
func (c *fakeConn) ChannelExists([32]byte) bool  { return false }
func (c *fakeConn) ConnectMeshNetwork([32]byte) (ReadWriteCloser, error) {
	return c.raw, c.connErr
}

// fakeConnMgr is a minimal ConnectionManager stub; only MakeConnection
// and LocalPort are exercised by the tests below.
type fakeConnMgr struct {
	localPort   int
	makeConnFn  func(ep EndPoint) (Connection, error)
	makeVConnFn func(via Connection, ep EndPoint) (Connection, error)
}

func (m *fakeConnMgr) MakeConnection(ep EndPoint) (Connection, error) {
	if m.makeConnFn == nil {
		return nil, io.ErrClosedPipe
	}
	return m.makeConnFn(ep)
}
func (m *fakeConnMgr) MakeVirtualConnection(via Connection, ep EndPoint) (Connection, error) {
	if m.makeVConnFn == nil {
		return nil, io.ErrClosedPipe
	}
	return m.makeVConnFn(via, ep)
}
func (m *fakeConnMgr) LocalPort() int                                       { return m.localPort }
func (m *fakeConnMgr) TCPRelayClientRegisterHostedNetwork([32]byte) error   { return nil }
func (m *fakeConnMgr) TCPRelayClientUnregisterHostedNetwork([32]byte) error { return nil }
func (m *fakeConnMgr) BeginFindPeers([32]byte, bool, DHTCallback)           {}
func (m *fakeConnMgr) BeginAnnounce([32]byte, bool, EndPoint, DHTCallback)  {}

// fakeStore is a minimal MessageStore stub.
type fakeStore struct {
	pending    bool
	pendingErr error
	nextNumber uint64
	outbound   []MessageEntry
}

func (s *fakeStore) InvitationPending() (bool, error) { return s.pending, s.pendingErr }
func (s *fakeStore) ReSendUndeliveredMessages(func(MessageEntry) error) error {
	return nil
}
func (s *fakeStore) AppendInbound(e MessageEntry) (MessageEntry, error) { return e, nil }
func (s *fakeStore) AppendOutbound(kind uint8, payload []byte, recipients []identity.UserID, timestamp int64) (MessageEntry, error) {
	e := MessageEntry{MessageNumber: s.nextNumber, Kind: kind, Payload: payload}
	s.nextNumber++
	s.outbound = append(s.outbound, e)
	return e, nil
}
func (s *fakeStore) MarkDelivered(uint64, identity.UserID) error { return nil }
func (s *fakeStore) OpenAttachmentForRead(uint64, uint64) (io.ReadCloser, error) {
	return nil, io.ErrUnexpectedEOF
}

func fakeDialer(remote identity.UserID) Dialer {
	return func(raw ReadWriteCloser, opts HandshakeOptions) (SecureChannel, error) {
		return &fakeSecureChannel{ReadWriteCloser: raw, remote: remote}, nil
	}
}

func newTestNetwork(t *testing.T, typ Type, local identity.UserID) *Network {
	t.Helper()
	return New(typ, &Node{LocalUserID: local}, &fakeConnMgr{localPort: 9000}, nil, nil, &fakeStore{}, events.NewBus())
}

// pipedPeer opens a net.Pipe, drains the far end continuously (so
// session writes - profile push, peer exchange, ... - never block on
// an unread pipe), and joins the near end as remote.
func pipedPeer(t *testing.T, n *Network, remote identity.UserID, isDialer bool) *peer.Peer {
	t.Helper()
	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	ch := &fakeSecureChannel{ReadWriteCloser: a, remote: remote}
	if err := n.join(ch, &fakeConn{}, isDialer); err != nil {
		t.Fatalf("join: %v", err)
	}
	p, ok := n.Peer(remote)
	if !ok {
		t.Fatalf("peer %x not registered after join", remote)
	}
	return p
}

func TestGoOnlineGoOfflineIdempotent(t *testing.T) {
	var local identity.UserID
	local[0] = 1
	n := newTestNetwork(t, Group, local)

	if n.Status() != Offline {
		t.Fatal("expected Offline initially")
	}
	n.GoOnline()
	if n.Status() != Online {
		t.Fatal("expected Online after GoOnline")
	}
	n.GoOnline() // idempotent: must not double-close stopTimers
	n.GoOffline()
	if n.Status() != Offline {
		t.Fatal("expected Offline after GoOffline")
	}
	n.GoOffline() // idempotent: must not double-close stopTimers
}

func TestBeginMakeConnectionRejectedWhenOffline(t *testing.T) {
	var local identity.UserID
	local[0] = 1
	n := newTestNetwork(t, Group, local)

	if err := n.BeginMakeConnection(EndPoint("203.0.113.5:9000"), nil); err == nil {
		t.Fatal("expected rejection while Offline")
	}
}

func TestBeginMakeConnectionRejectedByLocalNetworkOnly(t *testing.T) {
	var local identity.UserID
	local[0] = 1
	n := newTestNetwork(t, Group, local)
	n.GoOnline()
	defer n.GoOffline()
	n.SetLocalNetworkOnly(true, 1)

	if err := n.BeginMakeConnection(EndPoint("203.0.113.5:9000"), nil); err == nil {
		t.Fatal("expected rejection of a public endpoint under localNetworkOnly")
	}
}

func TestBeginMakeConnectionDialsAndJoins(t *testing.T) {
	var local, remote identity.UserID
	local[0] = 1
	remote[0] = 2

	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	defer func() { _ = a.Close(); _ = b.Close() }()

	connMgr := &fakeConnMgr{
		localPort: 9000,
		makeConnFn: func(ep EndPoint) (Connection, error) {
			return &fakeConn{remoteEP: string(ep), raw: a}, nil
		},
	}
	n := New(Group, &Node{LocalUserID: local}, connMgr, fakeDialer(remote), nil, &fakeStore{}, events.NewBus())
	n.GoOnline()
	defer n.GoOffline()

	if err := n.BeginMakeConnection(EndPoint("10.0.0.5:9000"), nil); err != nil {
		t.Fatal(err)
	}

	p, ok := n.Peer(remote)
	if !ok || !p.IsOnline() {
		t.Fatal("expected remote peer online after BeginMakeConnection")
	}
	p.Disconnect()
}

func TestJoinPrivateAcceptsOtherPeer(t *testing.T) {
	var local, other identity.UserID
	local[0] = 1
	other[0] = 2

	n := newTestNetwork(t, Private, local)
	n.SetOtherPeer(other)

	p := pipedPeer(t, n, other, true)
	if !p.IsOnline() {
		t.Fatal("expected otherPeer online after join")
	}
	p.Disconnect()
}

func TestJoinPrivateRejectsUnknownIdentity(t *testing.T) {
	var local, other, stranger identity.UserID
	local[0] = 1
	other[0] = 2
	stranger[0] = 9

	n := newTestNetwork(t, Private, local)
	n.SetOtherPeer(other)

	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	defer func() { _ = a.Close(); _ = b.Close() }()

	ch := &fakeSecureChannel{ReadWriteCloser: a, remote: stranger}
	if err := n.join(ch, &fakeConn{}, true); err == nil {
		t.Fatal("expected rejection of an identity that is neither otherPeer nor self")
	}
}

func TestJoinGroupCreatesPeerAndEmitsPeerAdded(t *testing.T) {
	var local, remote identity.UserID
	local[0] = 1
	remote[0] = 5

	n := newTestNetwork(t, Group, local)
	p := pipedPeer(t, n, remote, false)

	ev, ok := n.bus.Next()
	if !ok || ev.Kind != events.PeerAdded {
		t.Fatalf("expected PeerAdded event, got %#v ok=%v", ev, ok)
	}
	if !p.IsOnline() {
		t.Fatal("expected newly created peer online")
	}
	p.Disconnect()
}

func TestJoinGroupReusesExistingPeer(t *testing.T) {
	var local, remote identity.UserID
	local[0] = 1
	remote[0] = 5

	n := newTestNetwork(t, Group, local)
	p1 := n.SetOtherPeer(remote) // pre-register, as Group would after an earlier PeerExchange

	p2 := pipedPeer(t, n, remote, false)
	if p1 != p2 {
		t.Fatal("expected join to reuse the already-known peer rather than create a new one")
	}
	p2.Disconnect()
}

func TestRecomputeConnectivityFullAndPartialMesh(t *testing.T) {
	var local, p1id, p2id identity.UserID
	local[0] = 1
	p1id[0] = 2
	p2id[0] = 3

	n := newTestNetwork(t, Group, local)
	peer1 := pipedPeer(t, n, p1id, false)
	peer2 := pipedPeer(t, n, p2id, false)
	defer peer1.Disconnect()
	defer peer2.Disconnect()

	// peer1 reports being connected to peer2; peer2 reports nothing.
	peer1.SetConnectedWith(map[identity.UserID]bool{p2id: true})
	n.recomputeConnectivity()

	if peer1.ConnectivityStatus() != peer.FullMeshNetwork {
		t.Fatalf("expected peer1 FullMeshNetwork, got %v", peer1.ConnectivityStatus())
	}
	if peer2.ConnectivityStatus() != peer.PartialMeshNetwork {
		t.Fatalf("expected peer2 PartialMeshNetwork, got %v", peer2.ConnectivityStatus())
	}
}

func TestRecomputeConnectivityOfflinePeerIsNoNetwork(t *testing.T) {
	var local, p1id identity.UserID
	local[0] = 1
	p1id[0] = 2

	n := newTestNetwork(t, Group, local)
	peer1 := pipedPeer(t, n, p1id, false)
	peer1.Disconnect()

	n.recomputeConnectivity()
	if peer1.ConnectivityStatus() != peer.NoNetwork {
		t.Fatalf("expected NoNetwork for an offline peer, got %v", peer1.ConnectivityStatus())
	}
}

func TestBroadcastPeerExchangeDoesNotPanicWithNoPeers(t *testing.T) {
	var local identity.UserID
	local[0] = 1
	n := newTestNetwork(t, Group, local)
	n.broadcastPeerExchange()
}

func TestHandshakeOptionsForDialPrivateInvitationPending(t *testing.T) {
	var local, other identity.UserID
	local[0] = 1
	other[0] = 2

	n := New(Private, &Node{LocalUserID: local}, &fakeConnMgr{}, nil, nil, &fakeStore{pending: true}, events.NewBus())
	n.SetOtherPeer(other)

	opts, err := n.handshakeOptionsForDial()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opts.PSK, other.Bytes()) {
		t.Fatalf("expected PSK = otherPeer UserId bytes while invitation pending, got %x", opts.PSK)
	}
	if !opts.TrustedIdentities[other] {
		t.Fatal("expected otherPeer to be trusted")
	}
}

func TestHandshakeOptionsForDialPrivateAccepted(t *testing.T) {
	var local, other identity.UserID
	local[0] = 1
	other[0] = 2

	n := New(Private, &Node{LocalUserID: local}, &fakeConnMgr{}, nil, nil, &fakeStore{pending: false}, events.NewBus())
	n.NetworkSecret[0] = 0xAB
	n.SetOtherPeer(other)

	opts, err := n.handshakeOptionsForDial()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opts.PSK, n.NetworkSecret[:]) {
		t.Fatalf("expected PSK = networkSecret once accepted, got %x", opts.PSK)
	}
}

func TestIsAllowedByLocalNetworkOnly(t *testing.T) {
	cases := []struct {
		ep         string
		restricted bool
		want       bool
	}{
		{"192.168.1.5:9000", true, true},
		{"10.0.0.1:1", true, true},
		{"203.0.113.5:9000", true, false},
		{"203.0.113.5:9000", false, true},
		{"not-an-ip:1", true, false},
	}
	for _, c := range cases {
		if got := isAllowedByLocalNetworkOnly(EndPoint(c.ep), c.restricted); got != c.want {
			t.Errorf("isAllowedByLocalNetworkOnly(%q, %v) = %v, want %v", c.ep, c.restricted, got, c.want)
		}
	}
}
