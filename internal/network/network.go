package network

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcoutos/Mesh/internal/datastream"
	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/mesherr"
	"github.com/mcoutos/Mesh/internal/peer"
	"github.com/mcoutos/Mesh/internal/session"
	"github.com/mcoutos/Mesh/internal/wire"
	"github.com/mcoutos/Mesh/logger"
)

// Type is the network kind of spec.md §3.
type Type int

const (
	Private Type = iota
	Group
)

// Status is the Offline/Online status machine of spec.md §4.5.
type Status int

const (
	Offline Status = iota
	Online
)

// Options is the persisted per-network option set of spec.md §3's
// serialized state (localNetworkOnly, groupLockNetwork, mute).
type Options struct {
	LocalNetworkOnly         bool
	LocalNetworkOnlyModified int64
	GroupLockNetwork         bool
	GroupLockNetworkModified int64
	Mute                     bool
}

// Network is the Network collaborator of spec.md §4.5.
type Network struct {
	Type           Type
	NetworkName    string // Group only
	NetworkID      [32]byte
	NetworkSecret  [32]byte
	SharedSecret   string
	node           *Node
	connMgr        ConnectionManager
	dial           Dialer
	accept         Acceptor
	store          MessageStore
	bus            *events.Bus

	optMu   sync.Mutex
	options Options

	mu       sync.RWMutex // Network-level "this" lock: GoOnline/GoOffline/Dispose/connectivity
	status   Status
	peers    map[identity.UserID]*peer.Peer
	selfPeer *peer.Peer

	searchTimer  *time.Timer
	pingTimer    *time.Timer
	stopTimers   chan struct{}
	searchPaused int32 // atomic; set once a Private join succeeds (spec.md §4.5 Join)

	otherPeer *peer.Peer // Private only: the one other party

	groupImageMu sync.Mutex
	groupImg     *peer.ProfileImage // Group only
}

// New constructs an Offline Network. A Private network registers its
// other party afterwards with SetOtherPeer.
func New(typ Type, node *Node, connMgr ConnectionManager, dial Dialer, accept Acceptor, store MessageStore, bus *events.Bus) *Network {
	n := &Network{
		Type:    typ,
		node:    node,
		connMgr: connMgr,
		dial:    dial,
		accept:  accept,
		store:   store,
		bus:     bus,
		status:  Offline,
		peers:   make(map[identity.UserID]*peer.Peer),
	}
	n.selfPeer = peer.New(node.LocalUserID, true, bus)
	n.peers[node.LocalUserID] = n.selfPeer
	return n
}

// SetOtherPeer registers the Private network's single other party.
func (n *Network) SetOtherPeer(id identity.UserID) *peer.Peer {
	p := peer.New(id, false, n.bus)
	n.mu.Lock()
	n.peers[id] = p
	n.otherPeer = p
	n.mu.Unlock()
	return p
}

// Options returns a copy of the persisted option set.
func (n *Network) Options() Options {
	n.optMu.Lock()
	defer n.optMu.Unlock()
	return n.options
}

// SetLocalNetworkOnly updates the localNetworkOnly option and broadcasts
// it to every connected peer (spec.md §4.5 S6/S7).
func (n *Network) SetLocalNetworkOnly(enabled bool, modifiedAt int64) {
	n.optMu.Lock()
	n.options.LocalNetworkOnly = enabled
	n.options.LocalNetworkOnlyModified = modifiedAt
	n.optMu.Unlock()

	for _, p := range n.allPeers() {
		_ = p.Broadcast(&wire.LocalNetworkOnlyPacket{Enabled: enabled})
	}
}

// SetGroupLockNetwork updates the groupLockNetwork option (Group only)
// and broadcasts it, mirroring SetLocalNetworkOnly. Once locked, only
// identities already in the known peer set are accepted by future
// handshakes (handshakeOptionsForDial/handshakeOptionsForAccept).
func (n *Network) SetGroupLockNetwork(enabled bool, modifiedAt int64) {
	n.optMu.Lock()
	n.options.GroupLockNetwork = enabled
	n.options.GroupLockNetworkModified = modifiedAt
	n.optMu.Unlock()

	for _, p := range n.allPeers() {
		_ = p.Broadcast(&wire.GroupLockNetworkPacket{Locked: enabled, LastModified: modifiedAt})
	}
}

// SetMute updates the local-only mute option; unlike
// LocalNetworkOnly/GroupLockNetwork it has no wire effect, since
// muting only suppresses this node's own inbound-message
// notifications.
func (n *Network) SetMute(enabled bool) {
	n.optMu.Lock()
	n.options.Mute = enabled
	n.optMu.Unlock()
}

// Status returns the current Offline/Online state.
func (n *Network) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Peer returns the peer bucket for id, if known.
func (n *Network) Peer(id identity.UserID) (*peer.Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	return p, ok
}

func (n *Network) allPeers() []*peer.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Peers returns every known peer bucket, self included. Exported for
// callers outside this package that need to build a snapshot (e.g.
// cmd/meshd's meshstate persistence) or otherwise enumerate the known
// peer set; internal callers use the unexported allPeers.
func (n *Network) Peers() []*peer.Peer {
	return n.allPeers()
}

// GoOnline starts the peer-search timer at (1s, 60s) and the ping timer
// at (disabled-first-tick, 15s), per spec.md §4.5.
func (n *Network) GoOnline() {
	n.mu.Lock()
	if n.status == Online {
		n.mu.Unlock()
		return
	}
	n.status = Online
	n.stopTimers = make(chan struct{})
	stop := n.stopTimers
	atomic.StoreInt32(&n.searchPaused, 0)
	n.mu.Unlock()

	go n.peerSearchLoop(stop)
	go n.pingLoop(stop)

	logger.LogInfo("network: went online")
}

// GoOffline stops both timers and disconnects every peer, per spec.md
// §4.5.
func (n *Network) GoOffline() {
	n.mu.Lock()
	if n.status == Offline {
		n.mu.Unlock()
		return
	}
	n.status = Offline
	close(n.stopTimers)
	n.mu.Unlock()

	for _, p := range n.allPeers() {
		p.Disconnect()
	}
	logger.LogInfo("network: went offline")
}

// peerSearchLoop runs the peer-search/announce cycle of spec.md §4.5:
// first tick after 1s, then every 60s, until stop is closed.
func (n *Network) peerSearchLoop(stop <-chan struct{}) {
	first := time.NewTimer(1 * time.Second)
	defer first.Stop()
	select {
	case <-first.C:
	case <-stop:
		return
	}
	n.peerSearchTick()

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.peerSearchTick()
		case <-stop:
			return
		}
	}
}

// pingLoop fires every 15s once online (spec.md §4.5's "(∞, 15s)": no
// immediate first tick).
func (n *Network) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, p := range n.allPeers() {
				for _, s := range p.Sessions() {
					if ss, ok := s.(*session.Session); ok {
						_ = ss.SendPing(false)
					}
				}
			}
		case <-stop:
			return
		}
	}
}

func (n *Network) peerSearchTick() {
	if atomic.LoadInt32(&n.searchPaused) != 0 {
		return
	}

	pending, err := n.InvitationPending()
	if err != nil {
		logger.Errf("network: invitation-pending check failed: %v", err)
		return
	}

	lanOnly := n.Options().LocalNetworkOnly

	if n.Type == Private && pending {
		target := identity.MaskUserID(n.otherPeer.UserID)
		n.connMgr.BeginFindPeers(target, lanOnly, func(ep EndPoint) {
			go n.BeginMakeConnection(ep, nil)
		})
		return
	}

	self := EndPoint(strconv.Itoa(n.connMgr.LocalPort()))
	n.connMgr.BeginAnnounce(n.NetworkID, lanOnly, self, func(ep EndPoint) {
		go n.BeginMakeConnection(ep, nil)
	})
	_ = n.connMgr.TCPRelayClientRegisterHostedNetwork(n.NetworkID)
}

// InvitationPending implements spec.md §4.5's detection rule via the
// injected MessageStore collaborator.
func (n *Network) InvitationPending() (bool, error) {
	if n.Type != Private {
		return false, nil
	}
	return n.store.InvitationPending()
}

// isAllowedByLocalNetworkOnly implements spec.md §8 invariant 7: with
// localNetworkOnly set, only RFC1918/link-local endpoints are dialled
// or accepted.
func isAllowedByLocalNetworkOnly(ep EndPoint, restricted bool) bool {
	if !restricted {
		return true
	}
	host := string(ep)
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// BeginMakeConnection is spec.md §4.5's dialer: rejected when Offline
// or filtered by localNetworkOnly; runs the connect+handshake+join
// sequence on the caller's goroutine (the peer-search, peer-exchange and
// reconnect callers start it with go), with one virtual-connection
// fallback attempt via fallbackVia on failure.
func (n *Network) BeginMakeConnection(peerEP EndPoint, fallbackVia Connection) error {
	if n.Status() != Online {
		return mesherr.New(mesherr.PolicyReject, "network: BeginMakeConnection while Offline")
	}
	if !isAllowedByLocalNetworkOnly(peerEP, n.Options().LocalNetworkOnly) {
		return mesherr.New(mesherr.PolicyReject, "network: endpoint rejected by localNetworkOnly")
	}

	conn, err := n.connMgr.MakeConnection(peerEP)
	if err == nil {
		if joinErr := n.establishSecureChannelAndJoin(conn, true); joinErr == nil {
			return nil
		}
	}

	if fallbackVia != nil && !fallbackVia.IsVirtualConnection() {
		vconn, verr := n.connMgr.MakeVirtualConnection(fallbackVia, peerEP)
		if verr != nil {
			return mesherr.Wrap(mesherr.TransportError, verr, "network: virtual connection fallback failed")
		}
		return n.establishSecureChannelAndJoin(vconn, true)
	}
	if err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "network: dial failed")
	}
	return nil
}

// handshakeOptionsForDial implements spec.md §4.5's "Secure handshake
// selection" client-role table.
func (n *Network) handshakeOptionsForDial() (HandshakeOptions, error) {
	opts := HandshakeOptions{RequireClientAuth: true, LocalUserID: n.node.LocalUserID}

	switch n.Type {
	case Private:
		pending, err := n.InvitationPending()
		if err != nil {
			return opts, err
		}
		if pending {
			opts.PSK = n.otherPeer.UserID.Bytes()
		} else {
			opts.PSK = n.NetworkSecret[:]
		}
		opts.TrustedIdentities = map[identity.UserID]bool{n.otherPeer.UserID: true}
	case Group:
		opts.PSK = n.NetworkSecret[:]
		if n.Options().GroupLockNetwork {
			opts.TrustedIdentities = n.knownPeerSet()
		}
	}
	return opts, nil
}

// handshakeOptionsForAccept implements the server-role row of the same
// table.
func (n *Network) handshakeOptionsForAccept() HandshakeOptions {
	opts := HandshakeOptions{RequireClientAuth: true, PSK: n.NetworkSecret[:], LocalUserID: n.node.LocalUserID}
	if n.Type == Private {
		opts.TrustedIdentities = map[identity.UserID]bool{n.otherPeer.UserID: true}
	} else if n.Options().GroupLockNetwork {
		opts.TrustedIdentities = n.knownPeerSet()
	}
	return opts
}

func (n *Network) knownPeerSet() map[identity.UserID]bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[identity.UserID]bool, len(n.peers))
	for id := range n.peers {
		out[id] = true
	}
	return out
}

// establishSecureChannelAndJoin runs the client-role handshake over
// conn, then Join's classification and session add (spec.md §4.5).
func (n *Network) establishSecureChannelAndJoin(conn Connection, isDialer bool) error {
	raw, err := conn.ConnectMeshNetwork(n.NetworkID)
	if err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "network: ConnectMeshNetwork")
	}

	opts, err := n.handshakeOptionsForDial()
	if err != nil {
		_ = raw.Close()
		return err
	}
	ch, err := n.dial(raw, opts)
	if err != nil {
		_ = raw.Close()
		return mesherr.Wrap(mesherr.CryptoFailure, err, "network: client handshake failed")
	}
	return n.join(ch, conn, true)
}

// AcceptInboundConnection runs the server-role handshake over raw and
// joins the resulting channel (called from the ConnectionManager's
// accept loop for a known networkId).
func (n *Network) AcceptInboundConnection(conn Connection, raw ReadWriteCloser) error {
	ch, err := n.accept(raw, n.handshakeOptionsForAccept())
	if err != nil {
		return mesherr.Wrap(mesherr.CryptoFailure, err, "network: server handshake failed")
	}
	return n.join(ch, conn, false)
}

// join classifies the remote identity and adds the session (spec.md
// §4.5 Join). isDialer selects the session's DataStream port parity
// (client/odd if we dialled, server/even if we accepted).
func (n *Network) join(ch SecureChannel, conn Connection, isDialer bool) error {
	remote := ch.RemotePeerUserID()

	var target *peer.Peer
	switch n.Type {
	case Private:
		switch remote {
		case n.otherPeer.UserID:
			target = n.otherPeer
		case n.node.LocalUserID:
			target = n.selfPeer
		default:
			_ = ch.Close()
			return mesherr.New(mesherr.InvariantViolation, "network: unexpected remote identity on Private join")
		}
	case Group:
		n.mu.Lock()
		p, ok := n.peers[remote]
		if !ok {
			p = peer.New(remote, false, n.bus)
			n.peers[remote] = p
			n.bus.Emit(events.PeerAdded, p)
		}
		n.mu.Unlock()
		target = p
	}

	role := datastream.RoleServer
	if isDialer {
		role = datastream.RoleClient
	}
	sess := session.New(ch, session.Connection{
		RemoteEndpoint: string(conn.RemotePeerEP()),
		ViaEndpoint:    string(conn.ViaRemotePeerEP()),
		IsVirtual:      conn.IsVirtualConnection(),
	}, role, n.onControlFrom(target, conn), n.onTerminate(target))

	isPrivate := n.Type == Private
	if err := target.AddSession(sess, isPrivate, n.redeliverTo(target), n.groupImage()); err != nil {
		logger.Errf("network: AddSession: %v", err)
	}

	if n.Type == Private {
		n.stopPeerSearch()
	}
	n.broadcastPeerExchange()
	n.recomputeConnectivity()
	return nil
}
