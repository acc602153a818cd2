package discovery

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mcoutos/Mesh/internal/network"
	"github.com/mcoutos/Mesh/logger"
)

// Manager implements internal/network's ConnectionManager collaborator
// over plain TCP, backed by a shared Registry for peer discovery and
// relay-registration bookkeeping.
type Manager struct {
	listener net.Listener
	registry *Registry
	dial     dialFunc

	mu     sync.RWMutex
	routes map[[32]byte]*network.Network
}

// Listen starts a TCP accept loop on addr (":0" picks a free port) and
// returns a Manager dispatching inbound connections by their networkId
// prelude to whichever Network has been RegisterNetwork'd for it.
func Listen(addr string, registry *Registry) (*Manager, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		listener: l,
		registry: registry,
		dial:     net.Dial,
		routes:   make(map[[32]byte]*network.Network),
	}
	go m.acceptLoop()
	return m, nil
}

// ListenKCP is Listen's reliable-UDP counterpart, mirroring the
// teacher's xsd "-K" flag: same accept/route/dial shape, but over
// github.com/xtaci/kcp-go instead of a raw TCP socket. key/salt are
// stretched into the KCP session's block cipher exactly as
// hkexnet/kcp.go's kcpDial/kcpListen do; every Manager built this way
// must share the same key/salt to interoperate.
func ListenKCP(addr string, registry *Registry, key, salt []byte) (*Manager, error) {
	t, err := newKCPTransport(key, salt)
	if err != nil {
		return nil, err
	}
	l, err := t.listen(addr)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		listener: l,
		registry: registry,
		dial:     t.dial,
		routes:   make(map[[32]byte]*network.Network),
	}
	go m.acceptLoop()
	return m, nil
}

// RegisterNetwork makes n the accept-side target for inbound
// connections whose prelude names networkID. UnregisterNetwork undoes
// it (e.g. on DeleteMeshNetwork).
func (m *Manager) RegisterNetwork(networkID [32]byte, n *network.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[networkID] = n
}

func (m *Manager) UnregisterNetwork(networkID [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, networkID)
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.dispatchInbound(conn)
	}
}

func (m *Manager) dispatchInbound(conn net.Conn) {
	networkID, err := readNetworkIDPrelude(conn)
	if err != nil {
		logger.Errf("discovery: read networkId prelude: %v", err)
		_ = conn.Close()
		return
	}

	m.mu.RLock()
	target, ok := m.routes[networkID]
	m.mu.RUnlock()
	if !ok {
		logger.Errf("discovery: inbound connection for unregistered networkId %x", networkID)
		_ = conn.Close()
		return
	}

	c := &tcpConnection{conn: conn, remoteEP: network.EndPoint(conn.RemoteAddr().String())}
	if err := target.AcceptInboundConnection(c, conn); err != nil {
		logger.Errf("discovery: accept inbound connection: %v", err)
	}
}

// LocalPort returns the TCP port this Manager listens on.
func (m *Manager) LocalPort() int {
	_, portStr, err := net.SplitHostPort(m.listener.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// MakeConnection dials ep directly over TCP.
func (m *Manager) MakeConnection(ep network.EndPoint) (network.Connection, error) {
	conn, err := m.dial("tcp", string(ep))
	if err != nil {
		return nil, err
	}
	return &tcpConnection{conn: conn, remoteEP: ep}, nil
}

// MakeVirtualConnection dials ep directly as well, tagging the result
// as virtual and recording via's endpoint as the tunnel's via-point.
// A production connection manager would instead proxy bytes through
// via's own already-open socket (spec.md §4.5's NAT-traversal fallback
// via a third party); that relaying protocol lives entirely in the
// out-of-scope connection-manager collaborator, so this reference
// implementation only needs to preserve Connection's observable shape
// (IsVirtualConnection/ViaRemotePeerEP) for Network's retry and
// peer-exchange logic to behave correctly against it.
func (m *Manager) MakeVirtualConnection(via network.Connection, ep network.EndPoint) (network.Connection, error) {
	conn, err := m.dial("tcp", string(ep))
	if err != nil {
		return nil, err
	}
	return &tcpConnection{conn: conn, remoteEP: ep, viaEP: via.RemotePeerEP(), virtual: true}, nil
}

// TCPRelayClientRegisterHostedNetwork/Unregister record which
// networkIds we ask relays to auto-announce on our behalf (spec.md
// §4.5 "register networkId with the TCP-relay client").
func (m *Manager) TCPRelayClientRegisterHostedNetwork(networkID [32]byte) error {
	m.registry.RegisterRelay(networkID)
	return nil
}

func (m *Manager) TCPRelayClientUnregisterHostedNetwork(networkID [32]byte) error {
	m.registry.UnregisterRelay(networkID)
	return nil
}

// BeginFindPeers polls the registry for id (a masked UserId, when
// Network is in the Private invitation-pending lookup path) and
// invokes cb once per endpoint it has not already reported.
func (m *Manager) BeginFindPeers(target [32]byte, lanOnly bool, cb network.DHTCallback) {
	go m.poll(target, network.EndPoint(""), cb)
}

// BeginAnnounce records self as reachable for networkID, then polls
// for any other endpoint announced under the same id (other peers who
// have also announced it), invoking cb for each.
func (m *Manager) BeginAnnounce(networkID [32]byte, lanOnly bool, self network.EndPoint, cb network.DHTCallback) {
	m.registry.Announce(networkID, self)
	go m.poll(networkID, self, cb)
}

func (m *Manager) poll(id [32]byte, self network.EndPoint, cb network.DHTCallback) {
	seen := make(map[network.EndPoint]bool)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for i := 0; i < pollCycles; i++ {
		for _, ep := range m.registry.Lookup(id, self) {
			if seen[ep] {
				continue
			}
			seen[ep] = true
			cb(ep)
		}
		<-ticker.C
	}
}

// Close stops accepting new inbound connections.
func (m *Manager) Close() error {
	return m.listener.Close()
}
