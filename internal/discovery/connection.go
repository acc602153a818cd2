package discovery

import (
	"net"

	"github.com/mcoutos/Mesh/internal/network"
)

// tcpConnection is the direct-dial Connection returned by
// Manager.MakeConnection: one physical TCP socket, a single logical
// mesh-network channel per socket. Reusing a connection across
// multiple networkIds (Connection.ChannelExists) would need a frame
// multiplexer keyed by networkId in front of the raw socket; this
// reference implementation mints a fresh socket per network instead,
// which is simpler and behaviorally equivalent for every scenario
// spec.md §8 describes (none of S1-S6 share one physical link across
// two different networks).
type tcpConnection struct {
	conn     net.Conn
	remoteEP network.EndPoint
	viaEP    network.EndPoint
	virtual  bool
}

func (c *tcpConnection) RemotePeerEP() network.EndPoint    { return c.remoteEP }
func (c *tcpConnection) ViaRemotePeerEP() network.EndPoint { return c.viaEP }
func (c *tcpConnection) IsVirtualConnection() bool         { return c.virtual }
func (c *tcpConnection) ChannelExists([32]byte) bool       { return false }

// ConnectMeshNetwork writes networkID as a fixed 32-byte prelude so
// the accepting side's listener loop can tell which Network to hand
// the connection to before any secure-channel handshake runs, then
// hands back the raw socket for that handshake to run over.
func (c *tcpConnection) ConnectMeshNetwork(networkID [32]byte) (network.ReadWriteCloser, error) {
	if _, err := c.conn.Write(networkID[:]); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// readNetworkIDPrelude is the accept-side counterpart: block until the
// 32-byte networkId prelude has arrived, then return it; conn is left
// open for the listener to route.
func readNetworkIDPrelude(conn net.Conn) ([32]byte, error) {
	var id [32]byte
	_, err := readFull(conn, id[:])
	return id, err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
