// Package network implements the Network collaborator of spec.md §4.5:
// the Offline/Online status machine, peer-search and ping timers, the
// connection dialer with virtual-connection fallback, join
// classification, peer-exchange gossip, and connectivity
// recomputation.
//
// Grounded on the teacher's daemon accept loop (xsd/xsd.go,
// hkexshd/hkexshd.go: flag-based bootstrap, one goroutine per accepted
// connection) and demo/server.go + demo/client.go's minimal dial/accept
// shape.
package network

import (
	"io"
	"time"

	"github.com/mcoutos/Mesh/internal/identity"
)

// Node is the external collaborator of spec.md §6.1: the local user's
// identity, keys, and profile, owned outside this package.
type Node struct {
	LocalUserID      identity.UserID
	PrivateKey       []byte
	SupportedCiphers []byte // opaque cipher-suite preference list, interpreted by internal/securechannel
	Profile          NodeProfile
	ProfileFolder    string

	// DeleteMeshNetwork and MeshNetworkChanged are callbacks into the
	// owning application, invoked when this Network is torn down or its
	// networkId changes (e.g. on shared-secret rotation).
	DeleteMeshNetwork  func(networkID [32]byte)
	MeshNetworkChanged func(networkID [32]byte, newID [32]byte)
}

// NodeProfile mirrors spec.md §3 Peer's profile fields plus their
// modification timestamps.
type NodeProfile struct {
	DisplayName       string
	Status            string
	StatusMessage     string
	ProfileModifiedAt int64
	ProfileImage      []byte
	ImageModifiedAt   int64
}

// EndPoint is an opaque dial target (host:port, relay rendezvous id,
// or any string a ConnectionManager understands).
type EndPoint string

// Connection is the external collaborator of spec.md §6.1: a
// transport-level link obtained from a ConnectionManager, not yet
// secure-channel authenticated.
type Connection interface {
	RemotePeerEP() EndPoint
	ViaRemotePeerEP() EndPoint
	IsVirtualConnection() bool
	ChannelExists(networkID [32]byte) bool
	ConnectMeshNetwork(networkID [32]byte) (ReadWriteCloser, error)
}

// ReadWriteCloser is the raw byte-stream a Connection hands back before
// the secure-channel handshake runs over it.
type ReadWriteCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DHTCallback is invoked once per discovered endpoint for a
// beginFindPeers/beginAnnounce request (spec.md §6.1).
type DHTCallback func(EndPoint)

// ConnectionManager is the external collaborator of spec.md §6.1: dials
// transport connections (direct or tunnelled), and fronts the DHT and
// TCP-relay facades Network's peer-search loop drives.
type ConnectionManager interface {
	MakeConnection(ep EndPoint) (Connection, error)
	MakeVirtualConnection(via Connection, ep EndPoint) (Connection, error)
	LocalPort() int

	TCPRelayClientRegisterHostedNetwork(networkID [32]byte) error
	TCPRelayClientUnregisterHostedNetwork(networkID [32]byte) error

	BeginFindPeers(target [32]byte, lanOnly bool, cb DHTCallback)
	BeginAnnounce(networkID [32]byte, lanOnly bool, self EndPoint, cb DHTCallback)
}

// SecureChannel is the external collaborator of spec.md §6.1/§4.3: a
// client or server handshake producing an authenticated byte stream.
// internal/securechannel.Conn implements this.
type SecureChannel interface {
	ReadWriteCloser
	RemotePeerUserID() identity.UserID
	NeedsRenegotiation() bool
	Renegotiate() error
}

// Dialer opens the client side of a SecureChannel over raw.
type Dialer func(raw ReadWriteCloser, opts HandshakeOptions) (SecureChannel, error)

// Acceptor opens the server side of a SecureChannel over raw.
type Acceptor func(raw ReadWriteCloser, opts HandshakeOptions) (SecureChannel, error)

// HandshakeOptions is the per-dial secure-channel configuration spec.md
// §4.5 "Secure handshake selection" assembles differently per role and
// network type.
type HandshakeOptions struct {
	PSK               []byte
	RequireClientAuth bool
	TrustedIdentities map[identity.UserID]bool
	LocalUserID       identity.UserID
}

// RenegotiationThresholds are the fixed values spec.md §4.3 states
// ("100 MiB sent or 3600 s since last handshake, whichever first").
const (
	RenegotiateBytes    = 100 * 1024 * 1024
	RenegotiateInterval = 3600 * time.Second
)

// MessageStore is the external collaborator of spec.md §6.1/§4.6: an
// append-only numbered log with random-access rewrite.
// internal/messagestore.Store implements this; Network drives the
// invitation-pending check, the re-delivery walk on session add, and
// the inbound message pipeline's persist/ack/attachment-serve steps
// (spec.md §4.6).
type MessageStore interface {
	InvitationPending() (bool, error)
	ReSendUndeliveredMessages(send func(MessageEntry) error) error

	// AppendInbound persists a message received over a session, and
	// returns the stored entry (its MessageNumber is assigned by the
	// store, not by the wire payload, to stay authoritative for the
	// local log's own numbering).
	AppendInbound(entry MessageEntry) (MessageEntry, error)

	// AppendOutbound persists a message the local user is sending, with
	// the given recipient set, and returns the stored entry (spec.md
	// §4.6 "Outbound"). recipients is Private: {otherPeer}; Group: every
	// known peer but self.
	AppendOutbound(kind uint8, payload []byte, recipients []identity.UserID, timestamp int64) (MessageEntry, error)

	// MarkDelivered records recipient as Delivered for messageNumber
	// under the store's own lock (spec.md §4.6 "under a store-wide
	// lock ... rewrite the entry").
	MarkDelivered(messageNumber uint64, recipient identity.UserID) error

	// OpenAttachmentForRead opens the file attachment for messageNumber
	// positioned at offset, for the sender side of spec.md §4.6 File
	// transfer ("Sender on receipt of FileRequest: ... copy to the
	// stream until EOF").
	OpenAttachmentForRead(messageNumber uint64, offset uint64) (io.ReadCloser, error)
}

// MessageEntry is the minimal view of a stored message Network needs
// for re-delivery; internal/messagestore's richer entry type satisfies
// this by structural convention at the call site.
type MessageEntry struct {
	MessageNumber uint64
	Sender        identity.UserID
	Kind          uint8
	Payload       []byte
}
