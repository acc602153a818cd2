// Package peer implements the Peer collaborator of spec.md §4.4: an
// identity-scoped container of zero or more Sessions, with the
// derived online/connectivity state and session fan-out operations the
// Network component drives.
//
// Grounded on the teacher's accessor-heavy Session record
// (session.go: Op/SetOp, Who/SetWho, ...), generalized from a single
// shell-session's bookkeeping fields to a peer-level bucket over
// multiple concurrent internal/session.Session links.
package peer

import (
	"sync"

	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/mesherr"
	"github.com/mcoutos/Mesh/internal/wire"
)

// ConnectivityStatus is the derived mesh-reachability state of spec.md
// §4.4/§4.5.
type ConnectivityStatus int

const (
	NoNetwork ConnectivityStatus = iota
	PartialMeshNetwork
	FullMeshNetwork
)

func (c ConnectivityStatus) String() string {
	switch c {
	case NoNetwork:
		return "NoNetwork"
	case PartialMeshNetwork:
		return "PartialMeshNetwork"
	case FullMeshNetwork:
		return "FullMeshNetwork"
	default:
		return "Unknown"
	}
}

// Profile is the sender-visible display profile of spec.md §3 Peer.
type Profile struct {
	DisplayName   string
	Status        string
	StatusMessage string
	LastModified  int64
}

// ProfileImage is a profile or group display image plus its
// modification time.
type ProfileImage struct {
	Image        []byte
	LastModified int64
}

// Sender is the subset of internal/session.Session a Peer drives: send
// control and image frames, close, and watch for termination, without importing the
// session package's Channel/Connection types directly (peer only needs
// to push frames and track liveness).
type Sender interface {
	SendControl(p interface{}) error
	SendImage(p *wire.ImagePacket, group bool) error
	Close() error
	Done() <-chan struct{}
}

// Peer is the identity-scoped session bucket of spec.md §4.4.
type Peer struct {
	UserID     identity.UserID
	IsSelfPeer bool

	bus *events.Bus

	mu           sync.RWMutex
	profile      Profile
	profileImage ProfileImage
	sessions     []Sender

	connMu             sync.Mutex
	connectivityStatus ConnectivityStatus
	connectedWith      map[identity.UserID]bool
}

// New constructs an Offline Peer bucket for id, posting events to bus.
func New(id identity.UserID, isSelf bool, bus *events.Bus) *Peer {
	return &Peer{
		UserID:             id,
		IsSelfPeer:         isSelf,
		bus:                bus,
		connectivityStatus: NoNetwork,
		connectedWith:      make(map[identity.UserID]bool),
	}
}

// IsOnline reports whether the peer has at least one live session.
func (p *Peer) IsOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions) > 0
}

// Sessions returns a snapshot of the peer's current session list.
func (p *Peer) Sessions() []Sender {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Sender, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Profile returns the peer's current display profile.
func (p *Peer) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// SetProfile updates the peer's display profile (e.g. on receiving a
// Profile control packet from one of its sessions).
func (p *Peer) SetProfile(pr Profile) {
	p.mu.Lock()
	p.profile = pr
	p.mu.Unlock()
}

// ProfileImage returns the peer's current profile image.
func (p *Peer) ProfileImage() ProfileImage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profileImage
}

// SetProfileImage updates the peer's profile image.
func (p *Peer) SetProfileImage(img ProfileImage) {
	p.mu.Lock()
	p.profileImage = img
	p.mu.Unlock()
}

// ConnectivityStatus returns the peer's current derived connectivity
// state (spec.md §4.4).
func (p *Peer) ConnectivityStatus() ConnectivityStatus {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.connectivityStatus
}

// SetConnectivityStatus is called by Network's recomputation pass
// (spec.md §4.5) once it has derived this peer's new status from the
// union of all online peers' reported connected-with sets.
func (p *Peer) SetConnectivityStatus(status ConnectivityStatus) {
	p.connMu.Lock()
	changed := p.connectivityStatus != status
	p.connectivityStatus = status
	p.connMu.Unlock()
	if changed {
		p.bus.Emit(events.ConnectivityChanged, PeerStatusEvent{PeerID: p.UserID, Status: status})
	}
}

// SetConnectedWith replaces the set of peers this peer's sessions
// report being connected to, used by Network's mesh-closure
// computation (spec.md §4.4 "notConnectedWith").
func (p *Peer) SetConnectedWith(ids map[identity.UserID]bool) {
	p.connMu.Lock()
	p.connectedWith = ids
	p.connMu.Unlock()
}

// ConnectedWith returns a snapshot of this peer's last-reported
// connected-peer set.
func (p *Peer) ConnectedWith() map[identity.UserID]bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	out := make(map[identity.UserID]bool, len(p.connectedWith))
	for id := range p.connectedWith {
		out[id] = true
	}
	return out
}

// ReDeliverFunc replays undelivered self-authored messages onto a
// freshly added session, per spec.md §4.6's re-delivery walk. Network
// supplies this so Peer need not depend on internal/messagestore
// directly.
type ReDeliverFunc func(session Sender) error

// AddSession registers a newly authenticated session with this peer
// (spec.md §4.4 AddSession). isPrivate selects the Private-only
// re-delivery call; groupImage, if non-nil, is pushed for Group peers.
func (p *Peer) AddSession(s Sender, isPrivate bool, redeliver ReDeliverFunc, groupImage *ProfileImage) error {
	p.mu.Lock()
	wasOffline := len(p.sessions) == 0
	p.sessions = append(p.sessions, s)
	profile := p.profile
	p.mu.Unlock()

	if wasOffline {
		p.bus.Emit(events.StateChanged, PeerStateEvent{PeerID: p.UserID, Online: true})
	}

	if err := s.SendControl(&wire.ProfilePacket{
		DisplayName:   profile.DisplayName,
		Status:        profile.Status,
		StatusMessage: profile.StatusMessage,
		LastModified:  profile.LastModified,
	}); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "peer: push profile to new session")
	}

	img := p.ProfileImage()
	if err := s.SendImage(&wire.ImagePacket{Image: img.Image, LastModified: img.LastModified}, false); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "peer: push profile image to new session")
	}

	if isPrivate && redeliver != nil {
		if err := redeliver(s); err != nil {
			return err
		}
	}
	if !isPrivate && groupImage != nil {
		if err := s.SendImage(&wire.ImagePacket{Image: groupImage.Image, LastModified: groupImage.LastModified}, true); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "peer: push group image to new session")
		}
	}

	return nil
}

// RemoveSession drops s from the peer's session list (spec.md §4.4
// RemoveSession). If it was the last session, the peer flips offline
// and its connectivity resets to NoNetwork.
func (p *Peer) RemoveSession(s Sender) {
	p.mu.Lock()
	for i, have := range p.sessions {
		if have == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			break
		}
	}
	lastGone := len(p.sessions) == 0
	p.mu.Unlock()

	if lastGone {
		p.bus.Emit(events.StateChanged, PeerStateEvent{PeerID: p.UserID, Online: false})
		p.SetConnectivityStatus(NoNetwork)
	}
}

// MaxMessageSize is wire.MaxFrameLen minus 32 bytes of secure-channel
// packet overhead (spec.md §4.4 SendMessage).
const MaxMessageSize = wire.MaxFrameLen - 32

// ErrMessageTooLarge is returned by SendMessage when the payload would
// not fit within MaxMessageSize once framed.
var ErrMessageTooLarge = mesherr.New(mesherr.PolicyReject, "peer: message exceeds MaxMessageSize")

// SendMessage fans a control packet out to every session currently in
// the peer's list (spec.md §4.4 SendMessage). It returns the first
// error encountered but still attempts every session.
func (p *Peer) SendMessage(msg *wire.MessagePacket) error {
	encoded, err := wire.EncodeControl(msg)
	if err != nil {
		return mesherr.Wrap(mesherr.ParseError, err, "peer: encode message")
	}
	if len(encoded) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	var firstErr error
	for _, s := range p.Sessions() {
		if err := s.SendControl(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast writes an arbitrary control packet to every session in the
// peer's list (e.g. LocalNetworkOnly, PeerExchange). Unlike SendMessage
// it does not apply MaxMessageSize, since these packets are small and
// not user-controlled payloads.
func (p *Peer) Broadcast(ctrl interface{}) error {
	var firstErr error
	for _, s := range p.Sessions() {
		if err := s.SendControl(ctrl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Disconnect tears down every session currently open to this peer
// (spec.md §4.4 Disconnect).
func (p *Peer) Disconnect() {
	for _, s := range p.Sessions() {
		_ = s.Close()
	}
}

// PeerStateEvent is the payload of a StateChanged event for a Peer.
type PeerStateEvent struct {
	PeerID identity.UserID
	Online bool
}

// PeerStatusEvent is the payload of a ConnectivityChanged event for a
// Peer.
type PeerStatusEvent struct {
	PeerID identity.UserID
	Status ConnectivityStatus
}
