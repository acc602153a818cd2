package network

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/mcoutos/Mesh/internal/datastream"
	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/mesherr"
	"github.com/mcoutos/Mesh/internal/messagestore"
	"github.com/mcoutos/Mesh/internal/peer"
	"github.com/mcoutos/Mesh/internal/session"
	"github.com/mcoutos/Mesh/internal/wire"
	"github.com/mcoutos/Mesh/logger"
)

// MessageReceivedEvent is the payload of a MessageReceived event
// posted for an inbound Message control packet (spec.md §4.6).
type MessageReceivedEvent struct {
	PeerID        identity.UserID
	MessageNumber uint64
	Kind          wire.MessageKind
	Payload       []byte
}

// MessageDeliveryEvent is the payload of a MessageDelivered event,
// posted when a peer acknowledges delivery of one of our messages
// (inbound messages post MessageReceived instead).
type MessageDeliveryEvent struct {
	PeerID        identity.UserID
	MessageNumber uint64
}

// TypingEvent is the payload of a TypingNotification event.
type TypingEvent struct {
	PeerID   identity.UserID
	IsTyping bool
}

// SetGroupImage updates a Group network's display image, pushed to
// every newly joined peer (spec.md §4.4 AddSession, Group branch).
func (n *Network) SetGroupImage(img peer.ProfileImage) {
	n.groupImageMu.Lock()
	n.groupImg = &img
	n.groupImageMu.Unlock()
}

// groupImage returns the current Group display image, or nil for
// Private networks or before one has ever been set.
func (n *Network) groupImage() *peer.ProfileImage {
	if n.Type != Group {
		return nil
	}
	n.groupImageMu.Lock()
	defer n.groupImageMu.Unlock()
	return n.groupImg
}

// redeliverTo builds the Private-only re-delivery callback join()
// hands to peer.AddSession (spec.md §4.6 "Re-delivery"): the store
// walks its own log and replays undelivered self-authored TextMessages
// onto this one new session, oldest first.
func (n *Network) redeliverTo(target *peer.Peer) peer.ReDeliverFunc {
	if n.Type != Private {
		return nil
	}
	return func(s peer.Sender) error {
		return n.store.ReSendUndeliveredMessages(func(e MessageEntry) error {
			return s.SendControl(&wire.MessagePacket{
				MessageNumber: e.MessageNumber,
				Kind:          wire.MessageKind(e.Kind),
				Sender:        [32]byte(e.Sender),
				Payload:       e.Payload,
			})
		})
	}
}

// stopPeerSearch pauses the 60s peer-search tick once a Private join
// has succeeded (spec.md §4.5 Join: "on Private, stop the peer-search
// timer (we are connected)"). GoOnline clears the pause.
func (n *Network) stopPeerSearch() {
	atomic.StoreInt32(&n.searchPaused, 1)
}

// broadcastPeerExchange tells every online peer which peers (and on
// what endpoints) we are presently connected to (spec.md §4.5 "peer
// exchange").
func (n *Network) broadcastPeerExchange() {
	peers := make([]wire.PeerEndpoint, 0)
	for _, p := range n.allPeers() {
		if p.IsSelfPeer || !p.IsOnline() {
			continue
		}
		var eps []string
		for _, s := range p.Sessions() {
			if ss, ok := s.(*session.Session); ok {
				eps = append(eps, ss.Connection.RemoteEndpoint)
			}
		}
		peers = append(peers, wire.PeerEndpoint{PeerUserID: [32]byte(p.UserID), Endpoints: eps})
	}

	pkt := &wire.PeerExchangePacket{Peers: peers}
	for _, p := range n.allPeers() {
		if !p.IsOnline() {
			continue
		}
		if err := p.Broadcast(pkt); err != nil {
			logger.Errf("network: peer-exchange broadcast failed: %v", err)
		}
	}
}

// messageRecipients implements spec.md §4.6's outbound recipient rule:
// Private sends to the single other party; Group sends to every known
// peer but self.
func (n *Network) messageRecipients() []identity.UserID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.Type == Private {
		if n.otherPeer == nil {
			return nil
		}
		return []identity.UserID{n.otherPeer.UserID}
	}
	out := make([]identity.UserID, 0, len(n.peers))
	for id, p := range n.peers {
		if p.IsSelfPeer {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SendMessage implements spec.md §4.6's outbound pipeline: build a
// MessageItem with the recipient set, append it to the store, fan the
// wire packet out to every recipient's sessions, and locally deliver a
// MessageReceived event with sender=self - exactly as an inbound
// message is delivered, so UI code does not special-case its own
// sends.
func (n *Network) SendMessage(kind wire.MessageKind, payload []byte) (uint64, error) {
	recipients := n.messageRecipients()
	now := time.Now().Unix()

	stored, err := n.store.AppendOutbound(uint8(kind), payload, recipients, now)
	if err != nil {
		return 0, err
	}

	recipBytes := make([][32]byte, len(recipients))
	for i, r := range recipients {
		recipBytes[i] = [32]byte(r)
	}
	pkt := &wire.MessagePacket{
		MessageNumber: stored.MessageNumber,
		Kind:          kind,
		Sender:        [32]byte(n.node.LocalUserID),
		Recipients:    recipBytes,
		Payload:       payload,
		Timestamp:     now,
	}

	for _, id := range recipients {
		p, ok := n.Peer(id)
		if !ok {
			continue
		}
		if err := p.SendMessage(pkt); err != nil {
			logger.Errf("network: send message to %x: %v", id.Bytes(), err)
		}
	}

	n.bus.Emit(events.MessageReceived, MessageReceivedEvent{
		PeerID:        n.node.LocalUserID,
		MessageNumber: stored.MessageNumber,
		Kind:          kind,
		Payload:       payload,
	})
	return stored.MessageNumber, nil
}

// ReceiveFileAttachment implements spec.md §4.6's receiver-side file
// transfer: open (or resume) the local file, then try each of peerID's
// sessions in turn until one actually streams bytes back. A session
// that answers the FileRequest with immediate EOF (e.g. it never had
// the file, or failed mid-transfer on an earlier attempt) is skipped
// in favour of the next.
func (n *Network) ReceiveFileAttachment(peerID identity.UserID, messageNumber uint64, filePath string) error {
	p, ok := n.Peer(peerID)
	if !ok {
		return mesherr.New(mesherr.InvariantViolation, "network: unknown peer for file attachment")
	}

	f, offset, err := messagestore.OpenAttachmentForAppend(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var lastErr error
	for _, sdr := range p.Sessions() {
		s, ok := sdr.(*session.Session)
		if !ok {
			continue
		}

		stream, err := s.OpenDataStream()
		if err != nil {
			lastErr = err
			continue
		}

		req := &wire.FileRequestPacket{MessageNumber: messageNumber, FileOffset: offset, DataPort: stream.Port}
		if err := s.SendControl(req); err != nil {
			stream.Close()
			lastErr = err
			continue
		}

		probe := make([]byte, 1)
		n2, rerr := stream.Read(probe)
		if n2 == 0 && rerr != nil {
			// This session had nothing to offer; fall over to the next.
			stream.Close()
			lastErr = rerr
			continue
		}
		if n2 > 0 {
			if _, werr := f.Write(probe[:n2]); werr != nil {
				stream.Close()
				return mesherr.Wrap(mesherr.TransportError, werr, "network: write attachment probe byte")
			}
		}
		if _, cerr := io.Copy(f, stream); cerr != nil && cerr != io.EOF {
			stream.Close()
			return mesherr.Wrap(mesherr.TransportError, cerr, "network: copy attachment stream to file")
		}
		stream.Close()
		return nil
	}
	if lastErr != nil {
		return mesherr.Wrap(mesherr.TransportError, lastErr, "network: no session served file attachment")
	}
	return mesherr.New(mesherr.TransportError, "network: peer has no sessions to request file attachment from")
}

// handlePeerExchange records what target reports being connected to,
// recomputes connectivity, and (Group only) dials any advertised peer
// we don't already know about, tunnelled via the session it arrived
// on if a direct attempt fails.
func (n *Network) handlePeerExchange(target *peer.Peer, via Connection, pkt *wire.PeerExchangePacket) {
	ids := make(map[identity.UserID]bool, len(pkt.Peers))
	for _, pe := range pkt.Peers {
		id := identity.UserID(pe.PeerUserID)
		if id == n.node.LocalUserID {
			continue
		}
		ids[id] = true

		if n.Type != Group {
			continue
		}
		if _, known := n.Peer(id); known {
			continue
		}
		for _, ep := range pe.Endpoints {
			go n.BeginMakeConnection(EndPoint(ep), via)
		}
	}
	target.SetConnectedWith(ids)
	n.recomputeConnectivity()
}

// recomputeConnectivity implements spec.md §4.5's mesh-closure formula.
// uniquePeerInfoList is the union of every online peer's own id plus
// its reported connected-with set: everyone we currently believe is
// part of the mesh. For each online peer, notConnectedWith is that
// union minus the peer's own reported set minus the peer itself minus
// self - the peers we believe are in the mesh that this peer has not
// told us it is connected to. Empty means the mesh looks fully
// connected from that peer's perspective.
func (n *Network) recomputeConnectivity() {
	peers := n.allPeers()

	union := make(map[identity.UserID]bool)
	for _, p := range peers {
		if p.IsSelfPeer || !p.IsOnline() {
			continue
		}
		union[p.UserID] = true
		for id := range p.ConnectedWith() {
			union[id] = true
		}
	}

	for _, p := range peers {
		if p.IsSelfPeer {
			continue
		}
		if !p.IsOnline() {
			p.SetConnectivityStatus(peer.NoNetwork)
			continue
		}
		connected := p.ConnectedWith()
		missing := 0
		for id := range union {
			if id == p.UserID || id == n.node.LocalUserID {
				continue
			}
			if !connected[id] {
				missing++
			}
		}
		if missing == 0 {
			p.SetConnectivityStatus(peer.FullMeshNetwork)
		} else {
			p.SetConnectivityStatus(peer.PartialMeshNetwork)
		}
	}
}

// onControlFrom builds the per-session control dispatcher join() wires
// into session.New, closing over target and the Connection the
// session rides on (needed for peer-exchange-driven virtual-connection
// fallback) rather than the Session itself, which doesn't exist yet at
// the point this closure is built.
func (n *Network) onControlFrom(target *peer.Peer, via Connection) session.ControlHandler {
	return func(s *session.Session, ct wire.ControlType, packet interface{}) {
		switch ct {
		case wire.PingRequest:
			if err := s.SendPing(true); err != nil {
				logger.Errf("network: ping reply: %v", err)
			}
		case wire.PingResponse:
			// liveness only.

		case wire.Profile:
			p := packet.(*wire.ProfilePacket)
			target.SetProfile(peer.Profile{
				DisplayName:   p.DisplayName,
				Status:        p.Status,
				StatusMessage: p.StatusMessage,
				LastModified:  p.LastModified,
			})

		case wire.ProfileDisplayImage:
			p := packet.(*wire.ImagePacket)
			target.SetProfileImage(peer.ProfileImage{Image: p.Image, LastModified: p.LastModified})

		case wire.GroupDisplayImage:
			if n.Type == Group {
				p := packet.(*wire.ImagePacket)
				n.SetGroupImage(peer.ProfileImage{Image: p.Image, LastModified: p.LastModified})
			}

		case wire.PeerExchange:
			n.handlePeerExchange(target, via, packet.(*wire.PeerExchangePacket))

		case wire.LocalNetworkOnly:
			p := packet.(*wire.LocalNetworkOnlyPacket)
			n.optMu.Lock()
			n.options.LocalNetworkOnly = p.Enabled
			n.optMu.Unlock()

		case wire.GroupLockNetwork:
			p := packet.(*wire.GroupLockNetworkPacket)
			n.optMu.Lock()
			n.options.GroupLockNetwork = p.Locked
			n.options.GroupLockNetworkModified = p.LastModified
			n.optMu.Unlock()

		case wire.MessageTypingNotification:
			p := packet.(*wire.TypingNotificationPacket)
			n.bus.Emit(events.TypingNotification, TypingEvent{PeerID: target.UserID, IsTyping: p.IsTyping})

		case wire.Message:
			n.handleInboundMessage(target, s, packet.(*wire.MessagePacket))

		case wire.MessageDeliveryNotification:
			p := packet.(*wire.MessageDeliveryNotificationPacket)
			if err := n.store.MarkDelivered(p.MessageNumber, target.UserID); err != nil {
				logger.Errf("network: mark delivered: %v", err)
			}
			n.bus.Emit(events.MessageDelivered, MessageDeliveryEvent{PeerID: target.UserID, MessageNumber: p.MessageNumber})

		case wire.FileRequest:
			go n.serveFileRequest(s, packet.(*wire.FileRequestPacket))
		}
	}
}

// handleInboundMessage persists an inbound Message packet, posts
// MessageReceived, and acks it (spec.md §4.6 Inbound).
func (n *Network) handleInboundMessage(target *peer.Peer, s *session.Session, p *wire.MessagePacket) {
	stored, err := n.store.AppendInbound(MessageEntry{
		MessageNumber: p.MessageNumber,
		Sender:        identity.UserID(p.Sender),
		Kind:          uint8(p.Kind),
		Payload:       p.Payload,
	})
	if err != nil {
		logger.Errf("network: persist inbound message: %v", err)
		return
	}

	n.bus.Emit(events.MessageReceived, MessageReceivedEvent{
		PeerID:        target.UserID,
		MessageNumber: stored.MessageNumber,
		Kind:          p.Kind,
		Payload:       p.Payload,
	})

	if err := s.SendControl(&wire.MessageDeliveryNotificationPacket{MessageNumber: stored.MessageNumber}); err != nil {
		logger.Errf("network: send delivery notification: %v", err)
	}
}

// serveFileRequest implements the sender side of spec.md §4.6 File
// transfer: accept the peer-opened data stream on the requested port,
// copy the attachment from fileOffset to EOF, then close it (a
// zero-length frame, via DataStream.Close).
func (n *Network) serveFileRequest(s *session.Session, p *wire.FileRequestPacket) {
	stream, err := s.AcceptDataStream(p.DataPort)
	if err != nil {
		logger.Errf("network: accept file-request stream: %v", err)
		return
	}
	defer stream.Close()

	rc, err := n.store.OpenAttachmentForRead(p.MessageNumber, p.FileOffset)
	if err != nil {
		logger.Errf("network: open attachment %d: %v", p.MessageNumber, err)
		return
	}
	defer rc.Close()

	// Each DataStream.Write is one frame and may not exceed
	// ReadBufferCap, so copy through a buffer of that size; wrapping rc
	// hides any WriteTo method that would hand over the whole remainder
	// in a single Write.
	buf := make([]byte, datastream.ReadBufferCap)
	if _, err := io.CopyBuffer(stream, struct{ io.Reader }{rc}, buf); err != nil {
		logger.Errf("network: copy attachment %d to stream: %v", p.MessageNumber, err)
	}
}

// onTerminate builds the per-session teardown handler: drop the
// session from target's bucket and re-run the mesh bookkeeping that
// AddSession triggers on join, since losing a link can change both
// peer-exchange's own advertised set and connectivity for everyone
// else (spec.md §4.5 Join/§4.4 RemoveSession).
func (n *Network) onTerminate(target *peer.Peer) session.TerminateHandler {
	return func(s *session.Session, err error) {
		target.RemoveSession(s)
		if err != nil {
			n.bus.Emit(events.SecureChannelFailed, SecureChannelFailedEvent{PeerID: target.UserID, Err: err})
			// Orderly EOF (err == nil) means no reconnect; a Timeout or
			// TransportError reader-loop exit does (spec.md §4.3
			// Terminate, §7 propagation table). InvariantViolation never
			// reaches here: join() rejects before a Session exists.
			if kind, ok := mesherr.KindOf(err); !ok || kind == mesherr.Timeout || kind == mesherr.TransportError || kind == mesherr.ParseError {
				if ep := s.Connection.RemoteEndpoint; ep != "" {
					go n.BeginMakeConnection(EndPoint(ep), nil)
				}
			}
		}
		n.broadcastPeerExchange()
		n.recomputeConnectivity()
	}
}

// SecureChannelFailedEvent is the payload of a SecureChannelFailed
// event, posted when a session terminates on a transport/protocol
// error rather than an orderly close.
type SecureChannelFailedEvent struct {
	PeerID identity.UserID
	Err    error
}
