package network

import (
	"bytes"
	"io"

	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/mesherr"
	"github.com/mcoutos/Mesh/internal/wire"
)

// AcceptInvitation implements spec.md §4.5's static "Accepting
// invitations" path: an inbound channel with an unknown networkId,
// requested to be accepted as a Private invitation.
//
// Unlike the ordinary server handshake (handshakeOptionsForAccept),
// the invitation path advertises the local UserId itself as the PSK -
// proof that the caller already knows who we are - rather than a
// networkSecret that doesn't exist yet. The first control frame off
// the resulting channel must be the invitation's TextMessage; its
// sender plus our own id must derive the networkId the caller expects
// to be dialling, or the whole thing is torn down as a mismatch.
func AcceptInvitation(
	raw ReadWriteCloser,
	conn Connection,
	expectedNetworkID [32]byte,
	node *Node,
	connMgr ConnectionManager,
	dial Dialer,
	accept Acceptor,
	newStore func(remote identity.UserID) (MessageStore, error),
	bus *events.Bus,
) (*Network, error) {
	ch, err := accept(raw, HandshakeOptions{
		PSK:               node.LocalUserID.Bytes(),
		RequireClientAuth: true,
		LocalUserID:       node.LocalUserID,
	})
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CryptoFailure, err, "network: invitation handshake failed")
	}

	msg, err := readInvitationMessage(ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	remote := ch.RemotePeerUserID()
	networkID := identity.DeriveNetworkID("", identity.PrivateSalt(node.LocalUserID, remote))
	if networkID != expectedNetworkID {
		_ = ch.Close()
		return nil, mesherr.New(mesherr.PolicyReject, "network: invitation networkId mismatch")
	}

	store, err := newStore(remote)
	if err != nil {
		_ = ch.Close()
		return nil, mesherr.Wrap(mesherr.TransportError, err, "network: open invitation message store")
	}

	n := New(Private, node, connMgr, dial, accept, store, bus)
	n.NetworkID = networkID
	n.SetOtherPeer(remote)

	stored, err := n.store.AppendInbound(MessageEntry{
		Sender:  remote,
		Kind:    uint8(msg.Kind),
		Payload: msg.Payload,
	})
	if err != nil {
		_ = ch.Close()
		return nil, mesherr.Wrap(mesherr.TransportError, err, "network: persist invitation")
	}

	body, err := wire.EncodeControl(&wire.MessageDeliveryNotificationPacket{MessageNumber: stored.MessageNumber})
	if err != nil {
		_ = ch.Close()
		return nil, mesherr.Wrap(mesherr.ParseError, err, "network: encode invitation delivery notification")
	}
	if err := wire.WriteFrame(ch, wire.ControlPort, body); err != nil {
		_ = ch.Close()
		return nil, mesherr.Wrap(mesherr.TransportError, err, "network: send invitation delivery notification")
	}

	if err := n.join(ch, conn, false); err != nil {
		return nil, err
	}
	return n, nil
}

// readInvitationMessage reads exactly one frame off ch - the raw
// channel, before any Session exists to dispatch it - and requires it
// to be a control frame carrying a TextMessage.
func readInvitationMessage(ch SecureChannel) (*wire.MessagePacket, error) {
	port, length, err := wire.ReadFrameHeader(ch)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "network: read invitation frame")
	}
	if port != wire.ControlPort {
		return nil, mesherr.New(mesherr.ParseError, "network: invitation's first frame is not a control frame")
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(ch, payload); err != nil {
			return nil, mesherr.Wrap(mesherr.TransportError, err, "network: read invitation payload")
		}
	}

	ct, pkt, err := wire.DecodeControl(bytes.NewReader(payload))
	if err != nil {
		return nil, mesherr.Wrap(mesherr.ParseError, err, "network: decode invitation frame")
	}
	if ct != wire.Message {
		return nil, mesherr.New(mesherr.ParseError, "network: invitation's first control frame is not a Message")
	}
	msg, ok := pkt.(*wire.MessagePacket)
	if !ok || msg.Kind != wire.TextMessage {
		return nil, mesherr.New(mesherr.ParseError, "network: invitation payload is not a TextMessage")
	}
	return msg, nil
}
