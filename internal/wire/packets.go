package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ControlType is the self-describing type tag every control packet
// (port 0 frame) leads with. This generalizes the teacher's CSOType
// shell/tunnel status catalogue (hkexnet/consts.go: CSOTunSetup,
// CSOTunData, CSOTunDisconn, ...) to the mesh fabric's control surface
// (spec.md §6.2).
type ControlType uint8

const (
	PingRequest ControlType = iota
	PingResponse
	PeerExchange
	LocalNetworkOnly
	Profile
	ProfileDisplayImage
	GroupDisplayImage
	GroupLockNetwork
	MessageTypingNotification
	Message
	MessageDeliveryNotification
	FileRequest
)

func (c ControlType) String() string {
	switch c {
	case PingRequest:
		return "PingRequest"
	case PingResponse:
		return "PingResponse"
	case PeerExchange:
		return "PeerExchange"
	case LocalNetworkOnly:
		return "LocalNetworkOnly"
	case Profile:
		return "Profile"
	case ProfileDisplayImage:
		return "ProfileDisplayImage"
	case GroupDisplayImage:
		return "GroupDisplayImage"
	case GroupLockNetwork:
		return "GroupLockNetwork"
	case MessageTypingNotification:
		return "MessageTypingNotification"
	case Message:
		return "Message"
	case MessageDeliveryNotification:
		return "MessageDeliveryNotification"
	case FileRequest:
		return "FileRequest"
	default:
		return "Unknown"
	}
}

// ErrUnknownControlType is returned when decoding an unrecognised
// control packet type byte.
var ErrUnknownControlType = errors.New("wire: unknown control packet type")

// MessageKind mirrors the message-log entry types of spec.md §3.
type MessageKind uint8

const (
	TextMessage MessageKind = iota
	InlineImage
	FileAttachment
	Info
)

// PeerEndpoint is one entry of a PeerExchangePacket's advertised peer
// list: a peer id plus the endpoints we are presently connected to it
// on.
type PeerEndpoint struct {
	PeerUserID [32]byte
	Endpoints  []string
}

// PeerExchangePacket carries the sender's currently-connected peer list
// (spec.md §4.5 "peer exchange").
type PeerExchangePacket struct {
	Peers []PeerEndpoint
}

// LocalNetworkOnlyPacket propagates a change to the localNetworkOnly
// option (spec.md §4.5, S6).
type LocalNetworkOnlyPacket struct {
	Enabled bool
}

// ProfilePacket carries the sender's display profile (spec.md §3 Peer).
type ProfilePacket struct {
	DisplayName   string
	Status        string
	StatusMessage string
	LastModified  int64
}

// ImagePacket carries a profile or group display image plus its
// modification timestamp (used for both ProfileDisplayImage and
// GroupDisplayImage).
type ImagePacket struct {
	Image        []byte
	LastModified int64
}

// GroupLockNetworkPacket propagates the advisory group-membership lock
// (spec.md §1 Non-goals: advisory only, not consensus).
type GroupLockNetworkPacket struct {
	Locked       bool
	LastModified int64
}

// TypingNotificationPacket signals the sender is composing a message.
type TypingNotificationPacket struct {
	IsTyping bool
}

// MessagePacket is the wire form of a message-log entry in flight
// (spec.md §3, §4.6).
type MessagePacket struct {
	MessageNumber uint64
	Kind          MessageKind
	Sender        [32]byte
	Recipients    [][32]byte
	Payload       []byte
	Thumbnail     []byte
	Filename      string
	FileSize      uint64
	Timestamp     int64
}

// MessageDeliveryNotificationPacket acks a received message by number
// (spec.md §4.6).
type MessageDeliveryNotificationPacket struct {
	MessageNumber uint64
}

// FileRequestPacket asks the sender side to stream a file attachment's
// bytes, from fileOffset, over dataPort (spec.md §4.6).
type FileRequestPacket struct {
	MessageNumber uint64
	FileOffset    uint64
	DataPort      uint16
}

// --- primitive codec helpers -------------------------------------------------

func putString(w io.Writer, s string) error {
	b := []byte(s)
	if err := putBytes(w, b); err != nil {
		return err
	}
	return nil
}

func putBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func getString(r io.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

func getBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putUserID(w io.Writer, id [32]byte) error {
	_, err := w.Write(id[:])
	return err
}

func getUserID(r io.Reader) (id [32]byte, err error) {
	_, err = io.ReadFull(r, id[:])
	return
}

func putU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func getU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func putI64(w io.Writer, v int64) error { return putU64(w, uint64(v)) }
func getI64(r io.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}

func putU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func getU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func putBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func getBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}
