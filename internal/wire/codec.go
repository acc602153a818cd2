package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// EncodeControl renders a control packet (self-delimiting: the type
// byte followed by the packet's own fields; there is no outer length a
// decoder needs other than what each field's own encoding implies, per
// spec.md §4.2).
func EncodeControl(p interface{}) ([]byte, error) {
	var buf bytes.Buffer
	switch v := p.(type) {
	case *PeerExchangePacket:
		buf.WriteByte(byte(PeerExchange))
		if err := putU16(&buf, uint16(len(v.Peers))); err != nil {
			return nil, err
		}
		for _, pe := range v.Peers {
			if err := putUserID(&buf, pe.PeerUserID); err != nil {
				return nil, err
			}
			if err := putU16(&buf, uint16(len(pe.Endpoints))); err != nil {
				return nil, err
			}
			for _, ep := range pe.Endpoints {
				if err := putString(&buf, ep); err != nil {
					return nil, err
				}
			}
		}
	case *LocalNetworkOnlyPacket:
		buf.WriteByte(byte(LocalNetworkOnly))
		if err := putBool(&buf, v.Enabled); err != nil {
			return nil, err
		}
	case *ProfilePacket:
		buf.WriteByte(byte(Profile))
		for _, e := range []error{
			putString(&buf, v.DisplayName),
			putString(&buf, v.Status),
			putString(&buf, v.StatusMessage),
			putI64(&buf, v.LastModified),
		} {
			if e != nil {
				return nil, e
			}
		}
	case *ImagePacket:
		// caller distinguishes ProfileDisplayImage vs GroupDisplayImage
		// via EncodeImage below; this branch should not be reached
		// directly.
		return nil, errors.New("wire: use EncodeImage for ImagePacket")
	case *GroupLockNetworkPacket:
		buf.WriteByte(byte(GroupLockNetwork))
		if err := putBool(&buf, v.Locked); err != nil {
			return nil, err
		}
		if err := putI64(&buf, v.LastModified); err != nil {
			return nil, err
		}
	case *TypingNotificationPacket:
		buf.WriteByte(byte(MessageTypingNotification))
		if err := putBool(&buf, v.IsTyping); err != nil {
			return nil, err
		}
	case *MessagePacket:
		buf.WriteByte(byte(Message))
		if err := putU64(&buf, v.MessageNumber); err != nil {
			return nil, err
		}
		buf.WriteByte(byte(v.Kind))
		if err := putUserID(&buf, v.Sender); err != nil {
			return nil, err
		}
		if err := putU16(&buf, uint16(len(v.Recipients))); err != nil {
			return nil, err
		}
		for _, rcpt := range v.Recipients {
			if err := putUserID(&buf, rcpt); err != nil {
				return nil, err
			}
		}
		for _, e := range []error{
			putBytes(&buf, v.Payload),
			putBytes(&buf, v.Thumbnail),
			putString(&buf, v.Filename),
			putU64(&buf, v.FileSize),
			putI64(&buf, v.Timestamp),
		} {
			if e != nil {
				return nil, e
			}
		}
	case *MessageDeliveryNotificationPacket:
		buf.WriteByte(byte(MessageDeliveryNotification))
		if err := putU64(&buf, v.MessageNumber); err != nil {
			return nil, err
		}
	case *FileRequestPacket:
		buf.WriteByte(byte(FileRequest))
		for _, e := range []error{
			putU64(&buf, v.MessageNumber),
			putU64(&buf, v.FileOffset),
		} {
			if e != nil {
				return nil, e
			}
		}
		if err := putU16(&buf, v.DataPort); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("wire: cannot encode control packet of type %T", p)
	}
	return buf.Bytes(), nil
}

// EncodePing encodes a bare PingRequest/PingResponse control packet
// (neither carries a body beyond its type byte).
func EncodePing(isResponse bool) []byte {
	if isResponse {
		return []byte{byte(PingResponse)}
	}
	return []byte{byte(PingRequest)}
}

// EncodeImage encodes a ProfileDisplayImage or GroupDisplayImage
// control packet; which one is picked by group.
func EncodeImage(p *ImagePacket, group bool) ([]byte, error) {
	var buf bytes.Buffer
	if group {
		buf.WriteByte(byte(GroupDisplayImage))
	} else {
		buf.WriteByte(byte(ProfileDisplayImage))
	}
	if err := putBytes(&buf, p.Image); err != nil {
		return nil, err
	}
	if err := putI64(&buf, p.LastModified); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeControl reads one control packet from r (the bytes of a port-0
// frame) and returns its type plus a pointer to the decoded struct.
func DecodeControl(r io.Reader) (ControlType, interface{}, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return 0, nil, errors.Wrap(err, "wire: read control type")
	}
	ct := ControlType(typeBuf[0])

	switch ct {
	case PingRequest, PingResponse:
		return ct, nil, nil
	case PeerExchange:
		n, err := getU16(r)
		if err != nil {
			return ct, nil, err
		}
		pkt := &PeerExchangePacket{Peers: make([]PeerEndpoint, 0, n)}
		for i := uint16(0); i < n; i++ {
			id, err := getUserID(r)
			if err != nil {
				return ct, nil, err
			}
			m, err := getU16(r)
			if err != nil {
				return ct, nil, err
			}
			eps := make([]string, 0, m)
			for j := uint16(0); j < m; j++ {
				s, err := getString(r)
				if err != nil {
					return ct, nil, err
				}
				eps = append(eps, s)
			}
			pkt.Peers = append(pkt.Peers, PeerEndpoint{PeerUserID: id, Endpoints: eps})
		}
		return ct, pkt, nil
	case LocalNetworkOnly:
		b, err := getBool(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &LocalNetworkOnlyPacket{Enabled: b}, nil
	case Profile:
		dn, err := getString(r)
		if err != nil {
			return ct, nil, err
		}
		st, err := getString(r)
		if err != nil {
			return ct, nil, err
		}
		sm, err := getString(r)
		if err != nil {
			return ct, nil, err
		}
		lm, err := getI64(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &ProfilePacket{DisplayName: dn, Status: st, StatusMessage: sm, LastModified: lm}, nil
	case ProfileDisplayImage, GroupDisplayImage:
		img, err := getBytes(r)
		if err != nil {
			return ct, nil, err
		}
		lm, err := getI64(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &ImagePacket{Image: img, LastModified: lm}, nil
	case GroupLockNetwork:
		locked, err := getBool(r)
		if err != nil {
			return ct, nil, err
		}
		lm, err := getI64(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &GroupLockNetworkPacket{Locked: locked, LastModified: lm}, nil
	case MessageTypingNotification:
		typing, err := getBool(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &TypingNotificationPacket{IsTyping: typing}, nil
	case Message:
		num, err := getU64(r)
		if err != nil {
			return ct, nil, err
		}
		var kindBuf [1]byte
		if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
			return ct, nil, err
		}
		sender, err := getUserID(r)
		if err != nil {
			return ct, nil, err
		}
		n, err := getU16(r)
		if err != nil {
			return ct, nil, err
		}
		recipients := make([][32]byte, 0, n)
		for i := uint16(0); i < n; i++ {
			id, err := getUserID(r)
			if err != nil {
				return ct, nil, err
			}
			recipients = append(recipients, id)
		}
		payload, err := getBytes(r)
		if err != nil {
			return ct, nil, err
		}
		thumb, err := getBytes(r)
		if err != nil {
			return ct, nil, err
		}
		filename, err := getString(r)
		if err != nil {
			return ct, nil, err
		}
		fileSize, err := getU64(r)
		if err != nil {
			return ct, nil, err
		}
		ts, err := getI64(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &MessagePacket{
			MessageNumber: num,
			Kind:          MessageKind(kindBuf[0]),
			Sender:        sender,
			Recipients:    recipients,
			Payload:       payload,
			Thumbnail:     thumb,
			Filename:      filename,
			FileSize:      fileSize,
			Timestamp:     ts,
		}, nil
	case MessageDeliveryNotification:
		num, err := getU64(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &MessageDeliveryNotificationPacket{MessageNumber: num}, nil
	case FileRequest:
		num, err := getU64(r)
		if err != nil {
			return ct, nil, err
		}
		off, err := getU64(r)
		if err != nil {
			return ct, nil, err
		}
		port, err := getU16(r)
		if err != nil {
			return ct, nil, err
		}
		return ct, &FileRequestPacket{MessageNumber: num, FileOffset: off, DataPort: port}, nil
	default:
		return ct, nil, ErrUnknownControlType
	}
}
