package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 7, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	port, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if port != 7 || string(payload) != "hello" {
		t.Fatalf("got port=%d payload=%q", port, payload)
	}
}

func TestFrameZeroLengthIsClose(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteClose(&buf, 3); err != nil {
		t.Fatal(err)
	}
	port, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if port != 3 || len(payload) != 0 {
		t.Fatalf("expected zero-length close frame on port 3, got port=%d len=%d", port, len(payload))
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 1, make([]byte, MaxFrameLen+1)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestControlPacketRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  interface{}
		want ControlType
	}{
		{"peer-exchange", &PeerExchangePacket{Peers: []PeerEndpoint{
			{PeerUserID: [32]byte{1}, Endpoints: []string{"10.0.0.1:9000", "192.168.1.5:9000"}},
		}}, PeerExchange},
		{"local-network-only", &LocalNetworkOnlyPacket{Enabled: true}, LocalNetworkOnly},
		{"profile", &ProfilePacket{DisplayName: "Alice", Status: "online", StatusMessage: "hi", LastModified: 42}, Profile},
		{"group-lock", &GroupLockNetworkPacket{Locked: true, LastModified: 9}, GroupLockNetwork},
		{"typing", &TypingNotificationPacket{IsTyping: true}, MessageTypingNotification},
		{"message", &MessagePacket{
			MessageNumber: 3,
			Kind:          TextMessage,
			Sender:        [32]byte{1},
			Recipients:    [][32]byte{{2}},
			Payload:       []byte("hi"),
			Timestamp:     100,
		}, Message},
		{"delivery", &MessageDeliveryNotificationPacket{MessageNumber: 5}, MessageDeliveryNotification},
		{"file-request", &FileRequestPacket{MessageNumber: 1, FileOffset: 4 << 20, DataPort: 5}, FileRequest},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc, err := EncodeControl(c.pkt)
			if err != nil {
				t.Fatal(err)
			}
			ct, decoded, err := DecodeControl(bytes.NewReader(enc))
			if err != nil {
				t.Fatal(err)
			}
			if ct != c.want {
				t.Fatalf("got type %v want %v", ct, c.want)
			}
			if decoded == nil {
				t.Fatal("decoded packet is nil")
			}
		})
	}
}

func TestEncodeImageProfileVsGroup(t *testing.T) {
	p := &ImagePacket{Image: []byte{1, 2, 3}, LastModified: 7}
	enc, err := EncodeImage(p, false)
	if err != nil {
		t.Fatal(err)
	}
	ct, decoded, err := DecodeControl(bytes.NewReader(enc))
	if err != nil {
		t.Fatal(err)
	}
	if ct != ProfileDisplayImage {
		t.Fatalf("expected ProfileDisplayImage, got %v", ct)
	}
	img, ok := decoded.(*ImagePacket)
	if !ok || !bytes.Equal(img.Image, p.Image) || img.LastModified != p.LastModified {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}

	enc2, err := EncodeImage(p, true)
	if err != nil {
		t.Fatal(err)
	}
	ct2, _, err := DecodeControl(bytes.NewReader(enc2))
	if err != nil {
		t.Fatal(err)
	}
	if ct2 != GroupDisplayImage {
		t.Fatalf("expected GroupDisplayImage, got %v", ct2)
	}
}

func TestPingRoundTrip(t *testing.T) {
	ct, _, err := DecodeControl(bytes.NewReader(EncodePing(false)))
	if err != nil || ct != PingRequest {
		t.Fatalf("ping request round trip failed: ct=%v err=%v", ct, err)
	}
	ct, _, err = DecodeControl(bytes.NewReader(EncodePing(true)))
	if err != nil || ct != PingResponse {
		t.Fatalf("ping response round trip failed: ct=%v err=%v", ct, err)
	}
}

func TestDecodeUnknownControlType(t *testing.T) {
	_, _, err := DecodeControl(bytes.NewReader([]byte{0xFF}))
	if err != ErrUnknownControlType {
		t.Fatalf("expected ErrUnknownControlType, got %v", err)
	}
}
