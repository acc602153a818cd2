// Package wire implements the in-channel framing and control-packet
// catalogue of the mesh network session fabric (spec.md §4.2, §6.2):
// everything that travels inside an already-authenticated,
// already-encrypted SecureChannel.
//
// The outer frame is modeled directly on the teacher's
// hkexnet.Conn.WritePacket/readEncrypted loop (binary.Write of a fixed
// header followed by the payload), generalized from the teacher's single
// byte status code to a 16-bit port plus a 16-bit length.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ControlPort is the reserved port number denoting a control frame
// rather than DataStream traffic (spec.md §4.2).
const ControlPort uint16 = 0

// MaxFrameLen bounds a single frame's payload. This is the
// secure-channel's max packet size budget; Peer.SendMessage (spec.md
// §4.4) rejects payloads within 32 bytes of this ceiling to leave room
// for channel overhead. It is the largest length the u16 length field
// can carry.
const MaxFrameLen = 64*1024 - 1

// ErrFrameTooLarge is returned by WriteFrame when payload exceeds
// MaxFrameLen.
var ErrFrameTooLarge = errors.New("wire: frame payload exceeds MaxFrameLen")

// WriteFrame writes one outer frame: port (u16 LE), length (u16 LE),
// then the payload bytes, atomically from the caller's point of view.
// Session callers must serialize calls to WriteFrame on a given
// io.Writer themselves (spec.md §4.3 "sending is serialized by a
// per-channel lock") - this function does no locking of its own.
func WriteFrame(w io.Writer, port uint16, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], port)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "wire: write frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "wire: write frame payload")
	}
	return nil
}

// WriteClose writes the zero-length frame on port that signals "close
// stream port" to the peer's DataStream (spec.md §4.2).
func WriteClose(w io.Writer, port uint16) error {
	return WriteFrame(w, port, nil)
}

// ReadFrameHeader reads just the port+length header of the next frame.
// Callers read the payload themselves (control-frame callers decode a
// self-describing packet body; data-frame callers feed exactly length
// bytes to the addressed DataStream).
func ReadFrameHeader(r io.Reader) (port uint16, length uint16, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	port = binary.LittleEndian.Uint16(hdr[0:2])
	length = binary.LittleEndian.Uint16(hdr[2:4])
	return
}

// ReadFrame reads one complete frame (header + payload) in one call.
// Session's read loop and the invitation accept path use
// ReadFrameHeader directly instead; ReadFrame exists for callers (the
// package's tests) that just want "the next frame" as a unit.
func ReadFrame(r io.Reader) (port uint16, payload []byte, err error) {
	port, length, err := ReadFrameHeader(r)
	if err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return port, nil, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(err, "wire: read frame payload")
	}
	return port, payload, nil
}
