// Package session implements the Session collaborator of
// spec.md §4.3: one authenticated channel to a peer, its dedicated
// reader goroutine, control/data frame dispatch, and the DataStream
// table multiplexed over it.
//
// Grounded on the teacher's hkexnet.Conn read loop (hkexnet/hkexnet.go)
// and hkexsession.go's session bookkeeping shape, generalized from a
// single shell session per connection to a full control-packet
// dispatcher plus an arbitrary table of DataStreams.
package session

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mcoutos/Mesh/internal/datastream"
	"github.com/mcoutos/Mesh/internal/mesherr"
	"github.com/mcoutos/Mesh/internal/wire"
)

// FeedDeadline is the 30 s ceiling spec.md §4.3 gives the reader loop
// to hand a data frame's payload to its DataStream before giving up.
const FeedDeadline = 30 * time.Second

// Channel is the subset of securechannel.Channel a Session drives. It
// is declared locally (rather than importing internal/securechannel)
// so this package only depends on the shape it actually uses, matching
// spec.md §6.1's own collaborator-interface style.
type Channel interface {
	io.ReadWriteCloser
}

// Connection carries the transport metadata spec.md §4.3 says a Session
// attaches to its channel: remote endpoint, virtual-via endpoint if
// tunnelled, and whether this is a virtual (tunnelled) connection at
// all.
type Connection struct {
	RemoteEndpoint string
	ViaEndpoint    string
	IsVirtual      bool
}

// ControlHandler is invoked once per decoded control packet read from
// the channel, with the Session it arrived on (so a handler can reply
// on the same link, e.g. a ping response or a file-request data
// stream, without needing a separately tracked reference). It runs on
// the Session's reader goroutine; handlers that need to do real work
// should hand off to another goroutine themselves.
type ControlHandler func(s *Session, ct wire.ControlType, packet interface{})

// TerminateHandler is invoked exactly once when the reader loop exits,
// with the session itself (so the caller can identify which of a
// peer's sessions just died without capturing it by closure - the
// Session isn't fully constructed until after the reader goroutine
// starts) and the reason: nil for orderly EOF, otherwise the I/O or
// protocol error that ended the session (spec.md §4.3 Terminate).
type TerminateHandler func(s *Session, err error)

// Session is one authenticated, multiplexed byte-stream link to a peer
// (spec.md §4.3, §3).
type Session struct {
	channel    Channel
	Connection Connection

	onControl   ControlHandler
	onTerminate TerminateHandler

	writeMu sync.Mutex // serializes WriteFrame calls (spec.md §4.3 ordering)
	streams *datastream.Mux

	closeOnce sync.Once
	doneCh    chan struct{}

	lastPeerExchange *wire.PeerExchangePacket
	mu               sync.Mutex
}

// New constructs a Session over an already-authenticated channel and
// spawns its reader goroutine (spec.md §4.3 Init). role determines
// DataStream port parity (client odd, server even, per §4.2).
func New(channel Channel, conn Connection, role datastream.Role, onControl ControlHandler, onTerminate TerminateHandler) *Session {
	s := &Session{
		channel:     channel,
		Connection:  conn,
		onControl:   onControl,
		onTerminate: onTerminate,
		doneCh:      make(chan struct{}),
	}
	s.streams = datastream.NewMux(role, s.writeDataFrame)
	go s.readLoop()
	return s
}

// Done returns a channel closed once the reader loop has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// OpenDataStream allocates the next free port and returns a new
// DataStream the caller can read/write (spec.md §4.2
// "OpenDataStream(port=0)").
func (s *Session) OpenDataStream() (*datastream.DataStream, error) {
	return s.streams.Open()
}

// AcceptDataStream registers a stream on a peer-requested port (spec.md
// §4.2 "OpenDataStream(port=X>0)").
func (s *Session) AcceptDataStream(port uint16) (*datastream.DataStream, error) {
	return s.streams.OpenAt(port)
}

// SendControl serializes and writes p as a control (port 0) frame.
func (s *Session) SendControl(p interface{}) error {
	body, err := wire.EncodeControl(p)
	if err != nil {
		return mesherr.Wrap(mesherr.ParseError, err, "session: encode control packet")
	}
	return s.writeFrame(wire.ControlPort, body)
}

// SendPing writes a bare PingRequest or PingResponse control frame.
func (s *Session) SendPing(isResponse bool) error {
	return s.writeFrame(wire.ControlPort, wire.EncodePing(isResponse))
}

// SendImage writes a Profile/GroupDisplayImage control frame.
func (s *Session) SendImage(p *wire.ImagePacket, group bool) error {
	body, err := wire.EncodeImage(p, group)
	if err != nil {
		return mesherr.Wrap(mesherr.ParseError, err, "session: encode image packet")
	}
	return s.writeFrame(wire.ControlPort, body)
}

// LastPeerExchange returns the most recently received peer-exchange
// payload, or nil if none has arrived yet.
func (s *Session) LastPeerExchange() *wire.PeerExchangePacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPeerExchange
}

// Close tears the session down: closes the channel (which unblocks the
// reader loop with an I/O error) and waits for the reader to finish.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.channel.Close()
		<-s.doneCh
	})
	return err
}

func (s *Session) writeFrame(port uint16, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteFrame(s.channel, port, payload); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "session: write frame")
	}
	return nil
}

func (s *Session) writeDataFrame(port uint16, payload []byte) error {
	return s.writeFrame(port, payload)
}

// readLoop is the dedicated reader goroutine of spec.md §4.3: it reads
// frames in a tight loop for the session's lifetime, dispatching control
// frames to onControl and data frames to the matching DataStream with a
// 30 s feed deadline.
func (s *Session) readLoop() {
	var terminateErr error
	defer func() {
		close(s.doneCh)
		if s.onTerminate != nil {
			s.onTerminate(s, terminateErr)
		}
	}()

	for {
		port, length, err := wire.ReadFrameHeader(s.channel)
		if err != nil {
			if errors.Cause(err) != io.EOF && err != io.EOF {
				terminateErr = mesherr.Wrap(mesherr.TransportError, err, "session: read frame header")
			}
			return
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(s.channel, payload); err != nil {
				terminateErr = mesherr.Wrap(mesherr.TransportError, err, "session: read frame payload")
				return
			}
		}

		if port == wire.ControlPort {
			if err := s.dispatchControl(payload); err != nil {
				terminateErr = err
				return
			}
			continue
		}

		if err := s.feedDataFrame(port, payload); err != nil {
			terminateErr = err
			return
		}
	}
}

func (s *Session) dispatchControl(payload []byte) error {
	ct, pkt, err := wire.DecodeControl(bytes.NewReader(payload))
	if err != nil {
		return mesherr.Wrap(mesherr.ParseError, err, "session: decode control packet")
	}
	if ct == wire.PeerExchange {
		if pe, ok := pkt.(*wire.PeerExchangePacket); ok {
			s.mu.Lock()
			s.lastPeerExchange = pe
			s.mu.Unlock()
		}
	}
	if s.onControl != nil {
		s.onControl(s, ct, pkt)
	}
	return nil
}

// feedDataFrame hands payload to the DataStream open on port, bounded
// by FeedDeadline. If the stream has no consumer draining it in time,
// the feed is abandoned but framing has already been preserved: unlike
// the teacher's tunnel loop, ReadFrameHeader/io.ReadFull above always
// consume a frame's bytes from the channel before Feed is called, so
// there is never a partially-drained frame left on the wire regardless
// of how long the consumer stalls (see DataStream.Feed's doc comment
// and DESIGN.md's Open Question (b) decision).
func (s *Session) feedDataFrame(port uint16, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- s.streams.Feed(port, payload)
	}()

	select {
	case err := <-done:
		if err == datastream.ErrStreamNotFound {
			// No open stream on this port: not a transport failure, just
			// drop it (the frame's bytes are already fully consumed).
			return nil
		}
		return err
	case <-time.After(FeedDeadline):
		return mesherr.New(mesherr.Timeout, "session: feed deadline exceeded")
	}
}
