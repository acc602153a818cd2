// Package datastream implements the in-channel data stream multiplexer
// of the mesh network session fabric (spec.md §4.2): numbered duplex
// byte pipes carried inside a Session's SecureChannel, alongside control
// traffic on port 0.
//
// This generalizes the teacher's port-keyed shell tunnels
// (hkexnet/hkextun.go: TunEndpoint, startServerTunnel, StartClientTunnel
// - each backed by a `chan []byte` keyed by remote port) into a
// first-class, typed byte-pipe with blocking Read/Write and an explicit
// close signal, instead of a fire-and-forget io.Copy loop.
package datastream

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultReadTimeout is the default deadline for Read, per spec.md §4.2.
const DefaultReadTimeout = 60 * time.Second

// FeedTimeout is the deadline Session's read loop uses when depositing a
// frame into a stream's single read slot (spec.md §4.3/§5).
const FeedTimeout = 30 * time.Second

// ReadBufferCap is the bound on the single in-flight read frame
// (spec.md §4.2: "bounded read buffer (8 KiB)") - frames larger than
// this are rejected by the writer side's Write (ErrWriteTooLarge), which
// emits exactly one frame per call.
const ReadBufferCap = 8 * 1024

// ErrReadTimeout is returned by Read when no data nor close arrives
// within the read timeout.
var ErrReadTimeout = errors.New("datastream: read timed out")

// ErrFeedTimeout is returned by Feed when the consumer does not drain
// the single read slot within FeedTimeout. The session that owns this
// stream must treat this as fatal and tear itself down (spec.md §5).
var ErrFeedTimeout = errors.New("datastream: feed timed out, consumer stalled")

// ErrWriteAfterClose is returned by Write once the local side has
// closed the stream.
var ErrWriteAfterClose = errors.New("datastream: write after close")

// ErrWriteTooLarge is returned by Write when p exceeds ReadBufferCap.
var ErrWriteTooLarge = errors.New("datastream: write exceeds ReadBufferCap")

// FrameWriter emits one wire frame on a stream's port. Session supplies
// this, serialized on its own per-channel send lock (spec.md §4.3).
type FrameWriter func(payload []byte) error

// DataStream is a duplex byte pipe multiplexed over a Session's secure
// channel on a single 16-bit port (spec.md §4.2).
type DataStream struct {
	Port uint16

	writeFrame  FrameWriter
	readTimeout time.Duration

	incoming chan []byte // capacity 1: the single in-flight read slot
	closedCh chan struct{}
	closeOnce sync.Once

	readMu     sync.Mutex
	current    []byte
	currentPos int
	eof        bool

	writeMu sync.Mutex
	closed  bool
}

// New constructs a DataStream bound to port, whose outbound frames are
// emitted through writeFrame.
func New(port uint16, writeFrame FrameWriter) *DataStream {
	return &DataStream{
		Port:        port,
		writeFrame:  writeFrame,
		readTimeout: DefaultReadTimeout,
		incoming:    make(chan []byte, 1),
		closedCh:    make(chan struct{}),
	}
}

// SetReadTimeout overrides the default 60s read deadline; used by tests
// exercising the timeout path without waiting a full minute.
func (s *DataStream) SetReadTimeout(d time.Duration) {
	s.readTimeout = d
}

// Read implements io.Reader. It blocks until the read buffer has data,
// the stream is closed (returns io.EOF), or the stream's read timeout
// (DefaultReadTimeout unless changed by SetReadTimeout) elapses
// (returns ErrReadTimeout, distinct from orderly close per spec.md
// §4.2).
func (s *DataStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	if s.currentPos < len(s.current) {
		n := copy(p, s.current[s.currentPos:])
		s.currentPos += n
		s.readMu.Unlock()
		return n, nil
	}
	if s.eof {
		s.readMu.Unlock()
		return 0, io.EOF
	}
	s.readMu.Unlock()

	select {
	case data, ok := <-s.incoming:
		if !ok {
			return 0, io.EOF
		}
		if data == nil {
			// Zero-length frame: orderly close (spec.md §4.2).
			s.readMu.Lock()
			s.eof = true
			s.readMu.Unlock()
			return 0, io.EOF
		}
		n := copy(p, data)
		s.readMu.Lock()
		s.current = data
		s.currentPos = n
		s.readMu.Unlock()
		return n, nil
	case <-time.After(s.readTimeout):
		return 0, ErrReadTimeout
	case <-s.closedCh:
		return 0, io.EOF
	}
}

// Write implements io.Writer. Each call emits exactly one framed packet
// (spec.md §4.2); there is no internal buffering or coalescing.
func (s *DataStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	closed := s.closed
	s.writeMu.Unlock()
	if closed {
		return 0, ErrWriteAfterClose
	}
	if len(p) > ReadBufferCap {
		return 0, ErrWriteTooLarge
	}
	if err := s.writeFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close emits the zero-length close frame on this stream's port and
// marks it locally closed. It is safe to call more than once.
func (s *DataStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		err = s.writeFrame(nil)
		close(s.closedCh)
	})
	return err
}

// Feed deposits an incoming frame's payload into the single read slot.
// A nil (or zero-length) data signals orderly close. Feed blocks up to
// FeedTimeout for the consumer to drain the previous slot; on timeout
// it returns ErrFeedTimeout, and the caller (Session's read loop) must
// tear the session down per spec.md §4.3/§5 - the underlying transport
// read already consumed exactly this frame's bytes (the read loop reads
// the full payload before Feed is called), so there is nothing left to
// drain at the transport level even on this path; this is a design
// simplification of the "drain on timeout" rule documented in
// spec.md §9(b).
func (s *DataStream) Feed(data []byte) error {
	if len(data) == 0 {
		data = nil
	}
	select {
	case s.incoming <- data:
		return nil
	case <-time.After(FeedTimeout):
		return ErrFeedTimeout
	}
}
