package datastream

import (
	"sync"

	"github.com/pkg/errors"
)

// Role determines port parity: a client's auto-allocated ports are odd,
// a server's are even (spec.md §4.2, §8 invariant 8).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// wrapLimit is "u16::MAX - 3" from spec.md §4.2: the allocator wraps
// back to its parity-correct starting port once it would cross this.
const wrapLimit = 0xFFFF - 3

// ErrPortInUse is returned by OpenAt when the requested port is already
// occupied by another open stream.
var ErrPortInUse = errors.New("datastream: port already in use")

// ErrStreamNotFound is returned when a frame or operation addresses a
// port with no open stream.
var ErrStreamNotFound = errors.New("datastream: no stream open on this port")

// WriteFrameFunc emits one wire frame on the given port, serialized by
// the owning Session (spec.md §4.3).
type WriteFrameFunc func(port uint16, payload []byte) error

// Mux owns one Session's table of open DataStreams and the port
// allocator used for locally-initiated streams. It is the direct
// generalization of the teacher's hc.tuns map of port-keyed channels
// (hkexnet/hkextun.go) into a full port table with parity-aware
// allocation.
type Mux struct {
	role       Role
	writeFrame WriteFrameFunc

	mu       sync.Mutex
	lastPort uint16
	streams  map[uint16]*DataStream
}

// NewMux constructs a Mux for a channel acting in role, writing frames
// through writeFrame.
func NewMux(role Role, writeFrame WriteFrameFunc) *Mux {
	m := &Mux{
		role:       role,
		writeFrame: writeFrame,
		streams:    make(map[uint16]*DataStream),
	}
	// Seed lastPort so the first allocation lands on 2 (server; port 0
	// is skipped, see Open) or 1 (client): the allocator always does
	// lastPort += 2 first.
	if role == RoleServer {
		m.lastPort = wrapLimit - 2
	} else {
		m.lastPort = wrapLimit - 1
	}
	return m
}

// Open allocates the next free port (lastPort += 2, wrapping at
// wrapLimit back to the role's parity) and returns a new DataStream on
// it (spec.md §4.2 "OpenDataStream(port=0)").
func (m *Mux) Open() (*DataStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.lastPort
	for {
		next := m.lastPort + 2
		if next >= wrapLimit {
			if m.role == RoleServer {
				next = 0
			} else {
				next = 1
			}
		}
		m.lastPort = next
		if next == 0 {
			// Port 0 carries control frames, never a DataStream.
			continue
		}
		if _, used := m.streams[next]; !used {
			ds := New(next, m.frameWriterFor(next))
			m.streams[next] = ds
			return ds, nil
		}
		if m.lastPort == start {
			return nil, errors.New("datastream: no free ports")
		}
	}
}

// OpenAt registers a new DataStream on an explicit port, used by the
// responder accepting a peer-requested port (spec.md §4.2
// "OpenDataStream(port=X>0)"). It fails if the port is already in use.
func (m *Mux) OpenAt(port uint16) (*DataStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.streams[port]; used {
		return nil, ErrPortInUse
	}
	ds := New(port, m.frameWriterFor(port))
	m.streams[port] = ds
	return ds, nil
}

// Get returns the stream open on port, if any.
func (m *Mux) Get(port uint16) (*DataStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.streams[port]
	return ds, ok
}

// Remove drops port from the table (called once a stream has fully
// closed in both directions).
func (m *Mux) Remove(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, port)
}

// Feed routes an incoming data frame's payload to the stream open on
// port. A zero-length payload closes that stream's read side. It is an
// error to feed a port with no open stream (the caller - Session's read
// loop - drops the frame per spec.md §7 on PolicyReject-adjacent cases).
func (m *Mux) Feed(port uint16, payload []byte) error {
	ds, ok := m.Get(port)
	if !ok {
		return ErrStreamNotFound
	}
	return ds.Feed(payload)
}

// Streams returns a snapshot slice of all currently open streams.
func (m *Mux) Streams() []*DataStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DataStream, 0, len(m.streams))
	for _, ds := range m.streams {
		out = append(out, ds)
	}
	return out
}

func (m *Mux) frameWriterFor(port uint16) FrameWriter {
	return func(payload []byte) error {
		return m.writeFrame(port, payload)
	}
}
