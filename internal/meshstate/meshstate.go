// Package meshstate implements the Serialization component of
// spec.md §4.7: a versioned binary snapshot of one network's full
// state (§3's "Serialized network state") plus its known peer list.
//
// Grounded on internal/wire's own primitive codec helpers
// (length-prefixed strings/bytes, fixed-width little-endian ints),
// generalized from per-packet control frames to one whole-state
// record with a leading version byte, the shape the teacher gives its
// own wire packets one layer up (internal/wire/packets.go).
package meshstate

import (
	"encoding/binary"
	"io"

	"github.com/mcoutos/Mesh/internal/mesherr"
)

// Version is the only snapshot format this package writes or accepts.
// Reading any other value is a clean parse error per spec.md §4.7 ("no
// backward-compatibility with unknown versions is promised").
const Version = 1

// NetworkType mirrors internal/network.Type without importing that
// package, keeping this package's dependency graph a leaf the way
// internal/messagestore's does.
type NetworkType uint8

const (
	Private NetworkType = iota
	Group
)

// PeerInfo is one entry of the known-peer list trailing a snapshot
// (spec.md §4.7's MeshNetworkPeerInfo): a user id, display name, and
// the endpoints last known for them.
type PeerInfo struct {
	UserID      [32]byte
	DisplayName string
	Endpoints   []string
}

// NetworkState is the full serialized form of one network (spec.md
// §3's field list, in the order §4.7 specifies).
type NetworkState struct {
	Type        NetworkType
	LocalUserID [32]byte
	GroupName   string // Group only; empty for Private
	SharedSecret string

	Online bool // Network.Status() == Online

	NetworkID     [32]byte
	NetworkSecret [32]byte

	MessageStoreID  string
	MessageStoreKey []byte

	LocalNetworkOnlyModifiedAt int64
	LocalNetworkOnly           bool

	GroupImageModifiedAt int64
	GroupImage           []byte

	GroupLockedAt int64
	GroupLocked   bool

	Mute bool

	// Peers holds exactly one record for Private (the other party) and
	// a count-prefixed list excluding self for Group (spec.md §3).
	Peers []PeerInfo
}

// Write renders state as a version-1 snapshot.
func Write(w io.Writer, state NetworkState) error {
	if _, err := w.Write([]byte{Version}); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: write version byte")
	}

	if err := putU8(w, uint8(state.Type)); err != nil {
		return err
	}
	if err := putFixed(w, state.LocalUserID[:]); err != nil {
		return err
	}
	if state.Type == Group {
		if err := putString(w, state.GroupName); err != nil {
			return err
		}
	}
	if err := putString(w, state.SharedSecret); err != nil {
		return err
	}
	if err := putBool(w, state.Online); err != nil {
		return err
	}
	if err := putFixed(w, state.NetworkID[:]); err != nil {
		return err
	}
	if err := putFixed(w, state.NetworkSecret[:]); err != nil {
		return err
	}
	if err := putString(w, state.MessageStoreID); err != nil {
		return err
	}
	if err := putBytes(w, state.MessageStoreKey); err != nil {
		return err
	}
	if err := putI64(w, state.LocalNetworkOnlyModifiedAt); err != nil {
		return err
	}
	if err := putBool(w, state.LocalNetworkOnly); err != nil {
		return err
	}
	if err := putI64(w, state.GroupImageModifiedAt); err != nil {
		return err
	}
	if err := putBytes(w, state.GroupImage); err != nil {
		return err
	}
	if err := putI64(w, state.GroupLockedAt); err != nil {
		return err
	}
	if err := putBool(w, state.GroupLocked); err != nil {
		return err
	}
	if err := putBool(w, state.Mute); err != nil {
		return err
	}

	if err := putU16(w, uint16(len(state.Peers))); err != nil {
		return err
	}
	for _, p := range state.Peers {
		if err := writePeerInfo(w, p); err != nil {
			return err
		}
	}
	return nil
}

func writePeerInfo(w io.Writer, p PeerInfo) error {
	if err := putFixed(w, p.UserID[:]); err != nil {
		return err
	}
	if err := putString(w, p.DisplayName); err != nil {
		return err
	}
	if err := putU16(w, uint16(len(p.Endpoints))); err != nil {
		return err
	}
	for _, ep := range p.Endpoints {
		if err := putString(w, ep); err != nil {
			return err
		}
	}
	return nil
}

// Read parses a snapshot written by Write, rejecting any version byte
// other than Version with a clean parse error.
func Read(r io.Reader) (NetworkState, error) {
	var state NetworkState

	var versionBuf [1]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return state, mesherr.Wrap(mesherr.TransportError, err, "meshstate: read version byte")
	}
	if versionBuf[0] != Version {
		return state, mesherr.New(mesherr.ParseError, "meshstate: unrecognised snapshot version")
	}

	typ, err := getU8(r)
	if err != nil {
		return state, err
	}
	state.Type = NetworkType(typ)

	if err := getFixed(r, state.LocalUserID[:]); err != nil {
		return state, err
	}
	if state.Type == Group {
		if state.GroupName, err = getString(r); err != nil {
			return state, err
		}
	}
	if state.SharedSecret, err = getString(r); err != nil {
		return state, err
	}
	if state.Online, err = getBool(r); err != nil {
		return state, err
	}
	if err := getFixed(r, state.NetworkID[:]); err != nil {
		return state, err
	}
	if err := getFixed(r, state.NetworkSecret[:]); err != nil {
		return state, err
	}
	if state.MessageStoreID, err = getString(r); err != nil {
		return state, err
	}
	if state.MessageStoreKey, err = getBytes(r); err != nil {
		return state, err
	}
	if state.LocalNetworkOnlyModifiedAt, err = getI64(r); err != nil {
		return state, err
	}
	if state.LocalNetworkOnly, err = getBool(r); err != nil {
		return state, err
	}
	if state.GroupImageModifiedAt, err = getI64(r); err != nil {
		return state, err
	}
	if state.GroupImage, err = getBytes(r); err != nil {
		return state, err
	}
	if state.GroupLockedAt, err = getI64(r); err != nil {
		return state, err
	}
	if state.GroupLocked, err = getBool(r); err != nil {
		return state, err
	}
	if state.Mute, err = getBool(r); err != nil {
		return state, err
	}

	count, err := getU16(r)
	if err != nil {
		return state, err
	}
	state.Peers = make([]PeerInfo, count)
	for i := range state.Peers {
		p, err := readPeerInfo(r)
		if err != nil {
			return state, err
		}
		state.Peers[i] = p
	}

	return state, nil
}

func readPeerInfo(r io.Reader) (PeerInfo, error) {
	var p PeerInfo
	if err := getFixed(r, p.UserID[:]); err != nil {
		return p, err
	}
	var err error
	if p.DisplayName, err = getString(r); err != nil {
		return p, err
	}
	n, err := getU16(r)
	if err != nil {
		return p, err
	}
	p.Endpoints = make([]string, n)
	for i := range p.Endpoints {
		if p.Endpoints[i], err = getString(r); err != nil {
			return p, err
		}
	}
	return p, nil
}

// --- primitive codec helpers, mirroring internal/wire/packets.go's ----------

func putFixed(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	if err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: write field")
	}
	return nil
}

func getFixed(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: read field")
	}
	return nil
}

func putU8(w io.Writer, v uint8) error {
	if _, err := w.Write([]byte{v}); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: write u8")
	}
	return nil
}

func getU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, mesherr.Wrap(mesherr.TransportError, err, "meshstate: read u8")
	}
	return b[0], nil
}

func putBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return putU8(w, b)
}

func getBool(r io.Reader) (bool, error) {
	v, err := getU8(r)
	return v != 0, err
}

func putI64(w io.Writer, v int64) error { return putU64(w, uint64(v)) }
func getI64(r io.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}

func putU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: write u64")
	}
	return nil
}

func getU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, mesherr.Wrap(mesherr.TransportError, err, "meshstate: read u64")
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func putU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: write u16")
	}
	return nil
}

func getU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, mesherr.Wrap(mesherr.TransportError, err, "meshstate: read u16")
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func putString(w io.Writer, s string) error {
	return putBytes(w, []byte(s))
}

func getString(r io.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

func putBytes(w io.Writer, b []byte) error {
	if err := putU64(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "meshstate: write bytes")
	}
	return nil
}

func getBytes(r io.Reader) ([]byte, error) {
	n, err := getU64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "meshstate: read bytes")
	}
	return b, nil
}
