// Package securechannel implements the SecureChannel collaborator of
// spec.md §6.1: a mutually authenticated, encrypted byte-stream wrapper
// around a raw transport connection, combining pre-shared-key
// authentication with client public-key-backed identity assertion and
// renegotiation on byte/time thresholds.
//
// The cryptographic handshake itself is explicitly out of scope of the
// mesh fabric design (spec.md §1: "the secure-channel cryptographic
// handshake itself" is an external collaborator with a stated
// interface) - this package supplies the teacher's own working
// construction (Herradura key exchange over a cleartext preamble,
// negotiated stream cipher, HMAC-checked packets) instead of a stub, so
// Session has a real Channel to drive. It is adapted from
// xsnet/net.go's HKExDialSetup/HKExAcceptSetup and xsnet/chan.go's
// cipher negotiation.
package securechannel

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	hkex "blitter.com/go/herradurakex"

	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/mesherr"
)

// KEXAlg selects the Herradura key-exchange strength, mirroring
// xsnet.KEXAlg (hkexnet/consts.go).
type KEXAlg uint8

const (
	KEXHerradura256 KEXAlg = iota
	KEXHerradura512
	KEXHerradura1024
	KEXHerradura2048
)

func newHerradura(alg KEXAlg) *hkex.HerraduraKEx {
	switch alg {
	case KEXHerradura512:
		return hkex.New(512, 128)
	case KEXHerradura1024:
		return hkex.New(1024, 256)
	case KEXHerradura2048:
		return hkex.New(2048, 512)
	default:
		return hkex.New(256, 64)
	}
}

// RenegotiateBytes and RenegotiateInterval are the fixed thresholds of
// spec.md §4.3: whichever triggers first.
const (
	RenegotiateBytes    = 100 * 1024 * 1024
	RenegotiateInterval = 3600 * time.Second
)

// Options carries the per-channel parameters spec.md §4.5 assembles
// differently per role/network-type before dialling or accepting.
type Options struct {
	PSK                []byte
	RequireClientAuth  bool
	TrustedIdentities  map[identity.UserID]bool // empty/nil = unrestricted
	OfferedCiphers     []CipherSuite
	SupportedCiphers   []CipherSuite
	KEXAlg             KEXAlg
	LocalUserID        identity.UserID
}

// Channel is the SecureChannel collaborator interface stated in
// spec.md §6.1: client and server variants expose remotePeerUserId,
// selectedCipher, and renegotiate on threshold.
type Channel interface {
	io.ReadWriteCloser
	RemotePeerUserID() identity.UserID
	SelectedCipher() CipherSuite
	NeedsRenegotiation() bool
	Renegotiate() error
}

// Conn implements Channel over a raw io.ReadWriteCloser transport
// connection. It is the generalization of xsnet.Conn: same mutex +
// cipher.Stream + hash.Hash shape, retargeted at PSK+identity auth
// instead of shell-session auth.
type Conn struct {
	raw      io.ReadWriteCloser
	opts     Options
	isClient bool

	mu sync.Mutex

	suite CipherSuite
	read  *keyStream
	write *keyStream

	remoteUserID identity.UserID

	bytesSince     uint64
	handshakeStart time.Time

	decBuf []byte // leftover decrypted bytes not yet consumed by Read
}

// Dial performs the client side of the handshake over raw and returns a
// ready Channel.
func Dial(raw io.ReadWriteCloser, opts Options) (*Conn, error) {
	c := &Conn{raw: raw, opts: opts, isClient: true}
	if err := c.handshake(true); err != nil {
		return nil, err
	}
	if err := c.assertIdentity(true); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept performs the server side of the handshake over raw and returns
// a ready Channel.
func Accept(raw io.ReadWriteCloser, opts Options) (*Conn, error) {
	c := &Conn{raw: raw, opts: opts, isClient: false}
	if err := c.handshake(false); err != nil {
		return nil, err
	}
	if err := c.assertIdentity(false); err != nil {
		return nil, err
	}
	return c, nil
}

// handshake runs the Herradura key exchange in cleartext over raw
// (exactly as xsnet/net.go's HKExDialSetup/HKExAcceptSetup do), mixes
// the resulting shared secret FA with the PSK to bind the ephemeral
// exchange to pre-shared knowledge, negotiates a cipher suite, and
// derives per-direction key streams.
func (c *Conn) handshake(isClient bool) error {
	h := newHerradura(c.opts.KEXAlg)
	c.handshakeStart = time.Now()

	offered := c.opts.OfferedCiphers
	if len(offered) == 0 {
		offered = DefaultSuites
	}

	if isClient {
		if _, err := fmt.Fprintf(c.raw, "0x%s\n", h.D().Text(16)); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "securechannel: send KEX D")
		}
		if err := writeCipherOffer(c.raw, offered); err != nil {
			return err
		}

		peerD := big.NewInt(0)
		if _, err := fmt.Fscanln(c.raw, peerD); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "securechannel: read peer KEX D")
		}
		chosen, err := readCipherChoice(c.raw)
		if err != nil {
			return err
		}
		c.suite = chosen

		h.SetPeerD(peerD)
		h.ComputeFA()
	} else {
		peerD := big.NewInt(0)
		if _, err := fmt.Fscanln(c.raw, peerD); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "securechannel: read peer KEX D")
		}
		clientOffer, err := readCipherOffer(c.raw)
		if err != nil {
			return err
		}
		chosen, err := negotiateSuite(clientOffer, c.opts.SupportedCiphers)
		if err != nil {
			return mesherr.Wrap(mesherr.CryptoFailure, err, "securechannel: cipher negotiation failed")
		}
		c.suite = chosen

		if _, err := fmt.Fprintf(c.raw, "0x%s\n", h.D().Text(16)); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "securechannel: send KEX D")
		}
		if err := writeCipherChoice(c.raw, chosen); err != nil {
			return err
		}

		h.SetPeerD(peerD)
		h.ComputeFA()
	}

	channelKey := bindPSK(c.opts.PSK, h.FA().Bytes())

	var c2s, s2c []byte
	c2s = deriveDirectionKey(channelKey, "client-to-server")
	s2c = deriveDirectionKey(channelKey, "server-to-client")

	var writeKey, readKey []byte
	if isClient {
		writeKey, readKey = c2s, s2c
	} else {
		writeKey, readKey = s2c, c2s
	}

	var err error
	c.write, err = newKeyStream(c.suite, writeKey)
	if err != nil {
		return mesherr.Wrap(mesherr.CryptoFailure, err, "securechannel: derive write stream")
	}
	c.read, err = newKeyStream(c.suite, readKey)
	if err != nil {
		return mesherr.Wrap(mesherr.CryptoFailure, err, "securechannel: derive read stream")
	}
	return nil
}

// bindPSK ties the ephemeral Herradura secret to the pre-shared key, so
// an attacker without the PSK cannot derive usable channel keys even if
// they observe (or actively participate as a MITM in) the cleartext KEX
// preamble.
func bindPSK(psk, fa []byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write(fa)
	return mac.Sum(nil)
}

func deriveDirectionKey(channelKey []byte, label string) []byte {
	mac := hmac.New(sha256.New, channelKey)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// assertIdentity exchanges, over the now-encrypted channel, each side's
// UserId plus an HMAC of it keyed by the PSK (proof the sender also
// knows the PSK, binding the identity assertion to pre-shared secret
// knowledge), then checks the remote id against TrustedIdentities if the
// set is non-empty (spec.md §4.5's per-role trusted-identity rules).
func (c *Conn) assertIdentity(isClient bool) error {
	send := func() error {
		proof := hmac.New(sha256.New, c.opts.PSK)
		proof.Write(c.opts.LocalUserID.Bytes())
		body := append(append([]byte{}, c.opts.LocalUserID.Bytes()...), proof.Sum(nil)...)
		_, err := c.Write(body)
		return err
	}
	recv := func() (identity.UserID, error) {
		buf := make([]byte, 32+sha256.Size)
		if _, err := io.ReadFull(c, buf); err != nil {
			return identity.UserID{}, mesherr.Wrap(mesherr.CryptoFailure, err, "securechannel: read identity assertion")
		}
		var remote identity.UserID
		copy(remote[:], buf[:32])
		proof := hmac.New(sha256.New, c.opts.PSK)
		proof.Write(remote.Bytes())
		if !hmac.Equal(proof.Sum(nil), buf[32:]) {
			return identity.UserID{}, mesherr.New(mesherr.CryptoFailure, "securechannel: PSK proof mismatch")
		}
		return remote, nil
	}

	var err error
	var remote identity.UserID
	if isClient {
		if err = send(); err != nil {
			return err
		}
		remote, err = recv()
	} else {
		remote, err = recv()
		if err == nil {
			err = send()
		}
	}
	if err != nil {
		return err
	}

	if c.opts.RequireClientAuth && len(c.opts.TrustedIdentities) > 0 {
		if !c.opts.TrustedIdentities[remote] {
			return mesherr.New(mesherr.CryptoFailure, "securechannel: remote identity is not trusted")
		}
	}
	c.remoteUserID = remote
	return nil
}

// writePacket encrypts and HMACs one opaque packet: a 4-byte
// big-endian length, the ciphertext, then a 4-byte HMAC tag - the same
// "leading bytes of HMAC" truncation xsnet/net.go uses (HMAC_CHK_SZ).
func (c *Conn) writePacket(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ciphertext := make([]byte, len(p))
	c.write.stream.XORKeyStream(ciphertext, p)
	c.write.mac.Write(p)
	tag := c.write.mac.Sum(nil)[:4]

	var hdr [4]byte
	hdr[0] = byte(len(p) >> 24)
	hdr[1] = byte(len(p) >> 16)
	hdr[2] = byte(len(p) >> 8)
	hdr[3] = byte(len(p))
	if _, err := c.raw.Write(hdr[:]); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "securechannel: write packet header")
	}
	if len(ciphertext) > 0 {
		if _, err := c.raw.Write(ciphertext); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "securechannel: write packet body")
		}
	}
	if _, err := c.raw.Write(tag); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "securechannel: write packet tag")
	}
	c.bytesSince += uint64(len(p))
	return nil
}

func (c *Conn) readPacket() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "securechannel: read packet header")
	}
	n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])

	ciphertext := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.raw, ciphertext); err != nil {
			return nil, mesherr.Wrap(mesherr.TransportError, err, "securechannel: read packet body")
		}
	}
	var tag [4]byte
	if _, err := io.ReadFull(c.raw, tag[:]); err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "securechannel: read packet tag")
	}

	plaintext := make([]byte, n)
	c.read.stream.XORKeyStream(plaintext, ciphertext)
	c.read.mac.Write(plaintext)
	want := c.read.mac.Sum(nil)[:4]
	if !hmac.Equal(want, tag[:]) {
		return nil, mesherr.New(mesherr.CryptoFailure, "securechannel: HMAC mismatch on received packet")
	}
	return plaintext, nil
}

// Write implements io.Writer by framing p as one authenticated packet.
// Higher layers (wire.WriteFrame) may call Write more than once per
// logical frame; Read reassembles a continuous byte stream across
// packet boundaries, so that is transparent to callers.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.writePacket(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read implements io.Reader, draining buffered decrypted bytes before
// pulling and decrypting the next packet - the same shape as
// xsnet.Conn's dBuf decrypt buffer.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.decBuf) == 0 {
		pt, err := c.readPacket()
		if err != nil {
			return 0, err
		}
		c.decBuf = pt
	}
	n := copy(p, c.decBuf)
	c.decBuf = c.decBuf[n:]
	return n, nil
}

// Close closes the underlying transport connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemotePeerUserID returns the identity asserted (and PSK-proven) by
// the remote side during the handshake.
func (c *Conn) RemotePeerUserID() identity.UserID { return c.remoteUserID }

// SelectedCipher returns the negotiated cipher suite.
func (c *Conn) SelectedCipher() CipherSuite { return c.suite }

// NeedsRenegotiation reports whether either renegotiation threshold of
// spec.md §4.3 has been crossed.
func (c *Conn) NeedsRenegotiation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSince >= RenegotiateBytes || time.Since(c.handshakeStart) >= RenegotiateInterval
}

// Renegotiate re-runs the handshake and identity assertion in place
// over the same raw connection, swapping in fresh key streams -
// delegated entirely to the secure channel per spec.md §4.3. It
// preserves the channel's original client/server role.
func (c *Conn) Renegotiate() error {
	if err := c.handshake(c.isClient); err != nil {
		return err
	}
	c.bytesSince = 0
	return c.assertIdentity(c.isClient)
}

func writeCipherOffer(w io.Writer, offered []CipherSuite) error {
	_, err := fmt.Fprintf(w, "%d\n", len(offered))
	if err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "securechannel: write cipher offer count")
	}
	for _, s := range offered {
		if _, err := fmt.Fprintf(w, "%d\n", s); err != nil {
			return mesherr.Wrap(mesherr.TransportError, err, "securechannel: write cipher offer")
		}
	}
	return nil
}

func readCipherOffer(r io.Reader) ([]CipherSuite, error) {
	var n int
	if _, err := fmt.Fscanln(r, &n); err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "securechannel: read cipher offer count")
	}
	out := make([]CipherSuite, 0, n)
	for i := 0; i < n; i++ {
		var v int
		if _, err := fmt.Fscanln(r, &v); err != nil {
			return nil, mesherr.Wrap(mesherr.TransportError, err, "securechannel: read cipher offer")
		}
		out = append(out, CipherSuite(v))
	}
	return out, nil
}

func writeCipherChoice(w io.Writer, chosen CipherSuite) error {
	_, err := fmt.Fprintf(w, "%d\n", chosen)
	if err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "securechannel: write cipher choice")
	}
	return nil
}

func readCipherChoice(r io.Reader) (CipherSuite, error) {
	var v int
	if _, err := fmt.Fscanln(r, &v); err != nil {
		return 0, mesherr.Wrap(mesherr.TransportError, err, "securechannel: read cipher choice")
	}
	return CipherSuite(v), nil
}
