package securechannel

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"hash"

	"github.com/aead/chacha20/chacha"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"

	"blitter.com/go/cryptmt"
)

// CipherSuite is a negotiable session stream cipher, carried over from
// the node's SupportedCiphers list (spec.md §6.1). This mirrors the
// teacher's xsnet.CSCipherAlg switch in xsnet/chan.go, generalized to a
// named type with a String() method instead of raw bitfield constants.
type CipherSuite uint8

const (
	SuiteAES256 CipherSuite = iota
	SuiteTwofish128
	SuiteBlowfish64
	SuiteCryptMT1
	SuiteChaCha20
)

func (c CipherSuite) String() string {
	switch c {
	case SuiteAES256:
		return "AES256"
	case SuiteTwofish128:
		return "Twofish128"
	case SuiteBlowfish64:
		return "Blowfish64"
	case SuiteCryptMT1:
		return "CryptMT1"
	case SuiteChaCha20:
		return "ChaCha20"
	default:
		return "Unknown"
	}
}

// DefaultSuites is the cipher preference order used when a Node does
// not state one (most to least preferred).
var DefaultSuites = []CipherSuite{SuiteChaCha20, SuiteAES256, SuiteTwofish128, SuiteBlowfish64, SuiteCryptMT1}

// negotiateSuite picks the first entry of offered that also appears in
// supported, preserving offered's order. It is the cipher-suite analogue
// of KEX negotiation: the dialling side proposes, the accepting side has
// final say per the teacher's design principle ("no downgrade
// attacks... server shall have final authority").
func negotiateSuite(offered, supported []CipherSuite) (CipherSuite, error) {
	allowed := make(map[CipherSuite]bool, len(supported))
	for _, s := range supported {
		allowed[s] = true
	}
	for _, o := range offered {
		if allowed[o] {
			return o, nil
		}
	}
	return 0, fmt.Errorf("securechannel: no common cipher suite (offered %v, supported %v)", offered, supported)
}

// keyStream bundles the cipher.Stream and the hash.Hash used to
// authenticate one direction of traffic. Adapted directly from
// xsnet.Conn's (r,rm) / (w,wm) pair in xsnet/net.go.
type keyStream struct {
	stream cipher.Stream
	mac    hash.Hash
}

// newKeyStream expands keymat into a cipher.Stream + HMAC for suite,
// mirroring xsnet/chan.go's getStream with the same cipher menu, minus
// the teacher's shell-specific option bitfield parsing.
func newKeyStream(suite CipherSuite, keymat []byte) (*keyStream, error) {
	var (
		block cipher.Block
		err   error
		key   []byte
		iv    []byte
		sc    cipher.Stream
	)

	switch suite {
	case SuiteAES256:
		keymat = expandKeyMat(keymat, aes.BlockSize)
		key = keymat[0:aes.BlockSize]
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		iv = keymat[aes.BlockSize : 2*aes.BlockSize]
		sc = cipher.NewOFB(block, iv)
	case SuiteTwofish128:
		keymat = expandKeyMat(keymat, twofish.BlockSize)
		key = keymat[0:twofish.BlockSize]
		block, err = twofish.NewCipher(key)
		if err != nil {
			return nil, err
		}
		iv = keymat[twofish.BlockSize : 2*twofish.BlockSize]
		sc = cipher.NewOFB(block, iv)
	case SuiteBlowfish64:
		keymat = expandKeyMat(keymat, blowfish.BlockSize)
		key = keymat[0:blowfish.BlockSize]
		block, err = blowfish.NewCipher(key)
		if err != nil {
			return nil, err
		}
		iv = keymat[blowfish.BlockSize : 2*blowfish.BlockSize]
		sc = cipher.NewOFB(block, iv)
	case SuiteCryptMT1:
		sc = cryptmt.New(expandKeyMat(keymat, 32))
	case SuiteChaCha20:
		keymat = expandKeyMat(keymat, chacha.KeySize)
		key = keymat[0:chacha.KeySize]
		iv = keymat[chacha.KeySize : chacha.KeySize+chacha.INonceSize]
		sc, err = chacha.NewCipher(iv, key, 20)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("securechannel: invalid cipher suite %v", suite)
	}

	halg := crypto.SHA256
	mc := halg.New()
	if iv != nil {
		mc.Write(iv)
	}
	return &keyStream{stream: sc, mac: mc}, nil
}

// expandKeyMat stretches short key material with SHA256 until it holds
// at least 2*blocksize bytes (key + iv), exactly as xsnet/chan.go does
// for its block-cipher cases.
func expandKeyMat(keymat []byte, blocksize int) []byte {
	for len(keymat) < 2*blocksize {
		h := sha256.Sum256(keymat)
		keymat = append(keymat, h[:]...)
	}
	return keymat
}
