// Package identity implements the deterministic key derivation rules of
// the mesh network session fabric (spec.md §3, §4.1): turning a
// human-chosen shared secret plus a pair of identities (or a group name)
// into a 256-bit network id and a 256-bit pre-shared network secret, and
// masking a UserId for disclosure-safe DHT lookups.
//
// Every function here is pure: same inputs always produce the same
// bytes, on every platform, forever. That determinism is the entire
// point - see DeriveNetworkID's doc comment before changing anything.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// UserID is the 256-bit identity of a user, bound to that user's
// long-lived keypair by the node (out of scope here; see
// internal/network's Node collaborator interface).
type UserID [32]byte

// Bytes returns the raw 32 bytes of the id.
func (u UserID) Bytes() []byte { return u[:] }

// IsZero reports whether the id is the zero value (never a valid id).
func (u UserID) IsZero() bool { return u == UserID{} }

const (
	// userIDMaskSalt is the fixed message HMAC'd under key=UserId to
	// produce a masked id safe to publish for DHT lookup.
	userIDMaskSalt = "mesh-fabric/masked-user-id/v1"

	// networkSecretSaltMsg is the fixed message HMAC'd under key=secret
	// before the result is fed into the KDF to derive networkSecret.
	// This keeps networkId and networkSecret independent even though
	// both derive from the same (secret, salt) pair.
	networkSecretSaltMsg = "mesh-fabric/network-secret/v1"

	// kdfIntermediateSize is the size of the memory-hard-ish
	// intermediate buffer produced by the first PBKDF2 pass. This value
	// is part of the wire-compatible KDF construction and must never
	// change (spec.md §4.1).
	kdfIntermediateSize = 1 << 20 // 1 MiB

	// kdfOutputSize is the size, in bytes, of both networkId and
	// networkSecret.
	kdfOutputSize = 32
)

// MaskUserID computes the masked id for u: HMAC-SHA256 of a fixed salt
// message, keyed by u. It is safe to disclose and is used to look a peer
// up on the DHT without revealing their actual UserId.
func MaskUserID(u UserID) [32]byte {
	mac := hmac.New(sha256.New, u.Bytes())
	mac.Write([]byte(userIDMaskSalt))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// PrivateSalt returns the KDF salt for a Private network between local
// and other. XOR is commutative, so PrivateSalt(a,b) == PrivateSalt(b,a)
// - this is spec.md §8 invariant 2 (Symmetry) and must be preserved
// exactly as written; do not "simplify" to e.g. sorted concatenation.
func PrivateSalt(local, other UserID) []byte {
	salt := make([]byte, len(local))
	for i := range local {
		salt[i] = local[i] ^ other[i]
	}
	return salt
}

// GroupSalt returns the KDF salt for a Group network with the given
// name. Lowercasing uses Go's Unicode-aware strings.ToLower rather than
// ASCII-only folding; this is this implementation's answer to the open
// question in spec.md §9(a) (the source's exact Unicode folding is
// unspecified) and must be matched by any interoperating implementation.
func GroupSalt(networkName string) []byte {
	return []byte(strings.ToLower(networkName))
}

// kdf is the two-pass PBKDF2-HMAC-SHA256 construction shared by
// DeriveNetworkID and DeriveNetworkSecret: a first pass stretches secret
// into a 1 MiB intermediate buffer with a single iteration, and a second
// pass compresses that buffer down to 32 bytes, again with a single
// iteration. The 1 MiB intermediate is an intentional memory-hard-ish
// barrier (spec.md §4.1) - the iteration counts are deliberately 1, the
// cost comes from the buffer size, not from iterating.
func kdf(secret, salt []byte) [32]byte {
	intermediate := pbkdf2.Key(secret, salt, 1, kdfIntermediateSize, sha256.New)
	final := pbkdf2.Key(intermediate, salt, 1, kdfOutputSize, sha256.New)
	var out [32]byte
	copy(out[:], final)
	return out
}

// DeriveNetworkID computes networkId = KDF(secret, salt), where secret
// is the utf8 bytes of the network's shared secret (empty if none was
// set) and salt is PrivateSalt or GroupSalt depending on network type.
//
// This value identifies the network on the DHT and must be byte-stable
// across runs, platforms, and implementations (spec.md §8 invariant 1).
func DeriveNetworkID(sharedSecret string, salt []byte) [32]byte {
	return kdf([]byte(sharedSecret), salt)
}

// DeriveNetworkSecret computes
// networkSecret = KDF(HMAC-SHA256(networkSecretSaltMsg, key=secret), salt)
// using the same salt rule as DeriveNetworkID. This is the PSK handed to
// the secure channel once a network has moved past its invitation phase.
func DeriveNetworkSecret(sharedSecret string, salt []byte) [32]byte {
	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write([]byte(networkSecretSaltMsg))
	return kdf(mac.Sum(nil), salt)
}
