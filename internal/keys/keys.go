// Package keys manages the mediator's on-chain signing identity.
//
// Keys are hex encoded. Ed25519 public and private keys carry a 0xED
// prefix byte ahead of the raw 32 bytes; secp256k1 public keys use the
// 33-byte compressed form and private keys an optional 0x00 prefix.
// Account ids are RIPEMD160(SHA256(publicKey)) over the prefixed key
// bytes, rendered as lowercase hex.
package keys

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"runtime"
	"strings"

	"github.com/decred/dcrd/crypto/ripemd160"
)

// KeyType identifies the signature scheme of a key.
type KeyType int

const (
	// KeyTypeUnknown indicates an unknown or invalid key type.
	KeyTypeUnknown KeyType = iota
	// KeyTypeEd25519 indicates an Ed25519 key.
	KeyTypeEd25519
	// KeyTypeSecp256k1 indicates a secp256k1 (ECDSA) key.
	KeyTypeSecp256k1
)

const (
	ed25519Prefix       byte = 0xED
	secp256k1PrivPrefix byte = 0x00

	prefixedKeySize = 33
)

// AccountIDSize is the size of a mediator account id in bytes.
const AccountIDSize = 20

var (
	// ErrUnsupportedKeyType is returned when an unsupported key type is requested.
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	// ErrInvalidPrivateKey is returned when a private key does not decode or
	// has the wrong length or prefix for its scheme.
	ErrInvalidPrivateKey = errors.New("invalid private key format")
	// ErrInvalidPublicKey is returned when a public key does not decode or
	// has an unrecognized format.
	ErrInvalidPublicKey = errors.New("invalid public key format")
)

// String returns the string representation of the key type.
func (kt KeyType) String() string {
	switch kt {
	case KeyTypeEd25519:
		return "ed25519"
	case KeyTypeSecp256k1:
		return "secp256k1"
	default:
		return "unknown"
	}
}

// ParseKeyType maps a configuration string to a KeyType. The empty string
// defaults to Ed25519.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ed25519":
		return KeyTypeEd25519, nil
	case "secp256k1":
		return KeyTypeSecp256k1, nil
	default:
		return KeyTypeUnknown, ErrUnsupportedKeyType
	}
}

// PublicKeyType determines the key type from a public key's raw bytes.
// It returns KeyTypeUnknown if the format is not recognized.
//
// Public key formats:
//   - Ed25519: 33 bytes, first byte 0xED
//   - secp256k1: 33 bytes, first byte 0x02 or 0x03 (compressed form)
func PublicKeyType(pubKey []byte) KeyType {
	if len(pubKey) != prefixedKeySize {
		return KeyTypeUnknown
	}
	switch pubKey[0] {
	case ed25519Prefix:
		return KeyTypeEd25519
	case 0x02, 0x03:
		return KeyTypeSecp256k1
	default:
		return KeyTypeUnknown
	}
}

// IsValidPublicKey returns true if the public key has a valid format.
func IsValidPublicKey(pubKey []byte) bool {
	return PublicKeyType(pubKey) != KeyTypeUnknown
}

// CalcAccountID computes the account id from a public key.
// The id is a 160-bit identifier computed as RIPEMD160(SHA256(publicKey)),
// hashing the entire key including any scheme prefix. Two different hashes
// are chained so that a length extension on either does not forge an id.
func CalcAccountID(publicKey []byte) [AccountIDSize]byte {
	inner := sha256.Sum256(publicKey)

	h := ripemd160.New()
	h.Write(inner[:])
	outer := h.Sum(nil)

	var result [AccountIDSize]byte
	copy(result[:], outer)
	return result
}

// AccountIDHex validates a hex public key and returns its account id as
// lowercase hex.
func AccountIDHex(publicKeyHex string) (string, error) {
	pubKey, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", ErrInvalidPublicKey
	}
	if !IsValidPublicKey(pubKey) {
		return "", ErrInvalidPublicKey
	}
	id := CalcAccountID(pubKey)
	return hex.EncodeToString(id[:]), nil
}

// SecureErase overwrites b with zeros. Remnants may still survive in
// registers, caches, or swap; this only narrows the window during which
// seed material is resident.
func SecureErase(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// sha512Half returns the first 32 bytes of a SHA-512 hash of msg. ECDSA
// signatures are computed over this digest rather than the raw message.
func sha512Half(msg []byte) [32]byte {
	h := sha512.Sum512(msg)
	var result [32]byte
	copy(result[:], h[:32])
	return result
}
