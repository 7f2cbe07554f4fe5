package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Ed25519Provider implements SignatureProvider for Ed25519 keys. Both key
// halves are stored as 0xED-prefixed hex; the private key hex holds only
// the 32-byte seed, with the full signing key rebuilt on each use.
type Ed25519Provider struct {
	keyPrefix byte
}

// NewEd25519Provider returns an Ed25519 signature provider.
func NewEd25519Provider() *Ed25519Provider {
	return &Ed25519Provider{keyPrefix: ed25519Prefix}
}

// KeyType reports KeyTypeEd25519.
func (p *Ed25519Provider) KeyType() KeyType { return KeyTypeEd25519 }

// Generate creates a random Ed25519 keypair from the system CSPRNG.
func (p *Ed25519Provider) Generate() (string, string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return "", "", fmt.Errorf("generate ed25519 seed: %w", err)
	}
	defer SecureErase(seed)

	key := ed25519.NewKeyFromSeed(seed)
	pubKey := key.Public().(ed25519.PublicKey)

	private := p.encode(seed)
	public := p.encode(pubKey)
	return private, public, nil
}

// Public derives the 0xED-prefixed public key from a private key.
func (p *Ed25519Provider) Public(privateKeyHex string) (string, error) {
	seed, err := p.decodePrivate(privateKeyHex)
	if err != nil {
		return "", err
	}
	defer SecureErase(seed)

	key := ed25519.NewKeyFromSeed(seed)
	pubKey := key.Public().(ed25519.PublicKey)
	return p.encode(pubKey), nil
}

// Sign signs the raw message bytes. Ed25519 hashes internally, so no
// digest is applied first.
func (p *Ed25519Provider) Sign(message []byte, privateKeyHex string) (string, error) {
	seed, err := p.decodePrivate(privateKeyHex)
	if err != nil {
		return "", err
	}
	defer SecureErase(seed)

	key := ed25519.NewKeyFromSeed(seed)
	signature := ed25519.Sign(key, message)
	return strings.ToUpper(hex.EncodeToString(signature)), nil
}

// Verify reports whether signatureHex is a valid Ed25519 signature of
// message under publicKeyHex.
func (p *Ed25519Provider) Verify(message []byte, publicKeyHex, signatureHex string) bool {
	pubKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || PublicKeyType(pubKey) != KeyTypeEd25519 {
		return false
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey[1:]), message, signature)
}

func (p *Ed25519Provider) encode(raw []byte) string {
	prefixed := make([]byte, 0, prefixedKeySize)
	prefixed = append(prefixed, p.keyPrefix)
	prefixed = append(prefixed, raw...)
	return strings.ToUpper(hex.EncodeToString(prefixed))
}

func (p *Ed25519Provider) decodePrivate(privateKeyHex string) ([]byte, error) {
	b, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	if len(b) != prefixedKeySize || b[0] != p.keyPrefix {
		SecureErase(b)
		return nil, ErrInvalidPrivateKey
	}
	return b[1:], nil
}
