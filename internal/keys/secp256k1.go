package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1Provider implements SignatureProvider for secp256k1 ECDSA keys.
// Public keys use the 33-byte compressed form; signatures are DER encoded
// over the sha512Half digest of the message.
type Secp256k1Provider struct {
	keyPrefix byte
}

// NewSecp256k1Provider returns a secp256k1 signature provider.
func NewSecp256k1Provider() *Secp256k1Provider {
	return &Secp256k1Provider{keyPrefix: secp256k1PrivPrefix}
}

// KeyType reports KeyTypeSecp256k1.
func (p *Secp256k1Provider) KeyType() KeyType { return KeyTypeSecp256k1 }

// Generate creates a random secp256k1 keypair. The private key hex carries
// a 0x00 prefix ahead of the 32 key bytes.
func (p *Secp256k1Provider) Generate() (string, string, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate secp256k1 key: %w", err)
	}

	raw := privKey.Serialize()
	defer SecureErase(raw)

	prefixed := make([]byte, 0, prefixedKeySize)
	prefixed = append(prefixed, p.keyPrefix)
	prefixed = append(prefixed, raw...)

	private := strings.ToUpper(hex.EncodeToString(prefixed))
	public := strings.ToUpper(hex.EncodeToString(privKey.PubKey().SerializeCompressed()))
	SecureErase(prefixed)
	return private, public, nil
}

// Public derives the compressed public key from a private key.
func (p *Secp256k1Provider) Public(privateKeyHex string) (string, error) {
	raw, err := p.decodePrivate(privateKeyHex)
	if err != nil {
		return "", err
	}
	defer SecureErase(raw)

	privKey, _ := btcec.PrivKeyFromBytes(raw)
	return strings.ToUpper(hex.EncodeToString(privKey.PubKey().SerializeCompressed())), nil
}

// Sign signs the sha512Half digest of message and returns a DER signature.
func (p *Secp256k1Provider) Sign(message []byte, privateKeyHex string) (string, error) {
	raw, err := p.decodePrivate(privateKeyHex)
	if err != nil {
		return "", err
	}
	defer SecureErase(raw)

	privKey, _ := btcec.PrivKeyFromBytes(raw)
	digest := sha512Half(message)
	signature := ecdsa.Sign(privKey, digest[:])
	return strings.ToUpper(hex.EncodeToString(signature.Serialize())), nil
}

// Verify reports whether signatureHex is a valid DER signature of the
// sha512Half digest of message under the compressed public key.
func (p *Secp256k1Provider) Verify(message []byte, publicKeyHex, signatureHex string) bool {
	pubKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || PublicKeyType(pubKeyBytes) != KeyTypeSecp256k1 {
		return false
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	signature, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	digest := sha512Half(message)
	return signature.Verify(digest[:], pubKey)
}

// decodePrivate accepts either a bare 32-byte key or the 0x00-prefixed
// 33-byte form.
func (p *Secp256k1Provider) decodePrivate(privateKeyHex string) ([]byte, error) {
	b, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	switch len(b) {
	case prefixedKeySize:
		if b[0] != p.keyPrefix {
			SecureErase(b)
			return nil, ErrInvalidPrivateKey
		}
		return b[1:], nil
	case prefixedKeySize - 1:
		return b, nil
	default:
		SecureErase(b)
		return nil, ErrInvalidPrivateKey
	}
}
