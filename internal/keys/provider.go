package keys

// SignatureProvider implements keypair generation, signing, and
// verification for one signature scheme. Keys and signatures cross the
// interface as uppercase hex strings so callers never handle raw key
// material directly.
type SignatureProvider interface {
	// KeyType reports the scheme this provider implements.
	KeyType() KeyType
	// Generate creates a fresh random keypair.
	Generate() (privateKeyHex, publicKeyHex string, err error)
	// Public derives the public key from a private key.
	Public(privateKeyHex string) (string, error)
	// Sign signs message with the private key and returns the signature hex.
	Sign(message []byte, privateKeyHex string) (string, error)
	// Verify reports whether signatureHex is a valid signature of message
	// under publicKeyHex. Malformed inputs verify as false.
	Verify(message []byte, publicKeyHex, signatureHex string) bool
}

// ProviderFor returns the SignatureProvider for the given key type.
func ProviderFor(kt KeyType) (SignatureProvider, error) {
	switch kt {
	case KeyTypeEd25519:
		return NewEd25519Provider(), nil
	case KeyTypeSecp256k1:
		return NewSecp256k1Provider(), nil
	default:
		return nil, ErrUnsupportedKeyType
	}
}
