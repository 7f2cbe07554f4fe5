package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meshalign/alignd/internal/config"
)

// ErrKeyMismatch is returned when the configured public key does not match
// the key derived from the configured private key.
var ErrKeyMismatch = errors.New("public key does not match private key")

// Identity is the mediator's signing identity. One Identity is loaded per
// process; its account id appears as the mediatorId on every settlement
// this process proposes.
type Identity struct {
	keyType   KeyType
	provider  SignatureProvider
	publicKey string
	private   string
	accountID string
}

// Load builds the mediator identity from configuration. The private key is
// required; the public key, when configured, is cross-checked against the
// one derived from the private key.
func Load(cfg *config.Config) (*Identity, error) {
	kt, err := ParseKeyType(cfg.Mediator.KeyType)
	if err != nil {
		return nil, fmt.Errorf("mediator key_type %q: %w", cfg.Mediator.KeyType, err)
	}
	provider, err := ProviderFor(kt)
	if err != nil {
		return nil, err
	}

	private := strings.ToUpper(strings.TrimSpace(cfg.Mediator.PrivateKey))
	if private == "" {
		return nil, errors.New("mediator private_key is required")
	}

	derived, err := provider.Public(private)
	if err != nil {
		return nil, fmt.Errorf("mediator private_key: %w", err)
	}

	configured := strings.ToUpper(strings.TrimSpace(cfg.Mediator.PublicKey))
	if configured != "" && configured != derived {
		return nil, ErrKeyMismatch
	}

	accountID, err := AccountIDHex(derived)
	if err != nil {
		return nil, err
	}

	return &Identity{
		keyType:   kt,
		provider:  provider,
		publicKey: derived,
		private:   private,
		accountID: accountID,
	}, nil
}

// KeyType reports the identity's signature scheme.
func (id *Identity) KeyType() KeyType { return id.keyType }

// PublicKey returns the uppercase hex public key.
func (id *Identity) PublicKey() string { return id.publicKey }

// MediatorID returns the account id derived from the public key. This is
// the stable identifier other chain participants see.
func (id *Identity) MediatorID() string { return id.accountID }

// Sign signs a canonical payload and returns the hex signature.
func (id *Identity) Sign(payload []byte) (string, error) {
	return id.provider.Sign(payload, id.private)
}

// Verify reports whether signatureHex is this identity's signature over
// payload.
func (id *Identity) Verify(payload []byte, signatureHex string) bool {
	return id.provider.Verify(payload, id.publicKey, signatureHex)
}

// Keypair is the output of key generation.
type Keypair struct {
	KeyType       KeyType
	PrivateKeyHex string
	PublicKeyHex  string
	AccountID     string
}

// Generate creates a fresh keypair of the given type together with its
// derived account id.
func Generate(kt KeyType) (*Keypair, error) {
	provider, err := ProviderFor(kt)
	if err != nil {
		return nil, err
	}
	private, public, err := provider.Generate()
	if err != nil {
		return nil, err
	}
	accountID, err := AccountIDHex(public)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		KeyType:       kt,
		PrivateKeyHex: private,
		PublicKeyHex:  public,
		AccountID:     accountID,
	}, nil
}
