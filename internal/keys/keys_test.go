package keys

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcAccountID(t *testing.T) {
	// Known vectors for RIPEMD160(SHA256(publicKey)).
	tests := []struct {
		name      string
		publicKey string
		accountID string
	}{
		{
			name:      "ed25519 public key",
			publicKey: "ED9434799226374926EDA3B54B1B461B4ABF7237962EAE18528FEA67595397FA32",
			accountID: "7f58b19358f8e497c8a9ded3e6db3bc23a13c1a5",
		},
		{
			name:      "secp256k1 public key",
			publicKey: "0330E7FC9D56BB25D6893BA3F317AE5BCF33B3291BD63DB32654A313222F7FD020",
			accountID: "b5f762798a53d543a014caf8b297cff8f2f937e8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pubKey, err := hex.DecodeString(tt.publicKey)
			require.NoError(t, err)

			id := CalcAccountID(pubKey)
			assert.Equal(t, tt.accountID, hex.EncodeToString(id[:]))
		})
	}
}

func TestAccountIDHex(t *testing.T) {
	id, err := AccountIDHex("ED9434799226374926EDA3B54B1B461B4ABF7237962EAE18528FEA67595397FA32")
	require.NoError(t, err)
	assert.Equal(t, "7f58b19358f8e497c8a9ded3e6db3bc23a13c1a5", id)
	assert.Len(t, id, AccountIDSize*2)

	_, err = AccountIDHex("not hex")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	// Valid hex, unrecognized prefix.
	_, err = AccountIDHex("FF9434799226374926EDA3B54B1B461B4ABF7237962EAE18528FEA67595397FA32")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestPublicKeyType(t *testing.T) {
	ed := make([]byte, 33)
	ed[0] = 0xED
	even := make([]byte, 33)
	even[0] = 0x02
	odd := make([]byte, 33)
	odd[0] = 0x03
	bad := make([]byte, 33)
	bad[0] = 0x7F

	assert.Equal(t, KeyTypeEd25519, PublicKeyType(ed))
	assert.Equal(t, KeyTypeSecp256k1, PublicKeyType(even))
	assert.Equal(t, KeyTypeSecp256k1, PublicKeyType(odd))
	assert.Equal(t, KeyTypeUnknown, PublicKeyType(bad))
	assert.Equal(t, KeyTypeUnknown, PublicKeyType(ed[:32]))
	assert.Equal(t, KeyTypeUnknown, PublicKeyType(nil))

	assert.True(t, IsValidPublicKey(ed))
	assert.False(t, IsValidPublicKey(bad))
}

func TestParseKeyType(t *testing.T) {
	tests := []struct {
		in      string
		want    KeyType
		wantErr bool
	}{
		{in: "", want: KeyTypeEd25519},
		{in: "ed25519", want: KeyTypeEd25519},
		{in: " Ed25519 ", want: KeyTypeEd25519},
		{in: "secp256k1", want: KeyTypeSecp256k1},
		{in: "SECP256K1", want: KeyTypeSecp256k1},
		{in: "rsa", wantErr: true},
	}
	for _, tt := range tests {
		kt, err := ParseKeyType(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedKeyType, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, kt, tt.in)
	}
}

func TestKeyTypeString(t *testing.T) {
	assert.Equal(t, "ed25519", KeyTypeEd25519.String())
	assert.Equal(t, "secp256k1", KeyTypeSecp256k1.String())
	assert.Equal(t, "unknown", KeyTypeUnknown.String())
}

func TestSecureErase(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	SecureErase(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
	SecureErase(nil)
}

func TestProviderFor(t *testing.T) {
	ed, err := ProviderFor(KeyTypeEd25519)
	require.NoError(t, err)
	assert.Equal(t, KeyTypeEd25519, ed.KeyType())

	secp, err := ProviderFor(KeyTypeSecp256k1)
	require.NoError(t, err)
	assert.Equal(t, KeyTypeSecp256k1, secp.KeyType())

	_, err = ProviderFor(KeyTypeUnknown)
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)
}

func TestEd25519KeyFormat(t *testing.T) {
	p := NewEd25519Provider()
	private, public, err := p.Generate()
	require.NoError(t, err)

	assert.Len(t, private, 66)
	assert.True(t, strings.HasPrefix(private, "ED"))
	assert.Len(t, public, 66)
	assert.True(t, strings.HasPrefix(public, "ED"))
	assert.Equal(t, strings.ToUpper(private), private)
}

func TestEd25519SignVerify(t *testing.T) {
	p := NewEd25519Provider()
	private, public, err := p.Generate()
	require.NoError(t, err)

	message := []byte("canonical payload bytes")
	signature, err := p.Sign(message, private)
	require.NoError(t, err)
	assert.Len(t, signature, 128)

	assert.True(t, p.Verify(message, public, signature))
	assert.False(t, p.Verify([]byte("tampered payload"), public, signature))

	_, otherPub, err := p.Generate()
	require.NoError(t, err)
	assert.False(t, p.Verify(message, otherPub, signature))
}

func TestEd25519Deterministic(t *testing.T) {
	p := NewEd25519Provider()
	private, _, err := p.Generate()
	require.NoError(t, err)

	message := []byte("same bytes, same signature")
	first, err := p.Sign(message, private)
	require.NoError(t, err)
	second, err := p.Sign(message, private)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEd25519Public(t *testing.T) {
	p := NewEd25519Provider()
	private, public, err := p.Generate()
	require.NoError(t, err)

	derived, err := p.Public(private)
	require.NoError(t, err)
	assert.Equal(t, public, derived)
}

func TestEd25519MalformedInputs(t *testing.T) {
	p := NewEd25519Provider()
	_, public, err := p.Generate()
	require.NoError(t, err)

	_, err = p.Sign([]byte("m"), "zz")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	// Missing prefix.
	_, err = p.Sign([]byte("m"), strings.Repeat("AB", 32))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	// secp256k1-prefixed private key rejected.
	_, err = p.Sign([]byte("m"), "00"+strings.Repeat("AB", 32))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	assert.False(t, p.Verify([]byte("m"), public, "not hex"))
	assert.False(t, p.Verify([]byte("m"), public, "ABCD"))
	assert.False(t, p.Verify([]byte("m"), "not hex", strings.Repeat("00", 64)))
}

func TestSecp256k1KeyFormat(t *testing.T) {
	p := NewSecp256k1Provider()
	private, public, err := p.Generate()
	require.NoError(t, err)

	assert.Len(t, private, 66)
	assert.True(t, strings.HasPrefix(private, "00"))
	assert.Len(t, public, 66)
	prefix := public[:2]
	assert.Contains(t, []string{"02", "03"}, prefix)
}

func TestSecp256k1SignVerify(t *testing.T) {
	p := NewSecp256k1Provider()
	private, public, err := p.Generate()
	require.NoError(t, err)

	message := []byte("canonical payload bytes")
	signature, err := p.Sign(message, private)
	require.NoError(t, err)

	assert.True(t, p.Verify(message, public, signature))
	assert.False(t, p.Verify([]byte("tampered payload"), public, signature))

	_, otherPub, err := p.Generate()
	require.NoError(t, err)
	assert.False(t, p.Verify(message, otherPub, signature))
}

func TestSecp256k1BarePrivateKey(t *testing.T) {
	p := NewSecp256k1Provider()
	private, public, err := p.Generate()
	require.NoError(t, err)

	// The 0x00 prefix is optional on input.
	bare := private[2:]
	message := []byte("prefix independent")
	signature, err := p.Sign(message, bare)
	require.NoError(t, err)
	assert.True(t, p.Verify(message, public, signature))

	derived, err := p.Public(bare)
	require.NoError(t, err)
	assert.Equal(t, public, derived)
}

func TestSecp256k1MalformedInputs(t *testing.T) {
	p := NewSecp256k1Provider()
	_, public, err := p.Generate()
	require.NoError(t, err)

	_, err = p.Sign([]byte("m"), "zz")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = p.Sign([]byte("m"), "ED"+strings.Repeat("AB", 32))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = p.Sign([]byte("m"), "ABCD")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	assert.False(t, p.Verify([]byte("m"), public, "not a signature"))
	assert.False(t, p.Verify([]byte("m"), "0102", strings.Repeat("00", 70)))
}

func TestCrossSchemeVerifyFails(t *testing.T) {
	ed := NewEd25519Provider()
	secp := NewSecp256k1Provider()

	edPriv, edPub, err := ed.Generate()
	require.NoError(t, err)
	_, secpPub, err := secp.Generate()
	require.NoError(t, err)

	message := []byte("scheme confusion")
	signature, err := ed.Sign(message, edPriv)
	require.NoError(t, err)

	assert.False(t, secp.Verify(message, edPub, signature))
	assert.False(t, secp.Verify(message, secpPub, signature))
	assert.False(t, ed.Verify(message, secpPub, signature))
}
