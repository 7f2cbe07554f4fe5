package intent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() *Intent {
	return &Intent{
		Fingerprint: "in:abc123",
		Author:      "acct:alice",
		Prose:       "I will build a landing page in React for $500.",
		Desires:     []string{"web development"},
		Constraints: []string{"budget <= $500"},
		OfferedFee:  5,
		Timestamp:   1700000000000,
		Status:      StatusPending,
	}
}

func TestIntentValidateOK(t *testing.T) {
	require.NoError(t, validIntent().Validate())
}

func TestIntentValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Intent)
		detail string
	}{
		{"empty fingerprint", func(in *Intent) { in.Fingerprint = "" }, "fingerprint"},
		{"long fingerprint", func(in *Intent) { in.Fingerprint = strings.Repeat("a", 129) }, "fingerprint"},
		{"fingerprint charset", func(in *Intent) { in.Fingerprint = "in:abc/123" }, "invalid character"},
		{"missing author", func(in *Intent) { in.Author = "" }, "author"},
		{"empty prose", func(in *Intent) { in.Prose = "" }, "prose"},
		{"oversize prose", func(in *Intent) { in.Prose = strings.Repeat("a", MaxProseChars+1) }, "prose exceeds"},
		{"too many desires", func(in *Intent) { in.Desires = make([]string, MaxListItems+1) }, "desires"},
		{"oversize desire", func(in *Intent) { in.Desires = []string{strings.Repeat("x", MaxItemChars+1)} }, "desires[0]"},
		{"too many constraints", func(in *Intent) { in.Constraints = make([]string, MaxListItems+1) }, "constraints"},
		{"negative fee", func(in *Intent) { in.OfferedFee = -1 }, "fee"},
		{"zero timestamp", func(in *Intent) { in.Timestamp = 0 }, "timestamp"},
		{"unknown status", func(in *Intent) { in.Status = "limbo" }, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validIntent()
			tt.mutate(in)
			err := in.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.detail)
		})
	}
}

func TestProseBoundCountsRunes(t *testing.T) {
	in := validIntent()
	// Multi-byte runes: exactly at the limit must pass.
	in.Prose = strings.Repeat("é", MaxProseChars)
	require.NoError(t, in.Validate())
	in.Prose += "é"
	require.Error(t, in.Validate())
}

func TestComputeFingerprintStable(t *testing.T) {
	a := ComputeFingerprint("alice", "prose", []string{"d1"}, []string{"c1"})
	b := ComputeFingerprint("alice", "prose", []string{"d1"}, []string{"c1"})
	assert.Equal(t, a, b)

	// Moving an item across the desires/constraints boundary must change
	// the fingerprint.
	c := ComputeFingerprint("alice", "prose", []string{"d1", "c1"}, nil)
	assert.NotEqual(t, a, c)

	d := ComputeFingerprint("bob", "prose", []string{"d1"}, []string{"c1"})
	assert.NotEqual(t, a, d)

	require.NoError(t, validFingerprint(a))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	for _, s := range []Status{StatusAccepted, StatusRejected, StatusClosed, StatusUnalignable} {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, Status("limbo").Terminal())
}
