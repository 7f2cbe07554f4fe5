package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/meshalign/alignd/internal/keys"
	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

// Entry types this mediator submits.
const (
	TypeIntentSettlement = "intentSettlement"
	TypeAcceptance       = "acceptance"
	TypeChallenge        = "challenge"
	TypePayoutClaim      = "payoutClaim"
	TypeReputationUpdate = "reputationUpdate"
)

// Entry types observed on reads. Pending and search responses may carry
// further types; unknown ones are skipped, never errored on.
const (
	TypeIntent     = "intent"
	TypeSettlement = "settlement"
	TypeAccept     = "accept"
	TypePayout     = "payout"
)

// Entry is one signed submission to the ledger. Data holds the typed
// payload; the client token and signature are both derived from the
// same type-prefixed payload bytes, so equal payloads always map to
// equal tokens regardless of when or where the entry was built.
type Entry struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	ClientToken string          `json:"clientToken"`
	MediatorID  string          `json:"mediatorId,omitempty"`
	PublicKey   string          `json:"publicKey,omitempty"`
	Signature   string          `json:"signature,omitempty"`
}

// AcceptancePayload records one party's decision on a settlement.
type AcceptancePayload struct {
	SettlementID string `json:"settlementId" validate:"required"`
	Party        string `json:"party" validate:"required"`
	Accepted     bool   `json:"accepted"`
	Timestamp    int64  `json:"timestamp"`
}

// ChallengePayload disputes a foreign settlement with cited evidence.
type ChallengePayload struct {
	ID                  string   `json:"id" validate:"required"`
	SettlementID        string   `json:"settlementId" validate:"required"`
	Challenger          string   `json:"challenger" validate:"required"`
	ViolatedConstraints []string `json:"violatedConstraints,omitempty"`
	ContradictionProof  string   `json:"contradictionProof"`
	ParaphraseEvidence  string   `json:"paraphraseEvidence"`
	AffectedParty       string   `json:"affectedParty,omitempty"`
	Severity            string   `json:"severity,omitempty"`
	Confidence          float64  `json:"confidence"`
	Timestamp           int64    `json:"timestamp"`
}

// PayoutPayload claims the facilitation fee of an accepted settlement.
type PayoutPayload struct {
	SettlementID string  `json:"settlementId" validate:"required"`
	Amount       float64 `json:"amount" validate:"gte=0"`
}

func newEntry(entryType string, payload any) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", entryType, err)
	}
	e := &Entry{Type: entryType, Data: data}
	e.ClientToken = e.computeToken()
	return e, nil
}

// NewSettlementEntry wraps a settlement proposal for submission.
func NewSettlementEntry(s *settle.Settlement) (*Entry, error) {
	if s == nil || s.ID == "" {
		return nil, fmt.Errorf("settlement entry requires a settlement with an id")
	}
	return newEntry(TypeIntentSettlement, s)
}

// NewAcceptanceEntry wraps a party decision for submission.
func NewAcceptanceEntry(p *AcceptancePayload) (*Entry, error) {
	if p == nil || p.SettlementID == "" {
		return nil, fmt.Errorf("acceptance entry requires a settlement id")
	}
	return newEntry(TypeAcceptance, p)
}

// NewChallengeEntry wraps a challenge for submission.
func NewChallengeEntry(p *ChallengePayload) (*Entry, error) {
	if p == nil || p.SettlementID == "" {
		return nil, fmt.Errorf("challenge entry requires a settlement id")
	}
	return newEntry(TypeChallenge, p)
}

// NewPayoutEntry claims the fee for an accepted settlement.
func NewPayoutEntry(settlementID string, amount float64) (*Entry, error) {
	if settlementID == "" {
		return nil, fmt.Errorf("payout entry requires a settlement id")
	}
	return newEntry(TypePayoutClaim, &PayoutPayload{SettlementID: settlementID, Amount: amount})
}

// NewReputationEntry publishes this mediator's counters.
func NewReputationEntry(rep *reputation.MediatorReputation) (*Entry, error) {
	if rep == nil || rep.MediatorID == "" {
		return nil, fmt.Errorf("reputation entry requires a mediator id")
	}
	return newEntry(TypeReputationUpdate, rep)
}

// preimage is the byte string both the client token and the signature
// cover: the entry type, a separator, and the payload as submitted.
func (e *Entry) preimage() []byte {
	buf := make([]byte, 0, len(e.Type)+1+len(e.Data))
	buf = append(buf, e.Type...)
	buf = append(buf, '|')
	buf = append(buf, e.Data...)
	return buf
}

func (e *Entry) computeToken() string {
	digest := sha256.Sum256(e.preimage())
	return hex.EncodeToString(digest[:])
}

// Sign attaches this mediator's identity and signature. The signature
// covers the same bytes as the client token, so a receiver can verify
// both from the entry alone.
func (e *Entry) Sign(id *keys.Identity) error {
	if id == nil {
		return fmt.Errorf("sign entry: no identity")
	}
	sig, err := id.Sign(e.preimage())
	if err != nil {
		return fmt.Errorf("sign %s entry: %w", e.Type, err)
	}
	e.MediatorID = id.MediatorID()
	e.PublicKey = id.PublicKey()
	e.Signature = sig
	return nil
}

// Verify checks the signature against the embedded public key and that
// the mediator id matches the key. Entries without a signature fail.
func (e *Entry) Verify() error {
	if e.Signature == "" || e.PublicKey == "" {
		return fmt.Errorf("entry is unsigned")
	}
	derived, err := keys.AccountIDHex(e.PublicKey)
	if err != nil {
		return fmt.Errorf("entry public key: %w", err)
	}
	if e.MediatorID != "" && e.MediatorID != derived {
		return fmt.Errorf("entry mediator id %s does not match public key", e.MediatorID)
	}
	kt := keys.PublicKeyType(mustHex(e.PublicKey))
	provider, err := keys.ProviderFor(kt)
	if err != nil {
		return fmt.Errorf("entry public key: %w", err)
	}
	if !provider.Verify(e.preimage(), e.PublicKey, e.Signature) {
		return fmt.Errorf("entry signature does not verify")
	}
	return nil
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
