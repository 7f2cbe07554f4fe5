// Package challenge audits other mediators' settlements. The detector
// fetches recently proposed foreign settlements, asks the verification
// model whether their terms contradict the underlying intents, and
// submits a challenge entry when the analysis is confident enough.
// Submitted challenges stay tracked until the chain resolves them; a
// rejected resolution costs this mediator a failed-challenge mark.
package challenge

import (
	"github.com/google/uuid"
)

// Status is a challenge's resolution state on the chain.
type Status string

const (
	StatusPending  Status = "pending"
	StatusUpheld   Status = "upheld"
	StatusRejected Status = "rejected"
)

// Terminal reports whether the chain has ruled on the challenge.
func (s Status) Terminal() bool {
	return s == StatusUpheld || s == StatusRejected
}

// NewID mints an opaque challenge id.
func NewID() string {
	return "ch:" + uuid.NewString()
}

// Analysis is the verification model's parsed judgement of one foreign
// settlement against its two intents.
type Analysis struct {
	HasContradiction    bool     `json:"hasContradiction"`
	Confidence          float64  `json:"confidence"`
	ViolatedConstraints []string `json:"violatedConstraints"`
	ContradictionProof  string   `json:"contradictionProof"`
	ParaphraseEvidence  string   `json:"paraphraseEvidence"`
	AffectedParty       string   `json:"affectedParty"`
	Severity            string   `json:"severity"`
}

// Challenge is one challenge this mediator submitted, tracked from
// submission until the chain upholds or rejects it.
type Challenge struct {
	ID                  string   `json:"id"`
	SettlementID        string   `json:"settlementId"`
	Challenger          string   `json:"challenger"`
	ViolatedConstraints []string `json:"violatedConstraints,omitempty"`
	ContradictionProof  string   `json:"contradictionProof"`
	ParaphraseEvidence  string   `json:"paraphraseEvidence"`
	AffectedParty       string   `json:"affectedParty,omitempty"`
	Severity            string   `json:"severity,omitempty"`
	Confidence          float64  `json:"confidence"`
	Status              Status   `json:"status"`
	SubmittedAt         int64    `json:"submittedAt"`
}

func (c *Challenge) clone() *Challenge {
	out := *c
	out.ViolatedConstraints = append([]string(nil), c.ViolatedConstraints...)
	return &out
}

// Resolution pairs a tracked challenge with the terminal status the chain
// assigned it.
type Resolution struct {
	Challenge Challenge
	Status    Status
}
