// Package settle tracks the lifecycle of settlements this mediator
// proposed, from registration until a terminal state.
package settle

import (
	"github.com/google/uuid"

	"github.com/meshalign/alignd/internal/negotiate"
)

// Status is a settlement lifecycle state.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusChallenged Status = "challenged"
	StatusClosed     Status = "closed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Valid reports whether s is a known settlement state.
func (s Status) Valid() bool {
	switch s {
	case StatusProposed, StatusAccepted, StatusRejected, StatusChallenged, StatusClosed:
		return true
	}
	return false
}

// NewID mints an opaque settlement id.
func NewID() string {
	return "st:" + uuid.NewString()
}

// Settlement is one proposal submitted by this mediator. The tracker hands
// out copies; callers never share the tracked record.
type Settlement struct {
	ID                 string           `json:"id"`
	IntentA            string           `json:"intentA"`
	IntentB            string           `json:"intentB"`
	ReasoningTrace     string           `json:"reasoningTrace"`
	Terms              *negotiate.Terms `json:"proposedTerms,omitempty"`
	FacilitationFee    float64          `json:"facilitationFee"`
	FeePercent         float64          `json:"feePercent"`
	ModelIntegrityHash string           `json:"modelIntegrityHash"`
	MediatorID         string           `json:"mediatorId"`
	Timestamp          int64            `json:"timestamp"`
	AcceptanceDeadline int64            `json:"acceptanceDeadline"`
	Status             Status           `json:"status"`
	PartyAAccepted     bool             `json:"partyAAccepted"`
	PartyBAccepted     bool             `json:"partyBAccepted"`
	PayoutSubmitted    bool             `json:"-"`
	FeeForfeited       bool             `json:"-"`
}

func (s *Settlement) clone() *Settlement {
	out := *s
	if s.Terms != nil {
		terms := *s.Terms
		if s.Terms.Price != nil {
			price := *s.Terms.Price
			terms.Price = &price
		}
		terms.Deliverables = append([]string(nil), s.Terms.Deliverables...)
		out.Terms = &terms
	}
	return &out
}

// StatusUpdate is the chain's view of one settlement as fetched by the
// monitor loop.
type StatusUpdate struct {
	Status             Status `json:"status"`
	PartyAAccepted     bool   `json:"partyAAccepted"`
	PartyBAccepted     bool   `json:"partyBAccepted"`
	PendingChallenges  int    `json:"pendingChallenges"`
	UpheldChallenges   int    `json:"upheldChallenges"`
	RejectedChallenges int    `json:"rejectedChallenges"`
}

// Transition is one state change applied by the tracker.
type Transition struct {
	ID     string
	From   Status
	To     Status
	Reason string
}
