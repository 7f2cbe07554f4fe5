package chain

import (
	"encoding/json"

	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

// Request and response bodies for the ledger HTTP API. Responses decode
// with unknown fields ignored; required fields carry validate tags and
// a missing one fails the read as terminal.

type healthResponse struct {
	OK bool `json:"ok"`
}

type entriesResponse struct {
	Entries []Entry `json:"entries"`
}

type submitResponse struct {
	EntryID string `json:"entryId" validate:"required"`
	Status  string `json:"status"`
}

// okResponse covers /contract/propose, /contract/respond and
// /contract/payout, which acknowledge with {ok, id?}.
type okResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

type matchRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type matchResponse struct {
	Matches []string `json:"matches"`
}

type semanticRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// contractRecord is one settlement as the contract endpoints return it,
// the proposal fields plus the challenge tallies the ledger maintains.
type contractRecord struct {
	settle.Settlement
	PendingChallenges  int `json:"pendingChallenges"`
	UpheldChallenges   int `json:"upheldChallenges"`
	RejectedChallenges int `json:"rejectedChallenges"`
}

type contractsResponse struct {
	Contracts []*contractRecord `json:"contracts"`
}

type reputationUpdateRequest struct {
	MediatorID string                         `json:"mediatorId" validate:"required"`
	Reputation *reputation.MediatorReputation `json:"reputation" validate:"required"`
}

// SettlementStatus is the chain's current view of one settlement.
type SettlementStatus struct {
	ID string `json:"id" validate:"required"`
	settle.StatusUpdate
}

// SubmitReceipt acknowledges a submission. Duplicate receipts mean the
// journal had already recorded this client token and nothing was sent.
type SubmitReceipt struct {
	EntryID   string
	Status    string
	Duplicate bool
}

// ValidationReport is the ledger's own integrity check result.
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// ChainDump is the raw block list, exposed for the validate command.
type ChainDump struct {
	Blocks []json.RawMessage `json:"blocks"`
}
