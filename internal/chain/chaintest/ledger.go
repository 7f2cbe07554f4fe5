// Package chaintest runs an in-memory ledger speaking the HTTP API the
// adapter consumes. Tests script its contents and failure behavior.
package chaintest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/intent"
	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

// Contract is one settlement as the ledger stores it, the proposal
// plus the challenge tallies.
type Contract struct {
	settle.Settlement
	PendingChallenges  int `json:"pendingChallenges"`
	UpheldChallenges   int `json:"upheldChallenges"`
	RejectedChallenges int `json:"rejectedChallenges"`
}

type failureScript struct {
	remaining int
	code      int
}

// Ledger is the scriptable mock. All exported methods are safe for
// concurrent use with in-flight requests.
type Ledger struct {
	mu  sync.Mutex
	srv *httptest.Server

	healthy       bool
	requireSigned bool
	proposeGone   bool
	issues        []string

	pending     []string
	intents     map[string]*intent.Intent
	contracts   map[string]*Contract
	matches     map[string][]string
	reputations map[string]*reputation.MediatorReputation

	entries  []chain.Entry
	payouts  []chain.PayoutPayload
	failures map[string]*failureScript
	requests map[string]int
}

// New starts a ledger and registers its shutdown with t.
func New(t testing.TB) *Ledger {
	l := &Ledger{
		healthy:     true,
		intents:     make(map[string]*intent.Intent),
		contracts:   make(map[string]*Contract),
		matches:     make(map[string][]string),
		reputations: make(map[string]*reputation.MediatorReputation),
		failures:    make(map[string]*failureScript),
		requests:    make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(l.script)
	r.Get("/health", l.handleHealth)
	r.Get("/pending", l.handlePending)
	r.Post("/entry", l.handleEntry)
	r.Get("/entries/search", l.handleSearch)
	r.Post("/search/semantic", l.handleSemantic)
	r.Get("/contract/list", l.handleContractList)
	r.Post("/contract/match", l.handleMatch)
	r.Post("/contract/propose", l.handlePropose)
	r.Post("/contract/respond", l.handleRespond)
	r.Post("/contract/payout", l.handlePayout)
	r.Get("/chain", l.handleChain)
	r.Get("/validate/chain", l.handleValidate)
	r.Get("/reputation/{mediatorID}", l.handleGetReputation)
	r.Post("/reputation", l.handlePostReputation)

	l.srv = httptest.NewServer(r)
	t.Cleanup(l.srv.Close)
	return l
}

// URL is the base endpoint for chain.endpoint config.
func (l *Ledger) URL() string {
	return l.srv.URL
}

// script counts requests and serves scripted failures before routing.
func (l *Ledger) script(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.requests[r.URL.Path]++
		if fs := l.failures[r.URL.Path]; fs != nil && fs.remaining > 0 {
			fs.remaining--
			code := fs.code
			l.mu.Unlock()
			http.Error(w, "scripted failure", code)
			return
		}
		l.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// FailNext makes the next n requests to path answer with code.
func (l *Ledger) FailNext(path string, n, code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[path] = &failureScript{remaining: n, code: code}
}

// Requests reports how many times path was hit.
func (l *Ledger) Requests(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[path]
}

// SetHealthy scripts the /health payload.
func (l *Ledger) SetHealthy(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healthy = ok
}

// RequireSignatures makes submission endpoints reject unsigned or
// badly signed entries with 400.
func (l *Ledger) RequireSignatures() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requireSigned = true
}

// DisablePropose makes /contract/propose answer 404, forcing the
// adapter's /entry fallback.
func (l *Ledger) DisablePropose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proposeGone = true
}

// SetChainIssues scripts /validate/chain to report problems.
func (l *Ledger) SetChainIssues(issues ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issues = issues
}

// AddPendingIntent registers an intent and lists it as pending.
func (l *Ledger) AddPendingIntent(in *intent.Intent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, known := l.intents[in.Fingerprint]; !known {
		l.pending = append(l.pending, in.Fingerprint)
	}
	l.intents[in.Fingerprint] = in
}

// RemovePendingIntent drops an intent from the pending list. The
// intent itself stays reachable through search.
func (l *Ledger) RemovePendingIntent(fingerprint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.pending[:0]
	for _, fp := range l.pending {
		if fp != fingerprint {
			kept = append(kept, fp)
		}
	}
	l.pending = kept
}

// AddMatchHint scripts /contract/match for one fingerprint.
func (l *Ledger) AddMatchHint(fingerprint string, counterparts ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.matches[fingerprint] = counterparts
}

// SeedReputation primes the reputation store.
func (l *Ledger) SeedReputation(rep *reputation.MediatorReputation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reputations[rep.MediatorID] = rep
}

// Reputation returns the stored counters for a mediator, or nil.
func (l *Ledger) Reputation(mediatorID string) *reputation.MediatorReputation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rep, ok := l.reputations[mediatorID]; ok {
		cp := *rep
		return &cp
	}
	return nil
}

// Contracts returns copies of all stored settlements.
func (l *Ledger) Contracts() []*Contract {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Contract, 0, len(l.contracts))
	for _, c := range l.contracts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Contract returns a copy of one settlement by id.
func (l *Ledger) Contract(id string) (*Contract, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// AddContract stores a settlement directly, for seeding foreign ones.
func (l *Ledger) AddContract(c *Contract) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *c
	l.contracts[c.ID] = &cp
}

// SetContractStatus scripts a settlement's lifecycle state.
func (l *Ledger) SetContractStatus(id string, status settle.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.contracts[id]; ok {
		c.Status = status
	}
}

// SetContractAccepted scripts the party acceptance flags.
func (l *Ledger) SetContractAccepted(id string, partyA, partyB bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.contracts[id]; ok {
		c.PartyAAccepted = partyA
		c.PartyBAccepted = partyB
	}
}

// SetChallengeTallies scripts the challenge counters of a settlement.
func (l *Ledger) SetChallengeTallies(id string, pending, upheld, rejected int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.contracts[id]; ok {
		c.PendingChallenges = pending
		c.UpheldChallenges = upheld
		c.RejectedChallenges = rejected
	}
}

// SubmittedEntries returns every entry that arrived on POST /entry.
func (l *Ledger) SubmittedEntries() []chain.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.Entry(nil), l.entries...)
}

// PayoutClaims returns every claim that arrived on /contract/payout.
func (l *Ledger) PayoutClaims() []chain.PayoutPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.PayoutPayload(nil), l.payouts...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (l *Ledger) handleHealth(w http.ResponseWriter, _ *http.Request) {
	l.mu.Lock()
	ok := l.healthy
	l.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": ok})
}

func (l *Ledger) entryFor(in *intent.Intent) chain.Entry {
	data, _ := json.Marshal(in)
	return chain.Entry{Type: chain.TypeIntent, Data: data}
}

func (l *Ledger) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}
	l.mu.Lock()
	entries := make([]chain.Entry, 0, len(l.pending))
	for _, fp := range l.pending {
		if in, ok := l.intents[fp]; ok {
			entries = append(entries, l.entryFor(in))
		}
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	l.mu.Unlock()
	writeJSON(w, map[string]any{"entries": entries})
}

func (l *Ledger) checkSignature(w http.ResponseWriter, e *chain.Entry) bool {
	l.mu.Lock()
	required := l.requireSigned
	l.mu.Unlock()
	if !required {
		return true
	}
	if err := e.Verify(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (l *Ledger) handleEntry(w http.ResponseWriter, r *http.Request) {
	var e chain.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !l.checkSignature(w, &e) {
		return
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	switch e.Type {
	case chain.TypeIntentSettlement:
		var c Contract
		if err := json.Unmarshal(e.Data, &c.Settlement); err == nil && c.ID != "" {
			if c.Status == "" {
				c.Status = settle.StatusProposed
			}
			l.contracts[c.ID] = &c
		}
	case chain.TypeChallenge:
		var p chain.ChallengePayload
		if err := json.Unmarshal(e.Data, &p); err == nil {
			if c, ok := l.contracts[p.SettlementID]; ok {
				c.PendingChallenges++
			}
		}
	case chain.TypePayoutClaim:
		var p chain.PayoutPayload
		if err := json.Unmarshal(e.Data, &p); err == nil {
			l.payouts = append(l.payouts, p)
		}
	}
	l.mu.Unlock()

	writeJSON(w, map[string]string{"entryId": "e:" + uuid.NewString(), "status": "pending"})
}

func (l *Ledger) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("intent")
	l.mu.Lock()
	var entries []chain.Entry
	for _, in := range l.intents {
		if term == "" || in.Fingerprint == term || containsFold(in.Prose, term) {
			entries = append(entries, l.entryFor(in))
		}
	}
	l.mu.Unlock()
	writeJSON(w, map[string]any{"entries": entries})
}

func (l *Ledger) handleSemantic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	l.mu.Lock()
	var entries []chain.Entry
	for _, fp := range l.pending {
		if len(entries) >= req.K {
			break
		}
		if in, ok := l.intents[fp]; ok {
			entries = append(entries, l.entryFor(in))
		}
	}
	l.mu.Unlock()
	writeJSON(w, map[string]any{"entries": entries})
}

func (l *Ledger) handleContractList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	status := q.Get("status")
	var since int64
	if s := q.Get("since"); s != "" {
		since, _ = strconv.ParseInt(s, 10, 64)
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}

	l.mu.Lock()
	var out []*Contract
	for _, c := range l.contracts {
		if id != "" && c.ID != id {
			continue
		}
		if id == "" {
			if status == "open" && c.Status.Terminal() {
				continue
			}
			if since > 0 && c.Timestamp < since {
				continue
			}
		}
		cp := *c
		out = append(out, &cp)
		if id == "" && limit > 0 && len(out) >= limit {
			break
		}
	}
	l.mu.Unlock()
	writeJSON(w, map[string]any{"contracts": out})
}

func (l *Ledger) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	matches := append([]string(nil), l.matches[req.Fingerprint]...)
	l.mu.Unlock()
	writeJSON(w, map[string]any{"matches": matches})
}

func (l *Ledger) handlePropose(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	gone := l.proposeGone
	l.mu.Unlock()
	if gone {
		http.NotFound(w, r)
		return
	}
	var c Contract
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.ID == "" {
		http.Error(w, "bad settlement", http.StatusBadRequest)
		return
	}
	if c.Status == "" {
		c.Status = settle.StatusProposed
	}
	l.mu.Lock()
	l.contracts[c.ID] = &c
	l.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true, "id": c.ID})
}

func (l *Ledger) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SettlementID string `json:"settlementId"`
		Party        string `json:"party"`
		Accepted     bool   `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SettlementID == "" {
		http.Error(w, "bad acceptance", http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	if c, ok := l.contracts[req.SettlementID]; ok && req.Accepted {
		switch req.Party {
		case c.IntentA:
			c.PartyAAccepted = true
		case c.IntentB:
			c.PartyBAccepted = true
		}
		if c.PartyAAccepted && c.PartyBAccepted && c.Status == settle.StatusProposed {
			c.Status = settle.StatusAccepted
		}
	}
	l.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true, "id": req.SettlementID})
}

func (l *Ledger) handlePayout(w http.ResponseWriter, r *http.Request) {
	var p chain.PayoutPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.SettlementID == "" {
		http.Error(w, "bad payout claim", http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	l.payouts = append(l.payouts, p)
	l.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true})
}

func (l *Ledger) handleChain(w http.ResponseWriter, _ *http.Request) {
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	block := map[string]any{"index": 0, "entryCount": n, "timestamp": time.Now().UnixMilli()}
	writeJSON(w, map[string]any{"blocks": []any{block}})
}

func (l *Ledger) handleValidate(w http.ResponseWriter, _ *http.Request) {
	l.mu.Lock()
	issues := append([]string(nil), l.issues...)
	l.mu.Unlock()
	writeJSON(w, map[string]any{"valid": len(issues) == 0, "issues": issues})
}

func (l *Ledger) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mediatorID")
	l.mu.Lock()
	rep, ok := l.reputations[id]
	if ok {
		cp := *rep
		rep = &cp
	}
	l.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, rep)
}

func (l *Ledger) handlePostReputation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MediatorID string                         `json:"mediatorId"`
		Reputation *reputation.MediatorReputation `json:"reputation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MediatorID == "" || req.Reputation == nil {
		http.Error(w, "bad reputation update", http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	l.reputations[req.MediatorID] = req.Reputation
	cp := *req.Reputation
	l.mu.Unlock()
	writeJSON(w, &cp)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
