// Package chain is the mediator's only bridge to the intent ledger.
//
// All reads and writes go through one HTTP client with per-operation
// timeouts, bounded exponential retry for transient failures, and a
// circuit breaker that sheds load while the ledger is unreachable.
// Responses decode into typed structs and pass validation before any
// other component sees them. Submissions are signed, carry a
// content-derived client token, and are journaled so a restart never
// repeats one.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/intent"
	"github.com/meshalign/alignd/internal/keys"
	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

// semanticSearchTimeout bounds /search/semantic, which runs an
// embedding on the ledger side and is slower than a plain read.
const semanticSearchTimeout = 30 * time.Second

// SubmissionJournal is the duplicate-suppression surface the client
// needs. *journal.Journal satisfies it.
type SubmissionJournal interface {
	Seen(token string) (bool, error)
	MarkSubmitted(token, entryType, entryID string) error
}

// Client talks to one ledger endpoint. Safe for concurrent use.
type Client struct {
	endpoint     string
	chainID      string
	httpClient   *http.Client
	identity     *keys.Identity
	journal      SubmissionJournal
	validate     *validator.Validate
	breaker      *gobreaker.CircuitBreaker
	maxTries     uint
	readTimeout  time.Duration
	writeTimeout time.Duration
	log          *zap.Logger

	// proposeFallback latches once /contract/propose answers 404 or
	// 405; every later settlement goes straight to POST /entry.
	proposeFallback atomic.Bool

	observer atomic.Value // func(op string, err error, elapsed time.Duration)
}

// New builds a client from config. The identity signs submissions and
// may be nil for read-only use; the journal may be nil to disable
// duplicate suppression.
func New(cfg *config.Config, id *keys.Identity, jl SubmissionJournal, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("chain")

	maxTries := cfg.Chain.MaxRetries
	if maxTries <= 0 {
		maxTries = 4
	}
	threshold := cfg.Chain.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	readTimeout := cfg.RequestTimeout()
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout()
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	cooldown := cfg.BreakerCooldown()
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	c := &Client{
		endpoint:     strings.TrimRight(cfg.Chain.Endpoint, "/"),
		chainID:      cfg.Chain.ChainID,
		httpClient:   &http.Client{},
		identity:     id,
		journal:      jl,
		validate:     validator.New(),
		maxTries:     uint(maxTries),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		log:          log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chain",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// Terminal failures are the caller's problem, not the
		// ledger's; only transient ones count toward opening.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// SetObserver registers a callback invoked after every ledger call,
// used for request metrics. Replaces any previous observer.
func (c *Client) SetObserver(fn func(op string, err error, elapsed time.Duration)) {
	c.observer.Store(fn)
}

// BreakerState reports the circuit breaker state for the status page.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Endpoint returns the ledger base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Health checks the ledger liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out healthResponse
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, nil, &out, c.readTimeout); err != nil {
		return err
	}
	if !out.OK {
		return Classifyf(KindTransient, "health", "ledger reports not ok")
	}
	return nil
}

// ListPendingIntents fetches open intents awaiting mediation. Entries
// of other types and intents missing required fields are skipped;
// content bounds are the ingest loop's concern so that failing intents
// can be marked unalignable instead of silently vanishing.
func (c *Client) ListPendingIntents(ctx context.Context, limit int) ([]*intent.Intent, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out entriesResponse
	if err := c.do(ctx, "pending", http.MethodGet, "/pending", query, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	intents := make([]*intent.Intent, 0, len(out.Entries))
	for _, e := range out.Entries {
		if e.Type != TypeIntent {
			continue
		}
		in := new(intent.Intent)
		if err := json.Unmarshal(e.Data, in); err != nil {
			c.log.Warn("skipping undecodable pending intent", zap.Error(err))
			continue
		}
		if err := c.validate.Struct(in); err != nil {
			c.log.Warn("skipping malformed pending intent",
				zap.String("fingerprint", in.Fingerprint), zap.Error(err))
			continue
		}
		intents = append(intents, in)
	}
	return intents, nil
}

// GetIntent fetches one intent by fingerprint. Absence is ErrNotFound.
func (c *Client) GetIntent(ctx context.Context, fingerprint string) (*intent.Intent, error) {
	if fingerprint == "" {
		return nil, Classifyf(KindInput, "getIntent", "fingerprint is empty")
	}
	query := url.Values{"intent": {fingerprint}}
	var out entriesResponse
	if err := c.do(ctx, "getIntent", http.MethodGet, "/entries/search", query, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	for _, e := range out.Entries {
		if e.Type != TypeIntent {
			continue
		}
		in := new(intent.Intent)
		if err := json.Unmarshal(e.Data, in); err != nil {
			continue
		}
		if in.Fingerprint != fingerprint {
			continue
		}
		if err := c.validate.Struct(in); err != nil {
			return nil, Classify(KindTerminal, "getIntent", err)
		}
		if err := in.Validate(); err != nil {
			return nil, Classify(KindInput, "getIntent", err)
		}
		return in, nil
	}
	return nil, Classify(KindTerminal, "getIntent", fmt.Errorf("%w: intent %s", ErrNotFound, fingerprint))
}

// SubmitEntry signs and posts one entry, routing it to the endpoint
// its type calls for. A client token already journaled short-circuits
// into a duplicate receipt without touching the wire.
func (c *Client) SubmitEntry(ctx context.Context, e *Entry) (*SubmitReceipt, error) {
	if e == nil || e.Type == "" {
		return nil, Classifyf(KindInvariant, "submit", "nil or untyped entry")
	}
	if e.ClientToken == "" {
		e.ClientToken = e.computeToken()
	}
	if c.journal != nil {
		seen, err := c.journal.Seen(e.ClientToken)
		if err != nil {
			c.log.Warn("journal lookup failed, submitting anyway", zap.Error(err))
		} else if seen {
			c.log.Debug("suppressing duplicate submission",
				zap.String("type", e.Type), zap.String("token", e.ClientToken))
			return &SubmitReceipt{Status: "duplicate", Duplicate: true}, nil
		}
	}
	if c.identity != nil && e.Signature == "" {
		if err := e.Sign(c.identity); err != nil {
			return nil, Classify(KindInvariant, "submit", err)
		}
	}

	receipt, err := c.route(ctx, e)
	if err != nil {
		return nil, err
	}
	if c.journal != nil {
		if err := c.journal.MarkSubmitted(e.ClientToken, e.Type, receipt.EntryID); err != nil {
			c.log.Warn("journal write failed after submission",
				zap.String("token", e.ClientToken), zap.Error(err))
		}
	}
	c.log.Debug("entry submitted",
		zap.String("type", e.Type), zap.String("entryId", receipt.EntryID))
	return receipt, nil
}

func (c *Client) route(ctx context.Context, e *Entry) (*SubmitReceipt, error) {
	switch e.Type {
	case TypeIntentSettlement:
		return c.submitSettlement(ctx, e)
	case TypeAcceptance:
		return c.okPost(ctx, "respond", "/contract/respond", e)
	case TypePayoutClaim:
		return c.okPost(ctx, "payout", "/contract/payout", e)
	case TypeReputationUpdate:
		return c.submitReputation(ctx, e)
	default:
		return c.postEntry(ctx, e)
	}
}

func (c *Client) submitSettlement(ctx context.Context, e *Entry) (*SubmitReceipt, error) {
	if c.proposeFallback.Load() {
		return c.postEntry(ctx, e)
	}
	receipt, err := c.okPost(ctx, "propose", "/contract/propose", e)
	if err != nil {
		switch statusCode(err) {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			c.proposeFallback.Store(true)
			c.log.Info("contract propose endpoint unavailable, falling back to entry submission")
			return c.postEntry(ctx, e)
		}
		return nil, err
	}
	return receipt, nil
}

// okPost drives the contract endpoints, which take the payload itself
// with the signing metadata folded in and acknowledge with {ok, id?}.
func (c *Client) okPost(ctx context.Context, op, path string, e *Entry) (*SubmitReceipt, error) {
	body, err := e.bodyWithAuth()
	if err != nil {
		return nil, Classify(KindInvariant, op, err)
	}
	var out okResponse
	if err := c.do(ctx, op, http.MethodPost, path, nil, body, &out, c.writeTimeout); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, Classifyf(KindTerminal, op, "ledger refused %s entry", e.Type)
	}
	return &SubmitReceipt{EntryID: out.ID, Status: "ok"}, nil
}

func (c *Client) postEntry(ctx context.Context, e *Entry) (*SubmitReceipt, error) {
	var out submitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/entry", nil, e, &out, c.writeTimeout); err != nil {
		return nil, err
	}
	return &SubmitReceipt{EntryID: out.EntryID, Status: out.Status}, nil
}

func (c *Client) submitReputation(ctx context.Context, e *Entry) (*SubmitReceipt, error) {
	rep := new(reputation.MediatorReputation)
	if err := json.Unmarshal(e.Data, rep); err != nil {
		return nil, Classify(KindInvariant, "reputation", err)
	}
	body := &reputationUpdateRequest{MediatorID: rep.MediatorID, Reputation: rep}
	var out reputation.MediatorReputation
	if err := c.do(ctx, "reputation", http.MethodPost, "/reputation", nil, body, &out, c.writeTimeout); err != nil {
		return nil, err
	}
	return &SubmitReceipt{Status: "ok"}, nil
}

// GetSettlementStatus fetches the chain's current view of one
// settlement. Absence is ErrNotFound.
func (c *Client) GetSettlementStatus(ctx context.Context, id string) (*SettlementStatus, error) {
	if id == "" {
		return nil, Classifyf(KindInput, "settlementStatus", "settlement id is empty")
	}
	query := url.Values{"id": {id}}
	var out contractsResponse
	if err := c.do(ctx, "settlementStatus", http.MethodGet, "/contract/list", query, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	for _, rec := range out.Contracts {
		if rec == nil || rec.ID != id {
			continue
		}
		if !rec.Status.Valid() {
			return nil, Classifyf(KindTerminal, "settlementStatus", "unknown settlement status %q", rec.Status)
		}
		return &SettlementStatus{
			ID: rec.ID,
			StatusUpdate: settle.StatusUpdate{
				Status:             rec.Status,
				PartyAAccepted:     rec.PartyAAccepted,
				PartyBAccepted:     rec.PartyBAccepted,
				PendingChallenges:  rec.PendingChallenges,
				UpheldChallenges:   rec.UpheldChallenges,
				RejectedChallenges: rec.RejectedChallenges,
			},
		}, nil
	}
	return nil, Classify(KindTerminal, "settlementStatus", fmt.Errorf("%w: settlement %s", ErrNotFound, id))
}

// ListRecentSettlements fetches open settlements, newest first as the
// ledger orders them. The challenge scanner feeds on this.
func (c *Client) ListRecentSettlements(ctx context.Context, since time.Time, limit int) ([]*settle.Settlement, error) {
	query := url.Values{"status": {"open"}}
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out contractsResponse
	if err := c.do(ctx, "listSettlements", http.MethodGet, "/contract/list", query, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	settlements := make([]*settle.Settlement, 0, len(out.Contracts))
	for _, rec := range out.Contracts {
		if rec == nil || rec.ID == "" {
			continue
		}
		s := rec.Settlement
		settlements = append(settlements, &s)
	}
	return settlements, nil
}

// GetReputation fetches a mediator's counters. An unknown mediator has
// a clean record; that is zeroed defaults, not an error.
func (c *Client) GetReputation(ctx context.Context, mediatorID string) (*reputation.MediatorReputation, error) {
	if mediatorID == "" {
		return nil, Classifyf(KindInput, "getReputation", "mediator id is empty")
	}
	var out reputation.MediatorReputation
	err := c.do(ctx, "getReputation", http.MethodGet, "/reputation/"+url.PathEscape(mediatorID), nil, nil, &out, c.readTimeout)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &reputation.MediatorReputation{MediatorID: mediatorID}, nil
		}
		return nil, err
	}
	if out.MediatorID == "" {
		out.MediatorID = mediatorID
	}
	return &out, nil
}

// PublishReputation pushes this mediator's counters to the ledger. It
// satisfies reputation.Publisher.
func (c *Client) PublishReputation(ctx context.Context, rep *reputation.MediatorReputation) error {
	e, err := NewReputationEntry(rep)
	if err != nil {
		return Classify(KindInvariant, "reputation", err)
	}
	_, err = c.SubmitEntry(ctx, e)
	return err
}

// FindMatchCandidates asks the ledger for counterpart hints. The
// endpoint is optional; any non-transient degradation yields an empty
// hint list rather than an error.
func (c *Client) FindMatchCandidates(ctx context.Context, fingerprint string) ([]string, error) {
	if fingerprint == "" {
		return nil, nil
	}
	var out matchResponse
	err := c.do(ctx, "match", http.MethodPost, "/contract/match", nil, &matchRequest{Fingerprint: fingerprint}, &out, c.readTimeout)
	if err != nil {
		if IsTransient(err) {
			return nil, err
		}
		c.log.Debug("match candidates unavailable",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, nil
	}
	return out.Matches, nil
}

// SearchEntries runs a keyword search over ledger entries.
func (c *Client) SearchEntries(ctx context.Context, term string) ([]Entry, error) {
	query := url.Values{"intent": {term}}
	var out entriesResponse
	if err := c.do(ctx, "search", http.MethodGet, "/entries/search", query, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// SemanticSearch runs the ledger-side embedding search.
func (c *Client) SemanticSearch(ctx context.Context, queryText string, k int) ([]Entry, error) {
	if k <= 0 {
		k = 10
	}
	var out entriesResponse
	if err := c.do(ctx, "semanticSearch", http.MethodPost, "/search/semantic", nil,
		&semanticRequest{Query: queryText, K: k}, &out, semanticSearchTimeout); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ValidateChain asks the ledger to verify its own integrity.
func (c *Client) ValidateChain(ctx context.Context) (*ValidationReport, error) {
	var out ValidationReport
	if err := c.do(ctx, "validateChain", http.MethodGet, "/validate/chain", nil, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// DumpChain fetches the raw block list.
func (c *Client) DumpChain(ctx context.Context) (*ChainDump, error) {
	var out ChainDump
	if err := c.do(ctx, "dumpChain", http.MethodGet, "/chain", nil, nil, &out, c.readTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// do runs one logical operation through the breaker and, inside it,
// the bounded retry loop. out must be a struct pointer or nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, timeout time.Duration) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.withRetry(ctx, op, func() error {
			return c.once(ctx, op, method, path, query, body, out, timeout)
		})
	})
	if obs, ok := c.observer.Load().(func(string, error, time.Duration)); ok && obs != nil {
		obs(op, err, time.Since(start))
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Classify(KindTransient, op, ErrBreakerOpen)
	}
	return err
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.RandomizationFactor = 0.2
	expo.Multiplier = 2
	expo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if IsTransient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug("retrying", zap.String("op", op),
				zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		// Context cancellation surfaces from the retry loop bare.
		return Classify(KindTransient, op, err)
	}
	return err
}

func (c *Client) once(ctx context.Context, op, method, path string, query url.Values, body, out any, timeout time.Duration) error {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Classify(KindInvariant, op, fmt.Errorf("encode request: %w", err))
		}
		rd = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return Classify(KindInvariant, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.chainID != "" {
		req.Header.Set("X-Chain-Id", c.chainID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Classify(KindTransient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if transientStatus(resp.StatusCode) {
			return Classify(KindTransient, op, se)
		}
		if resp.StatusCode == http.StatusNotFound {
			return Classify(KindTerminal, op, fmt.Errorf("%w: %w", ErrNotFound, se))
		}
		return Classify(KindTerminal, op, se)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Classify(KindTerminal, op, fmt.Errorf("decode response: %w", err))
	}
	if err := c.validate.Struct(out); err != nil {
		return Classify(KindTerminal, op, fmt.Errorf("response failed validation: %w", err))
	}
	return nil
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// bodyWithAuth folds the signing metadata into the payload object for
// the contract endpoints, which take the payload at top level.
func (e *Entry) bodyWithAuth() (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	if e.ClientToken != "" {
		m["clientToken"] = e.ClientToken
	}
	if e.MediatorID != "" {
		m["mediatorId"] = e.MediatorID
	}
	if e.PublicKey != "" {
		m["publicKey"] = e.PublicKey
	}
	if e.Signature != "" {
		m["signature"] = e.Signature
	}
	return json.Marshal(m)
}
