// Package negotiate drives the settlement negotiation model.
//
// The Negotiator builds a frozen prompt for an intent pair, sends it
// through the configured client, and parses the reply into an Outcome.
// Unparseable replies and sub-floor confidence are refusals, not errors;
// errors mean the call itself failed. Outcomes are never cached: each pair
// is negotiated fresh.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/intent"
)

// Client sends one prompt to the negotiation model and returns raw text.
type Client interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

// Completion is the raw model reply plus token accounting.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Terms are the structured settlement terms proposed by the model.
type Terms struct {
	Price        *float64 `json:"price,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Timeline     string   `json:"timeline,omitempty"`
}

// Outcome is the parsed result of one negotiation attempt. Success false
// with a RefusalReason is the normal negative result; InjectionHits is
// non-empty when the attempt was refused before any model call.
type Outcome struct {
	Success       bool
	Confidence    float64
	Reasoning     string
	Terms         *Terms
	RefusalReason string
	IntegrityHash string
	InjectionHits []Hit
	InputTokens   int
	OutputTokens  int
	Latency       time.Duration
}

type modelReply struct {
	Success       bool    `json:"success"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
	ProposedTerms *Terms  `json:"proposedTerms"`
}

// Negotiator mediates intent pairs through an LLM client.
type Negotiator struct {
	client  Client
	minConf float64
	timeout time.Duration
	hash    string
	log     *zap.Logger
}

// New wires a client to the configured confidence floor and call timeout.
func New(client Client, cfg *config.Config, log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{
		client:  client,
		minConf: cfg.Engine.MinConfidence,
		timeout: cfg.LLMTimeout(),
		hash:    IntegrityHash(client.Model()),
		log:     log.Named("negotiate"),
	}
}

// ModelIntegrityHash identifies the model and prompt version in force.
func (n *Negotiator) ModelIntegrityHash() string { return n.hash }

// Negotiate mediates one intent pair. The returned error is non-nil only
// when the model call itself failed.
func (n *Negotiator) Negotiate(ctx context.Context, a, b *intent.Intent) (*Outcome, error) {
	out := &Outcome{IntegrityHash: n.hash}

	for _, hit := range ScanIntent(a) {
		out.InjectionHits = append(out.InjectionHits, Hit{Field: "a." + hit.Field, Pattern: hit.Pattern})
	}
	for _, hit := range ScanIntent(b) {
		out.InjectionHits = append(out.InjectionHits, Hit{Field: "b." + hit.Field, Pattern: hit.Pattern})
	}
	if len(out.InjectionHits) > 0 {
		out.RefusalReason = "injection pattern in party input"
		patterns := make([]string, len(out.InjectionHits))
		for i, hit := range out.InjectionHits {
			patterns[i] = hit.Field + ":" + hit.Pattern
		}
		n.log.Warn("refusing negotiation, injection patterns detected",
			zap.String("intentA", a.Fingerprint),
			zap.String("intentB", b.Fingerprint),
			zap.Strings("patterns", patterns))
		return out, nil
	}

	system, user := BuildPrompt(a, b)

	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	comp, err := n.client.Complete(cctx, system, user)
	out.Latency = time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("negotiation call failed: %w", err)
	}
	out.InputTokens = comp.InputTokens
	out.OutputTokens = comp.OutputTokens

	reply, err := parseReply(comp.Text)
	if err != nil {
		out.RefusalReason = "unparseable model reply"
		n.log.Warn("model reply did not parse",
			zap.String("intentA", a.Fingerprint),
			zap.String("intentB", b.Fingerprint),
			zap.Error(err))
		return out, nil
	}

	out.Confidence = clamp01(reply.Confidence)
	out.Reasoning = reply.Reasoning

	if !reply.Success {
		out.RefusalReason = "model declined"
		if reply.Reasoning != "" {
			out.RefusalReason = reply.Reasoning
		}
		return out, nil
	}
	if out.Confidence < n.minConf {
		out.RefusalReason = fmt.Sprintf("confidence %.2f below floor %.2f", out.Confidence, n.minConf)
		return out, nil
	}

	out.Success = true
	out.Terms = reply.ProposedTerms
	return out, nil
}

func parseReply(text string) (*modelReply, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decoding reply object: %w", err)
	}
	return &reply, nil
}

// ExtractJSON returns the first balanced JSON object in s. Models often
// wrap the object in prose despite instructions; every reply parser in
// the daemon goes through this.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errors.New("no JSON object in reply")
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON object in reply")
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
