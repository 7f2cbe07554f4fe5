// Package intent defines the intent record published on the chain and the
// bounded in-process cache of pending intents the mediator works from.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Bounds enforced on every intent read from the chain, not only on writes.
const (
	MaxProseChars      = 10000
	MaxListItems       = 100
	MaxItemChars       = 1000
	MaxFingerprintLen  = 128
	fingerprintCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789:_-"
)

// Status is the chain-side lifecycle state of an intent.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusClosed      Status = "closed"
	StatusUnalignable Status = "unalignable"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusClosed, StatusUnalignable:
		return true
	}
	return false
}

// Terminal reports whether an intent in this status has left mediation
// candidacy. Only pending intents are candidates.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

// Intent is a human-authored statement of desire or offer. The fingerprint
// is opaque, globally unique, and stable for the content; the mediator never
// derives meaning from it.
type Intent struct {
	Fingerprint string   `json:"fingerprint" validate:"required,min=1,max=128"`
	Author      string   `json:"author" validate:"required"`
	Prose       string   `json:"prose" validate:"required"`
	Desires     []string `json:"desires,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	OfferedFee  float64  `json:"offeredFee"`
	Timestamp   int64    `json:"timestamp" validate:"gt=0"`
	Status      Status   `json:"status"`
}

// Validate enforces the content bounds. It is applied to every intent
// decoded from a chain response; a failing intent is marked unalignable
// rather than cached for mediation.
func (in *Intent) Validate() error {
	if err := validFingerprint(in.Fingerprint); err != nil {
		return fmt.Errorf("intent validation failed: %w", err)
	}
	if in.Author == "" {
		return fmt.Errorf("intent validation failed: author is required")
	}
	n := utf8.RuneCountInString(in.Prose)
	if n == 0 {
		return fmt.Errorf("intent validation failed: prose is empty")
	}
	if n > MaxProseChars {
		return fmt.Errorf("intent validation failed: prose exceeds %d chars (%d)", MaxProseChars, n)
	}
	if err := validList("desires", in.Desires); err != nil {
		return fmt.Errorf("intent validation failed: %w", err)
	}
	if err := validList("constraints", in.Constraints); err != nil {
		return fmt.Errorf("intent validation failed: %w", err)
	}
	if in.OfferedFee < 0 {
		return fmt.Errorf("intent validation failed: offered fee is negative (%v)", in.OfferedFee)
	}
	if in.Timestamp <= 0 {
		return fmt.Errorf("intent validation failed: timestamp is not positive")
	}
	if !in.Status.Valid() {
		return fmt.Errorf("intent validation failed: unknown status %q", in.Status)
	}
	return nil
}

func validFingerprint(fp string) error {
	if fp == "" {
		return fmt.Errorf("fingerprint is empty")
	}
	if len(fp) > MaxFingerprintLen {
		return fmt.Errorf("fingerprint exceeds %d chars (%d)", MaxFingerprintLen, len(fp))
	}
	for _, r := range fp {
		if !strings.ContainsRune(fingerprintCharset, r) {
			return fmt.Errorf("fingerprint contains invalid character %q", r)
		}
	}
	return nil
}

func validList(name string, items []string) error {
	if len(items) > MaxListItems {
		return fmt.Errorf("%s has %d items, max %d", name, len(items), MaxListItems)
	}
	for i, it := range items {
		if n := utf8.RuneCountInString(it); n > MaxItemChars {
			return fmt.Errorf("%s[%d] exceeds %d chars (%d)", name, i, MaxItemChars, n)
		}
	}
	return nil
}

// ComputeFingerprint derives the content-stable fingerprint for an intent
// body the way the chain does: SHA-256 over author and canonical content.
// The daemon only needs this when authoring entries of its own and in the
// test ledger; intents read from the chain carry their fingerprint already.
func ComputeFingerprint(author, prose string, desires, constraints []string) string {
	h := sha256.New()
	h.Write([]byte(author))
	h.Write([]byte{0})
	h.Write([]byte(prose))
	for _, d := range desires {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	h.Write([]byte{1})
	for _, c := range constraints {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return "in:" + hex.EncodeToString(h.Sum(nil))[:40]
}

// PairKey returns the canonical key for an unordered fingerprint pair.
// Both orderings of the same two intents map to one key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
