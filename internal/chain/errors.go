package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the ledger has no record for the
	// requested key. Callers test for it with errors.Is.
	ErrNotFound = errors.New("chain record not found")

	// ErrBreakerOpen wraps submissions and reads refused locally while
	// the circuit breaker is open.
	ErrBreakerOpen = errors.New("chain circuit breaker open")
)

// ErrorKind classifies a chain failure by the handling it requires, not
// by where it happened.
type ErrorKind int

const (
	// KindTransient failures (timeouts, connection resets, 5xx) are
	// retried with backoff and count toward the circuit breaker.
	KindTransient ErrorKind = iota

	// KindTerminal failures (4xx, schema mismatches) fail the affected
	// item immediately and are never retried.
	KindTerminal

	// KindInput marks content that fails validation bounds. The intent
	// or settlement involved is excluded from mediation, nothing else.
	KindInput

	// KindAdversarial marks content flagged as an instruction-injection
	// or manipulation attempt. The item is refused and logged.
	KindAdversarial

	// KindInvariant marks internal-consistency violations. The current
	// operation aborts with an error log.
	KindInvariant

	// KindFatal marks unrecoverable startup failures. The process exits
	// non-zero.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindInput:
		return "input"
	case KindAdversarial:
		return "adversarial"
	case KindInvariant:
		return "invariant"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ClassifiedError carries the kind alongside the wrapped cause so a
// single errors.As at the call site decides retry, skip, or abort.
type ClassifiedError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("chain %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with a kind and the operation it failed in.
func Classify(kind ErrorKind, op string, err error) error {
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// Classifyf is Classify over a formatted cause.
func Classifyf(kind ErrorKind, op, format string, args ...any) error {
	return &ClassifiedError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from a classified error chain. Unclassified
// errors report KindInvariant: an error nobody labeled is a bug, and
// bugs abort the operation rather than retry it.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInvariant
}

// IsTransient reports whether err should be retried later.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsTerminal reports whether err fails its item permanently.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err) == KindTerminal
}

// StatusError is a non-2xx ledger response preserved for callers that
// branch on the exact code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ledger returned status %d", e.Code)
	}
	return fmt.Sprintf("ledger returned status %d: %s", e.Code, e.Body)
}

// statusCode digs a StatusError out of err, or returns 0.
func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
