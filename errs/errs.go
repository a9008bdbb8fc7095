// Package errs provides structured error types shared across the engine.
//
// Every failure that crosses a component boundary is classified into a Kind
// first; the retry behaviour for each Kind lives in one policy table so all
// exchange adapters inherit identical resilience.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Kind identifies an exchange-agnostic failure category.
type Kind string

const (
	// KindAuthentication indicates rejected or missing credentials.
	KindAuthentication Kind = "authentication"
	// KindInsufficientFunds indicates the account balance cannot cover the request.
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindOrderNotFound indicates the referenced order does not exist on the exchange.
	KindOrderNotFound Kind = "order_not_found"
	// KindUnsupportedCall indicates the adapter lacks the requested capability.
	KindUnsupportedCall Kind = "unsupported_call"
	// KindRateLimited indicates the request exceeded exchange rate limits.
	KindRateLimited Kind = "rate_limited"
	// KindExchangeUnavailable indicates an exchange-side outage or maintenance window.
	KindExchangeUnavailable Kind = "exchange_unavailable"
	// KindNetworkTransient indicates a transient transport failure.
	KindNetworkTransient Kind = "network_transient"
	// KindValidationFailed indicates a precondition failed before submission.
	KindValidationFailed Kind = "validation_failed"
	// KindAmbiguousState indicates the engine cannot prove whether an exchange
	// action succeeded. Requires operator reconciliation, never automatic retry.
	KindAmbiguousState Kind = "ambiguous_state"
	// KindInvalid indicates malformed caller input.
	KindInvalid Kind = "invalid_request"
	// KindConflict indicates a concurrent mutation conflict.
	KindConflict Kind = "conflict"
	// KindNotFound indicates a missing local resource.
	KindNotFound Kind = "not_found"
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
)

// RetryPolicy describes how a Kind should be retried, if at all.
type RetryPolicy struct {
	Retryable   bool
	Delay       time.Duration
	MaxAttempts int
}

// Policy returns the retry policy for the given kind.
//
// Rate-limit and outage kinds wait longer between attempts; transient network
// failures recheck quickly. Both bound out near an hour of wall time.
// Everything else surfaces immediately.
func Policy(kind Kind) RetryPolicy {
	switch kind {
	case KindRateLimited, KindExchangeUnavailable:
		return RetryPolicy{Retryable: true, Delay: 60 * time.Second, MaxAttempts: 60}
	case KindNetworkTransient:
		return RetryPolicy{Retryable: true, Delay: 5 * time.Second, MaxAttempts: 60}
	default:
		return RetryPolicy{Retryable: false, Delay: 0, MaxAttempts: 1}
	}
}

// E captures structured error information produced across the engine.
type E struct {
	Exchange string
	Kind     Kind
	HTTP     int
	RawCode  string
	RawMsg   string
	Message  string
	Step     string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and failure kind.
func New(exchange string, kind Kind, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Kind:     kind,
		HTTP:     0,
		RawCode:  "",
		RawMsg:   "",
		Message:  "",
		Step:     "",
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithStep records which lifecycle step produced the failure.
func WithStep(step string) Option {
	trimmed := strings.TrimSpace(step)
	return func(e *E) {
		e.Step = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)

	if e.Step != "" {
		parts = append(parts, "step="+e.Step)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the failure kind from err, walking the wrap chain.
// Errors that never passed through an adapter classify as unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Kind
	}
	return KindUnknown
}

// Retryable reports whether err may be retried under the policy table.
func Retryable(err error) bool {
	return Policy(KindOf(err)).Retryable
}

// Ambiguous reports whether err represents an unresolved exchange-side state.
func Ambiguous(err error) bool {
	return KindOf(err) == KindAmbiguousState
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(exchange, msg string) *E {
	return New(exchange, KindUnsupportedCall, WithMessage(strings.TrimSpace(msg)))
}
