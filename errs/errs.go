// Package errs provides structured error types and helpers for meetbridge services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category shared by every component.
type Code string

const (
	// CodeAuth indicates a webhook failed signature or token verification.
	CodeAuth Code = "auth"
	// CodeInvalid indicates a malformed or semantically invalid payload.
	CodeInvalid Code = "invalid_request"
	// CodeRateLimited indicates local or provider rate limiting.
	CodeRateLimited Code = "rate_limited"
	// CodeTransient indicates a retryable provider failure (network, 5xx, timeout).
	CodeTransient Code = "provider_transient"
	// CodePermanent indicates a provider rejected the request for good (4xx).
	CodePermanent Code = "provider_permanent"
	// CodeConflictUnresolved indicates a pending conflict decision expired.
	CodeConflictUnresolved Code = "conflict_unresolved"
	// CodeCircuitOpen indicates the provider breaker rejected the call.
	CodeCircuitOpen Code = "circuit_open"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the meetbridge stack.
type E struct {
	Provider    string
	Code        Code
	HTTP        int
	Message     string
	RetryAt     time.Time
	Fields      map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the provider (or component) and error code.
func New(provider string, code Code, opts ...Option) *E {
	e := &E{
		Provider: strings.TrimSpace(provider),
		Code:     code,
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

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRetryAt records the earliest time a retry may succeed.
func WithRetryAt(at time.Time) Option {
	return func(e *E) {
		e.RetryAt = at
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	provider := e.Provider
	if provider == "" {
		provider = "unknown"
	}
	parts = append(parts, "provider="+provider)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if !e.RetryAt.IsZero() {
		parts = append(parts, "retry_at="+e.RetryAt.UTC().Format(time.RFC3339))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the code of the first envelope in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case CodePermanent, CodeInvalid, CodeAuth, CodeConflictUnresolved, CodeNotFound:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a later attempt may succeed. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// RemediationOf returns the first remediation hint found in the chain.
func RemediationOf(err error) string {
	var e *E
	for errors.As(err, &e) {
		if e.Remediation != "" {
			return e.Remediation
		}
		err = e.cause
	}
	return ""
}

// RetryAt returns the retry hint carried by err, if any.
func RetryAt(err error) (time.Time, bool) {
	var e *E
	if errors.As(err, &e) && !e.RetryAt.IsZero() {
		return e.RetryAt, true
	}
	return time.Time{}, false
}

// HTTPStatus maps an error to the status code returned to webhook callers.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *E
	if errors.As(err, &e) && e.HTTP > 0 {
		return e.HTTP
	}
	switch CodeOf(err) {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflictUnresolved:
		return http.StatusConflict
	case CodeCircuitOpen, CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
