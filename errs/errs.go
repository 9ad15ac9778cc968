// Package errs provides structured error types and helpers shared across omsgate services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category in the OMS taxonomy.
type Code string

const (
	// CodeValidation indicates the request was rejected before any persistence.
	CodeValidation Code = "validation_error"
	// CodePermission indicates the caller lacks permission for the account or resource.
	CodePermission Code = "permission_denied"
	// CodeRiskBlocked indicates the account's risk state disallows new positions.
	CodeRiskBlocked Code = "risk_blocked"
	// CodeConflict indicates a concurrent mutation conflict, such as a held close lock.
	CodeConflict Code = "conflict"
	// CodeUnsupportedEngine indicates the account identifier carries no recognized engine prefix.
	CodeUnsupportedEngine Code = "unsupported_engine"
	// CodeEngineUnavailable indicates the resolved engine module is not running in-process.
	CodeEngineUnavailable Code = "engine_unavailable"
	// CodeAccountEngineMismatch indicates work was routed to an engine the account does not belong to.
	CodeAccountEngineMismatch Code = "account_engine_mismatch"
	// CodeExchange indicates an adapter-reported exchange failure.
	CodeExchange Code = "exchange_error"
	// CodeUnknownOutcome indicates an adapter call timed out with the result unresolved.
	CodeUnknownOutcome Code = "unknown_outcome"
	// CodeInternal captures unexpected internal failures.
	CodeInternal Code = "internal_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
)

// E captures structured error information produced across the omsgate stack.
type E struct {
	Engine      string
	Code        Code
	RawCode     string
	RawMsg      string
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the engine and error code.
func New(engine string, code Code, opts ...Option) *E {
	e := &E{
		Engine: strings.TrimSpace(engine),
		Code:   code,
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

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if engine := strings.TrimSpace(e.Engine); engine != "" {
		parts = append(parts, "engine="+engine)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Metadata[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Errors outside the taxonomy map to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
