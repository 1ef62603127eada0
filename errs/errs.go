// Package errs provides structured error types and helpers for the mt5desk engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the engine-level error class.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeRemote indicates the remote side rejected the request.
	CodeRemote Code = "remote_error"
	// CodeNetwork indicates a transport failure on the messaging channel.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing account slot or resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a request is already in flight for the same slot.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the channel or a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeMalformed indicates a response could not be decoded.
	CodeMalformed Code = "malformed"
	// CodeForbidden indicates the jurisdiction or account state does not allow the operation.
	CodeForbidden Code = "forbidden"
)

// Category groups failures by how the engine reacts to them.
type Category string

const (
	// CategoryUnknown captures uncategorized failures.
	CategoryUnknown Category = "unknown"
	// CategoryStructural marks remote records that can be neither matched nor synthesized.
	CategoryStructural Category = "structural"
	// CategoryProvisioning marks remote-reported account errors.
	CategoryProvisioning Category = "provisioning"
	// CategoryCredential marks password and token failures.
	CategoryCredential Category = "credential"
	// CategoryFinancial marks deposit and withdrawal failures.
	CategoryFinancial Category = "financial"
	// CategoryTransport marks channel and decoding failures.
	CategoryTransport Category = "transport"
	// CategoryRejected marks any other remote rejection.
	CategoryRejected Category = "rejected"
)

// E captures structured error information produced across the engine.
type E struct {
	Op          string
	Code        Code
	Category    Category
	RawCode     string
	Message     string
	Details     map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:       strings.TrimSpace(op),
		Code:     code,
		Category: CategoryUnknown,
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

// WithRawCode captures the raw remote error code (e.g. MT5DepositError).
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCategory sets the handling category.
func WithCategory(category Category) Option {
	trimmed := strings.TrimSpace(string(category))
	return func(e *E) {
		if trimmed == "" {
			e.Category = CategoryUnknown
			return
		}
		e.Category = Category(trimmed)
	}
}

// WithDetails merges remote error details into the envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		for k, v := range details {
			WithDetail(k, v)(e)
		}
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cat := strings.TrimSpace(string(e.Category)); cat != "" && cat != string(CategoryUnknown) {
		parts = append(parts, "category="+cat)
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
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CategoryOf reports the category of the first envelope in err's chain.
func CategoryOf(err error) Category {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Category
	}
	return CategoryUnknown
}

// CodeOf reports the code of the first envelope in err's chain, or "" when none exists.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// MessageOf returns the user-facing message carried by err, falling back to err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// Transport wraps a channel failure.
func Transport(op string, cause error) *E {
	return New(op, CodeNetwork, WithCategory(CategoryTransport), WithCause(cause),
		WithMessage("Sorry, an error occurred while processing your request."))
}

// RawCodeOf reports the remote error code carried by err, or "" when none exists.
func RawCodeOf(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.RawCode
	}
	return ""
}
