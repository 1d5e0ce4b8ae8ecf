// Package errs provides structured error types and helpers for Helix services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeInvalid indicates a malformed request or constraint violation.
	CodeInvalid Code = "invalid_request"
	// CodeInsufficientFunds indicates a failed balance reservation.
	CodeInsufficientFunds Code = "insufficient_funds"
	// CodeNotFound indicates a missing order, position, market, or session.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates an illegal status transition.
	CodeConflict Code = "conflict"
	// CodeMarketHalted indicates the symbol is paused or the engine is in maintenance.
	CodeMarketHalted Code = "market_halted"
	// CodeUpstream indicates a price-source transport or data failure.
	CodeUpstream Code = "upstream"
	// CodeUnavailable indicates a saturated or shut-down internal resource.
	CodeUnavailable Code = "unavailable"
	// CodeInternal indicates an invariant violation inside the engine.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the Helix stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Context   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Context:   nil,
		cause:     nil,
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

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithContext merges the provided context map into the error envelope.
func WithContext(ctx map[string]string) Option {
	return func(e *E) {
		if len(ctx) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, or CodeInternal when err
// carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code Code) bool {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code == code
	}
	return false
}
