// Package errs provides structured error types and helpers for the market data feed.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeSourceUnavailable indicates the universe source could not be read.
	CodeSourceUnavailable Code = "source_unavailable"
	// CodeSendFailed indicates the transport could not deliver a request.
	CodeSendFailed Code = "send_failed"
	// CodeMalformedEvent indicates an inbound market data entry lacked a required field.
	CodeMalformedEvent Code = "malformed_event"
	// CodeSinkWriteFailed indicates a discovery append failed.
	CodeSinkWriteFailed Code = "sink_write_failed"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the feed.
type E struct {
	Op       string
	Code     Code
	Message  string
	Symbol   string
	Session  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
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

// WithSymbol records the instrument the failure relates to.
func WithSymbol(symbol string) Option {
	return func(e *E) {
		e.Symbol = symbol
	}
}

// WithSession records the session the failure relates to.
func WithSession(session string) Option {
	return func(e *E) {
		e.Session = strings.TrimSpace(session)
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

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+strconv.Quote(e.Symbol))
	}
	if e.Session != "" {
		parts = append(parts, "session="+strconv.Quote(e.Session))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an *E with the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var target *E
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.cause
	}
	return false
}
