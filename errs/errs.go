// Package errs provides structured error envelopes shared across the pipeline.
package errs

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a failure category used for recovery policy decisions.
type Code string

const (
	// CodeRateLimited indicates the venue rejected the request for rate policing.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a transient transport failure.
	CodeNetwork Code = "network"
	// CodeProtocol indicates a malformed or unexpected venue payload.
	CodeProtocol Code = "protocol"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeVenue indicates a venue-side failure.
	CodeVenue Code = "venue_error"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the pipeline.
type E struct {
	Venue   string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:   strings.TrimSpace(venue),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
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

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

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

// ClassifyHTTP maps an HTTP status to a failure code.
func ClassifyHTTP(status int) Code {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return CodeRateLimited
	case status >= 500:
		return CodeNetwork
	case status >= 400:
		return CodeVenue
	default:
		return CodeVenue
	}
}

// IsRateLimited reports whether the error chain carries a rate-limit code.
func IsRateLimited(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == CodeRateLimited
	}
	return false
}

// IsAbort reports whether the error stems from context cancellation or a
// deadline, i.e. a deliberate shutdown rather than a venue failure. Abort
// errors are never counted against backoff budgets.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
