package agent

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes agent errors for structured reporting. The string values
// are surfaced verbatim in the gateway's JSON error body.
type Kind string

const (
	// KindConfig means required external configuration is missing. Fatal, not retried.
	KindConfig Kind = "ConfigError"
	// KindUpstream means the external agent invocation itself failed.
	KindUpstream Kind = "UpstreamError"
	// KindTimeout means the agent call exceeded its deadline.
	KindTimeout Kind = "TimeoutError"
	// KindDecode means the agent's reply could not be normalized into text.
	KindDecode Kind = "DecodeError"
	// KindEmpty means the agent returned no usable text.
	KindEmpty Kind = "EmptyResponseError"
	// KindStore means a persistence operation failed.
	KindStore Kind = "StoreError"
)

// Error is a categorized agent error. The upstream category and message are
// preserved in Err rather than swallowed.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err. Deadline expiry maps to KindTimeout,
// anything uncategorized to KindUpstream.
func KindOf(err error) Kind {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream
}

// Details returns the user-safe message for err: the underlying cause for
// categorized errors, the raw message otherwise.
func Details(err error) string {
	var agentErr *Error
	if errors.As(err, &agentErr) && agentErr.Err != nil {
		return agentErr.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
