package chat

import "sync/atomic"

// Token is an advisory cancellation token for an orchestration task. The
// task checks it before every state mutation and abandons further updates
// once cancelled; in-flight store and network calls are not aborted. A nil
// Token is never cancelled.
type Token struct {
	cancelled atomic.Bool
}

// NewToken creates a live token.
func NewToken() *Token {
	return &Token{}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (t *Token) Cancel() {
	if t != nil {
		t.cancelled.Store(true)
	}
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}
