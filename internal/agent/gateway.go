package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// InvokeResult is the decoded outcome of one agent invocation.
type InvokeResult struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

// Gateway is the server-side boundary to the hosted agent. It owns session
// identifier generation and reply decoding; it never touches persistent
// storage.
type Gateway struct {
	invoker      Invoker
	agentID      string
	agentAliasID string
	newSessionID func() string
}

// NewGateway creates a gateway over the given invoker. agentID may be empty;
// the error is deferred to invocation time so the server can start without
// agent credentials.
func NewGateway(invoker Invoker, agentID, agentAliasID string) *Gateway {
	return &Gateway{
		invoker:      invoker,
		agentID:      agentID,
		agentAliasID: agentAliasID,
		newSessionID: uuid.NewString,
	}
}

// Invoke sends the message to the agent under a fresh session identifier and
// returns the decoded reply. Session identifiers are never reused, even
// within one conversation — each turn is an independent agent session.
// conversationID is accepted for log correlation only.
func (g *Gateway) Invoke(ctx context.Context, message, conversationID string) (*InvokeResult, error) {
	if g.agentID == "" {
		return nil, NewError(KindConfig, errors.New("agent id is not configured"))
	}

	sessionID := g.newSessionID()
	slog.Info("Invoking agent",
		"conversation_id", conversationID,
		"session_id", sessionID,
		"message_length", len(message),
	)

	completion, err := g.invoker.Invoke(ctx, InvokeRequest{
		AgentID:      g.agentID,
		AgentAliasID: g.agentAliasID,
		SessionID:    sessionID,
		InputText:    message,
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	text, err := Decode(completion)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if text == "" {
		return nil, NewError(KindEmpty, errors.New("no response from agent"))
	}

	return &InvokeResult{Response: text, SessionID: sessionID}, nil
}

// classify wraps err with an error kind, preserving an existing one. Deadline
// expiry wins over the upstream category so callers can tell a timed-out call
// from a failed one.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, fmt.Errorf("agent call timed out: %w", err))
	}
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return err
	}
	return NewError(KindUpstream, err)
}
