// Package agent implements the gateway to the hosted AI agent: invocation,
// reply decoding, and the HTTP proxy surface.
package agent

import (
	"context"
)

// InvokeRequest carries one agent invocation.
type InvokeRequest struct {
	AgentID      string
	AgentAliasID string
	SessionID    string
	InputText    string
}

// Invoker is the capability interface to the hosted agent. Implementations
// perform exactly one invocation per call and return the raw completion;
// decoding is the gateway's job.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (Completion, error)
}
