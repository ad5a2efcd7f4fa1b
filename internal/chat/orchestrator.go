package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/klyao/agentchat/internal/agent"
	"github.com/klyao/agentchat/internal/domain"
	"github.com/klyao/agentchat/internal/store"
	"github.com/klyao/agentchat/internal/transcript"
)

// AgentCaller is the orchestrator's view of the agent gateway.
type AgentCaller interface {
	Invoke(ctx context.Context, message, conversationID string) (*agent.InvokeResult, error)
}

// SendState tracks one conversation's send operation.
type SendState int

const (
	// Idle means no send is in flight.
	Idle SendState = iota
	// Sending means the user message is being persisted.
	Sending
	// AwaitingAgent means the gateway call is in flight.
	AwaitingAgent
	// Reconciling means the assistant reply is being persisted and the
	// authoritative message list reloaded.
	Reconciling
	// Failed means the last send ended in an error. A new send may start.
	Failed
)

var (
	// ErrEmptyMessage rejects a send whose trimmed text is empty.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInFlight reports a send attempted while one is already running
	// for the conversation. Callers treat it as a silent no-op.
	ErrSendInFlight = errors.New("send already in flight")
	// ErrNoUser rejects starting a conversation without a resolved user.
	ErrNoUser = errors.New("no authenticated user")

	// DefaultAgentTimeout bounds one gateway call.
	DefaultAgentTimeout = 60 * time.Second
)

// Orchestrator sequences a chat turn: persist the user message, apply the
// optimistic update, call the agent under a timeout, persist the reply, and
// reconcile the view from the store. At most one send runs per conversation.
type Orchestrator struct {
	repo       store.Repository
	gateway    AgentCaller
	state      *State
	broker     *Broker
	transcript *transcript.Logger
	timeout    time.Duration

	mu     sync.Mutex
	phases map[string]SendState
}

// NewOrchestrator wires an orchestrator. broker and transcriptLog may be nil.
func NewOrchestrator(repo store.Repository, gateway AgentCaller, state *State, broker *Broker, transcriptLog *transcript.Logger, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	if broker == nil {
		broker = NewBroker()
	}
	return &Orchestrator{
		repo:       repo,
		gateway:    gateway,
		state:      state,
		broker:     broker,
		transcript: transcriptLog,
		timeout:    timeout,
		phases:     make(map[string]SendState),
	}
}

// State returns the view-state store.
func (o *Orchestrator) State() *State {
	return o.state
}

// Broker returns the event broker.
func (o *Orchestrator) Broker() *Broker {
	return o.broker
}

// Phase reports the conversation's current send state.
func (o *Orchestrator) Phase(conversationID string) SendState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phases[conversationID]
}

// Forget releases the conversation's orchestration state after deletion.
func (o *Orchestrator) Forget(conversationID string) {
	o.mu.Lock()
	delete(o.phases, conversationID)
	o.mu.Unlock()
	o.state.Drop(conversationID)
}

// begin claims the conversation for one send. Returns false when a send is
// already running; Idle and Failed are both sendable.
func (o *Orchestrator) begin(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.phases[conversationID] {
	case Sending, AwaitingAgent, Reconciling:
		return false
	}
	o.phases[conversationID] = Sending
	return true
}

func (o *Orchestrator) setPhase(conversationID string, s SendState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases[conversationID] = s
}

// Send runs one chat turn for an existing conversation. On success it
// returns the reconciled, store-confirmed message list. A send attempted
// while another is in flight returns ErrSendInFlight without side effects.
func (o *Orchestrator) Send(ctx context.Context, conversationID, userID, text string) ([]*domain.Message, error) {
	return o.send(ctx, nil, conversationID, userID, text)
}

// StartConversation is the initialization variant for a pre-staged pending
// message: it creates the conversation, titles it from the message, points
// the client at the new conversation id, then runs the normal send sequence.
// token is checked before every state mutation so a torn-down caller stops
// producing visible updates; in-flight store and agent calls still complete.
func (o *Orchestrator) StartConversation(ctx context.Context, token *Token, userID, pendingText string) (*domain.Conversation, []*domain.Message, error) {
	text := strings.TrimSpace(pendingText)
	if text == "" {
		return nil, nil, ErrEmptyMessage
	}
	if userID == "" {
		return nil, nil, ErrNoUser
	}

	conv, err := o.repo.CreateConversation(ctx, userID, domain.DeriveTitle(text))
	if err != nil {
		return nil, nil, agent.NewError(agent.KindStore, err)
	}

	if !token.Cancelled() {
		o.state.SetConversation(conv)
	}
	if !token.Cancelled() {
		o.state.SetLocation(conv.ID)
	}

	msgs, err := o.send(ctx, token, conv.ID, userID, text)
	if err != nil {
		return conv, nil, err
	}
	return conv, msgs, nil
}

func (o *Orchestrator) send(ctx context.Context, token *Token, conversationID, userID, text string) ([]*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !o.begin(conversationID) {
		return nil, ErrSendInFlight
	}

	failed := false
	defer func() {
		// Clearing the in-flight indicator is the one side effect every
		// path shares, success or failure.
		if !token.Cancelled() {
			o.state.SetLoading(conversationID, false)
		}
		if failed {
			o.setPhase(conversationID, Failed)
		} else {
			o.setPhase(conversationID, Idle)
		}
	}()

	if !token.Cancelled() {
		o.state.SetError(conversationID, "")
		o.state.SetLoading(conversationID, true)
	}

	userMsg, err := o.repo.AppendMessage(ctx, conversationID, domain.RoleUser, text)
	if err != nil {
		// No optimistic entry was applied; the view stays untouched.
		failed = true
		if !token.Cancelled() {
			o.state.SetError(conversationID, userFacing(agent.KindStore))
		}
		return nil, agent.NewError(agent.KindStore, err)
	}
	o.logTurn(userMsg, userID, "")
	o.broker.Publish(Event{Type: EventMessageAppended, ConversationID: conversationID, Message: userMsg})

	if !token.Cancelled() {
		o.state.AppendPending(conversationID, text)
	}

	o.setPhase(conversationID, AwaitingAgent)
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := o.gateway.Invoke(callCtx, text, conversationID)
	if err != nil {
		// The user message is already persisted and stays visible; it is
		// deliberately not rolled back.
		failed = true
		if !token.Cancelled() {
			o.state.SetError(conversationID, userFacing(agent.KindOf(err)))
		}
		return nil, err
	}

	o.setPhase(conversationID, Reconciling)
	assistantMsg, err := o.repo.AppendMessage(ctx, conversationID, domain.RoleAssistant, result.Response)
	if err != nil {
		failed = true
		if !token.Cancelled() {
			o.state.SetError(conversationID, userFacing(agent.KindStore))
		}
		return nil, agent.NewError(agent.KindStore, err)
	}
	o.logTurn(assistantMsg, userID, result.SessionID)
	o.broker.Publish(Event{Type: EventMessageAppended, ConversationID: conversationID, Message: assistantMsg})

	msgs, err := o.repo.LoadMessages(ctx, conversationID)
	if err != nil {
		failed = true
		if !token.Cancelled() {
			o.state.SetError(conversationID, userFacing(agent.KindStore))
		}
		return nil, agent.NewError(agent.KindStore, err)
	}
	if !token.Cancelled() {
		o.state.ReplaceMessages(conversationID, msgs)
	}
	return msgs, nil
}

func (o *Orchestrator) logTurn(msg *domain.Message, userID, sessionID string) {
	o.transcript.Log(transcript.Event{
		Timestamp:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		SessionID:      sessionID,
	})
}

// userFacing maps an error kind to the banner message shown to the user.
// Timeouts get their own wording so the UI can suggest a retry.
func userFacing(kind agent.Kind) string {
	switch kind {
	case agent.KindTimeout:
		return "The assistant took too long to reply. Please try again."
	case agent.KindStore:
		return "Failed to save the message. Please try again."
	default:
		return "Failed to get a reply from the assistant. Please try again."
	}
}
