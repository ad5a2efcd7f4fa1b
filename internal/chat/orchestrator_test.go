package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klyao/agentchat/internal/agent"
	"github.com/klyao/agentchat/internal/domain"
	"github.com/klyao/agentchat/internal/store"
)

// memRepo is an in-memory store.Repository for orchestrator tests.
type memRepo struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.Message
	nextID        int64
	nextConv      int
	failAppend    map[domain.Role]error
}

func newMemRepo() *memRepo {
	return &memRepo{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
		failAppend:    make(map[domain.Role]error),
	}
}

func (m *memRepo) CreateConversation(_ context.Context, userID, title string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConv++
	conv := &domain.Conversation{
		ID:        fmt.Sprintf("conv-%d", m.nextConv),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now(),
	}
	m.conversations[conv.ID] = conv
	return conv, nil
}

func (m *memRepo) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *conv
	return &out, nil
}

func (m *memRepo) ListConversations(_ context.Context, userID, _ string) ([]*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) LoadMessages(_ context.Context, conversationID string) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	out := make([]*domain.Message, len(msgs))
	for i, msg := range msgs {
		mm := *msg
		out[i] = &mm
	}
	return out, nil
}

func (m *memRepo) AppendMessage(_ context.Context, conversationID string, role domain.Role, content string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAppend[role]; err != nil {
		return nil, err
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.nextID++
	msg := &domain.Message{
		ID:             m.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if len(m.messages[conversationID]) == 0 && role == domain.RoleUser {
		conv.Title = domain.DeriveTitle(content)
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg, nil
}

func (m *memRepo) RenameConversation(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.Title = title
	return nil
}

func (m *memRepo) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *memRepo) GetUser(_ context.Context, _ string) (*domain.User, error) { return nil, nil }
func (m *memRepo) UpsertUser(_ context.Context, _ *domain.User) error        { return nil }
func (m *memRepo) Ping(_ context.Context) error                              { return nil }
func (m *memRepo) Close() error                                              { return nil }

// fakeGateway scripts agent replies for the orchestrator.
type fakeGateway struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	release chan struct{}
	calls   int
}

func (f *fakeGateway) Invoke(ctx context.Context, _, _ string) (*agent.InvokeResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	release := f.release
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return nil, agent.NewError(agent.KindTimeout, ctx.Err())
		case <-release:
		}
	}
	if err != nil {
		return nil, err
	}
	return &agent.InvokeResult{Response: reply, SessionID: "session-1"}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(repo store.Repository, gw AgentCaller, timeout time.Duration) *Orchestrator {
	return NewOrchestrator(repo, gw, NewState(), NewBroker(), nil, timeout)
}

func TestSendPersistsUserAndAssistantInOrder(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{reply: "42"}
	orch := newTestOrchestrator(repo, gw, time.Second)

	conv, err := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	msgs, err := orch.Send(context.Background(), conv.ID, "user-1", "  what is the answer  ")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "what is the answer" {
		t.Errorf("Unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "42" {
		t.Errorf("Unexpected assistant message: %+v", msgs[1])
	}
	if msgs[0].ID >= msgs[1].ID {
		t.Error("User message should precede assistant message")
	}

	view := orch.State().View(conv.ID)
	if view.Loading {
		t.Error("Expected loading to be cleared")
	}
	if view.Err != "" {
		t.Errorf("Expected no error, got %q", view.Err)
	}
	if len(view.Entries) != 2 {
		t.Fatalf("Expected 2 reconciled entries, got %d", len(view.Entries))
	}
	for _, e := range view.Entries {
		if e.Kind != EntryConfirmed {
			t.Errorf("Expected confirmed entry after reconciliation, got %+v", e)
		}
	}
	if orch.Phase(conv.ID) != Idle {
		t.Errorf("Expected Idle phase, got %v", orch.Phase(conv.ID))
	}
}

func TestSendRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{reply: "unused"}
	orch := newTestOrchestrator(repo, gw, time.Second)

	conv, _ := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)

	if _, err := orch.Send(context.Background(), conv.ID, "user-1", "   \n\t "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}
	if gw.callCount() != 0 {
		t.Errorf("Expected no gateway calls, got %d", gw.callCount())
	}
}

func TestSendUserPersistFailureSkipsOptimisticUpdate(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.failAppend[domain.RoleUser] = errors.New("disk full")
	gw := &fakeGateway{reply: "unused"}
	orch := newTestOrchestrator(repo, gw, time.Second)

	conv, _ := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)

	_, err := orch.Send(context.Background(), conv.ID, "user-1", "hello")
	if err == nil {
		t.Fatal("Expected store error")
	}
	if agent.KindOf(err) != agent.KindStore {
		t.Errorf("Expected %s, got %s", agent.KindStore, agent.KindOf(err))
	}
	if gw.callCount() != 0 {
		t.Errorf("Expected no gateway call after persist failure, got %d", gw.callCount())
	}

	view := orch.State().View(conv.ID)
	if len(view.Entries) != 0 {
		t.Errorf("Expected no optimistic entry, got %d", len(view.Entries))
	}
	if view.Err == "" {
		t.Error("Expected a user-visible error")
	}
	if view.Loading {
		t.Error("Expected loading to be cleared")
	}
	if orch.Phase(conv.ID) != Failed {
		t.Errorf("Expected Failed phase, got %v", orch.Phase(conv.ID))
	}
}

func TestSendTimeoutKeepsUserMessage(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{block: true, release: make(chan struct{})}
	orch := newTestOrchestrator(repo, gw, 30*time.Millisecond)

	conv, _ := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)

	_, err := orch.Send(context.Background(), conv.ID, "user-1", "slow question")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if agent.KindOf(err) != agent.KindTimeout {
		t.Errorf("Expected %s, got %s", agent.KindTimeout, agent.KindOf(err))
	}

	// The persisted user message is not rolled back.
	msgs, loadErr := repo.LoadMessages(context.Background(), conv.ID)
	if loadErr != nil {
		t.Fatalf("LoadMessages failed: %v", loadErr)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("Expected only the user message to be persisted, got %+v", msgs)
	}

	view := orch.State().View(conv.ID)
	if len(view.Entries) != 1 || view.Entries[0].Kind != EntryPending {
		t.Errorf("Expected the optimistic user entry to remain, got %+v", view.Entries)
	}
	if view.Err == "" {
		t.Error("Expected a user-visible timeout message")
	}
	if view.Loading {
		t.Error("Expected loading to be cleared")
	}
}

func TestSendReentrancyGuard(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{reply: "done", block: true, release: make(chan struct{})}
	orch := newTestOrchestrator(repo, gw, 5*time.Second)

	conv, _ := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)

	firstDone := make(chan error, 1)
	go func() {
		_, err := orch.Send(context.Background(), conv.ID, "user-1", "first")
		firstDone <- err
	}()

	// Wait for the first send to reach the gateway.
	deadline := time.Now().Add(2 * time.Second)
	for gw.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("First send never reached the gateway")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := orch.Send(context.Background(), conv.ID, "user-1", "second"); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("Expected ErrSendInFlight, got %v", err)
	}

	close(gw.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("First send failed: %v", err)
	}

	if gw.callCount() != 1 {
		t.Errorf("Expected exactly one gateway call, got %d", gw.callCount())
	}
	msgs, _ := repo.LoadMessages(context.Background(), conv.ID)
	if len(msgs) != 2 {
		t.Errorf("Expected exactly one persisted message pair, got %d messages", len(msgs))
	}
}

func TestStartConversationFromPendingMessage(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{reply: "X is a placeholder"}
	orch := newTestOrchestrator(repo, gw, time.Second)

	conv, msgs, err := orch.StartConversation(context.Background(), nil, "user-1", "Explain X")
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	if conv.Title != "Explain X" {
		t.Errorf("Expected title %q, got %q", "Explain X", conv.Title)
	}
	convs, _ := repo.ListConversations(context.Background(), "user-1", "")
	if len(convs) != 1 {
		t.Fatalf("Expected exactly one conversation, got %d", len(convs))
	}

	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Errorf("Unexpected message roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	if orch.State().Location() != conv.ID {
		t.Errorf("Expected location %q, got %q", conv.ID, orch.State().Location())
	}
}

func TestStartConversationRequiresUser(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(newMemRepo(), &fakeGateway{reply: "unused"}, time.Second)

	if _, _, err := orch.StartConversation(context.Background(), nil, "", "hello"); !errors.Is(err, ErrNoUser) {
		t.Errorf("Expected ErrNoUser, got %v", err)
	}
}

func TestStartConversationCancelledTokenSuppressesStateUpdates(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{reply: "late reply"}
	orch := newTestOrchestrator(repo, gw, time.Second)

	token := NewToken()
	token.Cancel()

	conv, msgs, err := orch.StartConversation(context.Background(), token, "user-1", "Explain Y")
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	// The turn itself completes: records exist in the store.
	if len(msgs) != 2 {
		t.Fatalf("Expected the turn to complete, got %d messages", len(msgs))
	}

	// But nothing became visible: no location update, no view entries.
	if orch.State().Location() != "" {
		t.Errorf("Expected no location update, got %q", orch.State().Location())
	}
	view := orch.State().View(conv.ID)
	if len(view.Entries) != 0 {
		t.Errorf("Expected no visible entries after cancellation, got %d", len(view.Entries))
	}
	if view.Loading {
		t.Error("Expected no lingering loading flag")
	}
}

func TestForgetReleasesPhaseAndView(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{err: agent.NewError(agent.KindUpstream, errors.New("agent exploded"))}
	orch := newTestOrchestrator(repo, gw, time.Second)

	conv, _ := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)

	if _, err := orch.Send(context.Background(), conv.ID, "user-1", "boom"); err == nil {
		t.Fatal("Expected upstream error")
	}
	if orch.Phase(conv.ID) != Failed {
		t.Fatalf("Expected Failed phase, got %v", orch.Phase(conv.ID))
	}

	orch.Forget(conv.ID)

	if orch.Phase(conv.ID) != Idle {
		t.Errorf("Expected phase entry to be released, got %v", orch.Phase(conv.ID))
	}
	view := orch.State().View(conv.ID)
	if len(view.Entries) != 0 || view.Err != "" {
		t.Errorf("Expected view to be dropped, got %+v", view)
	}
}

func TestSendUpstreamFailureSetsFailedState(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	gw := &fakeGateway{err: agent.NewError(agent.KindUpstream, errors.New("agent exploded"))}
	orch := newTestOrchestrator(repo, gw, time.Second)

	conv, _ := repo.CreateConversation(context.Background(), "user-1", domain.DefaultTitle)

	_, err := orch.Send(context.Background(), conv.ID, "user-1", "boom")
	if err == nil {
		t.Fatal("Expected upstream error")
	}
	if agent.KindOf(err) != agent.KindUpstream {
		t.Errorf("Expected %s, got %s", agent.KindUpstream, agent.KindOf(err))
	}
	if orch.Phase(conv.ID) != Failed {
		t.Errorf("Expected Failed phase, got %v", orch.Phase(conv.ID))
	}

	// A retry is allowed after failure.
	gw.mu.Lock()
	gw.err = nil
	gw.reply = "recovered"
	gw.mu.Unlock()

	msgs, err := orch.Send(context.Background(), conv.ID, "user-1", "retry")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	// First turn's orphaned user message, then the retried pair.
	if len(msgs) != 3 {
		t.Errorf("Expected 3 persisted messages, got %d", len(msgs))
	}
}
