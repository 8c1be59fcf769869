package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/circuitbreaker"
	"github.com/eugener/chatgate/internal/credential"
	"github.com/eugener/chatgate/internal/provider"
	"github.com/eugener/chatgate/internal/ratelimit"
	"github.com/eugener/chatgate/internal/session"
)

// --- in-memory storage.Store fake, covering just what the orchestrator's
// collaborators touch ---

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*chatgateway.Session
	messages map[string][]chatgateway.Message // sessionID -> ordered
	keys     map[string]*chatgateway.ApiKeyRecord
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*chatgateway.Session{},
		messages: map[string][]chatgateway.Message{},
		keys:     map[string]*chatgateway.ApiKeyRecord{},
	}
}

func (s *memStore) CreateUser(context.Context, *chatgateway.User) error { return nil }
func (s *memStore) GetUser(context.Context, string) (*chatgateway.User, error) {
	return nil, chatgateway.ErrNotFound
}
func (s *memStore) GetUserByUsername(context.Context, string) (*chatgateway.User, error) {
	return nil, chatgateway.ErrNotFound
}
func (s *memStore) UpdatePassword(context.Context, string, string) error { return nil }
func (s *memStore) DeactivateUser(context.Context, string) error         { return nil }

func (s *memStore) StoreKey(_ context.Context, rec *chatgateway.ApiKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.UserID+"|"+rec.Provider] = rec
	return nil
}
func (s *memStore) GetKey(_ context.Context, userID, provider string) (*chatgateway.ApiKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[userID+"|"+provider]
	if !ok {
		return nil, chatgateway.ErrNotFound
	}
	return rec, nil
}
func (s *memStore) ListKeys(context.Context, string) ([]chatgateway.ApiKeySummary, error) {
	return nil, nil
}
func (s *memStore) DeleteKey(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, userID+"|"+provider)
	return nil
}
func (s *memStore) TouchKeyUsed(context.Context, string, string) error { return nil }

func (s *memStore) CreateSession(_ context.Context, sess *chatgateway.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}
func (s *memStore) GetSession(_ context.Context, sessionID string) (*chatgateway.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, chatgateway.ErrNotFound
	}
	return sess, nil
}
func (s *memStore) ListSessions(context.Context, string, int, int) ([]chatgateway.SessionSummary, error) {
	return nil, nil
}
func (s *memStore) RenameSession(context.Context, string, string) error { return nil }
func (s *memStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}
func (s *memStore) TouchSession(context.Context, string) error { return nil }

func (s *memStore) AppendMessage(_ context.Context, m *chatgateway.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	return nil
}
func (s *memStore) ListMessages(_ context.Context, sessionID, afterID string, limit int) ([]chatgateway.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[sessionID]
	out := make([]chatgateway.Message, len(all))
	copy(out, all)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (s *memStore) GetMessage(context.Context, string) (*chatgateway.Message, error) {
	return nil, chatgateway.ErrNotFound
}
func (s *memStore) EditMessage(context.Context, string, string) error         { return nil }
func (s *memStore) DeleteMessageAndAfter(context.Context, string, string) error { return nil }
func (s *memStore) CopyMessagesUpTo(context.Context, string, string, string) error {
	return nil
}
func (s *memStore) Close() error { return nil }

func (s *memStore) messagesFor(sessionID string) []chatgateway.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatgateway.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

// --- fake provider ---

type fakeProvider struct {
	name   string
	chunks []chatgateway.Chunk
	delay  time.Duration
	err    error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Stream(ctx context.Context, model string, messages []chatgateway.Message, opts chatgateway.StreamOptions, apiKey string) (<-chan chatgateway.Chunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan chatgateway.Chunk)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// --- fake sink ---

type fakeSink struct {
	mu        sync.Mutex
	started   []string
	sent      []string
	completed []string
	errored   []string
}

func (s *fakeSink) Start(turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, turnID)
	return nil
}
func (s *fakeSink) Send(turnID string, seq int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}
func (s *fakeSink) Complete(turnID, fullText, providerName, model string, usage *chatgateway.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, fullText)
	return nil
}
func (s *fakeSink) Error(turnID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored = append(s.errored, message)
	return nil
}

func newTestOrchestrator(t *testing.T, p chatgateway.Provider) (*Orchestrator, *memStore) {
	t.Helper()
	return newTestOrchestratorMulti(t, p)
}

func newTestOrchestratorMulti(t *testing.T, providers ...chatgateway.Provider) (*Orchestrator, *memStore) {
	t.Helper()
	store := newMemStore()
	mgr := session.NewManager(store)

	encKey := make([]byte, 32)
	credStore, err := credential.NewStore(store, encKey, nil)
	if err != nil {
		t.Fatalf("credential.NewStore: %v", err)
	}

	limiter := ratelimit.NewRegistry([]ratelimit.Policy{
		{Class: ratelimit.ClassChat, Scope: ratelimit.ScopeUser, Window: time.Minute, Limit: 100},
	})

	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(p.Name(), p)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	orch := New(mgr, credStore, limiter, registry, breakers, nil)
	return orch, store
}

func TestRunTurn_CompletesAndPersistsMessages(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		name: "provider-a",
		chunks: []chatgateway.Chunk{
			{Kind: chatgateway.ChunkContent, Text: "Hel"},
			{Kind: chatgateway.ChunkContent, Text: "lo"},
			{Kind: chatgateway.ChunkUsage, Usage: &chatgateway.TokenUsage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}},
			{Kind: chatgateway.ChunkEnd},
		},
	}
	orch, store := newTestOrchestrator(t, p)
	sink := &fakeSink{}

	res, err := orch.RunTurn(context.Background(), TurnInput{
		UserID:       "user-1",
		Provider:     "provider-a",
		Model:        "gpt-4o",
		Content:      "hi",
		InlineAPIKey: "sk-inline",
	}, sink)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.FullText != "Hello" {
		t.Errorf("FullText = %q, want %q", res.FullText, "Hello")
	}
	if res.Usage == nil || res.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v, want TotalTokens=7", res.Usage)
	}

	msgs := store.messagesFor(res.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hi" {
		t.Errorf("first message = %+v, want user/hi", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello" {
		t.Errorf("second message = %+v, want assistant/Hello", msgs[1])
	}

	if len(sink.started) != 1 || len(sink.completed) != 1 {
		t.Errorf("sink start/complete calls = %d/%d, want 1/1", len(sink.started), len(sink.completed))
	}
	if len(sink.sent) != 2 {
		t.Errorf("sink sent %d chunks, want 2", len(sink.sent))
	}
}

func TestRunTurn_ProviderErrorPersistsPartial(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		name: "provider-a",
		chunks: []chatgateway.Chunk{
			{Kind: chatgateway.ChunkContent, Text: "partial answer"},
			{Kind: chatgateway.ChunkError, Err: errors.New("upstream exploded")},
		},
	}
	orch, store := newTestOrchestrator(t, p)
	sink := &fakeSink{}

	res, err := orch.RunTurn(context.Background(), TurnInput{
		UserID:       "user-1",
		Provider:     "provider-a",
		Model:        "gpt-4o",
		Content:      "hi",
		InlineAPIKey: "sk-inline",
	}, sink)
	if err == nil {
		t.Fatal("expected error")
	}
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
	if len(sink.errored) != 1 {
		t.Fatalf("sink.Error calls = %d, want 1", len(sink.errored))
	}

	// The user message plus a partial assistant message should both be
	// persisted even though the turn failed.
	var sessionID string
	for id := range store.sessions {
		sessionID = id
	}
	msgs := store.messagesFor(sessionID)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2 (user + partial assistant)", len(msgs))
	}
	if msgs[1].Content != "partial answer" {
		t.Errorf("partial assistant content = %q, want %q", msgs[1].Content, "partial answer")
	}
}

func TestRunTurn_RateLimited(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "provider-a"}
	store := newMemStore()
	mgr := session.NewManager(store)
	encKey := make([]byte, 32)
	credStore, err := credential.NewStore(store, encKey, nil)
	if err != nil {
		t.Fatalf("credential.NewStore: %v", err)
	}
	limiter := ratelimit.NewRegistry([]ratelimit.Policy{
		{Class: ratelimit.ClassChat, Scope: ratelimit.ScopeUser, Window: time.Minute, Limit: 1},
	})
	registry := provider.NewRegistry()
	registry.Register(p.Name(), p)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	orch := New(mgr, credStore, limiter, registry, breakers, nil)

	sink := &fakeSink{}
	in := TurnInput{UserID: "user-1", Provider: "provider-a", Model: "gpt-4o", Content: "hi", InlineAPIKey: "k"}

	if _, err := orch.RunTurn(context.Background(), in, sink); err != nil {
		t.Fatalf("first turn should be admitted: %v", err)
	}

	in.SessionID = "" // a second, unrelated turn from the same user
	_, err = orch.RunTurn(context.Background(), in, sink)
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitedError, got %v", err)
	}
	if !errors.Is(err, chatgateway.ErrRateLimited) {
		t.Error("expected errors.Is match against ErrRateLimited")
	}
}

func TestRunTurn_UnknownProvider(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "provider-a"}
	orch, _ := newTestOrchestrator(t, p)
	sink := &fakeSink{}

	_, err := orch.RunTurn(context.Background(), TurnInput{
		UserID:   "user-1",
		Provider: "provider-z",
		Model:    "gpt-4o",
		Content:  "hi",
	}, sink)
	if !errors.Is(err, chatgateway.ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
}

// TestRunTurn_ConcurrentTurnsDontCorruptSession runs many concurrent turns
// against one session and checks the log comes out consistent: every user
// message has exactly one matching assistant reply and nothing is lost or
// duplicated. It does not assert full serialization -- the orchestrator no
// longer holds a lock across the provider call, so turns' streaming windows
// overlap freely; only the store appends themselves are required to be race
// free (session.Manager's own per-append lock) and the commit order test
// below covers the stronger ordering guarantee.
func TestRunTurn_ConcurrentTurnsDontCorruptSession(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		name:  "provider-a",
		delay: 10 * time.Millisecond,
		chunks: []chatgateway.Chunk{
			{Kind: chatgateway.ChunkContent, Text: "ok"},
			{Kind: chatgateway.ChunkEnd},
		},
	}
	orch, store := newTestOrchestrator(t, p)

	first, err := orch.RunTurn(context.Background(), TurnInput{
		UserID: "user-1", Provider: "provider-a", Model: "gpt-4o", Content: "first", InlineAPIKey: "k",
	}, &fakeSink{})
	if err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = orch.RunTurn(context.Background(), TurnInput{
				UserID: "user-1", SessionID: first.SessionID, Provider: "provider-a",
				Model: "gpt-4o", Content: "concurrent", InlineAPIKey: "k",
			}, &fakeSink{})
		}()
	}
	wg.Wait()

	msgs := store.messagesFor(first.SessionID)
	// 2 messages from the seed turn + 2 per concurrent turn (user+assistant).
	if len(msgs) != 8 {
		t.Fatalf("persisted %d messages, want 8", len(msgs))
	}
	var users, assistants int
	for _, m := range msgs {
		switch m.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		default:
			t.Errorf("unexpected role %q", m.Role)
		}
	}
	if users != 4 || assistants != 4 {
		t.Fatalf("got %d user / %d assistant messages, want 4/4", users, assistants)
	}
}

// TestRunTurn_CommitsInAppendOrder proves the turn-queue ordering guarantee:
// turns commit to the session log in the order their user messages were
// appended, even when an earlier turn's provider call is slower than a
// later turn's. Without the queue, the fast provider's turn would commit
// first since its stream finishes first; the queue must hold it back.
func TestRunTurn_CommitsInAppendOrder(t *testing.T) {
	t.Parallel()

	slow := &fakeProvider{
		name:  "provider-slow",
		delay: 40 * time.Millisecond,
		chunks: []chatgateway.Chunk{
			{Kind: chatgateway.ChunkContent, Text: "slow-reply"},
			{Kind: chatgateway.ChunkEnd},
		},
	}
	fast := &fakeProvider{
		name: "provider-fast",
		chunks: []chatgateway.Chunk{
			{Kind: chatgateway.ChunkContent, Text: "fast-reply"},
			{Kind: chatgateway.ChunkEnd},
		},
	}
	orch, store := newTestOrchestratorMulti(t, slow, fast)

	first, err := orch.RunTurn(context.Background(), TurnInput{
		UserID: "user-1", Provider: "provider-fast", Model: "gpt-4o", Content: "seed", InlineAPIKey: "k",
	}, &fakeSink{})
	if err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = orch.RunTurn(context.Background(), TurnInput{
			UserID: "user-1", SessionID: first.SessionID, Provider: "provider-slow",
			Model: "gpt-4o", Content: "turn-a", InlineAPIKey: "k",
		}, &fakeSink{})
	}()
	// Give turn A a head start so its user message is appended (and its
	// place in the commit queue claimed) before turn B's.
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, _ = orch.RunTurn(context.Background(), TurnInput{
			UserID: "user-1", SessionID: first.SessionID, Provider: "provider-fast",
			Model: "gpt-4o", Content: "turn-b", InlineAPIKey: "k",
		}, &fakeSink{})
	}()
	wg.Wait()

	msgs := store.messagesFor(first.SessionID)
	if len(msgs) != 6 {
		t.Fatalf("persisted %d messages, want 6", len(msgs))
	}
	// msgs[0:2] is the seed turn; [2] user turn-a, [3] user turn-b (append
	// order matches start order), [4] assistant slow-reply, [5] assistant
	// fast-reply -- the fast provider's commit waits behind the slow one's
	// because turn A claimed the earlier queue position.
	want := []struct {
		role    string
		content string
	}{
		{"user", "seed"}, {"assistant", "fast-reply"},
		{"user", "turn-a"}, {"user", "turn-b"},
		{"assistant", "slow-reply"}, {"assistant", "fast-reply"},
	}
	for i, w := range want {
		if msgs[i].Role != w.role {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, w.role)
		}
	}
	if msgs[4].Content != "slow-reply" || msgs[5].Content != "fast-reply" {
		t.Fatalf("commit order = [%q, %q], want [slow-reply, fast-reply]", msgs[4].Content, msgs[5].Content)
	}
}

func TestPrunePrompt_KeepsSystemDropsOldest(t *testing.T) {
	t.Parallel()

	messages := []chatgateway.Message{
		{ID: "1", Role: "system", Content: "be nice"},
		{ID: "2", Role: "user", Content: longText(500)},
		{ID: "3", Role: "assistant", Content: longText(500)},
		{ID: "4", Role: "user", Content: "latest question"},
	}

	pruned := prunePrompt(messages, 50)

	if pruned[0].Role != "system" {
		t.Fatalf("system message must survive pruning, got first role %q", pruned[0].Role)
	}
	for _, m := range pruned {
		if m.ID == "2" {
			t.Error("oldest non-system message should have been pruned first")
		}
	}
	lastID := pruned[len(pruned)-1].ID
	if lastID != "4" {
		t.Errorf("last pruned message id = %q, want the newest message (4)", lastID)
	}
}

func TestPrunePrompt_UnderBudgetIsUnchanged(t *testing.T) {
	t.Parallel()

	messages := []chatgateway.Message{
		{ID: "1", Role: "user", Content: "hi"},
	}
	pruned := prunePrompt(messages, 1_000_000)
	if len(pruned) != 1 {
		t.Errorf("pruned length = %d, want 1 (no pruning needed)", len(pruned))
	}
}

func longText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
