package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testRef() ThreadRef {
	return ThreadRef{
		Portfolio:  "pf_1",
		Org:        "org_1",
		EntityType: "contact",
		EntityID:   "en_1",
		ThreadID:   "th_1",
	}
}

func testSession() Session {
	return Session{Ref: testRef(), ConnectionID: "conn_1", PublicUser: "u_1"}
}

// memStore is an in-memory TranscriptStore mirroring the SQLite store's contract,
// including the version-checked workspace replace.
type memStore struct {
	mu         sync.Mutex
	turns      map[string][]Turn
	workspaces map[string][]Workspace
	nextID     int
}

func newMemStore() *memStore {
	return &memStore{
		turns:      make(map[string][]Turn),
		workspaces: make(map[string][]Workspace),
	}
}

func (s *memStore) ListTurns(ctx context.Context, ref ThreadRef) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.turns[ref.Key()]
	out := make([]Turn, len(src))
	copy(out, src)
	return out, nil
}

func (s *memStore) CreateTurn(ctx context.Context, ref ThreadRef, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.TurnID == "" {
		s.nextID++
		turn.TurnID = fmt.Sprintf("turn_%d", s.nextID)
	}
	s.turns[ref.Key()] = append(s.turns[ref.Key()], turn)
	return turn, nil
}

func (s *memStore) AppendMessage(ctx context.Context, ref ThreadRef, turnID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[ref.Key()]
	if len(turns) == 0 {
		return errors.New("thread has no turn to append to")
	}
	idx := len(turns) - 1
	if turnID != "" {
		idx = -1
		for i := range turns {
			if turns[i].TurnID == turnID {
				idx = i
			}
		}
		if idx < 0 {
			return fmt.Errorf("turn %q not found", turnID)
		}
	}
	turns[idx].Messages = append(turns[idx].Messages, msg)
	return nil
}

func (s *memStore) FillToolResponse(ctx context.Context, ref ThreadRef, callID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[ref.Key()]
	for i := len(turns) - 1; i >= 0; i-- {
		msgs := turns[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].Type != MessageToolRs {
				continue
			}
			if id, _ := msgs[j].Out["tool_call_id"].(string); id == callID {
				msgs[j] = msg
				return nil
			}
		}
	}
	return fmt.Errorf("no tool response placeholder for call id %q", callID)
}

func (s *memStore) ListWorkspaces(ctx context.Context, ref ThreadRef) ([]Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.workspaces[ref.Key()]
	out := make([]Workspace, len(src))
	copy(out, src)
	return out, nil
}

func (s *memStore) CreateWorkspace(ctx context.Context, ref ThreadRef, ws Workspace) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.ID == "" {
		s.nextID++
		ws.ID = fmt.Sprintf("ws_%d", s.nextID)
	}
	ws.Version = 1
	s.workspaces[ref.Key()] = append(s.workspaces[ref.Key()], ws)
	return ws, nil
}

func (s *memStore) UpdateWorkspace(ctx context.Context, ref ThreadRef, workspaceID string, ws Workspace, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.workspaces[ref.Key()]
	for i := range list {
		if list[i].ID != workspaceID {
			continue
		}
		if list[i].Version != version {
			return ErrWorkspaceConflict
		}
		ws.ID = workspaceID
		ws.Version = version + 1
		list[i] = ws
		return nil
	}
	return fmt.Errorf("workspace %q not found", workspaceID)
}

// fakeLLM returns canned assistant messages in order, then repeats the last one.
type fakeLLM struct {
	mu       sync.Mutex
	replies  []map[string]any
	requests []CompletionRequest
}

func (f *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return nil, errors.New("no canned reply")
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	invoked  []string
	params   []map[string]any
	response any
	err      error
}

func (f *fakeDispatcher) Invoke(ctx context.Context, extension, handler string, payload map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, extension+"/"+handler)
	f.params = append(f.params, payload)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakePush struct {
	mu       sync.Mutex
	payloads []any
}

func (f *fakePush) Send(ctx context.Context, connectionID string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return true
}

func (f *fakePush) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.payloads))
	copy(out, f.payloads)
	return out
}

type testEnv struct {
	svc      *Service
	store    *memStore
	llm      *fakeLLM
	dispatch *fakeDispatcher
	push     *fakePush
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	llm := &fakeLLM{}
	disp := &fakeDispatcher{}
	push := &fakePush{}
	svc, err := New(Options{
		Store:      store,
		LLM:        llm,
		Dispatcher: disp,
		Push:       push,
		Log:        slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Model:      "test-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, store: store, llm: llm, dispatch: disp, push: push}
}
