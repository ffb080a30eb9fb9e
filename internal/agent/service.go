package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultRecentToolMessages = 1
	defaultCycleTimeout       = 120 * time.Second
	defaultModel              = "gpt-4o-mini"
)

// Session carries the per-invocation context of one inbound event.
type Session struct {
	Ref          ThreadRef
	ConnectionID string
	PublicUser   string
}

// Options wires a Service. Store and LLM are mandatory; Dispatcher is required
// only when the Act stage is used; Push may be nil (live delivery becomes a no-op).
type Options struct {
	Store      TranscriptStore
	LLM        LLM
	Dispatcher Dispatcher
	Push       PushChannel
	Log        *slog.Logger

	Model string
	// RecentToolMessages bounds how many recent tool outputs keep their content
	// when history is sent to the model.
	RecentToolMessages int
	// CycleTimeout is the deadline for one Interpret or Act cycle, propagated to
	// the LLM and handler calls.
	CycleTimeout time.Duration
}

// Service is the execution core. One Service serves many threads; per-thread
// ordering is enforced by the actor layer, never by callers.
type Service struct {
	store    TranscriptStore
	llm      LLM
	dispatch Dispatcher
	push     PushChannel
	log      *slog.Logger

	model              string
	recentToolMessages int
	cycleTimeout       time.Duration

	now func() time.Time

	threads *threadManager
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing transcript store")
	}
	if opts.LLM == nil {
		return nil, errors.New("missing llm")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	recent := opts.RecentToolMessages
	if recent <= 0 {
		recent = defaultRecentToolMessages
	}
	cycleTO := opts.CycleTimeout
	if cycleTO <= 0 {
		cycleTO = defaultCycleTimeout
	}
	s := &Service{
		store:              opts.Store,
		llm:                opts.LLM,
		dispatch:           opts.Dispatcher,
		push:               opts.Push,
		log:                log,
		model:              model,
		recentToolMessages: recent,
		cycleTimeout:       cycleTO,
		now:                time.Now,
	}
	s.threads = newThreadManager(s)
	return s, nil
}

// Close stops all live thread actors.
func (s *Service) Close() {
	if s == nil || s.threads == nil {
		return
	}
	s.threads.Close()
}

// cycleContext applies the per-cycle deadline used for LLM and handler calls.
func (s *Service) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.cycleTimeout)
}

// ActiveWorkspace returns the thread's most recent workspace, or the one addressed
// by id. A thread with no workspace yet returns nil.
func (s *Service) ActiveWorkspace(ctx context.Context, ref ThreadRef, workspaceID string) (*Workspace, error) {
	if s == nil || s.store == nil {
		return nil, ErrNotConfigured
	}
	list, err := s.store.ListWorkspaces(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	if workspaceID == "" {
		ws := list[len(list)-1]
		return &ws, nil
	}
	for _, w := range list {
		if w.ID == workspaceID {
			ws := w
			return &ws, nil
		}
	}
	return nil, nil
}

// pushChat mirrors a payload to the live channel. Delivery is best-effort: an
// unconfigured channel or missing connection id means the message simply is not
// mirrored.
func (s *Service) pushChat(ctx context.Context, sess Session, payload any, msgType string) bool {
	if s.push == nil || sess.ConnectionID == "" {
		return false
	}
	doc := payload
	if text, ok := payload.(string); ok {
		doc = Message{
			Out:  map[string]any{"role": "assistant", "content": text},
			Type: msgType,
		}
	}
	return s.push.Send(ctx, sess.ConnectionID, doc)
}

// pushError surfaces a human-readable failure to the live channel.
func (s *Service) pushError(ctx context.Context, sess Session, msg string) {
	s.pushChat(ctx, sess, msg, MessageError)
}
