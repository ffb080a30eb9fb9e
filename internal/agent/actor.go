package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

// threadManager provides per-thread serialization without blocking unrelated
// threads. Actors are created on demand and garbage-collected after an idle
// timeout.
//
// This is the primary guard against the lost-update hazard on the workspace
// document: for one thread, Interpret, Act, and workspace mutations are executed
// strictly one at a time.
type threadManager struct {
	svc *Service

	mu     sync.Mutex
	actors map[string]*threadActor // thread key -> actor
	closed bool
}

func newThreadManager(svc *Service) *threadManager {
	return &threadManager{
		svc:    svc,
		actors: make(map[string]*threadActor),
	}
}

func (m *threadManager) Get(ref ThreadRef) *threadActor {
	if m == nil || !ref.Valid() {
		return nil
	}
	key := ref.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	if a := m.actors[key]; a != nil && a.alive() {
		return a
	}

	a := newThreadActor(m, key)
	m.actors[key] = a
	a.start()
	return a
}

func (m *threadManager) remove(key string, actor *threadActor) {
	if m == nil || key == "" || actor == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.actors[key]; existing == actor {
		delete(m.actors, key)
	}
}

func (m *threadManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	actors := make([]*threadActor, 0, len(m.actors))
	for _, a := range m.actors {
		if a != nil {
			actors = append(actors, a)
		}
	}
	m.actors = make(map[string]*threadActor)
	m.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

type cmdCycle struct {
	ctx  context.Context
	run  func(ctx context.Context) (Result, error)
	resp chan cycleResult
}

type cycleResult struct {
	res Result
	err error
}

type threadActor struct {
	mgr *threadManager
	key string

	inbox  chan cmdCycle
	stopCh chan struct{}
	doneCh chan struct{}

	once sync.Once
}

const actorIdleTimeout = 10 * time.Minute

func newThreadActor(mgr *threadManager, key string) *threadActor {
	return &threadActor{
		mgr:    mgr,
		key:    key,
		inbox:  make(chan cmdCycle, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (a *threadActor) alive() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *threadActor) start() {
	if a == nil {
		return
	}
	go a.loop()
}

func (a *threadActor) stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

// Do runs one cycle on the actor's goroutine and waits for its outcome.
func (a *threadActor) Do(ctx context.Context, run func(ctx context.Context) (Result, error)) (Result, error) {
	if a == nil {
		return Result{}, errors.New("thread actor not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan cycleResult, 1)
	cmd := cmdCycle{ctx: ctx, run: run, resp: ch}

	select {
	case <-a.stopCh:
		return Result{}, errors.New("thread actor closed")
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return Result{}, errors.New("thread actor closed")
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		return res.res, res.err
	}
}

func (a *threadActor) loop() {
	defer close(a.doneCh)
	defer func() {
		if a.mgr != nil && a.key != "" {
			a.mgr.remove(a.key, a)
		}
	}()

	idleTimer := time.NewTimer(actorIdleTimeout)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(actorIdleTimeout)
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-idleTimer.C:
			// Stop idle actors to avoid leaking goroutines when callers touch
			// many threads.
			return
		case cmd := <-a.inbox:
			resetIdle()
			res, err := cmd.run(cmd.ctx)
			cmd.resp <- cycleResult{res: res, err: err}
		}
	}
}

// actorDo routes a cycle through the thread's actor.
func (s *Service) actorDo(ctx context.Context, ref ThreadRef, run func(ctx context.Context) (Result, error)) (Result, error) {
	if s == nil || s.threads == nil {
		return Result{}, ErrNotConfigured
	}
	a := s.threads.Get(ref)
	if a == nil {
		return Result{}, errors.New("invalid thread reference")
	}
	return a.Do(ctx, run)
}

// HandleUserMessage is the full inbound cycle for one user message: append the
// user turn, fold the message into the workspace (PreProcess), then run Interpret.
// The whole cycle holds the thread's actor, so two concurrent messages to the same
// thread are processed strictly in arrival order.
func (s *Service) HandleUserMessage(ctx context.Context, sess Session, message string, req InterpretRequest) (Result, error) {
	return s.actorDo(ctx, sess.Ref, func(ctx context.Context) (Result, error) {
		if _, err := s.NewUserTurn(ctx, sess, message, nil); err != nil {
			return failure("handle_user_message", message, err.Error()), err
		}
		if pre := s.PreProcess(ctx, sess, message, req.Actions); !pre.Success {
			s.log.Warn("pre-process failed, interpreting anyway", "thread", sess.Ref.Key(), "reason", pre.Output)
		}
		return s.Interpret(ctx, sess, req), nil
	})
}

// ExecuteTool runs the Act stage against the most recent tool-call request in the
// thread, serialized through the thread's actor.
func (s *Service) ExecuteTool(ctx context.Context, sess Session, tools []Tool) (Result, error) {
	return s.actorDo(ctx, sess.Ref, func(ctx context.Context) (Result, error) {
		plan, err := s.lastToolRequest(ctx, sess.Ref)
		if err != nil {
			return failure("act", nil, err.Error()), err
		}
		return s.Act(ctx, sess, plan, tools), nil
	})
}

// Mutate applies a workspace change set through the thread's actor.
func (s *Service) Mutate(ctx context.Context, sess Session, changes ChangeSet, opts MutateOptions) error {
	_, err := s.actorDo(ctx, sess.Ref, func(ctx context.Context) (Result, error) {
		if err := s.MutateWorkspace(ctx, sess.Ref, changes, opts); err != nil {
			return failure("mutate_workspace", changes, err.Error()), err
		}
		return success("mutate_workspace", changes, nil), nil
	})
	return err
}
