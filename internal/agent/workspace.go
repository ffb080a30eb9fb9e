package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Workspace is the mutable belief/desire/intent/plan document attached to a thread.
// It is fetched whole, mutated in memory, and persisted as a whole-document replace.
type Workspace struct {
	ID      string         `json:"_id"`
	Context map[string]any `json:"context,omitempty"`
	State   WorkspaceState `json:"state"`

	// Intent is the currently committed intent document, replaced wholesale.
	Intent map[string]any `json:"intent,omitempty"`

	// Plans maps plan_id to the plan definition document.
	Plans map[string]map[string]any `json:"plan,omitempty"`

	// Machines maps plan_id to the execution state of that plan's declared steps.
	Machines map[string]*PlanMachine `json:"state_machine,omitempty"`

	// Cache holds {input, output} snapshots keyed by opaque index strings, or a
	// "results" list when an update arrives as a list.
	Cache map[string]any `json:"cache,omitempty"`

	// Data mirrors the is_active flag written by callers.
	Data any `json:"data,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms,omitempty"`

	// Version is the store-level optimistic concurrency token. It never travels
	// inside the document itself.
	Version int64 `json:"-"`
}

type WorkspaceState struct {
	Beliefs  map[string]any `json:"beliefs"`
	Desire   string         `json:"desire"`
	History  []BeliefEvent  `json:"history"`
	Action   string         `json:"action"`
	FollowUp map[string]any `json:"follow_up,omitempty"`
	Slots    map[string]any `json:"slots,omitempty"`
}

// ChangeSet selects workspace mutations by key. Unknown keys are ignored so older
// cores tolerate payloads written by newer callers.
type ChangeSet map[string]any

// MutateOptions carries the optional addressing for a mutation.
type MutateOptions struct {
	PublicUser  string
	WorkspaceID string
}

// changeOrder fixes the application order inside one change set. Go maps iterate
// randomly; intra-set dependencies (a new_state_machine followed by step_state)
// need a stable order.
var changeOrder = []string{
	"belief", "desire", "intent", "belief_history", "cache", "is_active",
	"action", "follow_up", "slots", "plan", "new_state_machine", "step_state", "action_log",
}

// MutateWorkspace applies a change set to the thread's workspace and persists the
// sanitized result as a whole-document replace. The workspace is created lazily if
// the thread has none. A nil return means the document was durably replaced; on any
// error no partial state is visible because the working copy is local to the call.
func (s *Service) MutateWorkspace(ctx context.Context, ref ThreadRef, changes ChangeSet, opts MutateOptions) error {
	if s == nil || s.store == nil {
		return ErrNotConfigured
	}
	if !ref.Valid() {
		return errors.New("missing thread reference")
	}

	// Sanitize early: every value entering the document must already be JSON-safe.
	changes = ChangeSet(SanitizeMap(map[string]any(changes)))

	ws, err := s.activeWorkspace(ctx, ref, opts)
	if err != nil {
		return err
	}

	for _, key := range changeOrder {
		output, ok := changes[key]
		if !ok {
			continue
		}
		if err := applyChange(ws, key, output, s.now()); err != nil {
			return fmt.Errorf("mutate %s: %w", key, err)
		}
	}

	sanitizeWorkspace(ws)
	if err := s.store.UpdateWorkspace(ctx, ref, ws.ID, *ws, ws.Version); err != nil {
		return err
	}
	return nil
}

// activeWorkspace fetches the addressed workspace, creating one when the thread has
// none yet.
func (s *Service) activeWorkspace(ctx context.Context, ref ThreadRef, opts MutateOptions) (*Workspace, error) {
	list, err := s.store.ListWorkspaces(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		payload := Workspace{}
		if strings.TrimSpace(opts.PublicUser) != "" {
			payload.Context = map[string]any{"public_user": opts.PublicUser}
		}
		created, err := s.store.CreateWorkspace(ctx, ref, payload)
		if err != nil {
			return nil, err
		}
		list = []Workspace{created}
	}

	var ws Workspace
	if strings.TrimSpace(opts.WorkspaceID) == "" {
		ws = list[len(list)-1]
	} else {
		found := false
		for _, w := range list {
			if w.ID == opts.WorkspaceID {
				ws = w
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("workspace %q not found", opts.WorkspaceID)
		}
	}
	if ws.State.Beliefs == nil {
		ws.State.Beliefs = map[string]any{}
	}
	if ws.State.History == nil {
		ws.State.History = []BeliefEvent{}
	}
	return &ws, nil
}

func applyChange(ws *Workspace, key string, output any, now time.Time) error {
	switch key {
	case "belief":
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}
		for k, v := range m {
			ws.State.Beliefs[k] = v
		}

	case "desire":
		if s, ok := output.(string); ok {
			ws.State.Desire = s
		}

	case "intent":
		if m, ok := output.(map[string]any); ok {
			ws.Intent = m
		}

	case "belief_history":
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}
		for k, v := range m {
			ws.State.History = append(ws.State.History, BeliefEvent{
				Type: "belief",
				Key:  k,
				Val:  v,
				Time: now.Format(time.RFC3339Nano),
			})
		}

	case "cache":
		if ws.Cache == nil {
			ws.Cache = map[string]any{}
		}
		switch t := output.(type) {
		case map[string]any:
			for k, v := range t {
				ws.Cache[k] = v
			}
		case []any:
			ws.Cache["results"] = t
		}

	case "is_active":
		if b, ok := output.(bool); ok {
			ws.Data = b
		}

	case "action":
		if s, ok := output.(string); ok {
			ws.State.Action = s
		}

	case "follow_up":
		if m, ok := output.(map[string]any); ok {
			ws.State.FollowUp = m
		}

	case "slots":
		if m, ok := output.(map[string]any); ok {
			ws.State.Slots = m
		}

	case "plan":
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}
		planID := stringField(m, "id")
		if planID == "" {
			return errors.New("plan payload missing id")
		}
		if ws.Plans == nil {
			ws.Plans = map[string]map[string]any{}
		}
		ws.Plans[planID] = m

	case "new_state_machine":
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}
		planID := stringField(m, "plan_id")
		if planID == "" {
			return errors.New("new_state_machine payload missing plan_id")
		}
		if ws.Machines == nil {
			ws.Machines = map[string]*PlanMachine{}
		}
		if _, exists := ws.Machines[planID]; exists {
			// Never overwrite an in-progress plan.
			return nil
		}
		machine, err := decodeMachine(planID, m)
		if err != nil {
			return err
		}
		ws.Machines[planID] = machine

	case "step_state":
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}
		step, err := lookupStep(ws, m)
		if err != nil {
			return err
		}
		if raw, ok := m["status"]; ok {
			status, err := ParseStepStatus(fmt.Sprint(raw))
			if err != nil {
				return err
			}
			if !CanTransition(step.Status, status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, step.Status, status)
			}
			step.Status = status
		}
		if v, ok := m["error"]; ok {
			step.Error = fmt.Sprint(v)
		}
		if v, ok := m["started_at"]; ok {
			step.StartedAt = fmt.Sprint(v)
		}
		if v, ok := m["finished_at"]; ok {
			step.FinishedAt = fmt.Sprint(v)
		}

	case "action_log":
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}
		step, err := lookupStep(ws, m)
		if err != nil {
			return err
		}
		entry := ActionLogEntry{}
		if v, ok := m["tool"]; ok {
			entry.Tool = fmt.Sprint(v)
		}
		if v, ok := m["status"]; ok {
			entry.Status = v
		}
		if v, ok := m["nonce"]; ok {
			entry.Nonce = v
		}
		if v, ok := m["message"]; ok {
			entry.Message = v
		}
		if v, ok := m["type"]; ok {
			entry.Type = fmt.Sprint(v)
		}
		if v, ok := m["actionable"]; ok {
			entry.Actionable = v
		}
		step.ActionLog = append(step.ActionLog, entry)
	}
	return nil
}

// lookupStep resolves a {plan_id, plan_step} pair against the declared steps.
func lookupStep(ws *Workspace, m map[string]any) (*PlanStep, error) {
	planID := stringField(m, "plan_id")
	stepID := stringField(m, "plan_step")
	if planID == "" || stepID == "" {
		return nil, errors.New("payload requires plan_id and plan_step")
	}
	machine := ws.Machines[planID]
	if machine == nil {
		return nil, fmt.Errorf("%w: no state machine for plan %q", ErrStepNotDeclared, planID)
	}
	return machine.findStep(stepID)
}

func decodeMachine(planID string, m map[string]any) (*PlanMachine, error) {
	machine := &PlanMachine{PlanID: planID}
	rawSteps, _ := m["steps"].([]any)
	for i, rs := range rawSteps {
		sm, ok := rs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d is not a mapping", i)
		}
		step := &PlanStep{StepID: stringField(sm, "step_id")}
		if step.StepID == "" {
			return nil, fmt.Errorf("step %d missing step_id", i)
		}
		if raw, ok := sm["status"]; ok {
			status, err := ParseStepStatus(fmt.Sprint(raw))
			if err != nil {
				return nil, err
			}
			step.Status = status
		} else {
			step.Status = StepPending
		}
		machine.Steps = append(machine.Steps, step)
	}
	return machine, nil
}

// stringField reads a field that may arrive as a string or a number and normalizes
// it to its string form (step ids in particular show up both ways).
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// sanitizeWorkspace walks the dynamic parts of the document. Typed fields are
// JSON-safe by construction.
func sanitizeWorkspace(ws *Workspace) {
	ws.Context = SanitizeMap(ws.Context)
	ws.State.Beliefs = SanitizeMap(ws.State.Beliefs)
	ws.State.FollowUp = SanitizeMap(ws.State.FollowUp)
	ws.State.Slots = SanitizeMap(ws.State.Slots)
	ws.Intent = SanitizeMap(ws.Intent)
	ws.Cache = SanitizeMap(ws.Cache)
	for id, plan := range ws.Plans {
		ws.Plans[id] = SanitizeMap(plan)
	}
	for i := range ws.State.History {
		ws.State.History[i].Val = Sanitize(ws.State.History[i].Val)
	}
}
