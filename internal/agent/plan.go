package agent

import (
	"fmt"
	"strings"
)

// StepStatus is the lifecycle state of one plan step.
//
// The status set is an explicit enumeration with a validated transition table.
// Unknown statuses are rejected at the mutation boundary instead of being stored
// as free text.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepExecuted StepStatus = "executed"
	StepError    StepStatus = "error"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:  {StepRunning, StepError},
	StepRunning:  {StepExecuted, StepError},
	StepExecuted: {},
	StepError:    {StepRunning},
}

// ParseStepStatus validates a caller-supplied status string.
func ParseStepStatus(raw string) (StepStatus, error) {
	s := StepStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StepPending, StepRunning, StepExecuted, StepError:
		return s, nil
	}
	return "", fmt.Errorf("unknown step status %q", raw)
}

// CanTransition reports whether moving from one status to another is legal.
// Setting the same status again is a no-op and always allowed.
func CanTransition(from, to StepStatus) bool {
	if from == "" || from == to {
		return true
	}
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionLogEntry is one record appended to a step's action log.
type ActionLogEntry struct {
	Tool       string `json:"tool,omitempty"`
	Status     any    `json:"status,omitempty"`
	Nonce      any    `json:"nonce,omitempty"`
	Message    any    `json:"message,omitempty"`
	Type       string `json:"type,omitempty"`
	Actionable any    `json:"actionable,omitempty"`
}

// PlanStep is one declared step of a plan. Steps are declared in advance by plan
// construction; the mutation engine never invents one.
type PlanStep struct {
	StepID     string           `json:"step_id"`
	Status     StepStatus       `json:"status,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  string           `json:"started_at,omitempty"`
	FinishedAt string           `json:"finished_at,omitempty"`
	ActionLog  []ActionLogEntry `json:"action_log,omitempty"`
}

// PlanMachine tracks the execution state of one plan's declared steps.
type PlanMachine struct {
	PlanID string      `json:"plan_id,omitempty"`
	Steps  []*PlanStep `json:"steps"`
}

// findStep locates a declared step by its normalized step id. A miss is an error,
// never an auto-create: a typo or race must not fabricate a phantom step.
func (m *PlanMachine) findStep(stepID string) (*PlanStep, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: state machine not initialized", ErrStepNotDeclared)
	}
	want := strings.TrimSpace(stepID)
	for _, st := range m.Steps {
		if st == nil {
			continue
		}
		if strings.TrimSpace(st.StepID) == want {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: step %q not found among %d declared step(s)", ErrStepNotDeclared, stepID, len(m.Steps))
}
