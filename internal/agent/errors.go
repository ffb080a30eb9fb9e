package agent

import "errors"

var (
	// ErrNotConfigured is returned when a stage runs before collaborators are wired.
	ErrNotConfigured = errors.New("agent core not configured")

	// ErrStepNotDeclared is returned when a step_state or action_log mutation names a
	// step id that was never declared by plan construction.
	ErrStepNotDeclared = errors.New("step not declared")

	// ErrWorkspaceConflict is returned by the store when a version-checked workspace
	// replace loses against a concurrent writer.
	ErrWorkspaceConflict = errors.New("workspace version conflict")

	// ErrInvalidTransition is returned when a step_state mutation names an illegal
	// status transition.
	ErrInvalidTransition = errors.New("illegal step status transition")
)
