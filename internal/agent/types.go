package agent

// This package is the execution core of the conversational agent: a belief/desire/intent
// loop that turns inbound user messages into LLM calls, validates and persists the model
// output, executes at most one external tool per cycle, and reconciles the result into a
// durable per-thread workspace.
//
// Design notes:
// - The transcript/workspace store, the handler dispatcher, the push channel, and the LLM
//   are collaborators behind small interfaces; the core never reaches past them.
// - Everything persisted or sent to the LLM is routed through Sanitize so the stored
//   documents stay plain JSON-safe structures.
// - One thread is never mutated by two in-flight cycles: all stage invocations for a
//   thread are serialized through its actor (see actor.go).

import (
	"context"
	"strings"
)

// ThreadRef identifies one logical conversation.
type ThreadRef struct {
	Portfolio  string `json:"portfolio"`
	Org        string `json:"org"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	ThreadID   string `json:"thread"`
}

// Key returns the stable identity used to scope storage rows and actors.
func (r ThreadRef) Key() string {
	parts := []string{r.Portfolio, r.Org, r.EntityType, r.EntityID, r.ThreadID}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ":")
}

func (r ThreadRef) Valid() bool {
	return strings.TrimSpace(r.Portfolio) != "" &&
		strings.TrimSpace(r.Org) != "" &&
		strings.TrimSpace(r.EntityType) != "" &&
		strings.TrimSpace(r.EntityID) != "" &&
		strings.TrimSpace(r.ThreadID) != ""
}

// Message types stored in the transcript. Only these are ever projected to the LLM.
const (
	MessageUser    = "user"
	MessageSystem  = "system"
	MessageText    = "text"
	MessageConsent = "consent"
	MessageWidget  = "widget"
	MessageError   = "error"
	MessageToolRq  = "tool_rq"
	MessageToolRs  = "tool_rs"
)

// Message wraps one chat-completion payload with transcript metadata.
//
// Out is the raw chat message (role/content/tool_calls/tool_call_id) kept as a dynamic
// map: the store and the LLM both speak plain JSON and the sanitizer walks it as-is.
type Message struct {
	Out       map[string]any `json:"_out"`
	Type      string         `json:"_type"`
	Interface string         `json:"_interface,omitempty"`
	Next      any            `json:"_next,omitempty"`
}

// Turn is one appended exchange unit within a thread.
type Turn struct {
	TurnID          string         `json:"turn_id"`
	Context         map[string]any `json:"context,omitempty"`
	Messages        []Message      `json:"messages"`
	CreatedAtUnixMs int64          `json:"created_at_unix_ms"`
}

// Result is the uniform outcome shape returned by every stage and mutation.
// Failures are values, not panics: Output carries either the payload or a
// human-readable reason, and Action names the operation that produced it.
type Result struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Input   any    `json:"input,omitempty"`
	Output  any    `json:"output"`
}

func failure(action string, input any, output any) Result {
	return Result{Success: false, Action: action, Input: input, Output: output}
}

func success(action string, input any, output any) Result {
	return Result{Success: true, Action: action, Input: input, Output: output}
}

// HistoryFilter optionally restricts MessageHistory to messages whose metadata
// parameter begins with a prefix. Param is one of "interface", "next", "type".
type HistoryFilter struct {
	Param      string
	BeginsWith string
}

// TranscriptStore is the turn/workspace persistence collaborator.
//
// Append ordering within a thread is the store's responsibility: a turn appended
// after another must never become visible before it.
type TranscriptStore interface {
	ListTurns(ctx context.Context, ref ThreadRef) ([]Turn, error)
	CreateTurn(ctx context.Context, ref ThreadRef, turn Turn) (Turn, error)
	// AppendMessage appends to the given turn; turnID "" targets the latest turn.
	AppendMessage(ctx context.Context, ref ThreadRef, turnID string, msg Message) error
	// FillToolResponse replaces the empty tool_rs placeholder correlated by call id.
	FillToolResponse(ctx context.Context, ref ThreadRef, callID string, msg Message) error

	ListWorkspaces(ctx context.Context, ref ThreadRef) ([]Workspace, error)
	CreateWorkspace(ctx context.Context, ref ThreadRef, ws Workspace) (Workspace, error)
	// UpdateWorkspace replaces the whole document. version is the value read with the
	// document; the store must reject the write with ErrWorkspaceConflict when the
	// stored version moved underneath the caller.
	UpdateWorkspace(ctx context.Context, ref ThreadRef, workspaceID string, ws Workspace, version int64) error
}

// Dispatcher locates and runs a named tool implementation. The core treats it as
// opaque; it may execute in-process, in a container, or remotely.
type Dispatcher interface {
	Invoke(ctx context.Context, extension string, handler string, payload map[string]any) (any, error)
}

// PushChannel delivers live-chat payloads to a connected client. Implementations
// must be safely skippable: no connection configured means not delivered, not an error.
type PushChannel interface {
	Send(ctx context.Context, connectionID string, payload any) bool
}

// CompletionRequest is the chat-completion call assembled by the Interpret stage.
type CompletionRequest struct {
	Model       string
	Messages    []map[string]any
	Tools       []map[string]any
	ToolChoice  string
	Temperature float64
}

// LLM produces one assistant message for a completion request. The returned map is
// the raw message; callers must run it through ValidateAssistantMessage before use.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (map[string]any, error)
}
