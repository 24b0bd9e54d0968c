// Package protocol provides the core data types shared by the agent
// runner, persistence layer, and protocol adapters.
package protocol

// ToolSyntax selects the wire encoding a session's stream parser expects
// tool invocations to arrive in. Fixed at session creation; immutable.
type ToolSyntax string

const (
	ToolSyntaxNative ToolSyntax = "native"
	ToolSyntaxXML    ToolSyntax = "xml"
	ToolSyntaxCaret  ToolSyntax = "caret"
)

// ChatSession is a persisted conversation bound to one project and one
// tool syntax, owning its own history, tool executions, working memory,
// and pending message. Session id is opaque and assigned at creation.
//
// Invariant: ToolSyntax and Project are immutable after creation.
type ChatSession struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectID"`
	Directory    string         `json:"directory"`
	ParentID     *string        `json:"parentID,omitempty"`
	Title        string         `json:"title"`
	Version      string         `json:"version"`
	Summary      SessionSummary `json:"summary"`
	Share        *SessionShare  `json:"share,omitempty"`
	Time         SessionTime    `json:"time"`
	Revert       *SessionRevert `json:"revert,omitempty"`
	CustomPrompt *CustomPrompt  `json:"customPrompt,omitempty"`

	// Project is the initial project path this session was opened
	// against. Immutable after creation.
	Project string `json:"project"`

	// ToolSyntax is the wire encoding selected at creation.
	// Immutable after creation.
	ToolSyntax ToolSyntax `json:"tool_syntax"`

	// ModelName is the display name of the model bound to this
	// session (as it appears in models.json), not a provider/model id pair.
	ModelName string `json:"model_name"`

	// Messages is the ordered message history. Order is significant;
	// a message is atomic once appended.
	Messages []Message `json:"messages"`

	// ToolExecutions is the ordered record of every tool invocation
	// made within this session.
	ToolExecutions []ToolExecution `json:"tool_executions"`

	// WorkingMemory is this session's loaded-resources state.
	WorkingMemory WorkingMemory `json:"working_memory"`

	// PendingUserMessage holds text submitted while an agent was
	// already running for this session. At most one per session.
	PendingUserMessage *string `json:"pending_user_message,omitempty"`
}

// SessionSummary contains statistics about code changes in a session.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff represents a diff for a single file.
type FileDiff struct {
	File      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created    int64  `json:"created"`
	Updated    int64  `json:"updated"`
	Compacting *int64 `json:"compacting,omitempty"`
}

// SessionShare contains sharing information for a session.
type SessionShare struct {
	URL string `json:"url"`
}

// SessionRevert contains information about session revert state.
type SessionRevert struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
	Snapshot  *string `json:"snapshot,omitempty"`
	Diff      *string `json:"diff,omitempty"`
}

// CustomPrompt represents a custom system prompt configuration.
type CustomPrompt struct {
	Type      string            `json:"type"` // "file" | "inline"
	Value     string            `json:"value"`
	LoadedAt  *int64            `json:"loadedAt,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// SessionActivityState is the session's coarse activity state machine.
// Invariant: only Idle may transition to WaitingForResponse; any
// terminal-in-iteration state always returns to Idle before the next
// iteration begins.
type SessionActivityState struct {
	Kind             ActivityKind `json:"kind"`
	RateLimitedUntil int64        `json:"rate_limited_until,omitempty"`
	CurrentTool      string       `json:"current_tool,omitempty"`
}

type ActivityKind string

const (
	ActivityIdle               ActivityKind = "idle"
	ActivityWaitingForResponse ActivityKind = "waiting_for_response"
	ActivityRateLimited        ActivityKind = "rate_limited"
	ActivityRunning            ActivityKind = "running"
)

func Idle() SessionActivityState { return SessionActivityState{Kind: ActivityIdle} }

func WaitingForResponse() SessionActivityState {
	return SessionActivityState{Kind: ActivityWaitingForResponse}
}

func RateLimited(untilUnixSeconds int64) SessionActivityState {
	return SessionActivityState{Kind: ActivityRateLimited, RateLimitedUntil: untilUnixSeconds}
}

func Running(currentTool string) SessionActivityState {
	return SessionActivityState{Kind: ActivityRunning, CurrentTool: currentTool}
}

// CanTransitionToWaiting reports whether s may move to WaitingForResponse.
func (s SessionActivityState) CanTransitionToWaiting() bool {
	return s.Kind == ActivityIdle
}
