package acp

// InitializeParams is the client's handshake request.
type InitializeParams struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// InitializeResult announces this agent's capabilities.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

type PromptCapabilities struct {
	EmbeddedContext bool `json:"embeddedContext"`
	Image           bool `json:"image"`
}

// NewSessionParams starts a new session rooted at Cwd.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers,omitempty"`
}

type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams resumes a persisted session.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers,omitempty"`
}

type LoadSessionResult struct{}

// PromptParams submits a user turn to session SessionID.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// ContentBlock is the ACP content union; this agent only interprets the
// "text" and "resource_link" variants, folding everything else into
// plain text since the core's ProcessMessage takes one string per turn.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// PromptResult reports why the turn ended.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
	StopMaxTurns  = "max_turn_requests"
	StopRefusal   = "refusal"
)

// CancelParams identifies the session to cancel. Sent as a notification
// (no response expected).
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// UpdateNotification is the params payload of a session/update
// notification streamed while a prompt turn runs.
type UpdateNotification struct {
	SessionID string `json:"sessionId"`
	Update    any    `json:"update"`
}

// AgentMessageChunk streams one piece of assistant plain text.
type AgentMessageChunk struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
}

// AgentThoughtChunk streams one piece of assistant reasoning text.
type AgentThoughtChunk struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
}

// ToolCall announces a new tool invocation.
type ToolCall struct {
	SessionUpdate string `json:"sessionUpdate"`
	ToolCallID    string `json:"toolCallId"`
	Title         string `json:"title"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
}

// ToolCallUpdate reports a status or input change on a previously
// announced tool call.
type ToolCallUpdate struct {
	SessionUpdate string         `json:"sessionUpdate"`
	ToolCallID    string         `json:"toolCallId"`
	Status        string         `json:"status,omitempty"`
	Content       []ContentBlock `json:"content,omitempty"`
}

const (
	updateUserMessageChunk  = "user_message_chunk"
	updateAgentMessageChunk = "agent_message_chunk"
	updateAgentThoughtChunk = "agent_thought_chunk"
	updateToolCall          = "tool_call"
	updateToolCallUpdate    = "tool_call_update"
)

// Tool call kinds: read-family to Read, edit-family to Edit,
// execute_command to Execute, search/glob to Search, others to Other.
const (
	kindRead    = "read"
	kindEdit    = "edit"
	kindExecute = "execute"
	kindSearch  = "search"
	kindOther   = "other"
)

// toolKind maps a tool.Registry id to the ACP tool-call kind used for
// client-side icon/UX selection.
func toolKind(toolID string) string {
	switch toolID {
	case "read_files", "list_files", "todoread", "plan":
		return kindRead
	case "write_file", "replace_in_file", "todowrite":
		return kindEdit
	case "execute_command":
		return kindExecute
	case "glob", "grep", "web_search":
		return kindSearch
	default:
		return kindOther
	}
}

// promptToContent joins an ACP prompt's content blocks into the single
// string ProcessMessage expects, resolving resource_link blocks to
// their URI so the model still sees what was referenced.
func promptToContent(blocks []ContentBlock) string {
	var out string
	for i, b := range blocks {
		if i > 0 {
			out += "\n"
		}
		switch b.Type {
		case "resource_link", "resource":
			out += b.URI
		default:
			out += b.Text
		}
	}
	return out
}

func toolCallStatus(status string) string {
	switch status {
	case "pending":
		return "pending"
	case "running":
		return "in_progress"
	case "completed":
		return "completed"
	case "error":
		return "failed"
	default:
		return status
	}
}
