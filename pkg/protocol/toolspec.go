package protocol

import "encoding/json"

// ToolMode is one of the contexts a tool may be exposed in. A tool's
// ToolSpec.SupportedModes is a subset of these; the registry filters
// its schema listing by the mode of the caller building a manifest.
type ToolMode string

const (
	// McpServer is the MCP adapter exposing tools over JSON-RPC.
	McpServer ToolMode = "mcp_server"
	// WorkingMemoryAgent is the agent runner operating against a
	// session's working memory (the default interactive/headless path).
	WorkingMemoryAgent ToolMode = "working_memory_agent"
	// MessageHistoryAgent is an agent whose tool context is derived
	// solely from message history (e.g. a stateless subagent task).
	MessageHistoryAgent ToolMode = "message_history_agent"
)

// ToolSpec describes a tool's identity, schema, and availability.
type ToolSpec struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	ParametersSchema json.RawMessage   `json:"parameters_schema"`
	Annotations      map[string]string `json:"annotations,omitempty"`
	SupportedModes   []ToolMode        `json:"supported_modes"`
}

// SupportsMode reports whether the spec is available in the given mode.
func (s ToolSpec) SupportsMode(m ToolMode) bool {
	for _, mm := range s.SupportedModes {
		if mm == m {
			return true
		}
	}
	return false
}
