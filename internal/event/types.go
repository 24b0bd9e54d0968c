package event

import "github.com/forgecode/forge/pkg/protocol"

// SessionCreatedData is the data for session.created events.
// Carries the session object in the "info" field.
type SessionCreatedData struct {
	Info *protocol.ChatSession `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
// Carries the session object in the "info" field.
type SessionUpdatedData struct {
	Info *protocol.ChatSession `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
// Carries the session object in the "info" field.
type SessionDeletedData struct {
	Info *protocol.ChatSession `json:"info"`
}

// SessionIdleData is the data for session.idle events.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// SessionStatusInfo describes a session's current processing state.
type SessionStatusInfo struct {
	Type string `json:"type"` // "idle" | "busy"
}

// SessionStatusData is the data for session.status events.
type SessionStatusData struct {
	SessionID string            `json:"sessionID"`
	Status    SessionStatusInfo `json:"status"`
}

// SessionCompactedData is the data for session.compacted events, emitted
// once a session's message history has been summarized.
type SessionCompactedData struct {
	SessionID string `json:"sessionID"`
}

// SessionDiffData is the data for session.diff events, carrying a
// session's accumulated file diffs after a tool edits the working tree.
type SessionDiffData struct {
	SessionID string              `json:"sessionID"`
	Diff      []protocol.FileDiff `json:"diff"`
}

// VcsBranchUpdatedData is the data for vcs.branch.updated events.
type VcsBranchUpdatedData struct {
	Branch string `json:"branch"`
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *protocol.MessageError `json:"error,omitempty"`
}

// MessageCreatedData is the data for message.created events.
// Carries the message object in the "info" field.
type MessageCreatedData struct {
	Info *protocol.Message `json:"info"`
}

// MessageUpdatedData is the data for message.updated events.
// Carries the message object in the "info" field.
type MessageUpdatedData struct {
	Info *protocol.Message `json:"info"`
}

// MessageRemovedData is the data for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessagePartUpdatedData is the data for message.part.updated events.
// Carries the part and the streamed delta.
type MessagePartUpdatedData struct {
	Part  protocol.Part `json:"part"`
	Delta string     `json:"delta,omitempty"` // For streaming text
}

// Deprecated: Use MessagePartUpdatedData instead
type PartUpdatedData = MessagePartUpdatedData

// MessagePartRemovedData is the data for message.part.removed events.
type MessagePartRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

// FileEditedData is the data for file.edited events.
type FileEditedData struct {
	File string `json:"file"`
}

// PermissionUpdatedData is the data for permission.updated events.
// Wire format for permission requests.
type PermissionUpdatedData struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"sessionID"`
	PermissionType string   `json:"permissionType"` // "execute_command" | "replace_in_file" | "external_directory"
	Pattern        []string `json:"pattern"`
	Title          string   `json:"title"`
}

// Deprecated: Use PermissionUpdatedData instead
type PermissionRequiredData = PermissionUpdatedData

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"` // "once" | "always" | "reject"
}

// Deprecated: Use PermissionRepliedData instead
type PermissionResolvedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Granted   bool   `json:"granted"`
}

// ClientToolRequestData is the data for client-tool.request events.
type ClientToolRequestData struct {
	ClientID string `json:"clientID"`
	Request  any    `json:"request"` // ExecutionRequest from clienttool package
}

// ClientToolRegisteredData is the data for client-tool.registered events.
type ClientToolRegisteredData struct {
	ClientID string   `json:"clientID"`
	ToolIDs  []string `json:"toolIDs"`
}

// ClientToolUnregisteredData is the data for client-tool.unregistered events.
type ClientToolUnregisteredData struct {
	ClientID string   `json:"clientID"`
	ToolIDs  []string `json:"toolIDs"`
}

// ClientToolStatusData is the data for client-tool.executing/completed/failed events.
type ClientToolStatusData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
	Tool      string `json:"tool"`
	ClientID  string `json:"clientID"`
	Error     string `json:"error,omitempty"`
	Success   bool   `json:"success,omitempty"`
}
