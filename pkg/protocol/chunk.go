package protocol

// StreamingChunk is the provider-agnostic unit a provider adapter emits
// while consuming an LLM response. Stream parsers consume a sequence of
// these and turn them into DisplayFragments; nothing downstream of the
// parser ever sees a StreamingChunk.
type StreamingChunk struct {
	Kind ChunkKind

	Text      string // Kind == ChunkText
	Thinking  string // Kind == ChunkThinking
	InputJSON InputJSON
	Status    StatusInfo // Kind == ChunkStatus
}

type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkThinking  ChunkKind = "thinking"
	ChunkInputJSON ChunkKind = "input_json"
	ChunkStatus    ChunkKind = "status"
)

// InputJSON is a (possibly partial) fragment of a tool call's JSON
// input as it streams in. ToolName/ToolID are populated on the chunk
// that opens a new tool block; later chunks for the same block carry
// only Content.
type InputJSON struct {
	Content  string
	ToolName string
	ToolID   string
	// Done marks the chunk that closes this tool block, mirroring the
	// provider's own content_block_stop / tool call finish signal.
	Done bool
}

func ChunkOfText(s string) StreamingChunk     { return StreamingChunk{Kind: ChunkText, Text: s} }
func ChunkOfThinking(s string) StreamingChunk { return StreamingChunk{Kind: ChunkThinking, Thinking: s} }
func ChunkOfInputJSON(j InputJSON) StreamingChunk {
	return StreamingChunk{Kind: ChunkInputJSON, InputJSON: j}
}
func ChunkOfStatus(s StatusInfo) StreamingChunk { return StreamingChunk{Kind: ChunkStatus, Status: s} }

// StatusInfo covers the out-of-band status signals a provider stream may
// surface alongside content.
type StatusInfo struct {
	Kind StatusKind

	RemainingSeconds int    // RequestSent..ConnectionIssue
	RetryAttempt     int    // ConnectionIssue
	RetryMax         int    // ConnectionIssue
	Level            string // Message
	Persistent       bool   // Message
	Text             string // Message
}

type StatusKind string

const (
	StatusRequestSent     StatusKind = "request_sent"
	StatusRateLimitWait   StatusKind = "rate_limit_wait"
	StatusRequestComplete StatusKind = "request_completed"
	StatusConnectionIssue StatusKind = "connection_issue"
	StatusMessage         StatusKind = "message"
)
