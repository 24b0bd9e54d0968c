package protocol

import "encoding/json"

// Role identifies the speaker of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one typed element of a message's ordered content.
// Order within a message is significant; a message is atomic once
// appended to history.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() string { return "text" }

// ThinkingBlock is extended-reasoning content, optionally signed by
// the provider so it can be replayed verbatim in a later request.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

func (ThinkingBlock) BlockType() string { return "thinking" }

// ToolUseBlock is a single tool invocation requested by the model.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock is the result of executing a ToolUseBlock, referenced
// by ToolUseID.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResultBlock) BlockType() string { return "tool_result" }

// Blocks returns the ordered content blocks of an assistant/user message
// reconstructed from its parts, in part order. Used by the agent runner
// to assemble a turn and by stream parsers for replay.
func BlocksFromParts(parts []Part) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case *TextPart:
			blocks = append(blocks, TextBlock{Text: v.Text})
		case *ReasoningPart:
			blocks = append(blocks, ThinkingBlock{Text: v.Text})
		case *ToolPart:
			input, _ := json.Marshal(v.State.Input)
			blocks = append(blocks, ToolUseBlock{ID: v.CallID, Name: v.Tool, Input: input})
			if v.State.Output != "" || v.State.Error != "" {
				content := v.State.Output
				isErr := v.State.Error != ""
				if isErr {
					content = v.State.Error
				}
				blocks = append(blocks, ToolResultBlock{ToolUseID: v.CallID, Content: content, IsError: isErr})
			}
		}
	}
	return blocks
}

// ToolUseBlocks extracts the ToolUseBlock elements from an ordered
// content-block sequence, preserving order.
func ToolUseBlocks(blocks []ContentBlock) []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}
