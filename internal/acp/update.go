package acp

import (
	"encoding/json"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/pkg/protocol"
)

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// updateShim turns the cumulative part list a running turn reports on
// each ProcessMessage callback into incremental session/update
// notifications. ProcessMessage's callback fires repeatedly with the
// same parts mutated in place as the stream grows, so the shim tracks
// how much of each part has already been reported rather than
// replaying the whole message on every call.
type updateShim struct {
	s         *Server
	sessionID string

	sentTextLen map[string]int
	announced   map[string]bool
	ended       map[string]bool
}

func newUpdateShim(s *Server, sessionID string, _ protocol.ToolSyntax) *updateShim {
	return &updateShim{
		s:           s,
		sessionID:   sessionID,
		sentTextLen: make(map[string]int),
		announced:   make(map[string]bool),
		ended:       make(map[string]bool),
	}
}

func (u *updateShim) onParts(parts []protocol.Part) {
	for _, p := range parts {
		switch v := p.(type) {
		case *protocol.TextPart:
			u.emitTextDelta(v.ID, v.Text, updateAgentMessageChunk)
		case *protocol.ReasoningPart:
			u.emitTextDelta(v.ID, v.Text, updateAgentThoughtChunk)
		case *protocol.ToolPart:
			u.emitToolUpdate(v)
		}
	}
}

func (u *updateShim) emitTextDelta(partID, full, kind string) {
	sent := u.sentTextLen[partID]
	if len(full) <= sent {
		return
	}
	delta := full[sent:]
	u.sentTextLen[partID] = len(full)

	var update any
	switch kind {
	case updateAgentThoughtChunk:
		update = AgentThoughtChunk{SessionUpdate: kind, Content: ContentBlock{Type: "text", Text: delta}}
	default:
		update = AgentMessageChunk{SessionUpdate: kind, Content: ContentBlock{Type: "text", Text: delta}}
	}
	u.s.emitFragment(u.sessionID, update)
}

func (u *updateShim) emitToolUpdate(tp *protocol.ToolPart) {
	if !u.announced[tp.CallID] {
		u.announced[tp.CallID] = true
		u.s.emitFragment(u.sessionID, ToolCall{
			SessionUpdate: updateToolCall,
			ToolCallID:    tp.CallID,
			Title:         tp.Tool,
			Kind:          toolKind(tp.Tool),
			Status:        toolCallStatus(tp.State.Status),
		})
		return
	}

	done := tp.State.Status == "completed" || tp.State.Status == "error"
	if done && u.ended[tp.CallID] {
		return
	}

	update := ToolCallUpdate{
		SessionUpdate: updateToolCallUpdate,
		ToolCallID:    tp.CallID,
		Status:        toolCallStatus(tp.State.Status),
	}
	if tp.State.Output != "" {
		update.Content = []ContentBlock{{Type: "text", Text: tp.State.Output}}
	} else if tp.State.Error != "" {
		update.Content = []ContentBlock{{Type: "text", Text: tp.State.Error}}
	}
	u.s.emitFragment(u.sessionID, update)

	if done {
		u.ended[tp.CallID] = true
	}
}

// replayFragments converts one historical message's fragments (from
// ExtractFragmentsFromMessage, used only for the one-shot session/load
// replay, never for live streaming) into update notifications.
func replayFragments(toolNames map[string]string, fr fragment.Fragment) any {
	switch f := fr.(type) {
	case fragment.PlainText:
		return AgentMessageChunk{SessionUpdate: updateAgentMessageChunk, Content: ContentBlock{Type: "text", Text: f.Text}}
	case fragment.ThinkingText:
		return AgentThoughtChunk{SessionUpdate: updateAgentThoughtChunk, Content: ContentBlock{Type: "text", Text: f.Text}}
	case fragment.ToolName:
		toolNames[f.ID] = f.Name
		return ToolCall{SessionUpdate: updateToolCall, ToolCallID: f.ID, Title: f.Name, Kind: toolKind(f.Name), Status: toolCallStatus("completed")}
	case fragment.ToolParameter:
		return nil
	case fragment.ToolEnd:
		return ToolCallUpdate{SessionUpdate: updateToolCallUpdate, ToolCallID: f.ID, Status: toolCallStatus("completed")}
	case fragment.Status:
		return AgentMessageChunk{SessionUpdate: updateAgentMessageChunk, Content: ContentBlock{Type: "text", Text: f.Text}}
	default:
		return nil
	}
}

// blocksToUserFragments renders a replayed user message's parts as
// user_message_chunk updates; user turns carry no tool calls so only
// text parts are meaningful.
func blocksToUserFragments(parts []protocol.Part) []any {
	var out []any
	for _, p := range parts {
		if tp, ok := p.(*protocol.TextPart); ok {
			out = append(out, map[string]any{
				"sessionUpdate": updateUserMessageChunk,
				"content":       ContentBlock{Type: "text", Text: tp.Text},
			})
		}
	}
	return out
}
