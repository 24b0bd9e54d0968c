package streamparser

import (
	"encoding/json"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/pkg/protocol"
)

// NativeParser handles providers whose SDK already partitions content
// into text, thinking, and structured ToolUse blocks (Anthropic,
// OpenAI, Bedrock via the Eino adapters in internal/provider). It
// forwards Text/Thinking as-is and reconstructs ToolName/ToolParameter/
// ToolEnd from accumulated InputJSON chunks keyed by tool id.
//
// Grounded on the block-index accumulator in the bramble session model
// parser (other_examples), adapted to the id-keyed accumulation pattern
// used by the teacher's session/stream.go.
type NativeParser struct {
	ids   idAllocator
	order []string
	tools map[string]*nativeToolState
}

type nativeToolState struct {
	assignedID string
	name       string
	content    []byte
	emitted    map[string]bool
}

func NewNativeParser() *NativeParser {
	return &NativeParser{tools: make(map[string]*nativeToolState)}
}

func (p *NativeParser) Reset() {
	p.order = nil
	p.tools = make(map[string]*nativeToolState)
}

func (p *NativeParser) Process(chunk protocol.StreamingChunk) []fragment.Fragment {
	switch chunk.Kind {
	case protocol.ChunkText:
		if chunk.Text == "" {
			return nil
		}
		return []fragment.Fragment{fragment.PlainText{Text: chunk.Text}}

	case protocol.ChunkThinking:
		if chunk.Thinking == "" {
			return nil
		}
		return []fragment.Fragment{fragment.ThinkingText{Text: chunk.Thinking}}

	case protocol.ChunkStatus:
		return []fragment.Fragment{fragment.Status{Text: chunk.Status.Text}}

	case protocol.ChunkInputJSON:
		return p.processInputJSON(chunk.InputJSON)
	}
	return nil
}

func (p *NativeParser) processInputJSON(in protocol.InputJSON) []fragment.Fragment {
	var frags []fragment.Fragment

	providerKey := in.ToolID
	st, exists := p.tools[providerKey]
	if !exists {
		st = &nativeToolState{assignedID: p.ids.alloc(), name: in.ToolName, emitted: make(map[string]bool)}
		p.tools[providerKey] = st
		p.order = append(p.order, providerKey)
		frags = append(frags, fragment.ToolName{ID: st.assignedID, Name: in.ToolName})
	}

	if in.Content != "" {
		st.content = append(st.content, in.Content...)
	}

	for _, entry := range walkTopLevelKeys(st.content) {
		if st.emitted[entry.Key] {
			continue
		}
		st.emitted[entry.Key] = true
		frags = append(frags, fragment.ToolParameter{ToolID: st.assignedID, Name: entry.Key, Value: entry.Value})
	}

	if in.Done {
		frags = append(frags, fragment.ToolEnd{ID: st.assignedID})
	}

	return frags
}

func (p *NativeParser) ExtractFragmentsFromMessage(blocks []protocol.ContentBlock) []fragment.Fragment {
	var frags []fragment.Fragment
	ids := idAllocator{}

	for _, b := range blocks {
		switch v := b.(type) {
		case protocol.TextBlock:
			if v.Text != "" {
				frags = append(frags, fragment.PlainText{Text: v.Text})
			}
		case protocol.ThinkingBlock:
			if v.Text != "" {
				frags = append(frags, fragment.ThinkingText{Text: v.Text})
			}
		case protocol.ToolUseBlock:
			id := ids.alloc()
			frags = append(frags, fragment.ToolName{ID: id, Name: v.Name})
			for _, entry := range walkTopLevelKeys(normalizeInput(v.Input)) {
				frags = append(frags, fragment.ToolParameter{ToolID: id, Name: entry.Key, Value: entry.Value})
			}
			frags = append(frags, fragment.ToolEnd{ID: id})
		}
	}
	return frags
}

func normalizeInput(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
