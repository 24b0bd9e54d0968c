package streamparser

import (
	"strings"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/pkg/protocol"
)

// CaretParser recognizes tools as triple-caret blocks:
// ^^^name\nkey: value\n...\n^^^
// chosen by the provider for token efficiency over XML since it avoids
// escaping. Same state-machine discipline as XMLParser: partial
// markers are buffered across chunk boundaries rather than
// misinterpreted.
type caretState int

const (
	caretOutside caretState = iota
	caretHeader
	caretBody
)

type CaretParser struct {
	ids   idAllocator
	state caretState
	buf   []byte

	toolID string
}

func NewCaretParser() *CaretParser { return &CaretParser{} }

func (p *CaretParser) Reset() {
	p.state = caretOutside
	p.buf = nil
	p.toolID = ""
}

func (p *CaretParser) Process(chunk protocol.StreamingChunk) []fragment.Fragment {
	switch chunk.Kind {
	case protocol.ChunkThinking:
		if chunk.Thinking == "" {
			return nil
		}
		return []fragment.Fragment{fragment.ThinkingText{Text: chunk.Thinking}}
	case protocol.ChunkStatus:
		return []fragment.Fragment{fragment.Status{Text: chunk.Status.Text}}
	case protocol.ChunkText:
		if chunk.Text == "" {
			return nil
		}
	default:
		return nil
	}

	p.buf = append(p.buf, chunk.Text...)
	var frags []fragment.Fragment

	for {
		switch p.state {
		case caretOutside:
			markers := []string{"^^^"}
			idx, _, found := findEarliestMarker(p.buf, markers)
			if !found {
				tail := ambiguousTailLen(p.buf, markers)
				if tail < len(p.buf) {
					frags = append(frags, fragment.PlainText{Text: string(p.buf[:len(p.buf)-tail])})
				}
				p.buf = p.buf[len(p.buf)-tail:]
				return frags
			}
			if idx > 0 {
				frags = append(frags, fragment.PlainText{Text: string(p.buf[:idx])})
			}
			p.buf = p.buf[idx+3:]
			p.state = caretHeader
			continue

		case caretHeader:
			nl := indexByte(p.buf, '\n')
			if nl < 0 {
				return frags
			}
			name := string(p.buf[:nl])
			p.toolID = p.ids.alloc()
			frags = append(frags, fragment.ToolName{ID: p.toolID, Name: name})
			p.buf = p.buf[nl+1:]
			p.state = caretBody
			continue

		case caretBody:
			closer := "\n^^^"
			idx, _, found := findEarliestMarker(p.buf, []string{closer})
			if !found {
				tail := ambiguousTailLen(p.buf, []string{closer})
				_ = tail
				return frags // hold whole body until the fence resolves
			}
			body := string(p.buf[:idx])
			for _, pf := range parseCaretBody(body) {
				frags = append(frags, fragment.ToolParameter{ToolID: p.toolID, Name: pf.Key, Value: pf.Value})
			}
			frags = append(frags, fragment.ToolEnd{ID: p.toolID})
			p.buf = p.buf[idx+len(closer):]
			p.toolID = ""
			p.state = caretOutside
			continue
		}
	}
}

type caretField struct{ Key, Value string }

// parseCaretBody splits a caret block's body into key: value fields.
// A line starting a new field matches `identifier: `; any other line
// is treated as a continuation of the previous field's value (caret
// values may be multi-line, e.g. file contents).
func parseCaretBody(body string) []caretField {
	var fields []caretField
	lines := strings.Split(body, "\n")
	for _, line := range lines {
		if key, val, ok := splitCaretKeyLine(line); ok {
			fields = append(fields, caretField{Key: key, Value: val})
			continue
		}
		if len(fields) == 0 {
			continue
		}
		fields[len(fields)-1].Value += "\n" + line
	}
	return fields
}

func splitCaretKeyLine(line string) (string, string, bool) {
	idx := strings.Index(line, ": ")
	if idx <= 0 {
		return "", "", false
	}
	key := line[:idx]
	for _, r := range key {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return "", "", false
		}
	}
	return key, line[idx+2:], true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (p *CaretParser) ExtractFragmentsFromMessage(blocks []protocol.ContentBlock) []fragment.Fragment {
	fresh := NewCaretParser()
	var frags []fragment.Fragment
	for _, b := range blocks {
		switch v := b.(type) {
		case protocol.TextBlock:
			frags = append(frags, fresh.Process(protocol.ChunkOfText(v.Text))...)
		case protocol.ThinkingBlock:
			frags = append(frags, fresh.Process(protocol.ChunkOfThinking(v.Text))...)
		case protocol.ToolUseBlock:
			frags = append(frags, fresh.Process(protocol.ChunkOfText(renderCaretTool(v)+"\n"))...)
		}
	}
	return frags
}
