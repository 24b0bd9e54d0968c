package streamparser

import (
	"bytes"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/pkg/protocol"
)

// XMLParser recognizes tools inline in text as
// <tool:NAME>...<param:KEY>VALUE</param:KEY>...</tool:NAME>.
//
// It maintains a small pushdown state (outside-tool, in-tool-header,
// in-param-key, in-param-value) that survives chunk boundaries: partial
// tags are buffered until they can be resolved one way or the other.
type xmlState int

const (
	xmlOutside xmlState = iota
	xmlInTool
	xmlInParamValue
)

type XMLParser struct {
	ids   idAllocator
	state xmlState
	buf   []byte

	toolID    string
	paramName string
}

func NewXMLParser() *XMLParser { return &XMLParser{} }

func (p *XMLParser) Reset() {
	p.state = xmlOutside
	p.buf = nil
	p.toolID = ""
	p.paramName = ""
}

func (p *XMLParser) Process(chunk protocol.StreamingChunk) []fragment.Fragment {
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
		case xmlOutside:
			markers := []string{"<tool:"}
			idx, _, found := findEarliestMarker(p.buf, markers)
			if found {
				if idx > 0 {
					frags = append(frags, fragment.PlainText{Text: string(p.buf[:idx])})
				}
				rest := p.buf[idx+len("<tool:"):]
				gt := bytes.IndexByte(rest, '>')
				if gt < 0 {
					p.buf = p.buf[idx:]
					return frags
				}
				name := string(rest[:gt])
				p.toolID = p.ids.alloc()
				frags = append(frags, fragment.ToolName{ID: p.toolID, Name: name})
				p.buf = rest[gt+1:]
				p.state = xmlInTool
				continue
			}
			tail := ambiguousTailLen(p.buf, markers)
			if tail < len(p.buf) {
				frags = append(frags, fragment.PlainText{Text: string(p.buf[:len(p.buf)-tail])})
			}
			p.buf = p.buf[len(p.buf)-tail:]
			return frags

		case xmlInTool:
			markers := []string{"<param:", "</tool:"}
			idx, which, found := findEarliestMarker(p.buf, markers)
			if !found {
				tail := ambiguousTailLen(p.buf, markers)
				p.buf = p.buf[len(p.buf)-tail:]
				return frags
			}
			rest := p.buf[idx+len(markers[which]):]
			gt := bytes.IndexByte(rest, '>')
			if gt < 0 {
				p.buf = p.buf[idx:]
				return frags
			}
			name := string(rest[:gt])
			p.buf = rest[gt+1:]
			if which == 0 {
				p.paramName = name
				p.state = xmlInParamValue
			} else {
				frags = append(frags, fragment.ToolEnd{ID: p.toolID})
				p.toolID = ""
				p.state = xmlOutside
			}
			continue

		case xmlInParamValue:
			closer := "</param:" + p.paramName + ">"
			markers := []string{closer}
			idx, _, found := findEarliestMarker(p.buf, markers)
			if !found {
				tail := ambiguousTailLen(p.buf, markers)
				if tail < len(p.buf) {
					// Not yet at a possible closer: nothing resolvable
					// to emit early without risking splitting a value
					// we'd need to retract, so hold the whole buffer.
				}
				return frags
			}
			value := string(p.buf[:idx])
			frags = append(frags, fragment.ToolParameter{ToolID: p.toolID, Name: p.paramName, Value: value})
			p.buf = p.buf[idx+len(closer):]
			p.paramName = ""
			p.state = xmlInTool
			continue
		}
	}
}

func (p *XMLParser) ExtractFragmentsFromMessage(blocks []protocol.ContentBlock) []fragment.Fragment {
	fresh := NewXMLParser()
	var frags []fragment.Fragment
	for _, b := range blocks {
		switch v := b.(type) {
		case protocol.TextBlock:
			frags = append(frags, fresh.Process(protocol.ChunkOfText(v.Text))...)
		case protocol.ThinkingBlock:
			frags = append(frags, fresh.Process(protocol.ChunkOfThinking(v.Text))...)
		case protocol.ToolUseBlock:
			// A persisted ToolUseBlock was already parsed out of its
			// original XML tag; re-render it as XML so replay goes
			// through the identical recognizer as the live stream did.
			frags = append(frags, fresh.Process(protocol.ChunkOfText(renderXMLTool(v)))...)
		}
	}
	return frags
}
