// Package streamparser turns a provider-agnostic stream of
// protocol.StreamingChunk values into the uniform fragment.Fragment
// vocabulary. Three concrete parsers share the StreamProcessor
// capability and one ID-allocation discipline, differing only in how
// they recognize tool boundaries inside Text chunks (native parsers
// don't need to: the provider already partitions tool blocks).
package streamparser

import (
	"strconv"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/pkg/protocol"
)

// StreamProcessor is the capability all three parsers implement.
type StreamProcessor interface {
	// Process consumes one streaming chunk and returns the fragments
	// it produced, in order. Parser state persists across calls so a
	// tool invocation split across many chunks (or even across a
	// single-byte chunk boundary) still yields exactly one ToolName,
	// its ToolParameters in order, and one ToolEnd.
	Process(chunk protocol.StreamingChunk) []fragment.Fragment

	// ExtractFragmentsFromMessage replays a persisted message's
	// content blocks through the same recognition logic used during
	// streaming, for loading sessions. For a well-formed message
	// produced by this parser's syntax, the result is identical to
	// what the UI saw live.
	ExtractFragmentsFromMessage(blocks []protocol.ContentBlock) []fragment.Fragment

	// Reset clears accumulated state, used between turns.
	Reset()
}

// New returns the StreamProcessor for the given tool syntax.
func New(syntax protocol.ToolSyntax) StreamProcessor {
	switch syntax {
	case protocol.ToolSyntaxXML:
		return NewXMLParser()
	case protocol.ToolSyntaxCaret:
		return NewCaretParser()
	default:
		return NewNativeParser()
	}
}

// idAllocator hands out stable string ids for tool blocks, in order
// of first appearance, matching fragment.ToolName/ToolParameter/ToolEnd's
// shared ID field.
type idAllocator struct {
	next int
}

func (a *idAllocator) alloc() string {
	a.next++
	return strconv.Itoa(a.next)
}
