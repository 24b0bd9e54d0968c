package streamparser

import (
	"strings"

	"github.com/forgecode/forge/pkg/protocol"
)

// renderXMLTool reconstructs the XML wire form of a persisted
// ToolUseBlock so that replay (extract_fragments_from_message) can
// drive it through the exact same recognizer the live stream used,
// rather than duplicating the recognition logic for the replay path.
func renderXMLTool(b protocol.ToolUseBlock) string {
	var sb strings.Builder
	sb.WriteString("<tool:")
	sb.WriteString(b.Name)
	sb.WriteString(">")
	for _, e := range walkTopLevelKeys(normalizeInput(b.Input)) {
		sb.WriteString("<param:")
		sb.WriteString(e.Key)
		sb.WriteString(">")
		sb.WriteString(e.Value)
		sb.WriteString("</param:")
		sb.WriteString(e.Key)
		sb.WriteString(">")
	}
	sb.WriteString("</tool:")
	sb.WriteString(b.Name)
	sb.WriteString(">")
	return sb.String()
}

// renderCaretTool reconstructs the triple-caret wire form of a
// persisted ToolUseBlock for the same reason as renderXMLTool.
func renderCaretTool(b protocol.ToolUseBlock) string {
	var sb strings.Builder
	sb.WriteString("^^^")
	sb.WriteString(b.Name)
	sb.WriteString("\n")
	for _, e := range walkTopLevelKeys(normalizeInput(b.Input)) {
		sb.WriteString(e.Key)
		sb.WriteString(": ")
		sb.WriteString(e.Value)
		sb.WriteString("\n")
	}
	sb.WriteString("^^^")
	return sb.String()
}
