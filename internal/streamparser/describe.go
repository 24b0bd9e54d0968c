package streamparser

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/forgecode/forge/pkg/protocol"
)

// DescribeTools renders the tool catalog for the system prompt in the
// session's tool syntax. Native sessions never need this (the provider
// receives a structured tool manifest instead); xml and caret sessions
// carry their entire tool vocabulary in prompt text.
func DescribeTools(syntax protocol.ToolSyntax, specs []protocol.ToolSpec) string {
	if syntax == protocol.ToolSyntaxNative || len(specs) == 0 {
		return ""
	}

	sorted := make([]protocol.ToolSpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	sb.WriteString("# Tools\n\n")
	switch syntax {
	case protocol.ToolSyntaxXML:
		sb.WriteString("Invoke a tool by emitting a block inline in your reply, in exactly this form:\n\n")
		sb.WriteString("<tool:NAME><param:KEY>VALUE</param:KEY></tool:NAME>\n\n")
		sb.WriteString("Repeat the param element once per parameter. Parameter values are raw text; do not escape them.\n\n")
	case protocol.ToolSyntaxCaret:
		sb.WriteString("Invoke a tool by emitting a fenced block inline in your reply, in exactly this form:\n\n")
		sb.WriteString("^^^NAME\nKEY: VALUE\n^^^\n\n")
		sb.WriteString("One `KEY: VALUE` line per parameter. A value continues on following lines until the next key or the closing fence.\n\n")
	}

	for _, spec := range sorted {
		sb.WriteString("## ")
		sb.WriteString(spec.Name)
		sb.WriteString("\n")
		if spec.Description != "" {
			sb.WriteString(spec.Description)
			sb.WriteString("\n")
		}
		params := describeParameters(spec.ParametersSchema)
		if len(params) > 0 {
			sb.WriteString("Parameters:\n")
			for _, p := range params {
				sb.WriteString("- ")
				sb.WriteString(p)
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// describeParameters flattens a tool's JSON-Schema properties into
// one prompt line per parameter.
func describeParameters(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		var sb strings.Builder
		sb.WriteString(name)
		sb.WriteString(" (")
		if prop.Type != "" {
			sb.WriteString(prop.Type)
		} else {
			sb.WriteString("string")
		}
		if required[name] {
			sb.WriteString(", required")
		}
		sb.WriteString(")")
		if prop.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(prop.Description)
		}
		out = append(out, sb.String())
	}
	return out
}

// WireForm reconstructs the textual wire encoding of a persisted tool
// invocation in the given syntax, used both by replay and by the agent
// runner when serializing an xml/caret session's history back into
// prompt text. Native has no textual wire form; callers keep the
// structured block instead.
func WireForm(syntax protocol.ToolSyntax, b protocol.ToolUseBlock) string {
	switch syntax {
	case protocol.ToolSyntaxXML:
		return renderXMLTool(b)
	case protocol.ToolSyntaxCaret:
		return renderCaretTool(b)
	}
	return ""
}
