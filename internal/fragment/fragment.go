// Package fragment defines the uniform event vocabulary emitted by
// stream parsers and consumed by UIs and protocol adapters. A fragment
// stream is the only contract between the agent runner and rendering;
// nothing downstream ever looks at a raw provider chunk.
package fragment

// Fragment is one element of a stream parser's output sequence.
//
// Ordering guarantee: for a given tool invocation, exactly one
// ToolName{id}, followed by zero or more ToolParameter{tool_id=id} in
// streamed-parameter order, followed by exactly one ToolEnd{id}. Text
// and thinking fragments may interleave between tool events but never
// inside a single tool's parameter sequence.
type Fragment interface {
	FragmentKind() Kind
}

type Kind string

const (
	KindPlainText     Kind = "plain_text"
	KindThinkingText  Kind = "thinking_text"
	KindToolName      Kind = "tool_name"
	KindToolParameter Kind = "tool_parameter"
	KindToolEnd       Kind = "tool_end"
	KindStatus        Kind = "status"
)

// PlainText is ordinary assistant-visible text, outside any tool block.
type PlainText struct {
	Text string
}

func (PlainText) FragmentKind() Kind { return KindPlainText }

// ThinkingText is extended-reasoning text.
type ThinkingText struct {
	Text string
}

func (ThinkingText) FragmentKind() Kind { return KindThinkingText }

// ToolName opens a new tool invocation. Exactly one is emitted per
// tool id, before any of its parameters.
type ToolName struct {
	ID   string
	Name string
}

func (ToolName) FragmentKind() Kind { return KindToolName }

// ToolParameter streams one (possibly partial, across repeated
// fragments for the same Name) parameter value for an open tool.
type ToolParameter struct {
	ToolID string
	Name   string
	Value  string
}

func (ToolParameter) FragmentKind() Kind { return KindToolParameter }

// ToolEnd closes a tool invocation. Exactly one is emitted per tool id.
type ToolEnd struct {
	ID string
}

func (ToolEnd) FragmentKind() Kind { return KindToolEnd }

// Status carries a provider or runner status signal that is ephemeral
// (never persisted, never replayed from history).
type Status struct {
	Text string
}

func (Status) FragmentKind() Kind { return KindStatus }
