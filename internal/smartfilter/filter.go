// Package smartfilter observes the live fragment stream during a
// single assistant turn and enforces policies against unsafe tool
// combinations, signaling truncate-and-respond when one is violated.
//
// Grounded on the teacher's internal/permission.Checker (decision
// dispatch shape) and internal/vcs.Watcher (fsnotify-backed file
// change detection, repurposed here from git-HEAD watching to
// stale-read detection).
package smartfilter

import (
	"encoding/json"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/pkg/protocol"
)

// Violation describes why the filter is truncating the stream.
type Violation struct {
	ToolID  string
	Rule    string
	Message string
}

// toolCall accumulates one tool invocation's fragments as they arrive,
// mirroring the accumulation discipline stream parsers use internally.
type toolCall struct {
	id     string
	name   string
	params map[string]string
	order  []string
}

// Filter observes fragments in real time for one assistant turn and
// maintains a running set of seen tool invocations.
type Filter struct {
	project string
	memory  *protocol.WorkingMemory
	stale   *StaleTracker

	inflight map[string]*toolCall
	editedThisTurn map[string]string // path -> toolID of first edit this turn
}

// New constructs a Filter bound to a session's working memory (consulted
// for the "read before write" and staleness rules) and an optional
// StaleTracker (nil disables the mtime-changed rule).
func New(project string, memory *protocol.WorkingMemory, stale *StaleTracker) *Filter {
	return &Filter{
		project:        project,
		memory:         memory,
		stale:          stale,
		inflight:       make(map[string]*toolCall),
		editedThisTurn: make(map[string]string),
	}
}

// ResetTurn clears per-turn state (seen tool calls, edited-paths set).
// Call at the start of every agent iteration.
func (f *Filter) ResetTurn() {
	f.inflight = make(map[string]*toolCall)
	f.editedThisTurn = make(map[string]string)
}

// Observe feeds one fragment to the filter. If the fragment completes
// a tool invocation that violates a policy, Observe returns the
// violation and the caller must truncate-and-respond: stop consuming
// the remainder of the LLM response, never execute the tool.
func (f *Filter) Observe(frag fragment.Fragment) *Violation {
	switch v := frag.(type) {
	case fragment.ToolName:
		f.inflight[v.ID] = &toolCall{id: v.ID, name: v.Name, params: map[string]string{}}
	case fragment.ToolParameter:
		if tc, ok := f.inflight[v.ToolID]; ok {
			if _, seen := tc.params[v.Name]; !seen {
				tc.order = append(tc.order, v.Name)
			}
			tc.params[v.Name] += v.Value
		}
	case fragment.ToolEnd:
		tc, ok := f.inflight[v.ID]
		delete(f.inflight, v.ID)
		if !ok {
			return nil
		}
		return f.checkCompletedCall(tc)
	}
	return nil
}

func (f *Filter) checkCompletedCall(tc *toolCall) *Violation {
	for _, rule := range rules {
		if v := rule(f, tc); v != nil {
			return v
		}
	}
	return nil
}

// path extracts the file-path parameter from a tool call, covering the
// parameter names used across the built-in file tools.
func (tc *toolCall) path() (string, bool) {
	for _, name := range []string{"filePath", "path", "file"} {
		if p, ok := tc.params[name]; ok {
			return p, true
		}
	}
	return "", false
}

func (tc *toolCall) paramsJSON() json.RawMessage {
	m := make(map[string]string, len(tc.params))
	for k, v := range tc.params {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}
