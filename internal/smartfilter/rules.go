package smartfilter

import "github.com/forgecode/forge/pkg/protocol"

// rule inspects one completed tool call against filter state and
// returns a Violation if it is unsafe. Rules run in order; the first
// violation wins.
type rule func(f *Filter, tc *toolCall) *Violation

var rules = []rule{
	unreadBeforeEditRule,
	duplicateEditRule,
	staleReadRule,
}

// editToolNames are the tools that modify an existing file in place and
// therefore require a prior read. write_file is deliberately absent:
// creating a fresh file has nothing to have read first, so it is only
// subject to the duplicate-edit rule below.
var editToolNames = map[string]bool{
	"replace_in_file": true,
}

var writeToolNames = map[string]bool{
	"write_file": true,
}

var readToolNames = map[string]bool{
	"read_files": true,
}

// unreadBeforeEditRule: a replace_in_file (or edit) against a file not
// previously read in this session is unsafe.
func unreadBeforeEditRule(f *Filter, tc *toolCall) *Violation {
	if !editToolNames[tc.name] {
		return nil
	}
	path, ok := tc.path()
	if !ok {
		return nil
	}
	if f.memory == nil {
		return nil
	}
	if _, seen := f.memory.Get(protocol.ResourceKey{Project: f.project, Path: path}); !seen {
		return &Violation{
			ToolID:  tc.id,
			Rule:    "unread-before-edit",
			Message: path + " was not read in this session; read it first.",
		}
	}
	return nil
}

// duplicateEditRule: two edits of the same file in the same turn must
// be merged or rejected. This spec leaves the exact merge rule as an
// open question; this implementation rejects the second edit, which
// forces the model to issue one consolidated edit per file per turn.
func duplicateEditRule(f *Filter, tc *toolCall) *Violation {
	if !editToolNames[tc.name] && !writeToolNames[tc.name] {
		return nil
	}
	path, ok := tc.path()
	if !ok {
		return nil
	}
	if firstID, seen := f.editedThisTurn[path]; seen && firstID != tc.id {
		return &Violation{
			ToolID:  tc.id,
			Rule:    "duplicate-edit",
			Message: path + " was already edited earlier in this turn; issue one consolidated edit per file.",
		}
	}
	f.editedThisTurn[path] = tc.id
	return nil
}

// staleReadRule: tool output that depends on a file whose modification
// time changed since it was read must be refused, since the agent's
// working-memory snapshot of that file's content is no longer trustworthy.
func staleReadRule(f *Filter, tc *toolCall) *Violation {
	if !editToolNames[tc.name] && !readToolNames[tc.name] {
		return nil
	}
	path, ok := tc.path()
	if !ok {
		return nil
	}
	if f.stale == nil || f.memory == nil {
		return nil
	}
	resource, seen := f.memory.Get(protocol.ResourceKey{Project: f.project, Path: path})
	if !seen {
		return nil
	}
	if f.stale.Changed(path, resource.ModTimeUnix) {
		return &Violation{
			ToolID:  tc.id,
			Rule:    "stale-read",
			Message: path + " changed on disk since it was last read; read it again before editing.",
		}
	}
	return nil
}
