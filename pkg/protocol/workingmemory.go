package protocol

import "fmt"

// ResourceKey identifies a loaded resource within a session's working
// memory. Serialized as "project::path" so it survives use as a JSON
// object key.
type ResourceKey struct {
	Project string
	Path    string
}

func (k ResourceKey) String() string { return k.Project + "::" + k.Path }

// ParseResourceKey parses the "project::path" wire form back into a
// ResourceKey. The project name itself never contains "::".
func ParseResourceKey(s string) (ResourceKey, error) {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ':' {
			return ResourceKey{Project: s[:i], Path: s[i+2:]}, nil
		}
	}
	return ResourceKey{}, fmt.Errorf("malformed resource key %q", s)
}

// LoadedResource is a single entry in a session's working memory: the
// last-known content of a file the agent has read, plus the mtime it
// observed, used by the smart filter's staleness rule.
type LoadedResource struct {
	Content      string `json:"content"`
	ContentHash  string `json:"content_hash"`
	ModTimeUnix  int64  `json:"mod_time_unix"`
	LastReadTurn int    `json:"last_read_turn"`
}

// PlanStep is one entry in a session's plan, tracked by the plan tool.
type PlanStep struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"` // "pending" | "in_progress" | "done"
}

// TodoInfo is one entry in a session's todo list, tracked by the
// todowrite/todoread tools.
type TodoInfo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`   // "pending" | "in_progress" | "completed"
	Priority string `json:"priority"` // "high" | "medium" | "low"
}

// WorkingMemory is a session's loaded-resources state: created with the
// session, mutated only by tool executions within that session,
// destroyed with the session.
type WorkingMemory struct {
	LoadedResources map[string]LoadedResource `json:"loaded_resources"`
	FileTree        []string                  `json:"file_tree,omitempty"`
	Summaries       []string                  `json:"summaries,omitempty"`
	Plan            []PlanStep                `json:"plan,omitempty"`
}

// NewWorkingMemory returns an empty, ready-to-use WorkingMemory.
func NewWorkingMemory() WorkingMemory {
	return WorkingMemory{LoadedResources: make(map[string]LoadedResource)}
}

// Get looks up a loaded resource by project+path.
func (w *WorkingMemory) Get(key ResourceKey) (LoadedResource, bool) {
	if w.LoadedResources == nil {
		return LoadedResource{}, false
	}
	r, ok := w.LoadedResources[key.String()]
	return r, ok
}

// Put records/overwrites a loaded resource.
func (w *WorkingMemory) Put(key ResourceKey, r LoadedResource) {
	if w.LoadedResources == nil {
		w.LoadedResources = make(map[string]LoadedResource)
	}
	w.LoadedResources[key.String()] = r
}
