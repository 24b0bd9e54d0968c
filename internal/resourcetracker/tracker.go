// Package resourcetracker implements the dedup oracle consulted while
// the session package's dedupResourceOutputs walks the full message
// history: the first time a resource is seen it keeps the full body;
// every later occurrence in the same pass gets a placeholder
// referencing it.
//
// The tracker is rebuilt from scratch each time the full message
// history is serialized for the LLM, and that walk goes newest first,
// so the newest occurrence is the canonical one that keeps the full
// body.
package resourcetracker

import "fmt"

// ResourceKey identifies a renderable resource, e.g. a file's content
// at a point in time: "file:project:path:content-hash".
type ResourceKey string

// FileResourceKey builds the canonical key for a file's content.
func FileResourceKey(project, path, contentHash string) ResourceKey {
	return ResourceKey(fmt.Sprintf("file:%s:%s:%s", project, path, contentHash))
}

// URLResourceKey builds the canonical key for fetched web content, so
// refetching an unchanged page dedups the same way rereading an
// unchanged file does.
func URLResourceKey(url, contentHash string) ResourceKey {
	return ResourceKey(fmt.Sprintf("url:%s:%s", url, contentHash))
}

// Tracker records which resource keys have already been rendered in
// the current history-serialization pass.
type Tracker struct {
	seen map[ResourceKey]bool
}

// New returns an empty Tracker, to be built fresh for every
// serialization pass.
func New() *Tracker {
	return &Tracker{seen: make(map[ResourceKey]bool)}
}

// RenderOrPlaceholder is called by the session's dedupResourceOutputs
// with the resource key a tool output embeds in full. It returns
// whether the caller should render the full body (first call for this
// key) or a placeholder (every subsequent call).
//
// Callers must walk history newest-first so that the canonical
// (full-body) occurrence is the most recent one, per the dedup
// invariant.
func (t *Tracker) RenderOrPlaceholder(key ResourceKey) (renderFull bool) {
	if t.seen[key] {
		return false
	}
	t.seen[key] = true
	return true
}

// Placeholder is the canonical placeholder text substituted for a
// resource that has already been rendered at a more recent point in
// the serialized history.
func Placeholder(key ResourceKey) string {
	return fmt.Sprintf("[content for %s shown at a later point in this conversation]", key)
}
