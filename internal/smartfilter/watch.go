package smartfilter

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// StaleTracker watches directories containing files the agent has read
// and answers whether a given path has changed since a recorded mtime.
// Adapted from the teacher's internal/vcs.Watcher, which watches a
// single .git directory for HEAD changes; here the same fsnotify
// pattern watches arbitrary project directories for content changes.
type StaleTracker struct {
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	dirty   map[string]bool // absolute path -> changed since last Observe
	watched map[string]bool // directories already added to watcher
}

// NewStaleTracker starts an fsnotify watcher. Returns a tracker whose
// Changed method falls back to direct stat comparison even if the
// underlying watcher failed to start, so staleness detection degrades
// gracefully rather than silently disabling the rule.
func NewStaleTracker() *StaleTracker {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("smartfilter: fsnotify watcher unavailable, falling back to stat-only staleness checks")
		return &StaleTracker{dirty: map[string]bool{}, watched: map[string]bool{}}
	}
	t := &StaleTracker{watcher: w, dirty: map[string]bool{}, watched: map[string]bool{}}
	go t.run()
	return t
}

func (t *StaleTracker) run() {
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				t.mu.Lock()
				t.dirty[ev.Name] = true
				t.mu.Unlock()
			}
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Watch registers dir for change notifications. Safe to call
// repeatedly with the same directory.
func (t *StaleTracker) Watch(dir string) {
	if t.watcher == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watched[dir] {
		return
	}
	if err := t.watcher.Add(dir); err == nil {
		t.watched[dir] = true
	}
}

// Changed reports whether path's on-disk modification time no longer
// matches recordedModTimeUnix, the mtime observed the last time the
// agent read it into working memory.
func (t *StaleTracker) Changed(path string, recordedModTimeUnix int64) bool {
	t.mu.Lock()
	flagged := t.dirty[path]
	t.mu.Unlock()
	if flagged {
		return true
	}

	info, err := os.Stat(path)
	if err != nil {
		return true // file gone or inaccessible: treat as changed
	}
	return info.ModTime().Unix() != recordedModTimeUnix
}

// ClearDirty forgets a path's fsnotify-flagged state, called once the
// agent has re-read the file and recorded a fresh mtime for it.
func (t *StaleTracker) ClearDirty(path string) {
	t.mu.Lock()
	delete(t.dirty, path)
	t.mu.Unlock()
}

// Close stops the underlying watcher.
func (t *StaleTracker) Close() error {
	if t.watcher == nil {
		return nil
	}
	return t.watcher.Close()
}
