package session

import (
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/internal/ui"
	"github.com/forgecode/forge/pkg/protocol"
)

// fragmentBufferSize bounds the ring buffer each SessionInstance keeps
// for re-hydrating a newly connected UI. It retains enough of the
// current turn, not full session history (that lives in storage).
const fragmentBufferSize = 2048

// SessionInstance owns everything about one session that is only
// meaningful while the process is alive: the fragment buffer, the
// activity state, and the pending user message. The persistent
// ChatSession itself is read and written through Service/storage.
type SessionInstance struct {
	ID string

	mu       sync.Mutex
	buffer   []fragment.Fragment
	pending  string
	running  bool
	toolSeen map[string]bool

	// connected is the UI currently subscribed to this session's
	// fragment stream, nil while the session is detached.
	connected ui.UserInterface

	activity *activityTracker

	// limiter backs Allow, which reports whether another out-of-band
	// replay or notification fits the configured rate. ConnectUI
	// replays the fragment buffer without consulting it.
	limiter *rate.Limiter
}

func newSessionInstance(id string) *SessionInstance {
	return &SessionInstance{
		ID:       id,
		activity: newActivityTracker(),
		toolSeen: make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Every(0), 1), // replaced by SetReplayRate if configured
	}
}

// SetReplayRate configures the replay/coalescing limiter. A burst of 1
// and an interval of zero (the default) means unthrottled. Only Allow
// reads the limiter; no front end in this repository calls
// SetReplayRate, so the default applies.
func (s *SessionInstance) SetReplayRate(eventsPerSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
}

// Allow reports whether the caller may emit another out-of-band
// replay/notification right now, per the configured rate limit.
func (s *SessionInstance) Allow() bool {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	return limiter.Allow()
}

// Activity returns the current SessionActivityState.
func (s *SessionInstance) Activity() ActivityState {
	return s.activity.Get()
}

// IsRunning reports whether an agent task is currently alive for this
// instance (spawned, not yet returned to Idle).
func (s *SessionInstance) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SessionInstance) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
	if !running {
		s.activity.Reset()
	}
}

// AppendPending adds text to the pending user message. If a pending
// message already exists it is joined with a newline separator, unless
// text equals the current pending message, in which case it is dropped.
// Submitting empty text is a no-op.
func (s *SessionInstance) AppendPending(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == "" {
		s.pending = text
	} else if s.pending != text {
		s.pending = s.pending + "\n" + text
	}
}

// TakePending atomically returns and clears the pending message. Used
// both when an agent task starts its next iteration and on UI
// edit-recall.
func (s *SessionInstance) TakePending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = ""
	return p
}

// PeekPending returns the pending message without clearing it.
func (s *SessionInstance) PeekPending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// RecordFragment appends a fragment to the ring buffer, evicting the
// oldest entries once fragmentBufferSize is exceeded, and forwards it
// to the connected UI if one is subscribed.
func (s *SessionInstance) RecordFragment(f fragment.Fragment) {
	s.mu.Lock()
	s.buffer = append(s.buffer, f)
	if len(s.buffer) > fragmentBufferSize {
		s.buffer = s.buffer[len(s.buffer)-fragmentBufferSize:]
	}
	connected := s.connected
	s.mu.Unlock()

	if connected != nil {
		connected.DisplayFragment(f)
	}
}

// ConnectUI subscribes u to this session's fragment stream, replaying
// the buffered fragments of the current turn so a freshly attached UI
// catches up before live fragments resume.
func (s *SessionInstance) ConnectUI(u ui.UserInterface) {
	s.mu.Lock()
	s.connected = u
	replay := make([]fragment.Fragment, len(s.buffer))
	copy(replay, s.buffer)
	s.mu.Unlock()

	for _, f := range replay {
		u.DisplayFragment(f)
	}
}

// DisconnectUI detaches the connected UI, if any. The agent keeps
// running and buffering fragments for the next connection.
func (s *SessionInstance) DisconnectUI() {
	s.mu.Lock()
	s.connected = nil
	s.mu.Unlock()
}

// ConnectedUI returns the currently subscribed UI, or nil.
func (s *SessionInstance) ConnectedUI() ui.UserInterface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Snapshot returns a copy of the current fragment buffer, used to
// re-hydrate a UI that just subscribed to this session.
func (s *SessionInstance) Snapshot() []fragment.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fragment.Fragment, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// ClearBuffer drops the buffered fragments; called once a turn fully
// completes and the next turn's UI re-hydration no longer needs them.
func (s *SessionInstance) ClearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = s.buffer[:0]
	s.toolSeen = make(map[string]bool)
}

// RecordPart translates a protocol.Part emitted by the processor's
// streaming callback into the fragment vocabulary and buffers it. This
// is the bridge between the native-provider streaming path (which
// builds protocol.Part directly) and the fragment buffer a detached UI
// or protocol adapter replays from; sessions using the xml/caret tool
// syntax replay their persisted messages through
// streamparser.ExtractFragmentsFromMessage instead.
func (s *SessionInstance) RecordPart(part protocol.Part) {
	switch p := part.(type) {
	case *protocol.TextPart:
		if p.Text != "" {
			s.RecordFragment(fragment.PlainText{Text: p.Text})
		}
	case *protocol.ReasoningPart:
		if p.Text != "" {
			s.RecordFragment(fragment.ThinkingText{Text: p.Text})
		}
	case *protocol.ToolPart:
		s.mu.Lock()
		seen := s.toolSeen[p.CallID]
		if !seen {
			s.toolSeen[p.CallID] = true
		}
		s.mu.Unlock()

		if !seen {
			s.RecordFragment(fragment.ToolName{ID: p.CallID, Name: p.Tool})
			for k, v := range p.State.Input {
				s.RecordFragment(fragment.ToolParameter{
					ToolID: p.CallID,
					Name:   k,
					Value:  stringifyParam(v),
				})
			}
		}
		if p.State.Status == "completed" || p.State.Status == "error" {
			s.RecordFragment(fragment.ToolEnd{ID: p.CallID})
		}
	}
}

func stringifyParam(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
