package session

import (
	"sync"

	"github.com/forgecode/forge/pkg/protocol"
)

// ActivityKind and ActivityState are the shared protocol vocabulary for
// a session's coarse agent-task state: Idle is the only state a new
// agent task may be spawned from, and every other state returns to Idle
// before the next iteration begins.
type ActivityKind = protocol.ActivityKind

type ActivityState = protocol.SessionActivityState

const (
	ActivityIdle               = protocol.ActivityIdle
	ActivityWaitingForResponse = protocol.ActivityWaitingForResponse
	ActivityRateLimited        = protocol.ActivityRateLimited
	ActivityRunning            = protocol.ActivityRunning
)

func IdleState() ActivityState { return protocol.Idle() }

// activityTracker guards the mutable activity state of one
// SessionInstance and enforces the documented transition invariant:
// only Idle may transition to WaitingForResponse.
type activityTracker struct {
	mu    sync.RWMutex
	state ActivityState
}

func newActivityTracker() *activityTracker {
	return &activityTracker{state: IdleState()}
}

func (t *activityTracker) Get() ActivityState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// BeginWaiting transitions Idle -> WaitingForResponse. Returns false
// without mutating state if the current state is not Idle: this is the
// hook callers use to decide between spawning a new agent task and
// queueing a pending message.
func (t *activityTracker) BeginWaiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.CanTransitionToWaiting() {
		return false
	}
	t.state = protocol.WaitingForResponse()
	return true
}

func (t *activityTracker) SetRunning(toolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = protocol.Running(toolID)
}

func (t *activityTracker) SetRateLimited(untilUnix int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = protocol.RateLimited(untilUnix)
}

// Reset returns the tracker to Idle. Every iteration path (completion,
// cancellation, persistent failure) ends here.
func (t *activityTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = IdleState()
}

func (t *activityTracker) IsIdle() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Kind == ActivityIdle
}
