package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/internal/ui"
	"github.com/forgecode/forge/pkg/protocol"
)

// MultiSessionManager exclusively owns a map of SessionInstance values
// and the Service used to load/persist the ChatSession each instance
// wraps. Exactly one session may be "active" (UI-connected) at a time;
// any number may be "running" (agent task alive).
type MultiSessionManager struct {
	service *Service

	mu        sync.Mutex
	instances map[string]*SessionInstance
	activeID  string

	idleCond *sync.Cond
}

// NewMultiSessionManager creates a manager backed by svc. svc must
// already have a Processor configured (NewServiceWithProcessor) for
// StartAgentForMessage to do anything beyond persisting the user turn.
func NewMultiSessionManager(svc *Service) *MultiSessionManager {
	m := &MultiSessionManager{
		service:   svc,
		instances: make(map[string]*SessionInstance),
	}
	m.idleCond = sync.NewCond(&m.mu)

	if proc := svc.GetProcessor(); proc != nil {
		proc.SetFragmentHook(func(sessionID string, f fragment.Fragment) {
			m.instanceFor(sessionID).RecordFragment(f)
		})
		proc.OnStatus = func(sessionID string, st protocol.StatusInfo) {
			m.routeStatus(sessionID, st)
		}
	}
	return m
}

// routeStatus maps provider status signals onto the session's activity
// state machine and the connected UI's rate-limit indicators. Status is
// ephemeral: it never enters the fragment buffer or persistence.
func (m *MultiSessionManager) routeStatus(sessionID string, st protocol.StatusInfo) {
	inst := m.instanceFor(sessionID)
	connected := inst.ConnectedUI()

	switch st.Kind {
	case protocol.StatusRateLimitWait:
		inst.activity.SetRateLimited(time.Now().Unix() + int64(st.RemainingSeconds))
		if connected != nil {
			connected.NotifyRateLimit(st.RemainingSeconds)
		}
	case protocol.StatusRequestSent:
		// Waiting for first token; activity already WaitingForResponse
		// or Running, nothing to change.
	case protocol.StatusRequestComplete:
		inst.activity.SetRunning("")
		if connected != nil {
			connected.ClearRateLimit()
		}
	case protocol.StatusConnectionIssue, protocol.StatusMessage:
		if connected != nil {
			connected.SendEvent(ui.UIEvent{Kind: string(st.Kind), Data: st})
		}
	}
}

// ConnectUI makes id the active (UI-connected) session and subscribes u
// to its fragment stream, detaching whatever session was active before.
// Switching sessions is just re-subscription: no agent state moves.
func (m *MultiSessionManager) ConnectUI(id string, u ui.UserInterface) {
	m.mu.Lock()
	prev := m.activeID
	m.activeID = id
	prevInst := m.instances[prev]
	m.mu.Unlock()

	if prevInst != nil && prev != id {
		prevInst.DisconnectUI()
	}
	m.instanceFor(id).ConnectUI(u)
}

// Service returns the Service backing this manager, for adapters that
// need direct message/part access (e.g. replaying history on load).
func (m *MultiSessionManager) Service() *Service {
	return m.service
}

// Create persists a new ChatSession with the default (native) tool
// syntax and creates its SessionInstance.
func (m *MultiSessionManager) Create(ctx context.Context, directory, title string) (*protocol.ChatSession, error) {
	return m.CreateWithOptions(ctx, CreateOptions{Directory: directory, Title: title})
}

// CreateWithOptions persists a new ChatSession from opts and creates
// its SessionInstance.
func (m *MultiSessionManager) CreateWithOptions(ctx context.Context, opts CreateOptions) (*protocol.ChatSession, error) {
	sess, err := m.service.CreateSession(ctx, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[sess.ID] = newSessionInstance(sess.ID)
	m.mu.Unlock()

	return sess, nil
}

// Load returns the persisted ChatSession for id, creating its
// in-memory SessionInstance on first access if needed.
func (m *MultiSessionManager) Load(ctx context.Context, id string) (*protocol.ChatSession, error) {
	sess, err := m.service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.instanceFor(id)
	return sess, nil
}

// List returns session metadata for directory (or all sessions if
// directory is empty).
func (m *MultiSessionManager) List(ctx context.Context, directory string) ([]*protocol.ChatSession, error) {
	return m.service.List(ctx, directory)
}

// Delete removes a session's persisted state and in-memory instance.
func (m *MultiSessionManager) Delete(ctx context.Context, id string) error {
	if err := m.service.Delete(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.instances, id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()
	return nil
}

// SetActive marks id as the sole UI-connected session, disconnecting
// whichever session was previously active. Passing "" disconnects
// without connecting a new one.
func (m *MultiSessionManager) SetActive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeID = id
}

// ActiveID returns the currently UI-connected session id, or "" if
// none is connected.
func (m *MultiSessionManager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Instance returns the SessionInstance for id if one has been
// created (via Create, Load, or StartAgentForMessage).
func (m *MultiSessionManager) Instance(id string) (*SessionInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (m *MultiSessionManager) instanceFor(id string) *SessionInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		inst = newSessionInstance(id)
		m.instances[id] = inst
	}
	return inst
}

// StartAgentForMessage is idempotent per session: if an agent task is
// already running in session id, content is queued as a pending
// message on the instance and this call returns immediately. Otherwise
// a new agent task is spawned bound to id and runs until Idle,
// draining any pending message queued while it ran before returning.
// An error from the underlying processor ends the agent task; it is
// returned neither by this call nor by WaitForCompletion. This call
// never blocks on the agent loop itself.
func (m *MultiSessionManager) StartAgentForMessage(
	ctx context.Context,
	id string,
	content string,
	model *protocol.ModelRef,
	onUpdate func(msg *protocol.Message, parts []protocol.Part),
) error {
	inst := m.instanceFor(id)

	if !inst.activity.BeginWaiting() {
		inst.AppendPending(content)
		m.service.SetPendingMessage(ctx, id, inst.PeekPending())
		return nil
	}

	inst.setRunning(true)

	go m.runAgentLoop(ctx, id, inst, content, model, onUpdate)
	return nil
}

// runAgentLoop drives ProcessMessage for the initial content, then
// keeps draining any pending message queued while it ran, until no
// pending message remains and the turn truly terminates. Every path
// out of this function leaves the instance Idle.
func (m *MultiSessionManager) runAgentLoop(
	ctx context.Context,
	id string,
	inst *SessionInstance,
	content string,
	model *protocol.ModelRef,
	onUpdate func(msg *protocol.Message, parts []protocol.Part),
) {
	defer func() {
		inst.setRunning(false)
		m.mu.Lock()
		m.idleCond.Broadcast()
		m.mu.Unlock()
	}()

	next := content
	for next != "" {
		sess, err := m.service.Get(ctx, id)
		if err != nil {
			return
		}

		inst.activity.SetRunning("")
		_, _, err = m.service.ProcessMessage(ctx, sess, next, model, func(msg *protocol.Message, parts []protocol.Part) {
			// Fragments reach the instance through the processor's
			// fragment hook; this callback only feeds protocol adapters
			// that want the part-level view.
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})
		if err != nil {
			return
		}

		next = inst.TakePending()
		if next != "" {
			m.service.SetPendingMessage(ctx, id, "")
		}
	}
}

// WaitForCompletion blocks until session id's agent task returns to
// Idle, or ctx is cancelled.
func (m *MultiSessionManager) WaitForCompletion(ctx context.Context, id string) error {
	inst, ok := m.Instance(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		for inst.IsRunning() {
			m.idleCond.Wait()
		}
		m.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel dispatches cancellation to session id's current agent task,
// if one is running.
func (m *MultiSessionManager) Cancel(ctx context.Context, id string) error {
	return m.service.Abort(ctx, id)
}
