// Package ui defines the UserInterface capability set the agent runner
// consumes. Concrete renderers (a terminal, a GUI, a protocol adapter
// shim) implement this interface; the core never depends on concrete
// rendering, only on fragment order.
package ui

import (
	"context"
	"errors"

	"github.com/forgecode/forge/internal/fragment"
)

// UIError is the single error type every UserInterface method may
// return.
type UIError struct {
	Op  string
	Err error
}

func (e *UIError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *UIError) Unwrap() error { return e.Err }

func NewUIError(op string, err error) *UIError { return &UIError{Op: op, Err: err} }

var ErrDisconnected = errors.New("ui: disconnected")

// UIEvent is an out-of-band notification not carried by the fragment
// stream (connection state, title changes, etc).
type UIEvent struct {
	Kind string
	Data any
}

// ToolStatus is a coarse progress label for a single tool invocation,
// independent of the fragment stream (used for spinners/progress bars).
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusDone    ToolStatus = "done"
	ToolStatusError   ToolStatus = "error"
)

// UserInterface is the capability set consumed by the agent runner.
// All methods are failable with a single UIError. The agent never
// depends on concrete rendering; fragment order is the only contract.
type UserInterface interface {
	DisplayFragment(f fragment.Fragment) error
	SendEvent(e UIEvent) error
	BeginLLMRequest() (requestID string, err error)
	EndLLMRequest(requestID string, cancelled bool) error
	UpdateToolStatus(toolID string, status ToolStatus) error
	// GetInput blocks (or suspends, for cooperative-task UIs) until the
	// next user input is available, or ctx is cancelled.
	GetInput(ctx context.Context) (string, error)
	NotifyRateLimit(seconds int) error
	ClearRateLimit() error
}
