package headless

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/internal/ui"
)

// FragmentUI is the line-based ui.UserInterface for headless and
// terminal runs: fragments render as plain text, tool events as terse
// one-liners. It is the concrete renderer the session manager connects
// to the active session; the agent itself only ever sees the interface.
type FragmentUI struct {
	mu    sync.Mutex
	w     io.Writer
	in    *bufio.Reader
	quiet bool

	// openTools maps tool id -> name so ToolEnd can print what finished.
	openTools map[string]string

	rateLimited bool
}

// NewFragmentUI writes fragments to w and reads user input from r.
// r may be nil for fire-and-forget runs; GetInput then fails.
func NewFragmentUI(w io.Writer, r io.Reader, quiet bool) *FragmentUI {
	u := &FragmentUI{w: w, quiet: quiet, openTools: make(map[string]string)}
	if r != nil {
		u.in = bufio.NewReader(r)
	}
	return u
}

func (u *FragmentUI) DisplayFragment(f fragment.Fragment) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var err error
	switch v := f.(type) {
	case fragment.PlainText:
		_, err = io.WriteString(u.w, v.Text)
	case fragment.ThinkingText:
		if !u.quiet {
			_, err = io.WriteString(u.w, v.Text)
		}
	case fragment.ToolName:
		u.openTools[v.ID] = v.Name
		_, err = fmt.Fprintf(u.w, "\n[%s]", v.Name)
	case fragment.ToolParameter:
		if !u.quiet {
			_, err = fmt.Fprintf(u.w, " %s=%s", v.Name, truncateOutput(v.Value, 120))
		}
	case fragment.ToolEnd:
		name := u.openTools[v.ID]
		delete(u.openTools, v.ID)
		_, err = fmt.Fprintf(u.w, " <- %s done\n", name)
	case fragment.Status:
		if !u.quiet && v.Text != "" {
			_, err = fmt.Fprintf(u.w, "\n(%s)\n", v.Text)
		}
	}
	if err != nil {
		return ui.NewUIError("display_fragment", err)
	}
	return nil
}

func (u *FragmentUI) SendEvent(e ui.UIEvent) error {
	if u.quiet {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := fmt.Fprintf(u.w, "\n(%s)\n", e.Kind); err != nil {
		return ui.NewUIError("send_event", err)
	}
	return nil
}

func (u *FragmentUI) BeginLLMRequest() (string, error) {
	return uuid.NewString(), nil
}

func (u *FragmentUI) EndLLMRequest(requestID string, cancelled bool) error {
	if cancelled && !u.quiet {
		u.mu.Lock()
		defer u.mu.Unlock()
		if _, err := fmt.Fprintln(u.w, "\n(request cancelled)"); err != nil {
			return ui.NewUIError("end_llm_request", err)
		}
	}
	return nil
}

func (u *FragmentUI) UpdateToolStatus(toolID string, status ui.ToolStatus) error {
	return nil
}

func (u *FragmentUI) GetInput(ctx context.Context) (string, error) {
	if u.in == nil {
		return "", ui.NewUIError("get_input", ui.ErrDisconnected)
	}

	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := u.in.ReadString('\n')
		ch <- lineResult{line, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", ui.NewUIError("get_input", res.err)
		}
		return res.line, nil
	case <-ctx.Done():
		return "", ui.NewUIError("get_input", ctx.Err())
	}
}

func (u *FragmentUI) NotifyRateLimit(seconds int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rateLimited = true
	if u.quiet {
		return nil
	}
	if _, err := fmt.Fprintf(u.w, "\n(rate limited, retrying in %ds)\n", seconds); err != nil {
		return ui.NewUIError("notify_rate_limit", err)
	}
	return nil
}

func (u *FragmentUI) ClearRateLimit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rateLimited = false
	return nil
}

var _ ui.UserInterface = (*FragmentUI)(nil)
