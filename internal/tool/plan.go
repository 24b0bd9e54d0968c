package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/forgecode/forge/internal/event"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/pkg/protocol"
)

const planDescription = `Records or updates the session's working-memory plan: a short ordered
list of the steps the agent intends to take for the current task, distinct
from todowrite's granular progress tracking. Call this once near the start
of a multi-step task to lay out the approach, and again whenever the
approach changes materially.

Replaces the entire stored plan with the steps given; it does not merge.`

// PlanTool persists a session's plan into working memory. Grounded on
// TodoWriteTool's storage-key pattern (internal/tool/todowrite.go),
// reusing protocol.PlanStep instead of protocol.TodoInfo to keep the two
// concerns (plan vs. granular todo progress) separately addressable.
type PlanTool struct {
	workDir string
	storage *storage.Storage
}

// PlanInput is the input for the plan tool.
type PlanInput struct {
	Steps []protocol.PlanStep `json:"steps"`
}

// NewPlanTool creates a new plan tool.
func NewPlanTool(workDir string, store *storage.Storage) *PlanTool {
	return &PlanTool{workDir: workDir, storage: store}
}

func (t *PlanTool) ID() string          { return "plan" }
func (t *PlanTool) Description() string { return planDescription }

func (t *PlanTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"steps": {
				"type": "array",
				"description": "The complete ordered plan, replacing any previously recorded plan",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string", "description": "Stable identifier for the step"},
						"text": {"type": "string", "description": "What the step accomplishes"},
						"status": {"type": "string", "description": "pending, in_progress, or done"}
					},
					"required": ["id", "text", "status"]
				}
			}
		},
		"required": ["steps"]
	}`)
}

func (t *PlanTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params PlanInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if err := t.storage.Put(ctx, []string{"plan", toolCtx.SessionID}, params.Steps); err != nil {
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}

	event.Publish(event.Event{
		Type: event.TodoUpdated,
		Data: map[string]any{
			"sessionID": toolCtx.SessionID,
			"plan":      params.Steps,
		},
	})

	remaining := 0
	for _, s := range params.Steps {
		if s.Status != "done" {
			remaining++
		}
	}

	output, _ := json.MarshalIndent(params.Steps, "", "  ")
	return &Result{
		Title:  fmt.Sprintf("%d step plan (%d remaining)", len(params.Steps), remaining),
		Output: string(output),
		Metadata: map[string]any{
			"plan": params.Steps,
		},
	}, nil
}

func (t *PlanTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
