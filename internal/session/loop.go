package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/forgecode/forge/internal/event"
	"github.com/forgecode/forge/internal/provider"
	"github.com/forgecode/forge/internal/resourcetracker"
	"github.com/forgecode/forge/internal/smartfilter"
	"github.com/forgecode/forge/internal/streamparser"
	"github.com/forgecode/forge/pkg/protocol"
)

const (
	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the threshold for triggering context compaction.
	MaxContextTokens = 150000
)

// newRetryBackoff creates an exponential backoff with jitter for API
// retries, bounded by MaxRetries and cancelled with ctx.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// runLoop executes the agentic loop.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	state.session = session
	state.syntax = session.ToolSyntax
	if state.syntax == "" {
		state.syntax = protocol.ToolSyntaxNative
	}
	state.parser = streamparser.New(state.syntax)
	state.filter = smartfilter.New(session.Project, &session.WorkingMemory, p.staleTracker)

	// Load messages
	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	providerID, modelID := p.resolveModelBinding(session, lastMsg)

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}

	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	// Create assistant message
	now := time.Now().UnixMilli()
	assistantMsg := &protocol.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		Time: protocol.MessageTime{
			Created: now,
		},
	}
	state.message = assistantMsg

	if err := p.storage.Put(ctx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	callback(assistantMsg, nil)

	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: assistantMsg},
	})

	// Title generation runs off the turn's critical path.
	if userParts, err := p.loadParts(ctx, lastMsg.ID); err == nil {
		var sb strings.Builder
		for _, pt := range userParts {
			if tp, ok := pt.(*protocol.TextPart); ok {
				sb.WriteString(tp.Text)
			}
		}
		if sb.Len() > 0 {
			go p.ensureTitle(ctx, session, sb.String())
		}
	}

	if agent == nil {
		agent = DefaultAgent()
	}

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	step := 0
	retryBackoff := newRetryBackoff(ctx)

	for {
		select {
		case <-ctx.Done():
			p.discardAssistantMessage(sessionID, state)
			return ctx.Err()
		default:
		}

		if step >= maxSteps {
			assistantMsg.Error = &protocol.MessageError{
				Type:    "max_steps",
				Message: "Maximum steps reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return fmt.Errorf("max steps exceeded")
		}

		// Compact history when the context window fills up.
		if p.shouldCompact(messages) {
			if err := p.compactMessages(ctx, sessionID, messages); err == nil {
				messages, _ = p.loadMessages(ctx, sessionID)
			}
		}

		// Per-iteration streaming state: parser state and the filter's
		// seen-this-turn sets never leak across iterations.
		state.parser.Reset()
		state.filter.ResetTurn()
		state.violation = nil

		req, err := p.buildCompletionRequest(ctx, sessionID, messages, state, agent, model, state.syntax)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		p.status(sessionID, protocol.StatusInfo{Kind: protocol.StatusRequestSent})

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			if retryErr := p.waitBeforeRetry(ctx, sessionID, retryBackoff, err); retryErr != nil {
				assistantMsg.Error = &protocol.MessageError{
					Type:    "api",
					Message: err.Error(),
				}
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			continue
		}

		finishReason, err := p.processStream(ctx, stream, state, callback)
		stream.Close()

		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-stream: the in-flight turn is discarded,
				// everything committed before it stays untouched.
				p.discardAssistantMessage(sessionID, state)
				return ctx.Err()
			}
			if retryErr := p.waitBeforeRetry(ctx, sessionID, retryBackoff, err); retryErr != nil {
				assistantMsg.Error = &protocol.MessageError{
					Type:    "api",
					Message: err.Error(),
				}
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			continue
		}

		p.status(sessionID, protocol.StatusInfo{Kind: protocol.StatusRequestComplete})
		retryBackoff.Reset()

		switch finishReason {
		case "stop", "end_turn":
			finish := "stop"
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "tool-calls", "tool_use", "tool_calls":
			// Execute tools and continue the loop. A tool failure (or a
			// smart-filter truncation, already recorded as a failed tool
			// part) does not stop the loop; the model sees the error on
			// the next iteration.
			p.executeToolCalls(ctx, state, agent, callback)
			step++
			continue

		case "max_tokens", "length":
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = &protocol.MessageError{
				Type:    "output_length",
				Message: "Output length limit reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "error":
			if retryErr := p.waitBeforeRetry(ctx, sessionID, retryBackoff, fmt.Errorf("stream error")); retryErr != nil {
				return fmt.Errorf("stream error: max retries exceeded")
			}
			continue

		default:
			assistantMsg.Finish = &finishReason
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil
		}
	}
}

// resolveModelBinding picks the provider/model for this turn: the
// session's persisted model display name wins, then the user message's
// explicit override, then process defaults.
func (p *Processor) resolveModelBinding(session *protocol.ChatSession, lastMsg *protocol.Message) (string, string) {
	if session.ModelName != "" {
		if m, err := p.providerRegistry.FindModelByName(session.ModelName); err == nil {
			return m.ProviderID, m.ID
		}
	}
	if lastMsg.Model != nil {
		return lastMsg.Model.ProviderID, lastMsg.Model.ModelID
	}
	return p.defaultProviderID, p.defaultModelID
}

// waitBeforeRetry classifies err, surfaces the matching status signal,
// and sleeps the backoff interval. A non-nil return means retries are
// exhausted.
func (p *Processor) waitBeforeRetry(ctx context.Context, sessionID string, b backoff.BackOff, err error) error {
	next := b.NextBackOff()
	if next == backoff.Stop {
		p.status(sessionID, protocol.StatusInfo{
			Kind:  protocol.StatusMessage,
			Level: "error",
			Text:  err.Error(),
		})
		return err
	}

	if isRateLimitError(err) {
		p.status(sessionID, protocol.StatusInfo{
			Kind:             protocol.StatusRateLimitWait,
			RemainingSeconds: int(next / time.Second),
		})
	} else {
		p.status(sessionID, protocol.StatusInfo{
			Kind:         protocol.StatusConnectionIssue,
			RetryAttempt: 1,
			RetryMax:     MaxRetries,
		})
	}

	select {
	case <-time.After(next):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Processor) status(sessionID string, st protocol.StatusInfo) {
	if p.OnStatus != nil {
		p.OnStatus(sessionID, st)
	}
}

// discardAssistantMessage removes a cancelled turn's in-progress
// assistant message and its parts from storage, leaving the history
// exactly as it was before the turn began. Runs on a background
// context because the turn's own context is already cancelled.
func (p *Processor) discardAssistantMessage(sessionID string, state *sessionState) {
	ctx := context.Background()
	for _, part := range state.parts {
		p.storage.Delete(ctx, []string{"part", state.message.ID, part.PartID()})
	}
	p.storage.Delete(ctx, []string{"message", sessionID, state.message.ID})

	event.Publish(event.Event{
		Type: event.MessageRemoved,
		Data: event.MessageRemovedData{SessionID: sessionID, MessageID: state.message.ID},
	})
}

// isRateLimitError recognizes provider throttling responses across the
// backends (HTTP 429 and the SDKs' textual variants).
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded")
}

// findSession finds a session by ID across all projects.
func (p *Processor) findSession(ctx context.Context, sessionID string) (*protocol.ChatSession, error) {
	projects, err := p.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session protocol.ChatSession
		if err := p.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages loads all messages for a session.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*protocol.Message, error) {
	var messages []*protocol.Message
	err := p.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// saveMessage saves an assistant message.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *protocol.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := p.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})

	return nil
}

// savePart saves a part for a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part protocol.Part) error {
	return p.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// shouldCompact checks if messages should be compacted.
func (p *Processor) shouldCompact(messages []*protocol.Message) bool {
	totalTokens := 0
	for _, msg := range messages {
		if msg.Tokens != nil {
			totalTokens += msg.Tokens.Input + msg.Tokens.Output
		}
	}
	return totalTokens > MaxContextTokens
}

// buildCompletionRequest builds an LLM completion request: system
// prompt, resource-deduplicated history in the session's tool syntax,
// and (for native sessions only) the structured tool manifest.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*protocol.Message,
	state *sessionState,
	agent *Agent,
	model *protocol.Model,
	syntax protocol.ToolSyntax,
) (*provider.CompletionRequest, error) {
	currentMsg := state.message
	session, _ := p.findSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, agent, currentMsg.ProviderID, currentMsg.ModelID)

	system := systemPrompt.Build()
	if syntax != protocol.ToolSyntaxNative {
		specs := p.toolRegistry.SpecsForMode(agent.Mode())
		system += "\n\n" + streamparser.DescribeTools(syntax, filterSpecs(specs, agent))
	}

	einoMessages := []*schema.Message{{
		Role:    schema.System,
		Content: system,
	}}

	// Load parts for every message up front so the dedup pass can see
	// the whole history before any of it is serialized.
	partsByMsg := make(map[string][]protocol.Part, len(messages))
	var usable []*protocol.Message
	for _, msg := range messages {
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil || (msg.Error != nil && len(parts) == 0) {
			continue
		}
		partsByMsg[msg.ID] = parts
		usable = append(usable, msg)
	}

	// The in-progress assistant message accumulates this turn's prior
	// iterations (tool calls and their results); later iterations must
	// see them even though the message postdates the history load.
	if len(state.parts) > 0 {
		partsByMsg[currentMsg.ID] = state.parts
		usable = append(usable, currentMsg)
	}

	project := ""
	if session != nil {
		project = session.Project
	}
	overrides := dedupResourceOutputs(project, usable, partsByMsg)

	for _, msg := range usable {
		einoMessages = append(einoMessages, p.convertMessage(msg, partsByMsg[msg.ID], syntax, overrides)...)
	}

	// Native sessions get the structured tool manifest; xml/caret
	// sessions carry the catalog in the system prompt instead.
	var tools []*schema.ToolInfo
	if syntax == protocol.ToolSyntaxNative {
		var err error
		tools, err = p.resolveTools(agent, model)
		if err != nil {
			return nil, err
		}
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}, nil
}

// dedupResourceOutputs walks the history newest-first and decides, per
// tool part that embedded a resource (file content keyed by
// project/path/content-hash), whether its output is rendered in full or
// replaced with a placeholder pointing at the newest occurrence. The
// tracker is rebuilt on every serialization pass, so the newest
// occurrence is always the canonical one.
func dedupResourceOutputs(
	project string,
	messages []*protocol.Message,
	partsByMsg map[string][]protocol.Part,
) map[*protocol.ToolPart]string {
	tracker := resourcetracker.New()
	overrides := make(map[*protocol.ToolPart]string)

	for mi := len(messages) - 1; mi >= 0; mi-- {
		parts := partsByMsg[messages[mi].ID]
		for pi := len(parts) - 1; pi >= 0; pi-- {
			tp, ok := parts[pi].(*protocol.ToolPart)
			if !ok || tp.State.Status != "completed" || tp.State.Metadata == nil {
				continue
			}
			hash, _ := tp.State.Metadata["contentHash"].(string)
			if hash == "" {
				continue
			}

			var key resourcetracker.ResourceKey
			if file, _ := tp.State.Metadata["file"].(string); file != "" {
				key = resourcetracker.FileResourceKey(project, file, hash)
			} else if url, _ := tp.State.Metadata["url"].(string); url != "" {
				key = resourcetracker.URLResourceKey(url, hash)
			} else {
				continue
			}

			if !tracker.RenderOrPlaceholder(key) {
				overrides[tp] = resourcetracker.Placeholder(key)
			}
		}
	}
	return overrides
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]protocol.Part, error) {
	var parts []protocol.Part
	err := p.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := protocol.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// convertMessage converts one persisted message (with its parts) to the
// schema.Message sequence the provider expects. An assistant message
// with executed tools expands to the assistant turn plus one tool-result
// message per execution; xml/caret sessions fold both directions into
// plain text instead, matching what the model actually emitted.
func (p *Processor) convertMessage(
	msg *protocol.Message,
	parts []protocol.Part,
	syntax protocol.ToolSyntax,
	overrides map[*protocol.ToolPart]string,
) []*schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	var content strings.Builder
	var toolCalls []schema.ToolCall
	var results []*schema.Message

	for _, part := range parts {
		switch pt := part.(type) {
		case *protocol.TextPart:
			content.WriteString(pt.Text)
		case *protocol.ToolPart:
			if msg.Role != "assistant" {
				continue
			}
			output := pt.State.Output
			if o, ok := overrides[pt]; ok {
				output = o
			}

			if syntax == protocol.ToolSyntaxNative {
				inputJSON, _ := json.Marshal(pt.State.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.CallID,
					Function: schema.FunctionCall{
						Name:      pt.Tool,
						Arguments: string(inputJSON),
					},
				})
				switch pt.State.Status {
				case "completed":
					results = append(results, &schema.Message{
						Role:       schema.Tool,
						ToolCallID: pt.CallID,
						Content:    output,
					})
				case "error":
					results = append(results, &schema.Message{
						Role:       schema.Tool,
						ToolCallID: pt.CallID,
						Content:    "Error: " + pt.State.Error,
					})
				}
			} else {
				inputJSON, _ := json.Marshal(pt.State.Input)
				content.WriteString(streamparser.WireForm(syntax, protocol.ToolUseBlock{
					ID:    pt.CallID,
					Name:  pt.Tool,
					Input: inputJSON,
				}))
				switch pt.State.Status {
				case "completed":
					results = append(results, &schema.Message{
						Role:    schema.User,
						Content: fmt.Sprintf("Result of %s:\n%s", pt.Tool, output),
					})
				case "error":
					results = append(results, &schema.Message{
						Role:    schema.User,
						Content: fmt.Sprintf("Error from %s: %s", pt.Tool, pt.State.Error),
					})
				}
			}
		}
	}

	out := []*schema.Message{{
		Role:      role,
		Content:   content.String(),
		ToolCalls: toolCalls,
	}}
	return append(out, results...)
}

// filterSpecs narrows a spec listing to the tools the agent has enabled.
func filterSpecs(specs []protocol.ToolSpec, agent *Agent) []protocol.ToolSpec {
	if agent == nil {
		return specs
	}
	out := specs[:0]
	for _, s := range specs {
		if agent.ToolEnabled(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

// resolveTools returns the native tool manifest for the agent: the
// registry slice for the agent's tool mode, narrowed by its per-tool
// enablement.
func (p *Processor) resolveTools(agent *Agent, model *protocol.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	var result []*schema.ToolInfo
	for _, spec := range p.toolRegistry.SpecsForMode(agent.Mode()) {
		if !agent.ToolEnabled(spec.Name) {
			continue
		}

		params := parseJSONSchemaToParams(spec.ParametersSchema)
		result = append(result, &schema.ToolInfo{
			Name:        spec.Name,
			Desc:        spec.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	return result, nil
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// generatePartID generates a new ULID for parts.
func generatePartID() string {
	return ulid.Make().String()
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}
