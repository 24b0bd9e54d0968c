package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/forgecode/forge/internal/event"
	"github.com/forgecode/forge/internal/fragment"
	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/provider"
	"github.com/forgecode/forge/internal/smartfilter"
	"github.com/forgecode/forge/pkg/protocol"
)

// processStream consumes one LLM response stream. Every provider chunk
// is converted to the provider-agnostic StreamingChunk vocabulary, run
// through the session's stream parser, and the resulting fragments
// drive part assembly, the smart filter, and the UI callback. The
// parser is what gives xml/caret sessions their tool recognition; for
// native sessions it reconstructs the same fragment sequence from the
// provider's structured tool blocks.
func (p *Processor) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *sessionState,
	callback ProcessCallback,
) (string, error) {
	asm := newStreamAssembler(p, ctx, state, callback)
	conv := newEinoConverter(state.syntax)
	var finishReason string

	// Step boundary marker, used by the UI to delimit one inference pass.
	stepStartPart := &protocol.StepStartPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-start",
	}
	state.parts = append(state.parts, stepStartPart)
	p.savePart(ctx, state.message.ID, stepStartPart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepStartPart},
	})
	callback(state.message, state.parts)

	chunkCount := 0

recv:
	for {
		select {
		case <-ctx.Done():
			return "error", ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			logging.Debug().Int("chunks", chunkCount).Msg("stream: received EOF")
			break
		}
		if err != nil {
			logging.Debug().Err(err).Msg("stream: error receiving chunk")
			return "error", err
		}
		chunkCount++

		for _, chunk := range conv.convert(msg) {
			for _, frag := range state.parser.Process(chunk) {
				asm.apply(frag, conv)
				if v := state.filter.Observe(frag); v != nil {
					state.violation = v
					asm.truncate(v)
					break recv
				}
			}
		}

		if msg.ResponseMeta != nil {
			if state.message.Tokens == nil {
				state.message.Tokens = &protocol.TokenUsage{}
			}
			if msg.ResponseMeta.Usage != nil {
				state.message.Tokens.Input = msg.ResponseMeta.Usage.PromptTokens
				state.message.Tokens.Output = msg.ResponseMeta.Usage.CompletionTokens
			}
			if msg.ResponseMeta.FinishReason != "" {
				finishReason = msg.ResponseMeta.FinishReason
			}
		}
	}

	// Close any tool block the provider left open at EOF so the parser
	// emits its ToolEnd and the assembler finalizes the part.
	if state.violation == nil {
		for _, chunk := range conv.flush() {
			for _, frag := range state.parser.Process(chunk) {
				asm.apply(frag, conv)
				if v := state.filter.Observe(frag); v != nil {
					state.violation = v
					asm.truncate(v)
					break
				}
			}
		}
	}

	asm.finalize()

	if finishReason == "" || state.violation != nil {
		if asm.sawTool {
			finishReason = "tool-calls"
		} else {
			finishReason = "stop"
		}
	}
	if finishReason == "tool_use" {
		finishReason = "tool-calls"
	}

	stepFinishPart := &protocol.StepFinishPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-finish",
		Reason:    finishReason,
		Cost:      state.message.Cost,
		Tokens:    state.message.Tokens,
	}
	state.parts = append(state.parts, stepFinishPart)
	p.savePart(ctx, state.message.ID, stepFinishPart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepFinishPart},
	})
	callback(state.message, state.parts)

	logging.Debug().
		Str("reason", finishReason).Int("parts", len(state.parts)).Interface("tokens", state.message.Tokens).
		Msg("stream: finished")

	return finishReason, nil
}

// einoConverter turns Eino schema.Message deltas into StreamingChunks.
// It also remembers the provider-assigned tool call ids in order of
// first appearance so the assembler can bind them to the parser's
// sequential fragment ids.
type einoConverter struct {
	syntax protocol.ToolSyntax

	accumulatedText      string
	accumulatedReasoning string

	openToolKey string
	seenTools   map[string]bool
	callIDs     []string // provider call ids, first-appearance order
	nextCallID  int
}

func newEinoConverter(syntax protocol.ToolSyntax) *einoConverter {
	return &einoConverter{syntax: syntax, seenTools: make(map[string]bool)}
}

func (c *einoConverter) convert(msg *schema.Message) []protocol.StreamingChunk {
	var chunks []protocol.StreamingChunk

	if msg.Content != "" {
		// Some backends stream deltas, others stream the accumulated
		// text so far; normalize both to deltas.
		delta := msg.Content
		if c.accumulatedText != "" && strings.HasPrefix(msg.Content, c.accumulatedText) {
			delta = msg.Content[len(c.accumulatedText):]
			c.accumulatedText = msg.Content
		} else {
			c.accumulatedText += msg.Content
		}
		if delta != "" {
			chunks = append(chunks, protocol.ChunkOfText(delta))
		}
	}

	if msg.ReasoningContent != "" {
		delta := msg.ReasoningContent
		if c.accumulatedReasoning != "" && strings.HasPrefix(msg.ReasoningContent, c.accumulatedReasoning) {
			delta = msg.ReasoningContent[len(c.accumulatedReasoning):]
			c.accumulatedReasoning = msg.ReasoningContent
		} else {
			c.accumulatedReasoning += msg.ReasoningContent
		}
		if delta != "" {
			chunks = append(chunks, protocol.ChunkOfThinking(delta))
		}
	}

	// Native tool-call deltas. xml/caret sessions never receive these
	// (no tool manifest is sent), so no special-casing is needed.
	for _, tc := range msg.ToolCalls {
		key := toolLookupKey(tc)
		if key == "" {
			continue
		}

		if !c.seenTools[key] && tc.ID != "" && tc.Function.Name != "" {
			if c.openToolKey != "" && c.openToolKey != key {
				chunks = append(chunks, protocol.ChunkOfInputJSON(protocol.InputJSON{
					ToolID: c.openToolKey,
					Done:   true,
				}))
			}
			c.seenTools[key] = true
			c.openToolKey = key
			c.callIDs = append(c.callIDs, tc.ID)
			chunks = append(chunks, protocol.ChunkOfInputJSON(protocol.InputJSON{
				ToolID:   key,
				ToolName: tc.Function.Name,
			}))
		}

		if tc.Function.Arguments != "" {
			target := key
			if !c.seenTools[key] {
				// Delta with no preceding start event: attribute it to
				// the tool currently streaming.
				target = c.openToolKey
			}
			if target != "" {
				chunks = append(chunks, protocol.ChunkOfInputJSON(protocol.InputJSON{
					ToolID:  target,
					Content: tc.Function.Arguments,
				}))
			}
		}
	}

	return chunks
}

// flush closes the tool block still streaming when the provider ended
// the response.
func (c *einoConverter) flush() []protocol.StreamingChunk {
	if c.openToolKey == "" {
		return nil
	}
	key := c.openToolKey
	c.openToolKey = ""
	return []protocol.StreamingChunk{
		protocol.ChunkOfInputJSON(protocol.InputJSON{ToolID: key, Done: true}),
	}
}

// takeCallID hands out the next provider call id in first-appearance
// order, or "" when the tool came from an xml/caret text block and has
// no provider id.
func (c *einoConverter) takeCallID() string {
	if c.nextCallID >= len(c.callIDs) {
		return ""
	}
	id := c.callIDs[c.nextCallID]
	c.nextCallID++
	return id
}

func toolLookupKey(tc schema.ToolCall) string {
	if tc.Index != nil {
		return fmt.Sprintf("idx:%d", *tc.Index)
	}
	return tc.ID
}

// streamAssembler folds the fragment stream into protocol.Part values
// on the in-progress assistant message, publishing UI events as it
// goes. One assembler lives for one inference pass.
type streamAssembler struct {
	p        *Processor
	ctx      context.Context
	state    *sessionState
	callback ProcessCallback

	textPart      *protocol.TextPart
	reasoningPart *protocol.ReasoningPart

	tools      map[string]*protocol.ToolPart // fragment tool id -> part
	rawParams  map[string]map[string]string
	openTools  []string
	sawTool    bool

	lastEventTime time.Time
}

func newStreamAssembler(p *Processor, ctx context.Context, state *sessionState, callback ProcessCallback) *streamAssembler {
	return &streamAssembler{
		p:         p,
		ctx:       ctx,
		state:     state,
		callback:  callback,
		tools:     make(map[string]*protocol.ToolPart),
		rawParams: make(map[string]map[string]string),
	}
}

func (a *streamAssembler) apply(frag fragment.Fragment, conv *einoConverter) {
	switch v := frag.(type) {
	case fragment.PlainText:
		a.appendText(v.Text)
	case fragment.ThinkingText:
		a.appendReasoning(v.Text)
	case fragment.ToolName:
		a.openTool(v, conv)
	case fragment.ToolParameter:
		a.appendParam(v)
	case fragment.ToolEnd:
		a.closeTool(v.ID)
	case fragment.Status:
		// Ephemeral; surfaced through the status hook, never persisted.
	}
	if hook := a.p.fragmentHook; hook != nil {
		hook(a.state.message.SessionID, frag)
	}
}

func (a *streamAssembler) appendText(text string) {
	if a.textPart == nil {
		now := time.Now().UnixMilli()
		a.textPart = &protocol.TextPart{
			ID:        generatePartID(),
			SessionID: a.state.message.SessionID,
			MessageID: a.state.message.ID,
			Type:      "text",
			Time:      protocol.PartTime{Start: &now},
		}
		a.state.parts = append(a.state.parts, a.textPart)
	}
	a.textPart.Text += text

	throttledPublish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{
			Part:  a.textPart,
			Delta: text,
		},
	}, &a.lastEventTime)
	a.callback(a.state.message, a.state.parts)
}

func (a *streamAssembler) appendReasoning(text string) {
	if a.reasoningPart == nil {
		now := time.Now().UnixMilli()
		a.reasoningPart = &protocol.ReasoningPart{
			ID:        generatePartID(),
			SessionID: a.state.message.SessionID,
			MessageID: a.state.message.ID,
			Type:      "reasoning",
			Time:      protocol.PartTime{Start: &now},
		}
		a.state.parts = append(a.state.parts, a.reasoningPart)
	}
	a.reasoningPart.Text += text
	a.callback(a.state.message, a.state.parts)
}

func (a *streamAssembler) openTool(v fragment.ToolName, conv *einoConverter) {
	// Interleaved text resumes in a fresh part after the tool block.
	a.finishTextParts()

	callID := conv.takeCallID()
	if callID == "" {
		callID = "call_" + v.ID
	}

	now := time.Now().UnixMilli()
	part := &protocol.ToolPart{
		ID:        generatePartID(),
		SessionID: a.state.message.SessionID,
		MessageID: a.state.message.ID,
		Type:      "tool",
		CallID:    callID,
		Tool:      v.Name,
		State: protocol.ToolState{
			Status: "pending",
			Input:  make(map[string]any),
			Time:   &protocol.ToolTime{Start: now},
		},
	}
	a.tools[v.ID] = part
	a.rawParams[v.ID] = make(map[string]string)
	a.openTools = append(a.openTools, v.ID)
	a.sawTool = true
	a.state.parts = append(a.state.parts, part)
	a.callback(a.state.message, a.state.parts)
}

func (a *streamAssembler) appendParam(v fragment.ToolParameter) {
	part, ok := a.tools[v.ToolID]
	if !ok {
		return
	}
	params := a.rawParams[v.ToolID]
	params[v.Name] += v.Value
	part.State.Input[v.Name] = decodeParamValue(params[v.Name])

	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: part},
	})
	a.callback(a.state.message, a.state.parts)
}

func (a *streamAssembler) closeTool(id string) {
	part, ok := a.tools[id]
	if !ok {
		return
	}
	for i, open := range a.openTools {
		if open == id {
			a.openTools = append(a.openTools[:i], a.openTools[i+1:]...)
			break
		}
	}
	part.State.Status = "running"
	raw, _ := json.Marshal(part.State.Input)
	part.State.Raw = string(raw)

	a.p.savePart(a.ctx, a.state.message.ID, part)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: part},
	})
	a.callback(a.state.message, a.state.parts)
}

// truncate implements the smart filter's truncate-and-respond: the
// violating tool becomes a synthetic failure that is never executed,
// and any tool still streaming is dropped so no partial tool survives.
func (a *streamAssembler) truncate(v *smartfilter.Violation) {
	if part, ok := a.tools[v.ToolID]; ok {
		now := time.Now().UnixMilli()
		part.State.Status = "error"
		part.State.Error = v.Message
		if part.State.Time != nil {
			part.State.Time.End = &now
		}
		a.p.savePart(a.ctx, a.state.message.ID, part)
		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: part},
		})
	}

	for _, openID := range a.openTools {
		a.dropToolPart(openID)
	}
	a.openTools = nil
	a.callback(a.state.message, a.state.parts)
}

func (a *streamAssembler) dropToolPart(fragID string) {
	part, ok := a.tools[fragID]
	if !ok {
		return
	}
	delete(a.tools, fragID)
	for i, p := range a.state.parts {
		if p == protocol.Part(part) {
			a.state.parts = append(a.state.parts[:i], a.state.parts[i+1:]...)
			break
		}
	}
}

func (a *streamAssembler) finishTextParts() {
	now := time.Now().UnixMilli()
	if a.textPart != nil {
		a.textPart.Time.End = &now
		a.p.savePart(a.ctx, a.state.message.ID, a.textPart)
		a.textPart = nil
	}
	if a.reasoningPart != nil {
		a.reasoningPart.Time.End = &now
		a.p.savePart(a.ctx, a.state.message.ID, a.reasoningPart)
		a.reasoningPart = nil
	}
}

// finalize closes open text parts and drops any tool the stream ended
// on without a ToolEnd (provider cut off mid-tool): no partial tool is
// ever executed.
func (a *streamAssembler) finalize() {
	a.finishTextParts()
	for _, openID := range a.openTools {
		a.dropToolPart(openID)
	}
	a.openTools = nil
}

// decodeParamValue interprets a streamed parameter value: JSON scalars,
// arrays, and objects keep their type; anything else is the raw string.
// xml/caret values arrive as text, so "3" decodes to the number a
// tool's typed input expects.
func decodeParamValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	switch trimmed[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}

// MinEventInterval is the minimum time between streaming events, giving
// slow fragment consumers time to drain before the next update lands.
const MinEventInterval = 20 * time.Millisecond

// throttledPublish publishes an event, pacing bursts to MinEventInterval.
func throttledPublish(e event.Event, lastEventTime *time.Time) {
	if lastEventTime != nil && !lastEventTime.IsZero() {
		elapsed := time.Since(*lastEventTime)
		if elapsed < MinEventInterval {
			time.Sleep(MinEventInterval - elapsed)
		}
	}
	event.Publish(e)
	if lastEventTime != nil {
		*lastEventTime = time.Now()
	}
}
