package protocol

import "encoding/json"

// ToolExecution is a stored pair of a tool invocation and its rendered
// result. Cloning is defined via serialize->deserialize because Output
// is polymorphic; see CloneToolExecution.
type ToolExecution struct {
	ToolRequest ToolUseBlock `json:"tool_request"`
	Result      Output       `json:"result"`
}

// Output is the polymorphic result of a tool invocation. Concrete tool
// outputs implement Render (defined in package tool) in addition to
// Output; Kind identifies the concrete type for persistence so it can
// round-trip through RegisterOutputKind.
type Output interface {
	IsSuccess() bool
	Kind() string
}

// FallbackOutput is the documented degradation path: if a concrete
// Output fails to serialize, this placeholder is stored instead so
// session history remains loadable.
type FallbackOutput struct {
	ErrorText string `json:"error"`
	Success   bool   `json:"success"`
	Details   string `json:"details,omitempty"`
}

func (f FallbackOutput) IsSuccess() bool { return f.Success }
func (f FallbackOutput) Kind() string    { return "fallback" }

// outputEnvelope is the wire shape used to persist a ToolExecution's
// polymorphic Result: the concrete type name plus its raw JSON, or a
// FallbackOutput when marshaling the concrete value failed.
type outputEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON implements the documented fallback: if the concrete
// Output cannot be marshaled, a FallbackOutput placeholder is stored
// in its place so the envelope itself never fails to serialize.
func (t ToolExecution) MarshalJSON() ([]byte, error) {
	type alias struct {
		ToolRequest ToolUseBlock   `json:"tool_request"`
		Result      outputEnvelope `json:"result"`
	}

	kind := "fallback"
	if t.Result != nil {
		kind = t.Result.Kind()
	}
	payload, err := json.Marshal(t.Result)
	if err != nil {
		kind = "fallback"
		payload, _ = json.Marshal(FallbackOutput{
			ErrorText: err.Error(),
			Success:   false,
			Details:   "original output failed to serialize",
		})
	}

	return json.Marshal(alias{
		ToolRequest: t.ToolRequest,
		Result:      outputEnvelope{Kind: kind, Payload: payload},
	})
}

// UnmarshalJSON restores a ToolExecution persisted via MarshalJSON.
// Concrete output types registered with RegisterOutputKind are decoded
// to their original type; everything else decodes as FallbackOutput,
// which keeps the session loadable even if a tool type was removed.
func (t *ToolExecution) UnmarshalJSON(data []byte) error {
	type alias struct {
		ToolRequest ToolUseBlock   `json:"tool_request"`
		Result      outputEnvelope `json:"result"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	t.ToolRequest = a.ToolRequest

	if dec, ok := outputDecoders[a.Result.Kind]; ok {
		out, err := dec(a.Result.Payload)
		if err == nil {
			t.Result = out
			return nil
		}
	}
	var fb FallbackOutput
	_ = json.Unmarshal(a.Result.Payload, &fb)
	t.Result = fb
	return nil
}

type outputDecoder func(json.RawMessage) (Output, error)

var outputDecoders = map[string]outputDecoder{}

// RegisterOutputKind lets a tool package register how its concrete
// Output type round-trips through persistence. Call from an init()
// in the tool package that defines the type.
func RegisterOutputKind(kind string, dec func(json.RawMessage) (Output, error)) {
	outputDecoders[kind] = dec
}

// TextOutput is the common concrete Output for tools whose rendered
// result is a text body plus a one-line status label.
type TextOutput struct {
	Title   string         `json:"title,omitempty"`
	Body    string         `json:"body"`
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}

func (t TextOutput) IsSuccess() bool { return t.Success }
func (t TextOutput) Kind() string    { return "text" }

func init() {
	RegisterOutputKind("text", func(raw json.RawMessage) (Output, error) {
		var out TextOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// CloneToolExecution deep-copies a ToolExecution via serialize then
// deserialize, the only well-defined way to clone its polymorphic
// Result field.
func CloneToolExecution(t ToolExecution) (ToolExecution, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return ToolExecution{}, err
	}
	var clone ToolExecution
	if err := json.Unmarshal(data, &clone); err != nil {
		return ToolExecution{}, err
	}
	return clone, nil
}
