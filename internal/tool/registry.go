package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/forgecode/forge/internal/agent"
	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/pkg/protocol"
)

// allModes is the default ToolSpec.SupportedModes for a tool that does
// not implement ModeRestricted: available everywhere.
var allModes = []protocol.ToolMode{
	protocol.McpServer,
	protocol.WorkingMemoryAgent,
	protocol.MessageHistoryAgent,
}

// ModeRestricted is an optional interface a Tool implements to narrow
// its availability below allModes.
type ModeRestricted interface {
	SupportedModes() []protocol.ToolMode
}

// Registry manages tool registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	workDir  string
	storage  *storage.Storage
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		workDir: workDir,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool

	compiled, err := compileSchema(tool.ID(), tool.Parameters())
	if err != nil {
		// A tool with a malformed schema still registers (it can run), but
		// invocation will fail cleanly through Validate below rather than
		// panicking on a nil schema.
		logging.Warn().Str("tool", tool.ID()).Err(err).Msg("failed to compile tool parameter schema")
		return
	}
	r.schemas[tool.ID()] = compiled
}

// compileSchema compiles a tool's JSON-Schema parameter spec for validation.
func compileSchema(id string, params json.RawMessage) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema for %s: %w", id, err)
	}

	c := jsonschema.NewCompiler()
	resource := "tool:" + id
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource for %s: %w", id, err)
	}
	return c.Compile(resource)
}

// Validate checks input against the tool's declared JSON Schema.
// A tool with no declared schema, or one whose schema failed to compile at
// registration time, validates unconditionally.
func (r *Registry) Validate(id string, input json.RawMessage) error {
	r.mu.RLock()
	s, ok := r.schemas[id]
	r.mu.RUnlock()
	if !ok || s == nil {
		return nil
	}

	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		return err
	}
	return nil
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// Spec builds the protocol.ToolSpec for a registered tool, consulting
// ModeRestricted when the tool implements it.
func (r *Registry) Spec(id string) (protocol.ToolSpec, bool) {
	r.mu.RLock()
	t, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return protocol.ToolSpec{}, false
	}

	modes := allModes
	if mr, ok := t.(ModeRestricted); ok {
		modes = mr.SupportedModes()
	}

	return protocol.ToolSpec{
		Name:             t.ID(),
		Description:      t.Description(),
		ParametersSchema: t.Parameters(),
		SupportedModes:   modes,
	}, true
}

// SpecsForMode returns the ToolSpec of every registered tool available
// in mode, used to build provider tool manifests (native syntax) and
// the MCP adapter's tool listing.
func (r *Registry) SpecsForMode(mode protocol.ToolMode) []protocol.ToolSpec {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var specs []protocol.ToolSpec
	for _, id := range ids {
		spec, ok := r.Spec(id)
		if ok && spec.SupportsMode(mode) {
			specs = append(specs, spec)
		}
	}
	return specs
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage) *Registry {
	logging.Debug().Str("workDir", workDir).Msg("creating default tool registry")
	r := NewRegistry(workDir, store)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))
	r.Register(NewWebSearchTool(workDir))

	// Register todo/plan tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))
	r.Register(NewPlanTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	logging.Debug().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("default tool registry created")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	logging.Debug().Msg("registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			logging.Debug().Msg("task executor configured")
		}
	}
}
