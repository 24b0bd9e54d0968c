package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgecode/forge/internal/command"
	appconfig "github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/permission"
	"github.com/forgecode/forge/internal/provider"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/internal/tool"
	"github.com/forgecode/forge/pkg/protocol"
)

// Service manages session operations.
type Service struct {
	storage *storage.Storage

	// Active session processing
	mu       sync.RWMutex
	active   map[string]*ActiveSession
	abortChs map[string]chan struct{}

	// Processor for agentic loop
	processor *Processor

	permChecker  *permission.Checker
	toolRegistry *tool.Registry
}

// ActiveSession tracks an active processing session.
type ActiveSession struct {
	SessionID string
	AbortCh   chan struct{}
	StartTime time.Time
}

// NewService creates a new session service.
func NewService(store *storage.Storage) *Service {
	return &Service{
		storage:  store,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
}

// NewServiceWithProcessor creates a new session service with processor dependencies.
func NewServiceWithProcessor(
	store *storage.Storage,
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Service {
	s := &Service{
		storage:      store,
		active:       make(map[string]*ActiveSession),
		abortChs:     make(map[string]chan struct{}),
		permChecker:  permChecker,
		toolRegistry: toolReg,
	}
	s.processor = NewProcessor(providerReg, toolReg, store, permChecker, defaultProviderID, defaultModelID)
	return s
}

// GetProcessor returns the session processor.
func (s *Service) GetProcessor() *Processor {
	return s.processor
}

// CreateOptions configures a new session. ToolSyntax and the project
// binding are immutable once the session exists; everything else can
// change over the session's life.
type CreateOptions struct {
	Directory  string
	Title      string
	ToolSyntax protocol.ToolSyntax
	ModelName  string
}

// Create creates a new session bound to directory, with the default
// (native) tool syntax.
func (s *Service) Create(ctx context.Context, directory string, title string) (*protocol.ChatSession, error) {
	return s.CreateSession(ctx, CreateOptions{Directory: directory, Title: title})
}

// CreateSession creates a new session from opts.
func (s *Service) CreateSession(ctx context.Context, opts CreateOptions) (*protocol.ChatSession, error) {
	now := time.Now().UnixMilli()
	projectID := hashDirectory(opts.Directory)

	title := opts.Title
	if title == "" {
		title = "New Session"
	}
	syntax := opts.ToolSyntax
	if syntax == "" {
		syntax = protocol.ToolSyntaxNative
	}

	session := &protocol.ChatSession{
		ID:        generateID(),
		ProjectID: projectID,
		Directory: opts.Directory,
		Title:     title,
		Version:   "1",
		Summary: protocol.SessionSummary{
			Additions: 0,
			Deletions: 0,
			Files:     0,
		},
		Time: protocol.SessionTime{
			Created: now,
			Updated: now,
		},
		Project:       opts.Directory,
		ToolSyntax:    syntax,
		ModelName:     opts.ModelName,
		WorkingMemory: protocol.NewWorkingMemory(),
	}

	if err := s.storage.Put(ctx, []string{"session", projectID, session.ID}, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*protocol.ChatSession, error) {
	// Try to find in any project
	projects, err := s.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session protocol.ChatSession
		if err := s.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, storage.ErrNotFound
}

// Update updates a session with the given updates.
func (s *Service) Update(ctx context.Context, sessionID string, updates map[string]any) (*protocol.ChatSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Apply updates
	if title, ok := updates["title"].(string); ok {
		session.Title = title
	}

	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Delete deletes a session.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// Delete session file
	if err := s.storage.Delete(ctx, []string{"session", session.ProjectID, sessionID}); err != nil {
		return err
	}

	// Delete associated messages
	messages, _ := s.GetMessages(ctx, sessionID)
	for _, msg := range messages {
		s.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}

	return nil
}

// List lists sessions for a directory.
// If directory is empty, lists all sessions across all projects.
func (s *Service) List(ctx context.Context, directory string) ([]*protocol.ChatSession, error) {
	var sessions []*protocol.ChatSession

	if directory == "" {
		// List ALL sessions across all projects
		projects, err := s.storage.List(ctx, []string{"session"})
		if err != nil {
			return nil, err
		}

		for _, projectID := range projects {
			err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
				var session protocol.ChatSession
				if err := json.Unmarshal(data, &session); err != nil {
					return err
				}
				sessions = append(sessions, &session)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}

		return sessions, nil
	}

	// List sessions for a specific directory/project
	projectID := hashDirectory(directory)
	err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
		var session protocol.ChatSession
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})

	return sessions, err
}

// GetChildren returns child sessions (forks).
func (s *Service) GetChildren(ctx context.Context, sessionID string) ([]*protocol.ChatSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	all, err := s.List(ctx, session.Directory)
	if err != nil {
		return nil, err
	}

	var children []*protocol.ChatSession
	for _, sess := range all {
		if sess.ParentID != nil && *sess.ParentID == sessionID {
			children = append(children, sess)
		}
	}

	return children, nil
}

// Fork creates a fork of a session at a specific message.
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*protocol.ChatSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Create new session with fork title
	newSession, err := s.Create(ctx, session.Directory, session.Title+" (fork)")
	if err != nil {
		return nil, err
	}

	// Set parent
	newSession.ParentID = &sessionID

	// Copy messages up to the fork point
	messages, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		// Copy message
		newMsg := *msg
		newMsg.SessionID = newSession.ID
		s.AddMessage(ctx, newSession.ID, &newMsg)

		if msg.ID == messageID {
			break
		}
	}

	// Save updated session
	if err := s.storage.Put(ctx, []string{"session", newSession.ProjectID, newSession.ID}, newSession); err != nil {
		return nil, err
	}

	return newSession, nil
}

// Abort aborts an active session: cancels the processor's loop context
// (cooperative cancellation of the in-flight iteration) and closes any
// registered abort channel.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	if s.processor != nil {
		// Not processing is not an error for Abort's callers.
		_ = s.processor.Abort(sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.abortChs[sessionID]; ok {
		close(ch)
		delete(s.abortChs, sessionID)
	}

	return nil
}

// Share shares a session and returns a share URL.
func (s *Service) Share(ctx context.Context, sessionID string) (string, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	// Generate a share URL (placeholder)
	shareURL := fmt.Sprintf("https://forge.dev/share/%s", sessionID)

	session.Share = &protocol.SessionShare{URL: shareURL}
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return "", err
	}

	return shareURL, nil
}

// Unshare removes sharing from a session.
func (s *Service) Unshare(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Share = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// Summarize generates a summary of the session.
func (s *Service) Summarize(ctx context.Context, sessionID string) (*protocol.SessionSummary, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &session.Summary, nil
}

// GetDiffs returns diffs for a session.
func (s *Service) GetDiffs(ctx context.Context, sessionID string) ([]protocol.FileDiff, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return session.Summary.Diffs, nil
}

// GetTodos returns todos for a session.
func (s *Service) GetTodos(ctx context.Context, sessionID string) ([]map[string]any, error) {
	todos, err := GetTodos(ctx, s.storage, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(todos))
	for _, td := range todos {
		raw, err := json.Marshal(td)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Revert reverts a session to a specific message.
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID *string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = &protocol.SessionRevert{
		MessageID: messageID,
		PartID:    partID,
	}
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// Unrevert removes the revert state from a session.
func (s *Service) Unrevert(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// ExecuteCommand executes a named slash command and returns the prompt it
// expands to, along with the agent/model it requests.
func (s *Service) ExecuteCommand(ctx context.Context, sessionID, commandLine string) (map[string]any, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cfg, err := appconfig.Load(sess.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	name, args, _ := strings.Cut(strings.TrimSpace(commandLine), " ")
	name = strings.TrimPrefix(name, "/")

	// Built-in commands act on the session directly instead of
	// expanding to a prompt.
	if handled, out, err := s.executeBuiltin(ctx, sessionID, name); handled {
		return out, err
	}

	executor := command.NewExecutor(sess.Directory, cfg)
	result, err := executor.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// executeBuiltin dispatches the built-in slash commands that operate on
// session state rather than expanding to a prompt. Returns handled=false
// for names that should fall through to the template executor.
func (s *Service) executeBuiltin(ctx context.Context, sessionID, name string) (bool, map[string]any, error) {
	switch name {
	case "compact":
		if s.processor == nil {
			return true, nil, fmt.Errorf("compaction requires a configured processor")
		}
		messages, err := s.processor.loadMessages(ctx, sessionID)
		if err != nil {
			return true, nil, err
		}
		if err := s.processor.compactMessages(ctx, sessionID, messages); err != nil {
			return true, nil, err
		}
		return true, map[string]any{"commandName": "compact", "status": "compacted"}, nil

	case "share":
		url, err := s.Share(ctx, sessionID)
		if err != nil {
			return true, nil, err
		}
		return true, map[string]any{"commandName": "share", "url": url}, nil

	case "unshare":
		if err := s.Unshare(ctx, sessionID); err != nil {
			return true, nil, err
		}
		return true, map[string]any{"commandName": "unshare"}, nil
	}
	return false, nil, nil
}

// RunShell runs a shell command directly in the session's working directory,
// bypassing the agent loop.
func (s *Service) RunShell(ctx context.Context, sessionID, commandStr string, timeout int) (map[string]any, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	bash := tool.NewBashTool(sess.Directory, tool.WithPermissionChecker(s.permChecker))

	input, err := json.Marshal(tool.BashInput{
		Command: commandStr,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	toolCtx := &tool.Context{
		SessionID: sessionID,
		WorkDir:   sess.Directory,
	}

	result, err := bash.Execute(ctx, input, toolCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"output":   result.Output,
		"title":    result.Title,
		"metadata": result.Metadata,
	}, nil
}

// RespondPermission resolves a pending permission prompt for a session.
func (s *Service) RespondPermission(ctx context.Context, sessionID, permissionID string, granted bool) error {
	action := "reject"
	if granted {
		action = "once"
	}
	s.permChecker.Respond(permissionID, action)
	return nil
}

// SetPendingMessage persists the session's pending user message ("" to
// clear), keeping the stored session in sync with the in-memory
// instance's queue across restarts.
func (s *Service) SetPendingMessage(ctx context.Context, sessionID, pending string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if pending == "" {
		session.PendingUserMessage = nil
	} else {
		session.PendingUserMessage = &pending
	}
	session.Time.Updated = time.Now().UnixMilli()
	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// AddMessage adds a message to a session.
func (s *Service) AddMessage(ctx context.Context, sessionID string, msg *protocol.Message) error {
	return s.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
}

// GetMessages returns all messages for a session.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*protocol.Message, error) {
	var messages []*protocol.Message
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// GetParts returns all parts for a message.
func (s *Service) GetParts(ctx context.Context, messageID string) ([]protocol.Part, error) {
	var parts []protocol.Part
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := protocol.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// ProcessMessage processes a user message and generates an assistant response.
// This is the main agentic loop.
func (s *Service) ProcessMessage(
	ctx context.Context,
	session *protocol.ChatSession,
	content string,
	model *protocol.ModelRef,
	onUpdate func(msg *protocol.Message, parts []protocol.Part),
) (*protocol.Message, []protocol.Part, error) {
	// First, save the user message
	userMsg := &protocol.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "user",
		Time: protocol.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}
	if model != nil {
		userMsg.Model = model
	}

	if err := s.AddMessage(ctx, session.ID, userMsg); err != nil {
		return nil, nil, err
	}

	// Save user's text content as a part
	userPart := &protocol.TextPart{
		ID:   generateID(),
		Type: "text",
		Text: content,
	}
	if err := s.storage.Put(ctx, []string{"part", userMsg.ID, userPart.ID}, userPart); err != nil {
		return nil, nil, err
	}

	// Use processor if available
	if s.processor != nil {
		var finalMsg *protocol.Message
		var finalParts []protocol.Part

		err := s.processor.Process(ctx, session.ID, DefaultAgent(), func(msg *protocol.Message, parts []protocol.Part) {
			finalMsg = msg
			finalParts = parts
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})

		if err != nil {
			return finalMsg, finalParts, err
		}

		return finalMsg, finalParts, nil
	}

	// Fallback: Create placeholder assistant message if no processor
	assistantMsg := &protocol.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "assistant",
		Time: protocol.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}

	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	parts := []protocol.Part{
		&protocol.TextPart{
			ID:   generateID(),
			Type: "text",
			Text: "Processor not initialized. Please configure providers.",
		},
	}

	// Save message
	if err := s.AddMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, nil, err
	}

	// Notify of update
	if onUpdate != nil {
		onUpdate(assistantMsg, parts)
	}

	return assistantMsg, parts, nil
}

// generateID generates a new ULID.
func generateID() string {
	return ulid.Make().String()
}

// hashDirectory creates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
