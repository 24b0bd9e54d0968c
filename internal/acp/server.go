// Package acp implements the Agent Client Protocol's Agent role over
// newline-delimited JSON-RPC 2.0 on stdio, framed by this package's own
// transport (transport.go). No teacher package implements ACP; this one is grounded in the
// session.MultiSessionManager operations directly (create, load,
// start_agent_for_message, wait_for_completion, cancel) rather than in
// any existing protocol adapter.
package acp

import (
	"context"
	"io"

	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/session"
	"github.com/forgecode/forge/internal/streamparser"
	"github.com/forgecode/forge/pkg/protocol"
)

const protocolVersion = 1

// Server drives one ACP client connection over a pair of byte streams.
type Server struct {
	mgr *session.MultiSessionManager
	t   *transport
}

// New returns a Server that dispatches requests read from r to mgr and
// writes responses/notifications to w.
func New(mgr *session.MultiSessionManager, r io.Reader, w io.Writer) *Server {
	return &Server{mgr: mgr, t: newTransport(r, w)}
}

// Run reads requests until ctx is cancelled or the input stream closes.
func (s *Server) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := s.t.readRequest()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if req.Method == "" {
			continue
		}

		s.dispatch(ctx, req)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	result, rpcErr := s.handle(ctx, req)

	if req.ID == nil {
		// Notification: no response regardless of outcome.
		if rpcErr != nil {
			logging.Warn().Str("method", req.Method).Str("error", rpcErr.Message).Msg("acp notification failed")
		}
		return
	}

	resp := Response{JSONRPC: "2.0", ID: *req.ID, Result: result, Error: rpcErr}
	if err := s.t.writeResponse(resp); err != nil {
		logging.Error().Err(err).Msg("acp: failed writing response")
	}
}

func (s *Server) handle(ctx context.Context, req *Request) (any, *Error) {
	switch req.Method {
	case "initialize":
		return s.initialize(req)
	case "session/new":
		return s.newSession(ctx, req)
	case "session/load":
		return s.loadSession(ctx, req)
	case "session/prompt":
		return s.prompt(ctx, req)
	case "session/cancel":
		return s.cancel(ctx, req)
	default:
		return nil, &Error{Code: ErrMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) initialize(req *Request) (any, *Error) {
	var params InitializeParams
	if err := unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	return InitializeResult{
		ProtocolVersion: protocolVersion,
		AgentCapabilities: AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: PromptCapabilities{
				EmbeddedContext: true,
			},
		},
	}, nil
}

func (s *Server) newSession(ctx context.Context, req *Request) (any, *Error) {
	var params NewSessionParams
	if err := unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	sess, err := s.mgr.Create(ctx, params.Cwd, "")
	if err != nil {
		return nil, internalErr(err)
	}

	return NewSessionResult{SessionID: sess.ID}, nil
}

// loadSession resumes a persisted session and replays its history as a
// burst of session/update notifications before returning, exactly
// mirroring what the client would have seen had it been connected live
// during the turn.
func (s *Server) loadSession(ctx context.Context, req *Request) (any, *Error) {
	var params LoadSessionParams
	if err := unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	sess, err := s.mgr.Load(ctx, params.SessionID)
	if err != nil {
		return nil, internalErr(err)
	}

	if err := s.replayHistory(ctx, sess); err != nil {
		return nil, internalErr(err)
	}

	return LoadSessionResult{}, nil
}

func (s *Server) replayHistory(ctx context.Context, sess *protocol.ChatSession) error {
	svc := s.mgr.Service()
	messages, err := svc.GetMessages(ctx, sess.ID)
	if err != nil {
		return err
	}

	parser := streamparser.New(sess.ToolSyntax)
	for _, msg := range messages {
		parser.Reset()

		parts, err := svc.GetParts(ctx, msg.ID)
		if err != nil {
			return err
		}

		if msg.Role == "user" {
			for _, update := range blocksToUserFragments(parts) {
				s.emitFragment(sess.ID, update)
			}
			continue
		}

		toolNames := make(map[string]string)
		blocks := protocol.BlocksFromParts(parts)
		for _, fr := range parser.ExtractFragmentsFromMessage(blocks) {
			if update := replayFragments(toolNames, fr); update != nil {
				s.emitFragment(sess.ID, update)
			}
		}
	}
	return nil
}

// prompt runs one agent turn to completion, translating each fragment
// the agent loop produces into a session/update notification as it
// arrives.
func (s *Server) prompt(ctx context.Context, req *Request) (any, *Error) {
	var params PromptParams
	if err := unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	content := promptToContent(params.Prompt)

	sess, err := s.mgr.Service().Get(ctx, params.SessionID)
	if err != nil {
		return nil, internalErr(err)
	}

	shim := newUpdateShim(s, params.SessionID, sess.ToolSyntax)
	err = s.mgr.StartAgentForMessage(ctx, params.SessionID, content, nil, func(msg *protocol.Message, parts []protocol.Part) {
		shim.onParts(parts)
	})
	if err != nil {
		return nil, internalErr(err)
	}

	waitErr := s.mgr.WaitForCompletion(ctx, params.SessionID)
	if ctx.Err() != nil {
		return PromptResult{StopReason: StopCancelled}, nil
	}
	if waitErr != nil {
		return nil, internalErr(waitErr)
	}

	return PromptResult{StopReason: StopEndTurn}, nil
}

func (s *Server) cancel(ctx context.Context, req *Request) (any, *Error) {
	var params CancelParams
	if err := unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}
	if err := s.mgr.Cancel(ctx, params.SessionID); err != nil {
		return nil, internalErr(err)
	}
	return nil, nil
}

func (s *Server) emitFragment(sessionID string, update any) {
	if err := s.t.writeNotification(Notification{
		JSONRPC: "2.0",
		Method:  "session/update",
		Params:  UpdateNotification{SessionID: sessionID, Update: update},
	}); err != nil {
		logging.Error().Err(err).Msg("acp: failed writing session/update")
	}
}

func invalidParams(err error) *Error {
	return &Error{Code: ErrInvalidParams, Message: err.Error()}
}

func internalErr(err error) *Error {
	return &Error{Code: ErrInternal, Message: err.Error()}
}
