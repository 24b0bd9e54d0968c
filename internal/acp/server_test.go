package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/session"
	"github.com/forgecode/forge/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	store := storage.New(t.TempDir())
	svc := session.NewService(store)
	mgr := session.NewMultiSessionManager(svc)

	out := &bytes.Buffer{}
	return New(mgr, bytes.NewReader(nil), out), out
}

func id(n int64) *int64 { return &n }

func TestServer_Initialize(t *testing.T) {
	s, _ := newTestServer(t)

	result, rpcErr := s.handle(context.Background(), &Request{
		JSONRPC: "2.0", ID: id(1), Method: "initialize",
	})
	require.Nil(t, rpcErr)

	init, ok := result.(InitializeResult)
	require.True(t, ok)
	assert.True(t, init.AgentCapabilities.LoadSession)
	assert.True(t, init.AgentCapabilities.PromptCapabilities.EmbeddedContext)
}

func TestServer_NewSession(t *testing.T) {
	s, _ := newTestServer(t)

	params, _ := json.Marshal(NewSessionParams{Cwd: t.TempDir()})
	result, rpcErr := s.handle(context.Background(), &Request{
		JSONRPC: "2.0", ID: id(1), Method: "session/new", Params: params,
	})
	require.Nil(t, rpcErr)

	res, ok := result.(NewSessionResult)
	require.True(t, ok)
	assert.NotEmpty(t, res.SessionID)
}

func TestServer_UnknownMethod(t *testing.T) {
	s, _ := newTestServer(t)

	_, rpcErr := s.handle(context.Background(), &Request{
		JSONRPC: "2.0", ID: id(1), Method: "session/frobnicate",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, ErrMethodNotFound, rpcErr.Code)
}

func TestServer_LoadSessionReplaysHistory(t *testing.T) {
	s, out := newTestServer(t)
	ctx := context.Background()

	cwd := t.TempDir()
	created, err := s.mgr.Create(ctx, cwd, "")
	require.NoError(t, err)

	// No processor configured, so StartAgentForMessage's fallback path
	// still produces one persisted user message and one assistant
	// placeholder message, which is what loadSession should replay.
	err = s.mgr.StartAgentForMessage(ctx, created.ID, "hello there", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.mgr.WaitForCompletion(ctx, created.ID))

	params, _ := json.Marshal(LoadSessionParams{SessionID: created.ID, Cwd: cwd})
	result, rpcErr := s.handle(ctx, &Request{
		JSONRPC: "2.0", ID: id(2), Method: "session/load", Params: params,
	})
	require.Nil(t, rpcErr)
	_, ok := result.(LoadSessionResult)
	require.True(t, ok)

	lines := splitLines(out.String())
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var n Notification
		require.NoError(t, json.Unmarshal([]byte(line), &n))
		assert.Equal(t, "session/update", n.Method)
	}
}

func TestServer_PromptReturnsEndTurn(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	created, err := s.mgr.Create(ctx, t.TempDir(), "")
	require.NoError(t, err)

	params, _ := json.Marshal(PromptParams{
		SessionID: created.ID,
		Prompt:    []ContentBlock{{Type: "text", Text: "hi"}},
	})
	result, rpcErr := s.handle(ctx, &Request{
		JSONRPC: "2.0", ID: id(3), Method: "session/prompt", Params: params,
	})
	require.Nil(t, rpcErr)

	res, ok := result.(PromptResult)
	require.True(t, ok)
	assert.Equal(t, StopEndTurn, res.StopReason)
}

func TestServer_CancelUnknownSessionIsANoOp(t *testing.T) {
	s, _ := newTestServer(t)

	params, _ := json.Marshal(CancelParams{SessionID: "does-not-exist"})
	_, rpcErr := s.handle(context.Background(), &Request{
		JSONRPC: "2.0", Method: "session/cancel", Params: params,
	})
	assert.Nil(t, rpcErr)
}

func splitLines(s string) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewBufferString(s))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out = append(out, line)
		}
	}
	return out
}
