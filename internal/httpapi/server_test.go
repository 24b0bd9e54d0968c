package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/session"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *session.Service) {
	t.Helper()
	store := storage.New(t.TempDir())
	return New(Config{Addr: "localhost:0"}, store), session.NewService(store)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestListSessions(t *testing.T) {
	srv, svc := newTestServer(t)

	_, err := svc.CreateSession(context.Background(), session.CreateOptions{
		Directory:  t.TempDir(),
		Title:      "first",
		ToolSyntax: protocol.ToolSyntaxXML,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []protocol.ChatSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "first", sessions[0].Title)
	assert.Equal(t, protocol.ToolSyntaxXML, sessions[0].ToolSyntax)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
