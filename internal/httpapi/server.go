// Package httpapi is the local inspection surface: session listing and
// a live event stream over SSE, for debugging a running forge process.
// It is not one of the protocol surfaces editors integrate with; those
// are the MCP and ACP adapters.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forgecode/forge/internal/event"
	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/session"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/pkg/protocol"
)

// Config holds the inspection server's listen settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the inspection API.
type Server struct {
	config   Config
	router   *chi.Mux
	sessions *session.Service
}

// New builds the router. store is the same session store the agent
// writes to, so responses always reflect persisted state.
func New(cfg Config, store *storage.Storage) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		sessions: session.NewService(store),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/sessions", s.handleListSessions)
	s.router.Get("/sessions/{id}", s.handleGetSession)
	s.router.Get("/sessions/{id}/messages", s.handleGetMessages)
	s.router.Get("/events", s.handleEvents)

	return s
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.config.Addr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// No write timeout: /events streams indefinitely.
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context(), r.URL.Query().Get("directory"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Time.Updated > sessions[j].Time.Updated
	})
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	messages, err := s.sessions.GetMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type messageWithParts struct {
		*protocol.Message
		Parts []protocol.Part `json:"parts"`
	}
	out := make([]messageWithParts, 0, len(messages))
	for _, m := range messages {
		parts, _ := s.sessions.GetParts(r.Context(), m.ID)
		out = append(out, messageWithParts{Message: m, Parts: parts})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams the process event bus as SSE, optionally
// filtered to one session with ?session=ID.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionFilter := r.URL.Query().Get("session")
	events := make(chan event.Event, 64)
	unsubscribe := event.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			// A slow inspector drops events rather than stalling the bus.
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e := <-events:
			if sessionFilter != "" && !eventMatchesSession(e, sessionFilter) {
				continue
			}
			payload, err := json.Marshal(map[string]any{"type": e.Type, "properties": e.Data})
			if err != nil {
				logging.Warn().Err(err).Msg("httpapi: encoding event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// eventMatchesSession reports whether e belongs to sessionID, best
// effort over the known event payload shapes.
func eventMatchesSession(e event.Event, sessionID string) bool {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return true
	}
	var probe struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			ID string `json:"id"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
		Message *struct {
			SessionID string `json:"sessionID"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return true
	}
	switch {
	case probe.SessionID != "":
		return probe.SessionID == sessionID
	case probe.Part != nil && probe.Part.SessionID != "":
		return probe.Part.SessionID == sessionID
	case probe.Message != nil && probe.Message.SessionID != "":
		return probe.Message.SessionID == sessionID
	case probe.Info != nil && probe.Info.ID != "":
		return probe.Info.ID == sessionID
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
