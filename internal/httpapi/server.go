// Package httpapi exposes the engine over REST plus a websocket push
// channel per session.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NissanOhana/dev-agent-day2day/internal/engine"
	"github.com/NissanOhana/dev-agent-day2day/internal/event"
	"github.com/NissanOhana/dev-agent-day2day/internal/session"
)

const (
	maxRequestBytes   int64 = 2 << 20
	maxEventPageLimit       = 500
	wsWriteTimeout          = 10 * time.Second
)

type server struct {
	logger *log.Logger
	engine *engine.Engine
}

func NewServer(logger *log.Logger, addr string, eng *engine.Engine) *http.Server {
	h := &server{
		logger: logger,
		engine: eng,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/events", h.handleIngest)
	mux.HandleFunc("POST /v1/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", h.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/start", h.handleStart)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", h.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", h.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", h.handlePrompt)
	mux.HandleFunc("POST /v1/sessions/{id}/replay", h.handleReplay)
	mux.HandleFunc("GET /v1/sessions/{id}/events", h.handleListEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/context", h.handleContext)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", h.handleSessionWS)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleIngest accepts one event from an external adapter. The session
// must exist; ordering past this point belongs to the per-session worker.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var ev event.Event
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid json: trailing content")
		return
	}
	if err := event.Validate(ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid event: %v", err))
		return
	}

	if _, err := s.engine.GetSession(r.Context(), ev.SessionID); err != nil {
		s.writeEngineError(w, "ingest", err)
		return
	}
	if err := s.engine.Deliver(r.Context(), ev.SessionID, ev); err != nil {
		s.writeEngineError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"event_id": ev.ID,
	})
}

type createSessionBody struct {
	Name        string `json:"name"`
	WorkingDir  string `json:"working_dir"`
	AgentType   string `json:"agent_type"`
	TokensLimit int64  `json:"tokens_limit"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req createSessionBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.AgentType) == "" {
		writeError(w, http.StatusBadRequest, "agent_type is required")
		return
	}

	rec, err := s.engine.CreateSession(r.Context(), engine.CreateParams{
		Name:        strings.TrimSpace(req.Name),
		WorkingDir:  strings.TrimSpace(req.WorkingDir),
		AgentType:   strings.TrimSpace(req.AgentType),
		TokensLimit: req.TokensLimit,
	})
	if err != nil {
		s.writeEngineError(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sums, err := s.engine.ListSessions(r.Context())
	if err != nil {
		s.writeEngineError(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sums})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, "delete session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "start", s.engine.Start)
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause", s.engine.Pause)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume", s.engine.Resume)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "stop", s.engine.Stop)
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "replay", s.engine.Replay)
}

func (s *server) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		s.writeEngineError(w, op, err)
		return
	}
	rec, err := s.engine.GetSession(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type promptBody struct {
	Text string `json:"text"`
}

func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req promptBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.engine.SendPrompt(r.Context(), r.PathValue("id"), req.Text); err != nil {
		s.writeEngineError(w, "prompt", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.engine.Events(r.Context(), r.PathValue("id"), q)
	if err != nil {
		s.writeEngineError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseEventQuery(r *http.Request) (session.EventQuery, error) {
	var q session.EventQuery
	values := r.URL.Query()

	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid offset %q", raw)
		}
		q.Offset = n
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		if n > maxEventPageLimit {
			n = maxEventPageLimit
		}
		q.Limit = n
	}
	if raw := values.Get("type"); raw != "" {
		t := event.Type(raw)
		if !event.ValidType(t) {
			return q, fmt.Errorf("unsupported event type %q", raw)
		}
		q.Type = t
	}
	return q, nil
}

func (s *server) handleContext(w http.ResponseWriter, r *http.Request) {
	agg, err := s.engine.Context(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, "context", err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// handleSessionWS upgrades to the push channel: cached backfill first,
// then live events, one JSON event per text message. The subscription is
// taken before the upgrade so a missing session still gets a JSON 404.
func (s *server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, "subscribe", err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.engine.Unsubscribe(sub)
		s.logger.Printf("ws upgrade failed session_id=%s err=%v", sub.SessionID(), err)
		return
	}
	defer conn.Close()
	defer s.engine.Unsubscribe(sub)

	// Drain the read side so close frames are noticed; viewers only
	// receive on this channel.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload, ok := <-sub.Events():
			if !ok {
				// Session deleted out from under the viewer.
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session deleted"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNoAdapter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionQueueFull):
		writeError(w, http.StatusTooManyRequests, "session queue full")
	case errors.Is(err, engine.ErrTooManyAgents):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Printf("%s failed err=%v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
