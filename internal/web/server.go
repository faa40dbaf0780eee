// Package web exposes coaching sessions over HTTP and WebSocket.
//
// Routes:
//
//	POST   /v1/sessions                {user_id}  start a session
//	POST   /v1/sessions/{id}/messages  {text}     run one turn
//	DELETE /v1/sessions/{id}                      end a session
//	GET    /v1/sessions/{id}/ws                   chat over a websocket
//	GET    /healthz, /readyz, /metrics
//
// Every route is wrapped in the tracing and metrics middleware of package
// observe.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/moneycoach/internal/coach"
	"github.com/MrWong99/moneycoach/internal/health"
	"github.com/MrWong99/moneycoach/internal/observe"
)

// maxBody caps request bodies. Chat messages are short.
const maxBody = 64 << 10

// Server routes HTTP requests to a [coach.Manager].
type Server struct {
	mgr     *coach.Manager
	health  *health.Handler
	metrics *observe.Metrics
	metricz http.Handler
	mux     *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP metrics into m. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Defaults to
// [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricz = h }
}

// New creates a [Server] for mgr.
func New(mgr *coach.Manager, opts ...Option) *Server {
	s := &Server{mgr: mgr}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricz == nil {
		s.metricz = observe.MetricsHandler()
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /v1/sessions", s.createSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/messages", s.postMessage)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.deleteSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}/ws", s.chat)
	s.health.Register(s.mux)
	s.mux.Handle("GET /metrics", s.metricz)
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

type createRequest struct {
	UserID string `json:"user_id"`
}

type createResponse struct {
	SessionID string      `json:"session_id"`
	Messages  []string    `json:"messages"`
	Mode      coach.Mode  `json:"mode"`
	Phase     coach.Phase `json:"phase"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Messages     []string    `json:"messages"`
	Mode         coach.Mode  `json:"mode"`
	Intervention string      `json:"intervention,omitempty"`
	Phase        coach.Phase `json:"phase"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sess, reply := s.mgr.Create(r.Context(), req.UserID)
	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: sess.ID(),
		Messages:  reply.Messages(),
		Mode:      reply.Mode,
		Phase:     reply.Phase,
	})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := s.mgr.Handle(r.Context(), r.PathValue("id"), req.Text)
	switch {
	case errors.Is(err, coach.ErrSessionNotFound), errors.Is(err, coach.ErrSessionClosed):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, coach.ErrTurnFailed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: coach.FailureMessage})
		return
	case err != nil:
		observe.Logger(r.Context()).Error("turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(reply))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.End(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toMessageResponse(r coach.Reply) messageResponse {
	return messageResponse{
		Messages:     r.Messages(),
		Mode:         r.Mode,
		Intervention: r.Intervention,
		Phase:        r.Phase,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("web: encode response", "error", err)
	}
}
