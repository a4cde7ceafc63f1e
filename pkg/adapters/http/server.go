package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/arbiter"
	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MaxWait bounds POST /sessions/{id}/wait.
const MaxWait = 30 * time.Second

// Arbiter is the control surface served over HTTP.
type Arbiter interface {
	Acquire(ctx context.Context, cfg session.Config) (*session.Session, error)
	Session(id string) (*session.Session, bool)
	Sessions() []session.Info
	Controllers() []control.ControllerState
	Controller(key domain.ChannelKey) (control.ControllerState, bool)
	ControllerCount() int
}

// Server holds the HTTP handlers.
type Server struct {
	Arbiter Arbiter
	Streams *StreamManager
	metrics http.Handler
	logger  *slog.Logger
	idle    *idleSessions
}

// Option configures the Server.
type Option func(*Server)

// WithStreams sets the StreamManager behind /events and /ws. Its Hooks must be
// registered with the arbiter for events to flow.
func WithStreams(streams *StreamManager) Option {
	return func(s *Server) {
		s.Streams = streams
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSessionIdleTimeout closes sessions created over HTTP once they have seen no
// request for d. RunReaper must be running for this to take effect. Zero disables it.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.idle = newIdleSessions(d)
		} else {
			s.idle = nil
		}
	}
}

// NewHandler creates the HTTP handler for an arbiter.
func NewHandler(arb Arbiter, opts ...Option) http.Handler {
	return NewServer(arb, opts...).Handler()
}

// NewServer creates the Server behind NewHandler.
func NewServer(arb Arbiter, opts ...Option) *Server {
	s := &Server{
		Arbiter: arb,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager(s.logger)
	}
	return s
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	return enableCORS(s.Router())
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.ListSessions)
		r.Post("/", s.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetSession)
			r.Delete("/", s.DeleteSession)
			r.Get("/values/{channel}", s.GetValue)
			r.Put("/values", s.PutValues)
			r.Put("/authority", s.PutAuthority)
			r.Post("/wait", s.Wait)
		})
	})

	r.Get("/controllers", s.ListControllers)
	r.Get("/controllers/{channel}", s.GetController)

	r.Get("/events", s.SubscribeEvents)
	r.Get("/ws", s.SubscribeWebSocket)
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name        string              `json:"name"`
	Authorities []int               `json:"authorities"`
	Write       []domain.ChannelKey `json:"write"`
	Read        []domain.ChannelKey `json:"read"`
}

// PutValuesRequest is the body of PUT /sessions/{id}/values.
type PutValuesRequest struct {
	Values map[domain.ChannelKey]float64 `json:"values"`
}

// PutValuesResponse reports, per channel, whether the write was accepted.
type PutValuesResponse struct {
	Accepted map[domain.ChannelKey]bool `json:"accepted"`
}

// PutAuthorityRequest is the body of PUT /sessions/{id}/authority. Authority applies
// to every gate; Authorities to the listed channels only. They are exclusive.
type PutAuthorityRequest struct {
	Authority   *int                      `json:"authority,omitempty"`
	Authorities map[domain.ChannelKey]int `json:"authorities,omitempty"`
}

// WaitRequest is the body of POST /sessions/{id}/wait. The wait succeeds once every
// Defined channel has a value and the session controls every Controlling channel.
type WaitRequest struct {
	Defined     []domain.ChannelKey `json:"defined"`
	Controlling []domain.ChannelKey `json:"controlling"`
	TimeoutMs   int                 `json:"timeout_ms"`
}

// WaitResponse is the result of a wait.
type WaitResponse struct {
	Satisfied bool `json:"satisfied"`
}

// ValueResponse is the body of GET /sessions/{id}/values/{channel}.
type ValueResponse struct {
	Channel   domain.ChannelKey `json:"channel"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// CreateSession handles POST /sessions.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("CreateSession: Invalid request body", "err", err)
		return
	}
	authorities := make([]domain.Authority, 0, len(body.Authorities))
	for _, v := range body.Authorities {
		a, err := domain.ParseAuthority(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		authorities = append(authorities, a)
	}

	// The session outlives the request.
	sess, err := s.Arbiter.Acquire(context.WithoutCancel(r.Context()), session.Config{
		Name:        body.Name,
		Authorities: authorities,
		Write:       body.Write,
		Read:        body.Read,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.idle != nil {
		s.idle.touch(sess.ID(), time.Now())
	}
	s.writeJSON(w, http.StatusCreated, sess.Info())
}

// ListSessions handles GET /sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Arbiter.Sessions())
}

// GetSession handles GET /sessions/{id}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

// DeleteSession handles DELETE /sessions/{id}.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	_ = sess.Close()
	if s.idle != nil {
		s.idle.forget(sess.ID())
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetValue handles GET /sessions/{id}/values/{channel}.
func (s *Server) GetValue(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sample, err := sess.Sample(domain.ChannelKey(chi.URLParam(r, "channel")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ValueResponse{Channel: sample.Channel, Value: sample.Value, Timestamp: sample.Timestamp})
}

// PutValues handles PUT /sessions/{id}/values.
func (s *Server) PutValues(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body PutValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("PutValues: Invalid request body", "err", err)
		return
	}
	accepted, err := sess.WriteMany(r.Context(), body.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PutValuesResponse{Accepted: accepted})
}

// PutAuthority handles PUT /sessions/{id}/authority.
func (s *Server) PutAuthority(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body PutAuthorityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("PutAuthority: Invalid request body", "err", err)
		return
	}
	if body.Authority != nil && len(body.Authorities) > 0 {
		s.writeError(w, fmt.Errorf("%w: authority and authorities are exclusive", domain.ErrValidation))
		return
	}

	if body.Authority != nil {
		a, err := domain.ParseAuthority(*body.Authority)
		if err != nil {
			s.writeError(w, err)
			return
		}
		sess.SetAuthority(r.Context(), a)
	}
	if len(body.Authorities) > 0 {
		parsed := make(map[domain.ChannelKey]domain.Authority, len(body.Authorities))
		for key, v := range body.Authorities {
			a, err := domain.ParseAuthority(v)
			if err != nil {
				s.writeError(w, err)
				return
			}
			parsed[key] = a
		}
		if err := sess.SetAuthorities(r.Context(), parsed); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

// Wait handles POST /sessions/{id}/wait. The request context bounds the wait too.
func (s *Server) Wait(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body WaitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("Wait: Invalid request body", "err", err)
		return
	}
	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > MaxWait {
		timeout = MaxWait
	}

	satisfied := sess.WaitUntil(r.Context(), func(sess *session.Session) bool {
		for _, key := range body.Defined {
			if _, err := sess.Get(key); err != nil {
				return false
			}
		}
		for _, key := range body.Controlling {
			if !sess.Authorized(key) {
				return false
			}
		}
		return true
	}, timeout)
	if s.idle != nil {
		s.idle.refresh(sess.ID(), time.Now())
	}
	s.writeJSON(w, http.StatusOK, WaitResponse{Satisfied: satisfied})
}

// ListControllers handles GET /controllers.
func (s *Server) ListControllers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Arbiter.Controllers())
}

// GetController handles GET /controllers/{channel}.
func (s *Server) GetController(w http.ResponseWriter, r *http.Request) {
	key := domain.ChannelKey(chi.URLParam(r, "channel"))
	st, ok := s.Arbiter.Controller(key)
	if !ok {
		http.Error(w, fmt.Sprintf("No open gates on channel %s", key), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// GetHealth handles GET /health. It only takes the registry lock, so it answers
// even while controllers are busy.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"controllers": s.Arbiter.ControllerCount(),
	})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "arbiter-http",
		"version": strings.TrimSpace(arbiter.Version),
	})
}

// SubscribeEvents handles GET /events (SSE). ?channel= narrows the stream to one
// channel or, with glob syntax, to every matching channel.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	key := r.URL.Query().Get("channel")
	events, cancel, err := s.Streams.subscribe(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	s.logger.Info("SSE: client subscribed", "channel", key)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: client disconnected", "channel", key)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("SSE: encode failed", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.Arbiter.Session(id)
	if !ok {
		http.Error(w, fmt.Sprintf("Session %s not found", id), http.StatusNotFound)
		return nil, false
	}
	if s.idle != nil {
		s.idle.refresh(id, time.Now())
	}
	return sess, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUndefined):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}
