// Package httpapi exposes the generation engine over HTTP: request submission,
// version and sandbox queries, and live event streams over SSE and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jxucoder/forgeline/internal/engine"
	"github.com/jxucoder/forgeline/internal/metrics"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/sandbox"
	"github.com/jxucoder/forgeline/pkg/store"
)

// Engine is the part of the engine the API serves.
type Engine interface {
	SubmitRequest(ctx context.Context, projectID, prompt string) (*model.Request, error)
	CancelRequest(ctx context.Context, requestID string) (*model.Request, error)
	GetRequest(ctx context.Context, requestID string) (*model.Request, error)
	GetHead(ctx context.Context, projectID string) (*model.Version, error)
	GetVersion(ctx context.Context, versionID string) (*model.Version, error)
	ListLineage(ctx context.Context, projectID string) ([]*model.Version, error)
	CreateProject(ctx context.Context, projectID, name string) (*model.Project, error)
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	SandboxStatus(ctx context.Context, projectID string) (*model.SandboxSession, error)
	RestoreSandbox(ctx context.Context, projectID string) (*model.SandboxSession, error)
	Heartbeat(ctx context.Context, sandboxID string) (*model.SandboxSession, error)
	Reconcile(ctx context.Context, projectID string) (*engine.Reconciliation, error)
	Subscribe(projectID string) chan *model.Event
	Unsubscribe(projectID string, ch chan *model.Event)
}

// Server is the HTTP front end of the engine.
type Server struct {
	engine  Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// restoreTimeout bounds the background restore an observer triggers.
	restoreTimeout time.Duration
	handler        http.Handler
}

// New builds the API server. m may be nil to omit /metrics.
func New(eng Engine, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		engine:         eng,
		metrics:        m,
		logger:         logger.With().Str("component", "httpapi").Logger(),
		restoreTimeout: 5 * time.Minute,
	}
	s.handler = s.buildRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end when the server context does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Streams stay open for as long as the observer does.
		r.Get("/projects/{id}/events", s.handleEvents)
		r.Get("/projects/{id}/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(time.Minute))

			r.Post("/projects", s.handleCreateProject)
			r.Get("/projects", s.handleListProjects)
			r.Get("/projects/{id}", s.handleGetProject)
			r.Get("/projects/{id}/head", s.handleGetHead)
			r.Get("/projects/{id}/versions", s.handleListLineage)
			r.Post("/projects/{id}/requests", s.handleSubmitRequest)
			r.Get("/projects/{id}/sandbox", s.handleSandboxStatus)
			r.Post("/projects/{id}/sandbox/restore", s.handleRestoreSandbox)

			r.Get("/requests/{id}", s.handleGetRequest)
			r.Post("/requests/{id}/cancel", s.handleCancelRequest)
			r.Get("/versions/{id}", s.handleGetVersion)
			r.Post("/sandboxes/{id}/heartbeat", s.handleHeartbeat)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	return r
}

// requestLogger logs every request after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := s.logger.Info()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// --- Projects ---

type createProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	p, err := s.engine.CreateProject(r.Context(), req.ID, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.engine.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Versions ---

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetHead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListLineage(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.ListLineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []*model.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetVersion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Requests ---

type submitRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := s.engine.SubmitRequest(r.Context(), chi.URLParam(r, "id"), body.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.CancelRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Sandboxes ---

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	sb, err := s.engine.SandboxStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleRestoreSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.engine.RestoreSandbox(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sb, err := s.engine.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

// --- Events ---

// handleEvents streams a project's events as Server-Sent Events. The first
// event is a reconcile snapshot of the head and sandbox status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.GetProject(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reconciling so nothing published in between is lost.
	ch := s.engine.Subscribe(id)
	defer s.engine.Unsubscribe(id, ch)

	rec, err := s.engine.Reconcile(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.restoreInBackground(id, rec.Sandbox)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var seq int64
	writeSSE(w, seq, reconcileEvent, rec)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			seq++
			writeSSE(w, seq, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// reconcileEvent names the snapshot sent before live events.
const reconcileEvent = "reconcile"

// restoreInBackground asks for the sandbox to be restored when an observer
// connects to a project whose preview is gone. It never blocks the stream.
func (s *Server) restoreInBackground(projectID string, sb *model.SandboxSession) {
	if sb != nil && (sb.Status == model.SandboxActive || sb.Status == model.SandboxAbsent) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.restoreTimeout)
		defer cancel()
		if _, err := s.engine.RestoreSandbox(ctx, projectID); err != nil {
			s.logger.Warn().Err(err).Str("project_id", projectID).Msg("restoring sandbox for observer")
		}
	}()
}

// --- Helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

// fail maps an engine error to a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAlreadyCompleted), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrExpired):
		return http.StatusGone
	case errors.Is(err, engine.ErrQueueClosed), errors.Is(err, sandbox.ErrSandboxUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, id int64, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, string(data))
}
