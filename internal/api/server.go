// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/checkpoint"
	"github.com/JakeFAU/continuous-crawler/internal/controller"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/metrics"
	"github.com/JakeFAU/continuous-crawler/internal/middleware"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine is the controller surface the API drives.
type Engine interface {
	Status() controller.Status
	Build(ctx context.Context) error
	Launch(ctx context.Context) error
	Pause() error
	Unpause() error
	Checkpoint(ctx context.Context) (checkpoint.Metadata, error)
	Terminate() error
	Teardown(ctx context.Context) error
	ReportTo(reporter, kind string, w io.Writer) error
	QueueSummaries() []frontier.QueueSummary
}

// CheckpointLister lists checkpoints that can be recovered from.
type CheckpointLister interface {
	List(ctx context.Context) ([]checkpoint.Metadata, error)
}

// Options configures optional parts of the server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	// MetricsPath mounts the prometheus handler when set.
	MetricsPath string
	Checkpoints CheckpointLister
	Runs        *RunsHandler
}

// Server wires HTTP handlers to the crawl controller.
type Server struct {
	router      chi.Router
	engine      Engine
	checkpoints CheckpointLister
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		engine:      engine,
		checkpoints: opts.Checkpoints,
		logger:      logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/crawl", func(r chi.Router) {
			r.Get("/", s.status)
			r.Get("/phase", s.phase)
			r.Post("/build", s.build)
			r.Post("/launch", s.launch)
			r.Post("/pause", s.verb(func(*http.Request) error { return s.engine.Pause() }))
			r.Post("/unpause", s.verb(func(*http.Request) error { return s.engine.Unpause() }))
			r.Post("/terminate", s.verb(func(*http.Request) error { return s.engine.Terminate() }))
			r.Post("/teardown", s.verb(func(r *http.Request) error { return s.engine.Teardown(r.Context()) }))
			r.Post("/checkpoint", s.checkpoint)
			r.Get("/queues", s.queues)
			r.Get("/reports", s.reporters)
			r.Get("/reports/{reporter}", s.report)
		})
		r.Get("/checkpoints", s.listCheckpoints)
		if opts.Runs != nil {
			r.Get("/runs", opts.Runs.ListRuns)
			r.Get("/runs/{run_id}", opts.Runs.GetRun)
			r.Get("/runs/{run_id}/events", opts.Runs.ListEvents)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"phase":  string(s.engine.Status().Phase),
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) phase(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]string{
		"phase": string(st.Phase),
		"exit":  string(st.Exit),
	})
}

func (s *Server) build(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Build(r.Context())
	if err != nil && !errors.Is(err, controller.ErrInvalidPhase) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeVerbResult(w, err)
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Launch(r.Context())
	if err != nil && !errors.Is(err, controller.ErrInvalidPhase) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeVerbResult(w, err)
}

// verb adapts a controller verb whose only failure mode is misuse.
func (s *Server) verb(fn func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(r)
		if err != nil && !errors.Is(err, controller.ErrInvalidPhase) {
			s.logger.Error("verb failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeVerbResult(w, err)
	}
}

// writeVerbResult answers 202 with the current phase. Misuse is not a
// failure: it is reported as a notice.
func (s *Server) writeVerbResult(w http.ResponseWriter, err error) {
	body := map[string]string{"phase": string(s.engine.Status().Phase)}
	if err != nil {
		body["notice"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	meta, err := s.engine.Checkpoint(r.Context())
	switch {
	case errors.Is(err, controller.ErrCheckpointInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrInvalidPhase):
		s.writeVerbResult(w, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, meta)
	}
}

func (s *Server) queues(w http.ResponseWriter, _ *http.Request) {
	summaries := s.engine.QueueSummaries()
	if summaries == nil {
		summaries = []frontier.QueueSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": summaries})
}

func (s *Server) reporters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"reporters": controller.Reporters(),
		"kinds":     controller.ReportKinds(),
	})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	reporter := chi.URLParam(r, "reporter")
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	var buf strings.Builder
	if err := s.engine.ReportTo(reporter, kind, &buf); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, controller.ErrNotBuilt) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, buf.String()); err != nil {
		s.logger.Warn("write report failed", zap.Error(err))
	}
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoints unavailable")
		return
	}
	list, err := s.checkpoints.List(r.Context())
	if err != nil {
		s.logger.Error("list checkpoints failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if list == nil {
		list = []checkpoint.Metadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": list})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
