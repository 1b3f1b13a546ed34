package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/aegis-sessions/internal/apperr"
	"github.com/telemyapp/aegis-sessions/internal/logger"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/model"
	"github.com/telemyapp/aegis-sessions/internal/session"
)

type Sessions interface {
	Create(ctx context.Context, in session.CreateInput) (string, error)
	Start(ctx context.Context, id, producerID string) error
	Pause(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context) ([]model.Session, error)
	ListByUser(ctx context.Context, userID int64) ([]model.Session, error)
	ListByConsumer(ctx context.Context, consumerID string) ([]model.Session, error)
	ListByProducer(ctx context.Context, producerID string) ([]model.Session, error)
}

type Telemetry interface {
	Submit(ctx context.Context, sessionID, rawStats string) error
}

type Server struct {
	sessions  Sessions
	telemetry Telemetry
	log       *logger.Logger
	metrics   *metrics.Registry
}

func NewRouter(log *logger.Logger, m *metrics.Registry, sessions Sessions, telemetry Telemetry) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.Default()
	}
	s := &Server{sessions: sessions, telemetry: telemetry, log: log, metrics: m}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	// create can wait on a cold-start container placement (run timeout 55s).
	r.Use(middleware.Timeout(90 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	r.Post("/sessions/create", s.handleCreate)
	r.Get("/sessions", s.handleList)
	r.Route("/sessions/{id}", func(sr chi.Router) {
		sr.Get("/", s.handleGet)
		sr.Post("/start", s.handleStart)
		sr.Post("/pause", s.handlePause)
		sr.Post("/close", s.handleClose)
		sr.Post("/stats", s.handleStats)
	})
	r.Get("/consumers/{id}/sessions", s.handleListByConsumer)
	r.Get("/producers/{id}/sessions", s.handleListByProducer)
	r.Get("/users/{id}/sessions", s.handleListByUser)

	return r
}

// instrument records request count and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}

type errorResponse struct {
	Code    int `json:"code"`
	Message any `json:"message"`
}

// writeError is the single place where error kinds become HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	mapping := apperr.MappingFor(kind)
	message := any(mapping.Message)
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.PublicMessage()
	}
	if kind == apperr.Unknown {
		s.log.Error("unhandled error",
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)
	}
	writeJSON(w, mapping.Status, errorResponse{Code: mapping.Code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
