package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/config"
	"github.com/JakeFAU/navtrack/internal/metrics"
	"github.com/JakeFAU/navtrack/internal/policy/ratelimit"
	"github.com/JakeFAU/navtrack/internal/storage"
	"github.com/JakeFAU/navtrack/internal/track"
	"github.com/JakeFAU/navtrack/internal/upload"
)

const (
	maxUploadBytes        = 8 << 20
	defaultRequestTimeout = 15 * time.Second
)

// Deps are the collaborators of the collector service.
type Deps struct {
	Store     storage.UploadStore
	Validator *upload.Validator
	Clock     track.Clock
	// Metrics and Gatherer are optional; /metrics is only mounted when
	// Gatherer is set.
	Metrics  *metrics.HTTP
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the upload store.
type Server struct {
	router    chi.Router
	store     storage.UploadStore
	validator *upload.Validator
	clock     track.Clock
	metrics   *metrics.HTTP
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("upload store is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     deps.Store,
		validator: deps.Validator,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    logger.Named("api"),
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimitQPS > 0 {
			r.Use(rateLimitMiddleware(ratelimit.New(ratelimit.Config{
				DefaultRPS:   cfg.RateLimitQPS,
				DefaultBurst: cfg.RateLimitBurst,
			})))
		}
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.createUpload)
			r.Get("/{upload_id}", s.getUpload)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	var req track.UploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.observe("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	switch {
	case key == "" && req.UploadID == "":
		s.observe("invalid")
		writeError(w, http.StatusBadRequest, "Idempotency-Key header or upload_id required")
		return
	case req.UploadID == "":
		req.UploadID = key
	case key != "" && key != req.UploadID:
		s.observe("invalid")
		writeError(w, http.StatusBadRequest, "Idempotency-Key does not match upload_id")
		return
	}

	session := track.Session{
		SessionID: req.SessionID,
		TestName:  req.TestName,
		SpecFile:  req.SpecFile,
		Records:   req.Records,
	}
	if reason, detail := s.validator.Check(session); reason != "" {
		s.observe("invalid")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": detail, "reason": reason})
		return
	}

	duplicate, err := s.store.SaveUpload(r.Context(), storage.Upload{
		UploadID:    req.UploadID,
		TestID:      req.TestID,
		SessionID:   req.SessionID,
		SpecFile:    req.SpecFile,
		TestName:    req.TestName,
		Navigations: len(req.Records),
		Payload:     body,
		ReceivedAt:  s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("save upload failed", zap.String("upload_id", req.UploadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	status := http.StatusCreated
	result := "stored"
	if duplicate {
		status = http.StatusOK
		result = "duplicate"
	}
	s.observe(result)
	s.logger.Info("upload received",
		zap.String("upload_id", req.UploadID),
		zap.String("session_id", req.SessionID),
		zap.Int("navigations", len(req.Records)),
		zap.Bool("duplicate", duplicate),
	)
	writeJSON(w, status, track.UploadResult{UploadID: req.UploadID, Accepted: true, Duplicate: duplicate})
}

func (s *Server) getUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "upload_id")
	u, err := s.store.GetUpload(r.Context(), uploadID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load upload: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) observe(result string) {
	if s.metrics != nil {
		s.metrics.ObserveUpload(result)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
