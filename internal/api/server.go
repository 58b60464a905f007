package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/artifact"
	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/metrics"
)

const requestTimeout = 30 * time.Second

// Service is the engine surface the handlers drive.
type Service interface {
	Submit(ctx context.Context, company lookup.Company, principalID string) (lookup.Job, error)
	Job(ctx context.Context, id string) (lookup.Job, error)
	History(ctx context.Context, principalID string) ([]lookup.Job, error)
	RateLimitState(principalID string) lookup.RateLimitState
	Artifact(ctx context.Context, hash string) ([]byte, error)
	Principal() lookup.Principal
}

// Config holds HTTP-facing settings.
type Config struct {
	// CORSOrigin is the single browser origin allowed to call the API.
	CORSOrigin string
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	svc    Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware(cfg.CORSOrigin))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Use(principalMiddleware(svc.Principal))
		r.Get("/me", s.me)
		r.Get("/limits", s.limits)
		r.Post("/search", s.search)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/history", s.history)
		r.Get("/pdf/{docId}", s.pdf)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type usage struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Usage usage  `json:"usage"`
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	state := s.svc.RateLimitState(p.ID)
	writeJSON(w, http.StatusOK, meResponse{
		ID:    p.ID,
		Email: p.Email,
		Role:  p.Role,
		Usage: usage{Current: state.UserCurrent, Limit: state.UserMax},
	})
}

func (s *Server) limits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RateLimitState(principalFrom(r.Context()).ID))
}

type searchRequest struct {
	Company *lookup.Company `json:"company"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Company == nil {
		writeErrorCode(w, http.StatusBadRequest, lookup.KindBadRequest)
		return
	}
	job, err := s.svc.Submit(r.Context(), *req.Company, principalFrom(r.Context()).ID)
	if err != nil {
		kind := lookup.KindOf(err)
		switch kind {
		case lookup.KindBadRequest:
			writeErrorCode(w, http.StatusBadRequest, kind)
		case lookup.KindRateLimit:
			writeErrorCode(w, http.StatusTooManyRequests, kind)
		default:
			s.logger.Error("submit lookup failed", zap.Error(err))
			writeErrorCode(w, http.StatusInternalServerError, lookup.KindProviderError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, lookup.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, lookup.KindNotFound)
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeErrorCode(w, http.StatusInternalServerError, lookup.KindProviderError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.History(r.Context(), principalFrom(r.Context()).ID)
	if err != nil {
		s.logger.Error("list history failed", zap.Error(err))
		writeErrorCode(w, http.StatusInternalServerError, lookup.KindProviderError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) pdf(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	if !artifact.ValidHash(docID) {
		http.Error(w, "Invalid document ID format.", http.StatusBadRequest)
		return
	}
	data, err := s.svc.Artifact(r.Context(), docID)
	if err != nil {
		if errors.Is(err, lookup.ErrNotFound) {
			http.Error(w, "Document not found.", http.StatusNotFound)
			return
		}
		s.logger.Error("read document failed", zap.String("doc_id", docID), zap.Error(err))
		http.Error(w, "Streaming error.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="Handelsregister_AD_`+docID[:8]+`.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write document failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeErrorCode(w http.ResponseWriter, status int, kind lookup.ErrorKind) {
	writeJSON(w, status, map[string]string{"errorCode": string(kind)})
}
