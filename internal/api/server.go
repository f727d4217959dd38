// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/metrics"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/saga"
)

const requestTimeout = 60 * time.Second

// Orchestrator is the saga surface the API drives.
type Orchestrator interface {
	StartProcessing(ctx context.Context, providerID string) (string, error)
	ResumeProcessing(ctx context.Context, correlationID string) error
	GetStatus(ctx context.Context, correlationID string) (*saga.State, error)
}

// BatchReader reads recipe batches.
type BatchReader interface {
	GetByID(ctx context.Context, id string) (*recipe.RecipeBatch, error)
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router  chi.Router
	orch    Orchestrator
	batches BatchReader
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch Orchestrator, batches BatchReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:    orch,
		batches: batches,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/providers/{provider_id}/harvest", s.startHarvest)
		r.Route("/sagas/{correlation_id}", func(r chi.Router) {
			r.Get("/", s.getSagaStatus)
			r.Post("/resume", s.resumeSaga)
		})
		r.Get("/batches/{batch_id}", s.getBatch)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type harvestResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) startHarvest(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider_id")
	correlationID, err := s.orch.StartProcessing(r.Context(), providerID)
	if err != nil {
		if errors.Is(err, recipe.ErrProviderNotConfigured) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if correlationID == "" {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// The saga ran and failed; its state is durable and resumable.
		writeJSON(w, http.StatusOK, harvestResponse{
			CorrelationID: correlationID,
			Status:        string(saga.StatusFailed),
			Error:         err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, harvestResponse{
		CorrelationID: correlationID,
		Status:        string(saga.StatusCompleted),
	})
}

func (s *Server) resumeSaga(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlation_id")
	err := s.orch.ResumeProcessing(r.Context(), correlationID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, harvestResponse{
			CorrelationID: correlationID,
			Status:        string(saga.StatusCompleted),
		})
	case errors.Is(err, recipe.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, saga.ErrRetryExhausted), errors.Is(err, saga.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, harvestResponse{
			CorrelationID: correlationID,
			Status:        string(saga.StatusFailed),
			Error:         err.Error(),
		})
	}
}

type sagaStatusResponse struct {
	SagaID        string            `json:"saga_id"`
	CorrelationID string            `json:"correlation_id"`
	ProviderID    string            `json:"provider_id"`
	Status        string            `json:"status"`
	CurrentPhase  string            `json:"current_phase"`
	PhaseProgress int               `json:"phase_progress"`
	Metrics       saga.Metrics      `json:"metrics"`
	Checkpoint    map[string]string `json:"checkpoint,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

func (s *Server) getSagaStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlation_id")
	st, err := s.orch.GetStatus(r.Context(), correlationID)
	if err != nil {
		if errors.Is(err, recipe.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sagaStatusResponse{
		SagaID:        st.ID,
		CorrelationID: st.CorrelationID,
		ProviderID:    st.ProviderID(),
		Status:        string(st.Status),
		CurrentPhase:  st.CurrentPhase,
		PhaseProgress: st.PhaseProgress,
		Metrics:       st.Metrics,
		Checkpoint:    st.CheckpointData,
		ErrorMessage:  st.ErrorMessage,
		CreatedAt:     st.CreatedAt,
		StartedAt:     st.StartedAt,
		CompletedAt:   st.CompletedAt,
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	batch, err := s.batches.GetByID(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, recipe.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, batch)
}
