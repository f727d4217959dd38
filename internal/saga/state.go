// Package saga implements the resumable, checkpointed harvest workflow: the
// SagaState aggregate and the orchestrator that drives batches through it.
package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/platefeed/recipe-harvester/internal/events"
)

// Status represents the lifecycle state of a saga run.
type Status string

// Saga statuses. Transitions are monotonic except for explicit resume/retry.
const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Phase labels the pipeline stage a saga is currently executing.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseDiscovery   Phase = "discovery"
	PhaseFetch       Phase = "fetch"
	PhaseFingerprint Phase = "fingerprint"
	PhaseExtract     Phase = "extract"
	PhaseNormalize   Phase = "normalize"
	PhasePersist     Phase = "persist"
)

// TypeProviderHarvest is the saga type for a provider batch harvest run.
const TypeProviderHarvest = "provider_harvest"

// ErrInvalidTransition signals a status transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid saga transition")

// ErrRetryExhausted signals that a failed saga has used up its retry budget
// and requires an operator reset.
var ErrRetryExhausted = errors.New("saga retry budget exhausted")

// providerIDKey is the StateData key holding the provider this saga serves.
const providerIDKey = "provider_id"

// Metrics accumulates saga-level observability counters.
type Metrics struct {
	ItemsProcessed      int64              `json:"items_processed"`
	ItemsFailed         int64              `json:"items_failed"`
	TotalUpdates        int64              `json:"total_updates"`
	FailureCount        int                `json:"failure_count"`
	TotalProcessingTime time.Duration      `json:"total_processing_time"`
	LastProgressUpdate  time.Time          `json:"last_progress_update"`
	Additional          map[string]float64 `json:"additional,omitempty"`
}

// State is the persisted saga aggregate. It is mutated only by the
// orchestrator through the transition methods below; direct field writes are
// reserved for ReconstituteState.
type State struct {
	ID             string
	SagaType       string
	CorrelationID  string
	Status         Status
	CurrentPhase   string
	PhaseProgress  int
	StateData      map[string]string
	CheckpointData map[string]string
	Metrics        Metrics
	ErrorMessage   string
	ErrorTrace     string
	CreatedAt      time.Time
	StartedAt      *time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time

	pending []events.Event
}

// NewState creates a saga in Created status for the given provider.
func NewState(id, correlationID, providerID string, now time.Time) *State {
	return &State{
		ID:             id,
		SagaType:       TypeProviderHarvest,
		CorrelationID:  correlationID,
		Status:         StatusCreated,
		StateData:      map[string]string{providerIDKey: providerID},
		CheckpointData: map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ReconstituteState rebuilds a saga from persisted fields, bypassing
// invariant checks and emitting no events.
func ReconstituteState(
	id, sagaType, correlationID string,
	status Status,
	currentPhase string,
	phaseProgress int,
	stateData, checkpointData map[string]string,
	metrics Metrics,
	errMsg, errTrace string,
	createdAt time.Time,
	startedAt *time.Time,
	updatedAt time.Time,
	completedAt *time.Time,
) *State {
	if stateData == nil {
		stateData = map[string]string{}
	}
	if checkpointData == nil {
		checkpointData = map[string]string{}
	}
	return &State{
		ID:             id,
		SagaType:       sagaType,
		CorrelationID:  correlationID,
		Status:         status,
		CurrentPhase:   currentPhase,
		PhaseProgress:  phaseProgress,
		StateData:      stateData,
		CheckpointData: checkpointData,
		Metrics:        metrics,
		ErrorMessage:   errMsg,
		ErrorTrace:     errTrace,
		CreatedAt:      createdAt,
		StartedAt:      startedAt,
		UpdatedAt:      updatedAt,
		CompletedAt:    completedAt,
	}
}

// ProviderID returns the provider this saga serves.
func (s *State) ProviderID() string {
	return s.StateData[providerIDKey]
}

// Start moves a Created saga to Running.
func (s *State) Start(now time.Time) error {
	if s.Status != StatusCreated {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusRunning
	started := now
	s.StartedAt = &started
	s.UpdatedAt = now
	s.record(events.TypeSagaStarted, now, nil)
	return nil
}

// Checkpoint records phase progress and merges the opaque checkpoint blob.
// The caller must persist the state before acting on the new phase; a crash
// then loses at most one unit of work.
func (s *State) Checkpoint(phase Phase, progress int, data map[string]string, now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: checkpoint while %s", ErrInvalidTransition, s.Status)
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("phase progress %d out of range [0,100]", progress)
	}
	phaseChanged := s.CurrentPhase != string(phase)
	s.CurrentPhase = string(phase)
	s.PhaseProgress = progress
	for k, v := range data {
		s.CheckpointData[k] = v
	}
	s.Metrics.TotalUpdates++
	s.Metrics.LastProgressUpdate = now
	s.UpdatedAt = now
	if phaseChanged {
		s.record(events.TypeSagaPhaseChanged, now, map[string]string{
			"phase":    string(phase),
			"progress": fmt.Sprintf("%d", progress),
		})
	}
	return nil
}

// Pause suspends a Running saga so it can be resumed from its last
// checkpoint. Used on cooperative cancellation.
func (s *State) Pause(now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusPaused
	s.UpdatedAt = now
	return nil
}

// Complete terminally finishes a Running saga.
func (s *State) Complete(now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCompleted
	completed := now
	s.CompletedAt = &completed
	s.CurrentPhase = string(PhasePersist)
	s.PhaseProgress = 100
	s.UpdatedAt = now
	s.record(events.TypeSagaCompleted, now, nil)
	return nil
}

// Fail records the failure reason and moves the saga to Failed. It never
// retries by itself; retry is a separate, explicit Resume invocation.
func (s *State) Fail(errMsg, errTrace string, now time.Time) error {
	if s.Status != StatusRunning && s.Status != StatusCreated {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusFailed
	s.ErrorMessage = errMsg
	s.ErrorTrace = errTrace
	s.Metrics.FailureCount++
	s.UpdatedAt = now
	s.record(events.TypeSagaFailed, now, map[string]string{"error": errMsg})
	return nil
}

// CanRetry reports whether a failed saga may be resumed: the retry budget is
// not exhausted and the cooldown since the failure has elapsed.
func (s *State) CanRetry(maxRetries int, retryDelay time.Duration, now time.Time) bool {
	if s.Status != StatusFailed {
		return false
	}
	if s.Metrics.FailureCount >= maxRetries {
		return false
	}
	return now.Sub(s.UpdatedAt) >= retryDelay
}

// Resume moves a Paused or retryable Failed saga back to Running. A Failed
// saga past its retry budget returns ErrRetryExhausted and stays Failed.
func (s *State) Resume(maxRetries int, retryDelay time.Duration, now time.Time) error {
	switch s.Status {
	case StatusPaused:
	case StatusFailed:
		if s.Metrics.FailureCount >= maxRetries {
			return fmt.Errorf("%w: %d failures, max %d", ErrRetryExhausted, s.Metrics.FailureCount, maxRetries)
		}
		if since := now.Sub(s.UpdatedAt); since < retryDelay {
			return fmt.Errorf("%w: retry cooldown %s not elapsed (%s since failure)",
				ErrInvalidTransition, retryDelay, since)
		}
	default:
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusRunning
	s.ErrorMessage = ""
	s.ErrorTrace = ""
	s.UpdatedAt = now
	s.record(events.TypeSagaResumed, now, map[string]string{
		"phase": s.CurrentPhase,
	})
	return nil
}

// RecordItem folds one batch item outcome into the saga metrics.
func (s *State) RecordItem(succeeded bool, took time.Duration, now time.Time) {
	if succeeded {
		s.Metrics.ItemsProcessed++
	} else {
		s.Metrics.ItemsFailed++
	}
	s.Metrics.TotalProcessingTime += took
	s.Metrics.LastProgressUpdate = now
	s.UpdatedAt = now
}

// DrainEvents returns the buffered domain events and clears the buffer.
func (s *State) DrainEvents() []events.Event {
	drained := s.pending
	s.pending = nil
	return drained
}

func (s *State) record(t events.Type, now time.Time, fields map[string]string) {
	s.pending = append(s.pending, events.Event{
		Type:          t,
		OccurredAt:    now,
		Provider:      s.ProviderID(),
		CorrelationID: s.CorrelationID,
		EntityID:      s.ID,
		Fields:        fields,
	})
}
