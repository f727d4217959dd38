// Package events defines the domain events emitted by pipeline transitions
// and the hub that fans them out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type names a domain event.
type Type string

// Event types emitted by the fingerprint and saga aggregates and by the
// ingredient normalization cache.
const (
	TypeFingerprintCreated        Type = "fingerprint.created"
	TypeFingerprintFailed         Type = "fingerprint.failed"
	TypeFingerprintQualityUpdated Type = "fingerprint.quality_updated"
	TypeFingerprintProcessed      Type = "fingerprint.processed"
	TypeFingerprintBlocked        Type = "fingerprint.blocked"
	TypeFingerprintRetrySucceeded Type = "fingerprint.retry_succeeded"
	TypeFingerprintRetryFailed    Type = "fingerprint.retry_failed"

	TypeSagaStarted      Type = "saga.started"
	TypeSagaPhaseChanged Type = "saga.phase_changed"
	TypeSagaCompleted    Type = "saga.completed"
	TypeSagaFailed       Type = "saga.failed"
	TypeSagaResumed      Type = "saga.resumed"

	TypeMappingMissing Type = "ingredient.mapping_missing"
)

// Event captures one domain transition. Fields carries low-cardinality
// string context (reason, phase, url) specific to the event type.
type Event struct {
	Type          Type              `json:"type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Provider      string            `json:"provider,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	EntityID      string            `json:"entity_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event %q requires a timestamp", e.Type)
	}
	return nil
}

// Publisher is the fire-and-forget sink contract used by pipeline components.
// Implementations must never block the caller.
type Publisher interface {
	Emit(evt Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Emit discards the event.
func (NopPublisher) Emit(Event) {}
