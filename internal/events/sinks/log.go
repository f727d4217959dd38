// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/events"
)

// LogSink emits structured logs for domain events. It is useful during
// development or audits where a durable sink is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.Time("occurred_at", evt.OccurredAt),
			zap.String("provider", evt.Provider),
			zap.String("correlation_id", evt.CorrelationID),
			zap.String("entity_id", evt.EntityID),
		}
		for k, v := range evt.Fields {
			fields = append(fields, zap.String(k, v))
		}
		s.logger.Info("domain event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
