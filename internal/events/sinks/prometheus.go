package sinks

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/platefeed/recipe-harvester/internal/events"
)

var (
	domainEventsTotal *prometheus.CounterVec
	promSinkOnce      sync.Once
)

// PrometheusSink counts domain events by type and provider.
type PrometheusSink struct{}

// NewPrometheusSink registers the collectors (once) and returns a sink.
func NewPrometheusSink() *PrometheusSink {
	promSinkOnce.Do(func() {
		domainEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_domain_events_total",
				Help: "Total domain events emitted, labeled by type and provider.",
			},
			[]string{"type", "provider"},
		)
	})
	return &PrometheusSink{}
}

// Consume increments the event counter for each event in the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		provider := evt.Provider
		if provider == "" {
			provider = "unknown"
		}
		domainEventsTotal.WithLabelValues(string(evt.Type), provider).Inc()
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
