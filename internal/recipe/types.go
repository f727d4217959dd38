// Package recipe defines core types shared across the harvest pipeline.
package recipe

import "time"

// RateLimitPolicy holds the per-provider politeness knobs.
type RateLimitPolicy struct {
	// MinDelay is the base delay applied before each fetch (jittered ±20%).
	MinDelay time.Duration `json:"min_delay"`
	// MaxRequestsPerMinute sizes the provider's token bucket.
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`
	// RetryCount bounds saga-level retries of transient fetch failures.
	RetryCount int `json:"retry_count"`
	// RequestTimeout bounds a single outbound fetch.
	RequestTimeout time.Duration `json:"request_timeout"`
}

// ProviderConfiguration describes one external recipe source site. It is
// read-only to the pipeline; the config store owns its lifecycle.
type ProviderConfiguration struct {
	ID                 string          `json:"id"`
	Enabled            bool            `json:"enabled"`
	DiscoveryStrategy  string          `json:"discovery_strategy"`
	RecipeRootEndpoint string          `json:"recipe_root_endpoint"`
	BatchSize          int             `json:"batch_size"`
	TimeWindow         time.Duration   `json:"time_window"`
	RateLimit          RateLimitPolicy `json:"rate_limit"`
}

// BatchStatus represents the lifecycle state of a RecipeBatch.
type BatchStatus string

// Batch status values persisted in the batch store.
const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// RecipeBatch tracks one provider run window. The orchestrator creates it at
// the start of a window, updates counters as items complete, and never touches
// it again once completed.
type RecipeBatch struct {
	ID             string        `json:"id"`
	ProviderID     string        `json:"provider_id"`
	BatchSize      int           `json:"batch_size"`
	TimeWindow     time.Duration `json:"time_window"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ProcessedCount int           `json:"processed_count"`
	SkippedCount   int           `json:"skipped_count"`
	FailedCount    int           `json:"failed_count"`
	Status         BatchStatus   `json:"status"`
	ProcessedURLs  []string      `json:"processed_urls"`
	FailedURLs     []string      `json:"failed_urls"`
}

// Ingredient is a single recipe line item. ProviderCode is the source site's
// internal identifier; Canonical is nil until normalization maps it.
type Ingredient struct {
	ProviderCode string  `json:"provider_code"`
	Name         string  `json:"name"`
	Quantity     string  `json:"quantity,omitempty"`
	Canonical    *string `json:"canonical,omitempty"`
}

// Recipe is the extracted, normalized output persisted at the end of the
// pipeline. The extraction heuristics producing it live outside this module.
type Recipe struct {
	ID          string       `json:"id"`
	ProviderID  string       `json:"provider_id"`
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	Ingredients []Ingredient `json:"ingredients"`
	ExtractedAt time.Time    `json:"extracted_at"`
}
