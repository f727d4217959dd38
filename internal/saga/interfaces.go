package saga

import (
	"context"

	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/stealth"
)

// Fetcher performs one polite outbound fetch (the stealth client in
// production).
type Fetcher interface {
	Fetch(ctx context.Context, url, providerID string) (stealth.Response, error)
}

// Discoverer finds the candidate recipe URLs for one provider window.
type Discoverer interface {
	Discover(ctx context.Context, cfg recipe.ProviderConfiguration) ([]string, error)
}

// Extractor turns scraped content into a structured recipe. It is a black
// box to the orchestrator, which only invokes it on fingerprints that are
// ReadyForProcessing.
type Extractor interface {
	Extract(ctx context.Context, rawContent []byte, url string) (*recipe.Recipe, error)
	CanExtract(fp *fingerprint.Fingerprint) bool
	Confidence(fp *fingerprint.Fingerprint) float64
}

// Normalizer resolves provider ingredient codes to canonical forms.
type Normalizer interface {
	NormalizeBatch(ctx context.Context, providerID string, codes []string) (map[string]string, error)
}

// StateRepository persists saga state. Writes must be durable before a
// checkpoint is considered complete.
type StateRepository interface {
	Create(ctx context.Context, st *State) error
	Update(ctx context.Context, st *State) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*State, error)
}

// FingerprintRepository persists scrape fingerprints keyed by the
// normalized-URL hash.
type FingerprintRepository interface {
	Save(ctx context.Context, fp *fingerprint.Fingerprint) error
	GetByHash(ctx context.Context, hash string) (*fingerprint.Fingerprint, error)
}
