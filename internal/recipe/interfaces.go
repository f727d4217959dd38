package recipe

import (
	"context"
	"time"
)

// ProviderConfigStore supplies read-only provider configuration. A missing
// provider is a fatal, non-retryable error (ErrProviderNotConfigured).
type ProviderConfigStore interface {
	GetByProviderID(ctx context.Context, id string) (ProviderConfiguration, error)
	GetAllEnabled(ctx context.Context) ([]ProviderConfiguration, error)
}

// BatchRepository persists RecipeBatch records.
type BatchRepository interface {
	Create(ctx context.Context, batch *RecipeBatch) error
	Update(ctx context.Context, batch *RecipeBatch) error
	GetByID(ctx context.Context, id string) (*RecipeBatch, error)
}

// RecipeRepository persists extracted recipes.
type RecipeRepository interface {
	Save(ctx context.Context, r *Recipe) error
}

// BlobStore writes raw scraped artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
