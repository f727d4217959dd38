// Package normalize maps provider-specific ingredient codes to canonical
// forms through a bounded LRU+TTL cache over the backing mapping store.
package normalize

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/events"
	"github.com/platefeed/recipe-harvester/internal/metrics"
	"github.com/platefeed/recipe-harvester/internal/recipe"
)

// MappingStore is the backing store of provider-code to canonical-form
// mappings.
type MappingStore interface {
	// Get returns the canonical form for (providerID, code), with found
	// false when no mapping exists.
	Get(ctx context.Context, providerID, code string) (canonical string, found bool, err error)
}

const (
	defaultCapacity = 1000
	defaultTTL      = time.Hour
)

// Config controls cache sizing.
type Config struct {
	Capacity int
	TTL      time.Duration
}

// entry caches either a known mapping or the knowledge that none exists, so
// repeatedly unmapped codes do not hammer the store.
type entry struct {
	canonical string
	mapped    bool
}

// Cache is the ingredient normalization cache. Lookups touch entries
// (most-recently-used first); insertions beyond capacity evict the least
// recently used entry.
type Cache struct {
	store     MappingStore
	publisher events.Publisher
	clock     recipe.Clock
	logger    *zap.Logger
	lru       *expirable.LRU[string, entry]
}

// New builds a Cache. A nil publisher suppresses mapping-missing
// notifications.
func New(store MappingStore, publisher events.Publisher, clock recipe.Clock, logger *zap.Logger, cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:     store,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		lru:       expirable.NewLRU[string, entry](cfg.Capacity, nil, cfg.TTL),
	}
}

// Normalize resolves one provider ingredient code to its canonical form.
// The boolean reports whether a mapping exists; a cached negative result
// also returns false without touching the store.
func (c *Cache) Normalize(ctx context.Context, providerID, code string) (string, bool, error) {
	key := cacheKey(providerID, code)
	if e, ok := c.lru.Get(key); ok {
		if e.mapped {
			metrics.ObserveNormalizeLookup("hit")
		} else {
			metrics.ObserveNormalizeLookup("negative_hit")
		}
		return e.canonical, e.mapped, nil
	}

	canonical, found, err := c.store.Get(ctx, providerID, code)
	if err != nil {
		return "", false, fmt.Errorf("lookup mapping %s/%s: %w", providerID, code, err)
	}
	if !found {
		metrics.ObserveNormalizeLookup("unmapped")
		c.lru.Add(key, entry{})
		c.publisher.Emit(events.Event{
			Type:       events.TypeMappingMissing,
			OccurredAt: c.clock.Now(),
			Provider:   providerID,
			Fields:     map[string]string{"code": code},
		})
		c.logger.Debug("ingredient mapping missing",
			zap.String("provider", providerID),
			zap.String("code", code),
		)
		return "", false, nil
	}

	metrics.ObserveNormalizeLookup("miss")
	c.lru.Add(key, entry{canonical: canonical, mapped: true})
	return canonical, true, nil
}

// NormalizeBatch resolves a set of codes, de-duplicating the input so
// repeated codes cost one lookup. The result contains only mapped codes; an
// empty input short-circuits without touching the store.
func (c *Cache) NormalizeBatch(ctx context.Context, providerID string, codes []string) (map[string]string, error) {
	out := make(map[string]string, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		canonical, found, err := c.Normalize(ctx, providerID, code)
		if err != nil {
			return nil, err
		}
		if found {
			out[code] = canonical
		}
	}
	return out, nil
}

// Len returns the number of resident cache entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func cacheKey(providerID, code string) string {
	return providerID + ":" + code
}
