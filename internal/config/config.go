// Package config loads and validates harvester configuration via Viper.
package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/platefeed/recipe-harvester/internal/recipe"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	DB        DBConfig                  `mapstructure:"db"`
	Storage   StorageConfig             `mapstructure:"storage"`
	PubSub    PubSubConfig              `mapstructure:"pubsub"`
	Saga      SagaConfig                `mapstructure:"saga"`
	Stealth   StealthConfig             `mapstructure:"stealth"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// StorageConfig sets paths and content types for raw content persistence.
// An empty bucket selects the in-memory blob store.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SagaConfig governs saga retry policy.
type SagaConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// StealthConfig governs outbound fetch behavior.
type StealthConfig struct {
	Identities     []string      `mapstructure:"identities"`
	AcquireBackoff time.Duration `mapstructure:"acquire_backoff"`
}

// CacheConfig sizes the ingredient normalization cache.
type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ProviderConfig describes one external recipe source site.
type ProviderConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	DiscoveryStrategy    string        `mapstructure:"discovery_strategy"`
	RecipeRootEndpoint   string        `mapstructure:"recipe_root_endpoint"`
	BatchSize            int           `mapstructure:"batch_size"`
	TimeWindow           time.Duration `mapstructure:"time_window"`
	MinDelay             time.Duration `mapstructure:"min_delay"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	RetryCount           int           `mapstructure:"retry_count"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("saga.max_retries", 3)
	v.SetDefault("saga.retry_delay", "5m")
	v.SetDefault("stealth.identities", []string{
		"platefeed-harvester/1.0 (+https://platefeed.dev/bot)",
	})
	v.SetDefault("stealth.acquire_backoff", "2s")
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.ttl", "1h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Stealth.Identities) == 0 {
		return fmt.Errorf("stealth.identities must not be empty")
	}
	if c.Saga.MaxRetries <= 0 {
		return fmt.Errorf("saga.max_retries must be > 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.RecipeRootEndpoint == "" {
			return fmt.Errorf("providers.%s.recipe_root_endpoint must be set", id)
		}
		if p.BatchSize <= 0 {
			return fmt.Errorf("providers.%s.batch_size must be > 0", id)
		}
		if p.MaxRequestsPerMinute <= 0 {
			return fmt.Errorf("providers.%s.max_requests_per_minute must be > 0", id)
		}
	}
	return nil
}

// ProviderStore adapts the Providers section to the pipeline's read-only
// provider configuration contract.
type ProviderStore struct {
	byID map[string]recipe.ProviderConfiguration
}

// NewProviderStore builds a ProviderStore from loaded configuration.
func NewProviderStore(cfg Config) *ProviderStore {
	byID := make(map[string]recipe.ProviderConfiguration, len(cfg.Providers))
	for id, p := range cfg.Providers {
		byID[id] = recipe.ProviderConfiguration{
			ID:                 id,
			Enabled:            p.Enabled,
			DiscoveryStrategy:  p.DiscoveryStrategy,
			RecipeRootEndpoint: p.RecipeRootEndpoint,
			BatchSize:          p.BatchSize,
			TimeWindow:         p.TimeWindow,
			RateLimit: recipe.RateLimitPolicy{
				MinDelay:             p.MinDelay,
				MaxRequestsPerMinute: p.MaxRequestsPerMinute,
				RetryCount:           p.RetryCount,
				RequestTimeout:       p.RequestTimeout,
			},
		}
	}
	return &ProviderStore{byID: byID}
}

// GetByProviderID returns one provider configuration.
func (s *ProviderStore) GetByProviderID(_ context.Context, id string) (recipe.ProviderConfiguration, error) {
	cfg, ok := s.byID[id]
	if !ok {
		return recipe.ProviderConfiguration{}, fmt.Errorf("provider %q: %w", id, recipe.ErrProviderNotConfigured)
	}
	return cfg, nil
}

// GetAllEnabled returns the enabled providers in stable ID order.
func (s *ProviderStore) GetAllEnabled(context.Context) ([]recipe.ProviderConfiguration, error) {
	out := make([]recipe.ProviderConfiguration, 0, len(s.byID))
	for _, cfg := range s.byID {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
