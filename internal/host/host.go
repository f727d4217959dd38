// Package host initializes and holds the long-lived harvester services,
// acting as the dependency injection container for the CLI commands.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/api"
	"github.com/platefeed/recipe-harvester/internal/clock/system"
	"github.com/platefeed/recipe-harvester/internal/config"
	"github.com/platefeed/recipe-harvester/internal/discovery"
	"github.com/platefeed/recipe-harvester/internal/events"
	"github.com/platefeed/recipe-harvester/internal/events/sinks"
	"github.com/platefeed/recipe-harvester/internal/extract"
	iduuid "github.com/platefeed/recipe-harvester/internal/id/uuid"
	"github.com/platefeed/recipe-harvester/internal/logging"
	"github.com/platefeed/recipe-harvester/internal/metrics"
	"github.com/platefeed/recipe-harvester/internal/normalize"
	"github.com/platefeed/recipe-harvester/internal/ratelimit"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/saga"
	"github.com/platefeed/recipe-harvester/internal/stealth"
	"github.com/platefeed/recipe-harvester/internal/storage/gcs"
	"github.com/platefeed/recipe-harvester/internal/storage/memory"
	"github.com/platefeed/recipe-harvester/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// Host wires the harvester services together and runs them.
type Host struct {
	cfg       config.Config
	logger    *zap.Logger
	providers *config.ProviderStore
	orch      *saga.Orchestrator
	hub       *events.Hub
	server    *http.Server
	closers   []func(context.Context) error
}

// persistence bundles the repository implementations for one backend.
type persistence struct {
	states   saga.StateRepository
	fps      saga.FingerprintRepository
	batches  recipe.BatchRepository
	recipes  recipe.RecipeRepository
	mappings normalize.MappingStore
	reader   api.BatchReader
}

// New builds a fully wired Host from loaded configuration. It fails fast if
// any backend cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*Host, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	clock := system.New()
	ids := iduuid.New()
	providers := config.NewProviderStore(cfg)

	limiter := ratelimit.New(clock, ratelimit.Config{})
	enabled, err := providers.GetAllEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	for _, p := range enabled {
		limiter.RegisterPolicy(p.ID, p.RateLimit)
	}

	rotator, err := stealth.NewIdentityRotator(cfg.Stealth.Identities)
	if err != nil {
		return nil, fmt.Errorf("init identity rotator: %w", err)
	}
	client := stealth.New(providers, limiter, rotator, stealth.NewPacer(), logger,
		stealth.Config{AcquireBackoff: cfg.Stealth.AcquireBackoff})

	h := &Host{cfg: cfg, logger: logger, providers: providers}

	hubSinks := []events.Sink{
		sinks.NewLogSink(logger),
		sinks.NewPrometheusSink(),
	}
	if cfg.PubSub.Enabled {
		logger.Info("publishing domain events to pubsub",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
		pubsubSink, err := sinks.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		hubSinks = append(hubSinks, pubsubSink)
	}
	h.hub = events.NewHub(events.Config{Logger: logger}, hubSinks...)

	stores, err := h.buildPersistence(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := h.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	normalizer := normalize.New(stores.mappings, h.hub, clock, logger,
		normalize.Config{Capacity: cfg.Cache.Capacity, TTL: cfg.Cache.TTL})
	discoverer := discovery.New(client, logger)
	extractor := extract.New(clock, logger)

	h.orch = saga.New(
		providers, discoverer, client, extractor, normalizer,
		stores.fps, stores.states, stores.batches, stores.recipes, blobs,
		h.hub, clock, ids, logger,
		saga.Config{
			MaxRetries:  cfg.Saga.MaxRetries,
			RetryDelay:  cfg.Saga.RetryDelay,
			BlobPrefix:  cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
		},
	)

	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(h.orch, stores.reader, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h, nil
}

func (h *Host) buildPersistence(ctx context.Context) (persistence, error) {
	if h.cfg.DB.DSN == "" {
		h.logger.Info("using in-memory persistence")
		batches := memory.NewBatchStore()
		return persistence{
			states:   memory.NewSagaStore(),
			fps:      memory.NewFingerprintStore(),
			batches:  batches,
			recipes:  memory.NewRecipeStore(),
			mappings: memory.NewMappingStore(nil),
			reader:   batches,
		}, nil
	}

	h.logger.Info("connecting to postgres")
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      h.cfg.DB.DSN,
		MaxConns: int32(h.cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return persistence{}, err
	}
	if err := postgres.ApplySchema(ctx, pool); err != nil {
		pool.Close()
		return persistence{}, err
	}
	h.closers = append(h.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	batches := postgres.NewBatchStore(pool)
	return persistence{
		states:   postgres.NewSagaStore(pool),
		fps:      postgres.NewFingerprintStore(pool),
		batches:  batches,
		recipes:  postgres.NewRecipeStore(pool),
		mappings: postgres.NewMappingStore(pool),
		reader:   batches,
	}, nil
}

func (h *Host) buildBlobStore(ctx context.Context) (recipe.BlobStore, error) {
	if h.cfg.Storage.GCSBucket == "" {
		h.logger.Info("using in-memory blob store")
		return memory.NewBlobStore(), nil
	}
	h.logger.Info("using gcs blob store", zap.String("bucket", h.cfg.Storage.GCSBucket))
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	h.closers = append(h.closers, func(context.Context) error {
		return client.Close()
	})
	return gcs.New(client, gcs.Config{Bucket: h.cfg.Storage.GCSBucket})
}

// Logger returns the shared logger.
func (h *Host) Logger() *zap.Logger {
	return h.logger
}

// Orchestrator returns the saga orchestrator.
func (h *Host) Orchestrator() *saga.Orchestrator {
	return h.orch
}

// HarvestAll runs one harvest saga per enabled provider concurrently and
// returns provider to correlation ID. Individual saga failures are joined
// into the returned error; successful providers still appear in the map.
func (h *Host) HarvestAll(ctx context.Context) (map[string]string, error) {
	enabled, err := h.providers.GetAllEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(enabled))
		errs    []error
	)
	for _, p := range enabled {
		wg.Add(1)
		go func(p recipe.ProviderConfiguration) {
			defer wg.Done()
			correlationID, err := h.orch.StartProcessing(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			if correlationID != "" {
				results[p.ID] = correlationID
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
			}
		}(p)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// Run serves the HTTP API until the context is canceled, then shuts down
// cleanly.
func (h *Host) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("http server listening", zap.String("addr", h.server.Addr))
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("http shutdown", zap.Error(err))
	}
	return h.Close(shutdownCtx)
}

// Close flushes the event hub and releases backend resources.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if err := h.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, closeFn := range h.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
