package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/events"
	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/hash/sha256"
	"github.com/platefeed/recipe-harvester/internal/metrics"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/stealth"
)

// Checkpoint data keys. The blob is opaque to the repository; only the
// orchestrator reads them back.
const (
	checkpointURLs      = "urls"
	checkpointNextIndex = "next_index"
	checkpointBatchID   = "batch_id"
)

const (
	defaultMaxRetries   = 3
	defaultRetryDelay   = 5 * time.Minute
	defaultBlobPrefix   = "raw"
	defaultContentType  = "text/html; charset=utf-8"
	transientRetryDelay = time.Second
)

// Config controls orchestrator retry policy and blob layout.
type Config struct {
	// MaxRetries bounds how many failures a saga may accumulate before a
	// resume is refused.
	MaxRetries int
	// RetryDelay is the cooldown a failed saga must wait before a resume.
	RetryDelay time.Duration
	// BlobPrefix prefixes raw content object paths.
	BlobPrefix string
	// ContentType is attached to stored raw content objects.
	ContentType string
}

// Item processing outcomes folded into batch counters.
const (
	outcomeProcessed = "processed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Orchestrator drives one provider harvest through the pipeline phases,
// persisting a checkpoint before each step so a crash or cancellation loses
// at most one item of work.
type Orchestrator struct {
	providers    recipe.ProviderConfigStore
	discoverer   Discoverer
	fetcher      Fetcher
	extractor    Extractor
	normalizer   Normalizer
	fingerprints FingerprintRepository
	states       StateRepository
	batches      recipe.BatchRepository
	recipes      recipe.RecipeRepository
	blobs        recipe.BlobStore
	publisher    events.Publisher
	clock        recipe.Clock
	ids          recipe.IDGenerator
	logger       *zap.Logger
	cfg          Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Orchestrator.
func New(
	providers recipe.ProviderConfigStore,
	discoverer Discoverer,
	fetcher Fetcher,
	extractor Extractor,
	normalizer Normalizer,
	fingerprints FingerprintRepository,
	states StateRepository,
	batches recipe.BatchRepository,
	recipes recipe.RecipeRepository,
	blobs recipe.BlobStore,
	publisher events.Publisher,
	clock recipe.Clock,
	ids recipe.IDGenerator,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = defaultBlobPrefix
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		providers:    providers,
		discoverer:   discoverer,
		fetcher:      fetcher,
		extractor:    extractor,
		normalizer:   normalizer,
		fingerprints: fingerprints,
		states:       states,
		batches:      batches,
		recipes:      recipes,
		blobs:        blobs,
		publisher:    publisher,
		clock:        clock,
		ids:          ids,
		logger:       logger,
		cfg:          cfg,
		sleep:        sleepContext,
	}
}

// StartProcessing creates and runs a new harvest saga for the provider,
// returning its correlation ID. The run is synchronous; the returned error
// reflects the run outcome, and the saga state records it durably either way.
func (o *Orchestrator) StartProcessing(ctx context.Context, providerID string) (string, error) {
	providerCfg, err := o.providers.GetByProviderID(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("load provider config %q: %w", providerID, err)
	}

	sagaID, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate saga id: %w", err)
	}
	correlationID, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate correlation id: %w", err)
	}

	now := o.clock.Now()
	st := NewState(sagaID, correlationID, providerID, now)
	if err := o.states.Create(ctx, st); err != nil {
		return "", fmt.Errorf("create saga state: %w", err)
	}
	if err := st.Start(o.clock.Now()); err != nil {
		return correlationID, err
	}
	if err := o.persist(ctx, st); err != nil {
		return correlationID, err
	}

	o.logger.Info("saga started",
		zap.String("saga_id", sagaID),
		zap.String("correlation_id", correlationID),
		zap.String("provider", providerID),
	)
	return correlationID, o.runSaga(ctx, st, providerCfg)
}

// ResumeProcessing resumes a paused or retryable failed saga from its last
// checkpoint. A saga past its retry budget returns ErrRetryExhausted and is
// left untouched.
func (o *Orchestrator) ResumeProcessing(ctx context.Context, correlationID string) error {
	st, err := o.states.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("load saga %q: %w", correlationID, err)
	}
	providerCfg, err := o.providers.GetByProviderID(ctx, st.ProviderID())
	if err != nil {
		return fmt.Errorf("load provider config %q: %w", st.ProviderID(), err)
	}

	if err := st.Resume(o.cfg.MaxRetries, o.cfg.RetryDelay, o.clock.Now()); err != nil {
		return err
	}
	if err := o.persist(ctx, st); err != nil {
		return err
	}

	o.logger.Info("saga resumed",
		zap.String("correlation_id", correlationID),
		zap.String("phase", st.CurrentPhase),
		zap.Int("progress", st.PhaseProgress),
	)
	return o.runSaga(ctx, st, providerCfg)
}

// GetStatus returns the persisted state of a saga.
func (o *Orchestrator) GetStatus(ctx context.Context, correlationID string) (*State, error) {
	st, err := o.states.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("load saga %q: %w", correlationID, err)
	}
	return st, nil
}

// runSaga executes the pipeline from the saga's current checkpoint onward.
func (o *Orchestrator) runSaga(ctx context.Context, st *State, providerCfg recipe.ProviderConfiguration) error {
	metrics.SagaStarted()
	defer metrics.SagaFinished()

	urls, err := o.discoverPhase(ctx, st, providerCfg)
	if err != nil {
		return o.finishWithError(ctx, st, err)
	}

	batch, err := o.ensureBatch(ctx, st, providerCfg)
	if err != nil {
		return o.finishWithError(ctx, st, err)
	}

	nextIndex := 0
	if raw, ok := st.CheckpointData[checkpointNextIndex]; ok {
		nextIndex, err = strconv.Atoi(raw)
		if err != nil {
			return o.finishWithError(ctx, st, fmt.Errorf("corrupt checkpoint next_index %q: %w", raw, err))
		}
	}

	for i := nextIndex; i < len(urls); i++ {
		if ctx.Err() != nil {
			return o.pause(ctx, st)
		}

		started := o.clock.Now()
		outcome, itemErr := o.processItem(ctx, st, providerCfg, i, len(urls), urls[i])
		if itemErr != nil {
			if errors.Is(itemErr, context.Canceled) || errors.Is(itemErr, context.DeadlineExceeded) {
				return o.pause(ctx, st)
			}
			if errors.Is(itemErr, recipe.ErrProviderNotConfigured) {
				return o.finishWithError(ctx, st, itemErr)
			}
			// Item-level failures never abort the batch.
			o.logger.Warn("batch item failed",
				zap.String("correlation_id", st.CorrelationID),
				zap.String("url", urls[i]),
				zap.Error(itemErr),
			)
			outcome = outcomeFailed
		}

		switch outcome {
		case outcomeProcessed:
			batch.ProcessedCount++
			batch.ProcessedURLs = append(batch.ProcessedURLs, urls[i])
		case outcomeSkipped:
			batch.SkippedCount++
		case outcomeFailed:
			batch.FailedCount++
			batch.FailedURLs = append(batch.FailedURLs, urls[i])
		}
		metrics.ObserveBatchItem(providerCfg.ID, outcome)
		st.RecordItem(outcome == outcomeProcessed, o.clock.Now().Sub(started), o.clock.Now())

		if err := o.batches.Update(ctx, batch); err != nil {
			return o.finishWithError(ctx, st, fmt.Errorf("update batch %s: %w", batch.ID, err))
		}
		if err := o.checkpoint(ctx, st, PhasePersist, itemProgress(i+1, len(urls)), map[string]string{
			checkpointNextIndex: strconv.Itoa(i + 1),
		}); err != nil {
			return o.finishWithError(ctx, st, err)
		}
	}

	completed := o.clock.Now()
	batch.Status = recipe.BatchStatusCompleted
	batch.CompletedAt = &completed
	if err := o.batches.Update(ctx, batch); err != nil {
		return o.finishWithError(ctx, st, fmt.Errorf("complete batch %s: %w", batch.ID, err))
	}
	if err := st.Complete(o.clock.Now()); err != nil {
		return err
	}
	if err := o.persist(ctx, st); err != nil {
		return err
	}
	o.logger.Info("saga completed",
		zap.String("correlation_id", st.CorrelationID),
		zap.Int("processed", batch.ProcessedCount),
		zap.Int("skipped", batch.SkippedCount),
		zap.Int("failed", batch.FailedCount),
	)
	return nil
}

// discoverPhase returns the batch URLs, running discovery only when no
// checkpointed URL list exists.
func (o *Orchestrator) discoverPhase(ctx context.Context, st *State, providerCfg recipe.ProviderConfiguration) ([]string, error) {
	if raw, ok := st.CheckpointData[checkpointURLs]; ok {
		var urls []string
		if err := json.Unmarshal([]byte(raw), &urls); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint urls: %w", err)
		}
		return urls, nil
	}

	if err := o.checkpoint(ctx, st, PhaseDiscovery, 0, nil); err != nil {
		return nil, err
	}
	urls, err := o.discoverer.Discover(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("discover %q: %w", providerCfg.ID, err)
	}
	if providerCfg.BatchSize > 0 && len(urls) > providerCfg.BatchSize {
		urls = urls[:providerCfg.BatchSize]
	}

	encoded, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint urls: %w", err)
	}
	if err := o.checkpoint(ctx, st, PhaseDiscovery, 100, map[string]string{
		checkpointURLs:      string(encoded),
		checkpointNextIndex: "0",
	}); err != nil {
		return nil, err
	}
	return urls, nil
}

// ensureBatch loads the checkpointed batch or creates a fresh one.
func (o *Orchestrator) ensureBatch(ctx context.Context, st *State, providerCfg recipe.ProviderConfiguration) (*recipe.RecipeBatch, error) {
	if id, ok := st.CheckpointData[checkpointBatchID]; ok {
		batch, err := o.batches.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load batch %s: %w", id, err)
		}
		return batch, nil
	}

	id, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate batch id: %w", err)
	}
	batch := &recipe.RecipeBatch{
		ID:         id,
		ProviderID: providerCfg.ID,
		BatchSize:  providerCfg.BatchSize,
		TimeWindow: providerCfg.TimeWindow,
		StartedAt:  o.clock.Now(),
		Status:     recipe.BatchStatusRunning,
	}
	if err := o.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	if err := o.checkpoint(ctx, st, PhaseFetch, 0, map[string]string{checkpointBatchID: id}); err != nil {
		return nil, err
	}
	return batch, nil
}

// processItem runs one URL through fetch, fingerprint, extract, normalize and
// persist. It returns the outcome; an error means the item failed, not the
// saga, unless it is a cancellation or a configuration error.
func (o *Orchestrator) processItem(
	ctx context.Context,
	st *State,
	providerCfg recipe.ProviderConfiguration,
	index, total int,
	url string,
) (string, error) {
	progress := itemProgress(index, total)

	if err := o.checkpoint(ctx, st, PhaseFetch, progress, nil); err != nil {
		return outcomeFailed, err
	}
	resp, fetchErr := o.fetchWithRetry(ctx, url, providerCfg)
	if fetchErr != nil &&
		(errors.Is(fetchErr, context.Canceled) ||
			errors.Is(fetchErr, context.DeadlineExceeded) ||
			errors.Is(fetchErr, recipe.ErrProviderNotConfigured)) {
		return outcomeFailed, fetchErr
	}

	if err := o.checkpoint(ctx, st, PhaseFingerprint, progress, nil); err != nil {
		return outcomeFailed, err
	}
	fp, err := o.fingerprintItem(ctx, providerCfg.ID, url, resp, fetchErr)
	if err != nil {
		return outcomeFailed, err
	}
	if fp == nil {
		// Content unchanged since the previous scrape.
		metrics.ObserveDedupHit(providerCfg.ID)
		return outcomeSkipped, nil
	}

	if !fp.ReadyForProcessing() {
		return outcomeFailed, nil
	}
	if !o.extractor.CanExtract(fp) {
		return outcomeSkipped, nil
	}

	if err := o.checkpoint(ctx, st, PhaseExtract, progress, nil); err != nil {
		return outcomeFailed, err
	}
	rec, err := o.extractor.Extract(ctx, resp.Body, url)
	if err != nil {
		return outcomeFailed, fmt.Errorf("extract %s: %w", url, err)
	}
	rec.ProviderID = providerCfg.ID
	rec.URL = url
	rec.ExtractedAt = o.clock.Now()
	if rec.ID == "" {
		id, idErr := o.ids.NewID()
		if idErr != nil {
			return outcomeFailed, fmt.Errorf("generate recipe id: %w", idErr)
		}
		rec.ID = id
	}

	if err := o.checkpoint(ctx, st, PhaseNormalize, progress, nil); err != nil {
		return outcomeFailed, err
	}
	if err := o.normalizeIngredients(ctx, providerCfg.ID, rec); err != nil {
		return outcomeFailed, err
	}

	if err := o.checkpoint(ctx, st, PhasePersist, progress, nil); err != nil {
		return outcomeFailed, err
	}
	if err := o.persistItem(ctx, providerCfg.ID, fp, rec, resp.Body); err != nil {
		return outcomeFailed, err
	}
	return outcomeProcessed, nil
}

// fetchWithRetry fetches the URL, retrying transient failures with a fixed
// cooldown up to the provider's retry budget. Configuration errors and
// cancellations are returned immediately.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, url string, providerCfg recipe.ProviderConfiguration) (stealth.Response, error) {
	attempts := providerCfg.RateLimit.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	if attempts > fingerprint.MaxRetryAttempts {
		attempts = fingerprint.MaxRetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := o.fetcher.Fetch(ctx, url, providerCfg.ID)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, recipe.ErrProviderNotConfigured) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return stealth.Response{}, err
		}
		lastErr = err
		if attempt < attempts {
			if sleepErr := o.sleep(ctx, transientRetryDelay); sleepErr != nil {
				return stealth.Response{}, sleepErr
			}
		}
	}
	return stealth.Response{}, lastErr
}

// fingerprintItem records the scrape outcome as a fingerprint and performs
// hash deduplication. A nil fingerprint with nil error means the content is
// unchanged and the item should be skipped.
func (o *Orchestrator) fingerprintItem(
	ctx context.Context,
	providerID, url string,
	resp stealth.Response,
	fetchErr error,
) (*fingerprint.Fingerprint, error) {
	normalized, err := fingerprint.NormalizeURL(url)
	if err != nil {
		return nil, err
	}
	prev, err := o.fingerprints.GetByHash(ctx, sha256.HexString(normalized))
	if err != nil && !errors.Is(err, recipe.ErrNotFound) {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	id, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate fingerprint id: %w", err)
	}
	now := o.clock.Now()

	if fetchErr != nil {
		return o.recordFetchFailure(ctx, id, url, providerID, fetchErr.Error(), now)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fp, recErr := o.recordFetchFailure(ctx, id, url, providerID,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), now)
		if recErr != nil {
			return nil, recErr
		}
		if resp.StatusCode == 403 || resp.StatusCode == 429 {
			if blockErr := fp.MarkAsBlocked(fmt.Sprintf("provider returned status %d", resp.StatusCode), now); blockErr == nil {
				if saveErr := o.fingerprints.Save(ctx, fp); saveErr != nil {
					return nil, fmt.Errorf("save fingerprint: %w", saveErr)
				}
				o.emitAll(fp.DrainEvents())
			}
		}
		return fp, nil
	}

	fp, err := fingerprint.NewSuccess(id, url, resp.Body, providerID, gradeQuality(len(resp.Body)), map[string]string{
		"identity": resp.Identity,
	}, now)
	if err != nil {
		return nil, err
	}
	if prev != nil && !fp.HasContentChanged(prev) {
		return nil, nil
	}
	if err := o.fingerprints.Save(ctx, fp); err != nil {
		return nil, fmt.Errorf("save fingerprint: %w", err)
	}
	o.emitAll(fp.DrainEvents())
	return fp, nil
}

func (o *Orchestrator) recordFetchFailure(
	ctx context.Context,
	id, url, providerID, errMsg string,
	now time.Time,
) (*fingerprint.Fingerprint, error) {
	fp, err := fingerprint.NewFailure(id, url, providerID, errMsg, now)
	if err != nil {
		return nil, err
	}
	if err := o.fingerprints.Save(ctx, fp); err != nil {
		return nil, fmt.Errorf("save fingerprint: %w", err)
	}
	o.emitAll(fp.DrainEvents())
	return fp, nil
}

// normalizeIngredients resolves every ingredient code in one batched lookup
// and assigns the canonical forms. Unmapped codes keep a nil Canonical.
func (o *Orchestrator) normalizeIngredients(ctx context.Context, providerID string, rec *recipe.Recipe) error {
	if len(rec.Ingredients) == 0 {
		return nil
	}
	codes := make([]string, 0, len(rec.Ingredients))
	for _, ing := range rec.Ingredients {
		if ing.ProviderCode != "" {
			codes = append(codes, ing.ProviderCode)
		}
	}
	mapped, err := o.normalizer.NormalizeBatch(ctx, providerID, codes)
	if err != nil {
		return fmt.Errorf("normalize ingredients: %w", err)
	}
	for i := range rec.Ingredients {
		if canonical, ok := mapped[rec.Ingredients[i].ProviderCode]; ok {
			c := canonical
			rec.Ingredients[i].Canonical = &c
		}
	}
	return nil
}

// persistItem stores the raw content blob, the recipe, and the finalized
// fingerprint, in that order.
func (o *Orchestrator) persistItem(
	ctx context.Context,
	providerID string,
	fp *fingerprint.Fingerprint,
	rec *recipe.Recipe,
	body []byte,
) error {
	path := fmt.Sprintf("%s/%s/%s.html", o.cfg.BlobPrefix, providerID, fp.ContentHash)
	uri, err := o.blobs.PutObject(ctx, path, o.cfg.ContentType, body)
	if err != nil {
		return fmt.Errorf("store raw content: %w", err)
	}
	if err := o.recipes.Save(ctx, rec); err != nil {
		return fmt.Errorf("save recipe: %w", err)
	}
	if err := fp.MarkAsProcessed(rec.ID, o.clock.Now()); err != nil {
		return err
	}
	if fp.Metadata == nil {
		fp.Metadata = map[string]string{}
	}
	fp.Metadata["blob_uri"] = uri
	if err := o.fingerprints.Save(ctx, fp); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	o.emitAll(fp.DrainEvents())
	return nil
}

// checkpoint applies a state checkpoint and persists it before the caller
// acts on the new phase.
func (o *Orchestrator) checkpoint(ctx context.Context, st *State, phase Phase, progress int, data map[string]string) error {
	phaseChanged := st.CurrentPhase != string(phase)
	if err := st.Checkpoint(phase, progress, data, o.clock.Now()); err != nil {
		return err
	}
	if phaseChanged {
		metrics.ObservePhaseChange(string(phase))
	}
	return o.persist(ctx, st)
}

// pause suspends the saga so it can be resumed later. Persistence runs on a
// detached context because the triggering context is already canceled.
func (o *Orchestrator) pause(ctx context.Context, st *State) error {
	cause := ctx.Err()
	detached := context.WithoutCancel(ctx)
	if err := st.Pause(o.clock.Now()); err != nil {
		return err
	}
	if err := o.persist(detached, st); err != nil {
		return err
	}
	o.logger.Info("saga paused",
		zap.String("correlation_id", st.CorrelationID),
		zap.String("phase", st.CurrentPhase),
	)
	return cause
}

// finishWithError records a saga failure durably and returns the cause.
func (o *Orchestrator) finishWithError(ctx context.Context, st *State, cause error) error {
	detached := context.WithoutCancel(ctx)
	if err := st.Fail(cause.Error(), fmt.Sprintf("%+v", cause), o.clock.Now()); err != nil {
		o.logger.Error("record saga failure", zap.Error(err), zap.NamedError("cause", cause))
		return cause
	}
	if err := o.persist(detached, st); err != nil {
		o.logger.Error("persist failed saga", zap.Error(err))
	}
	o.logger.Error("saga failed",
		zap.String("correlation_id", st.CorrelationID),
		zap.String("phase", st.CurrentPhase),
		zap.Error(cause),
	)
	return cause
}

func (o *Orchestrator) persist(ctx context.Context, st *State) error {
	if err := o.states.Update(ctx, st); err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	o.emitAll(st.DrainEvents())
	return nil
}

func (o *Orchestrator) emitAll(evts []events.Event) {
	for _, evt := range evts {
		o.publisher.Emit(evt)
	}
}

// gradeQuality grades scraped content by size. Tiny pages are almost always
// error or interstitial pages rather than recipes.
func gradeQuality(size int) fingerprint.Quality {
	switch {
	case size < 512:
		return fingerprint.QualityPoor
	case size < 2048:
		return fingerprint.QualityAcceptable
	case size < 16384:
		return fingerprint.QualityGood
	default:
		return fingerprint.QualityExcellent
	}
}

func itemProgress(done, total int) int {
	if total <= 0 {
		return 100
	}
	p := done * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
