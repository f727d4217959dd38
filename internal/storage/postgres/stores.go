// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/saga"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// querier is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool connects a pgx pool from config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// ApplySchema creates the harvester tables if they do not exist.
func ApplySchema(ctx context.Context, pool querier) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SagaStore persists saga states.
type SagaStore struct {
	pool querier
}

// NewSagaStore builds a SagaStore on the given pool.
func NewSagaStore(pool querier) *SagaStore {
	return &SagaStore{pool: pool}
}

// Create inserts a new saga state row.
func (s *SagaStore) Create(ctx context.Context, st *saga.State) error {
	stateData, checkpointData, metricsJSON, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO saga_states (
	id, saga_type, correlation_id, status, current_phase, phase_progress,
	state_data, checkpoint_data, metrics, error_message, error_trace,
	created_at, started_at, updated_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		st.ID, st.SagaType, st.CorrelationID, string(st.Status), st.CurrentPhase, st.PhaseProgress,
		stateData, checkpointData, metricsJSON, st.ErrorMessage, st.ErrorTrace,
		st.CreatedAt, st.StartedAt, st.UpdatedAt, st.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga state: %w", err)
	}
	return nil
}

// Update overwrites the saga state row identified by correlation ID.
func (s *SagaStore) Update(ctx context.Context, st *saga.State) error {
	stateData, checkpointData, metricsJSON, err := encodeState(st)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE saga_states SET
	status = $1, current_phase = $2, phase_progress = $3,
	state_data = $4, checkpoint_data = $5, metrics = $6,
	error_message = $7, error_trace = $8,
	started_at = $9, updated_at = $10, completed_at = $11
WHERE correlation_id = $12`,
		string(st.Status), st.CurrentPhase, st.PhaseProgress,
		stateData, checkpointData, metricsJSON,
		st.ErrorMessage, st.ErrorTrace,
		st.StartedAt, st.UpdatedAt, st.CompletedAt,
		st.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saga %q: %w", st.CorrelationID, recipe.ErrNotFound)
	}
	return nil
}

// GetByCorrelationID loads and reconstitutes one saga state.
func (s *SagaStore) GetByCorrelationID(ctx context.Context, correlationID string) (*saga.State, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, saga_type, correlation_id, status, current_phase, phase_progress,
	state_data, checkpoint_data, metrics, error_message, error_trace,
	created_at, started_at, updated_at, completed_at
FROM saga_states WHERE correlation_id = $1`, correlationID)

	var (
		id, sagaType, corr, status, phase string
		progress                          int
		stateData, checkpointData, metr   []byte
		errMsg, errTrace                  string
		createdAt, updatedAt              time.Time
		startedAt, completedAt            *time.Time
	)
	err := row.Scan(&id, &sagaType, &corr, &status, &phase, &progress,
		&stateData, &checkpointData, &metr, &errMsg, &errTrace,
		&createdAt, &startedAt, &updatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("saga %q: %w", correlationID, recipe.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga state: %w", err)
	}

	var state, checkpoint map[string]string
	var metrics saga.Metrics
	if err := json.Unmarshal(stateData, &state); err != nil {
		return nil, fmt.Errorf("decode state data: %w", err)
	}
	if err := json.Unmarshal(checkpointData, &checkpoint); err != nil {
		return nil, fmt.Errorf("decode checkpoint data: %w", err)
	}
	if err := json.Unmarshal(metr, &metrics); err != nil {
		return nil, fmt.Errorf("decode saga metrics: %w", err)
	}

	return saga.ReconstituteState(
		id, sagaType, corr, saga.Status(status), phase, progress,
		state, checkpoint, metrics, errMsg, errTrace,
		createdAt, startedAt, updatedAt, completedAt,
	), nil
}

func encodeState(st *saga.State) (stateData, checkpointData, metricsJSON []byte, err error) {
	if stateData, err = json.Marshal(st.StateData); err != nil {
		return nil, nil, nil, fmt.Errorf("encode state data: %w", err)
	}
	if checkpointData, err = json.Marshal(st.CheckpointData); err != nil {
		return nil, nil, nil, fmt.Errorf("encode checkpoint data: %w", err)
	}
	if metricsJSON, err = json.Marshal(st.Metrics); err != nil {
		return nil, nil, nil, fmt.Errorf("encode saga metrics: %w", err)
	}
	return stateData, checkpointData, metricsJSON, nil
}

// FingerprintStore persists fingerprints keyed by the normalized-URL hash.
type FingerprintStore struct {
	pool querier
}

// NewFingerprintStore builds a FingerprintStore on the given pool.
func NewFingerprintStore(pool querier) *FingerprintStore {
	return &FingerprintStore{pool: pool}
}

// Save upserts a fingerprint by hash.
func (s *FingerprintStore) Save(ctx context.Context, fp *fingerprint.Fingerprint) error {
	metadata, err := json.Marshal(fp.Metadata)
	if err != nil {
		return fmt.Errorf("encode fingerprint metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO fingerprints (
	id, url, content_hash, hash, content_size, scraped_at, provider_name,
	status, quality, error_message, metadata, processed_at, recipe_id,
	created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (hash) DO UPDATE SET
	content_hash = EXCLUDED.content_hash,
	content_size = EXCLUDED.content_size,
	scraped_at = EXCLUDED.scraped_at,
	status = EXCLUDED.status,
	quality = EXCLUDED.quality,
	error_message = EXCLUDED.error_message,
	metadata = EXCLUDED.metadata,
	processed_at = EXCLUDED.processed_at,
	recipe_id = EXCLUDED.recipe_id,
	updated_at = EXCLUDED.updated_at`,
		fp.ID, fp.URL, fp.ContentHash, fp.Hash, fp.ContentSize, fp.ScrapedAt, fp.ProviderName,
		string(fp.Status), int(fp.Quality), fp.ErrorMessage, metadata, fp.ProcessedAt, fp.RecipeID,
		fp.CreatedAt, fp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert fingerprint: %w", err)
	}
	return nil
}

// GetByHash loads and reconstitutes one fingerprint.
func (s *FingerprintStore) GetByHash(ctx context.Context, hash string) (*fingerprint.Fingerprint, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, url, content_hash, hash, content_size, scraped_at, provider_name,
	status, quality, error_message, metadata, processed_at, recipe_id,
	created_at, updated_at
FROM fingerprints WHERE hash = $1`, hash)

	var (
		id, rawURL, contentHash, h, provider string
		contentSize                          int64
		scrapedAt, createdAt, updatedAt      time.Time
		status, errMsg                       string
		quality                              int
		metadata                             []byte
		processedAt                          *time.Time
		recipeID                             *string
	)
	err := row.Scan(&id, &rawURL, &contentHash, &h, &contentSize, &scrapedAt, &provider,
		&status, &quality, &errMsg, &metadata, &processedAt, &recipeID,
		&createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %q: %w", hash, recipe.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan fingerprint: %w", err)
	}

	var meta map[string]string
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode fingerprint metadata: %w", err)
		}
	}

	return fingerprint.Reconstitute(
		id, rawURL, contentHash, h, contentSize, scrapedAt, provider,
		fingerprint.Status(status), fingerprint.Quality(quality), errMsg,
		meta, processedAt, recipeID, createdAt, updatedAt,
	), nil
}

// BatchStore persists recipe batches.
type BatchStore struct {
	pool querier
}

// NewBatchStore builds a BatchStore on the given pool.
func NewBatchStore(pool querier) *BatchStore {
	return &BatchStore{pool: pool}
}

// Create inserts a new batch row.
func (s *BatchStore) Create(ctx context.Context, batch *recipe.RecipeBatch) error {
	processed, failed, err := encodeURLLists(batch)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO recipe_batches (
	id, provider_id, batch_size, time_window_ns, started_at, completed_at,
	processed_count, skipped_count, failed_count, status, processed_urls, failed_urls
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		batch.ID, batch.ProviderID, batch.BatchSize, int64(batch.TimeWindow),
		batch.StartedAt, batch.CompletedAt,
		batch.ProcessedCount, batch.SkippedCount, batch.FailedCount,
		string(batch.Status), processed, failed,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// Update overwrites the batch row.
func (s *BatchStore) Update(ctx context.Context, batch *recipe.RecipeBatch) error {
	processed, failed, err := encodeURLLists(batch)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE recipe_batches SET
	completed_at = $1, processed_count = $2, skipped_count = $3,
	failed_count = $4, status = $5, processed_urls = $6, failed_urls = $7
WHERE id = $8`,
		batch.CompletedAt, batch.ProcessedCount, batch.SkippedCount,
		batch.FailedCount, string(batch.Status), processed, failed,
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %q: %w", batch.ID, recipe.ErrNotFound)
	}
	return nil
}

// GetByID loads one batch row.
func (s *BatchStore) GetByID(ctx context.Context, id string) (*recipe.RecipeBatch, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, provider_id, batch_size, time_window_ns, started_at, completed_at,
	processed_count, skipped_count, failed_count, status, processed_urls, failed_urls
FROM recipe_batches WHERE id = $1`, id)

	var (
		batch             recipe.RecipeBatch
		timeWindowNS      int64
		status            string
		processed, failed []byte
	)
	err := row.Scan(&batch.ID, &batch.ProviderID, &batch.BatchSize, &timeWindowNS,
		&batch.StartedAt, &batch.CompletedAt,
		&batch.ProcessedCount, &batch.SkippedCount, &batch.FailedCount,
		&status, &processed, &failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %q: %w", id, recipe.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	batch.TimeWindow = time.Duration(timeWindowNS)
	batch.Status = recipe.BatchStatus(status)
	if err := json.Unmarshal(processed, &batch.ProcessedURLs); err != nil {
		return nil, fmt.Errorf("decode processed urls: %w", err)
	}
	if err := json.Unmarshal(failed, &batch.FailedURLs); err != nil {
		return nil, fmt.Errorf("decode failed urls: %w", err)
	}
	return &batch, nil
}

func encodeURLLists(batch *recipe.RecipeBatch) (processed, failed []byte, err error) {
	if batch.ProcessedURLs == nil {
		processed = []byte("[]")
	} else if processed, err = json.Marshal(batch.ProcessedURLs); err != nil {
		return nil, nil, fmt.Errorf("encode processed urls: %w", err)
	}
	if batch.FailedURLs == nil {
		failed = []byte("[]")
	} else if failed, err = json.Marshal(batch.FailedURLs); err != nil {
		return nil, nil, fmt.Errorf("encode failed urls: %w", err)
	}
	return processed, failed, nil
}

// RecipeStore persists extracted recipes.
type RecipeStore struct {
	pool querier
}

// NewRecipeStore builds a RecipeStore on the given pool.
func NewRecipeStore(pool querier) *RecipeStore {
	return &RecipeStore{pool: pool}
}

// Save upserts a recipe by ID.
func (s *RecipeStore) Save(ctx context.Context, r *recipe.Recipe) error {
	ingredients, err := json.Marshal(r.Ingredients)
	if err != nil {
		return fmt.Errorf("encode ingredients: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO recipes (id, provider_id, url, title, ingredients, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	ingredients = EXCLUDED.ingredients,
	extracted_at = EXCLUDED.extracted_at`,
		r.ID, r.ProviderID, r.URL, r.Title, ingredients, r.ExtractedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert recipe: %w", err)
	}
	return nil
}

// MappingStore reads ingredient code mappings.
type MappingStore struct {
	pool querier
}

// NewMappingStore builds a MappingStore on the given pool.
func NewMappingStore(pool querier) *MappingStore {
	return &MappingStore{pool: pool}
}

// Get returns the canonical form for (providerID, code).
func (s *MappingStore) Get(ctx context.Context, providerID, code string) (string, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT canonical FROM ingredient_mappings WHERE provider_id = $1 AND code = $2`,
		providerID, code)
	var canonical string
	err := row.Scan(&canonical)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan mapping: %w", err)
	}
	return canonical, true, nil
}
