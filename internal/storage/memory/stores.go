// Package memory provides in-memory persistence for development and tests.
// Reads return reconstituted snapshots so callers observe the same semantics
// as a database-backed store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/saga"
)

// SagaStore keeps saga states keyed by correlation ID.
type SagaStore struct {
	mu     sync.RWMutex
	byCorr map[string]*saga.State
}

// NewSagaStore builds an empty SagaStore.
func NewSagaStore() *SagaStore {
	return &SagaStore{byCorr: map[string]*saga.State{}}
}

// Create stores a new saga state.
func (s *SagaStore) Create(_ context.Context, st *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCorr[st.CorrelationID]; exists {
		return fmt.Errorf("saga %q already exists", st.CorrelationID)
	}
	s.byCorr[st.CorrelationID] = snapshotState(st)
	return nil
}

// Update overwrites the stored saga state.
func (s *SagaStore) Update(_ context.Context, st *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCorr[st.CorrelationID]; !exists {
		return fmt.Errorf("saga %q: %w", st.CorrelationID, recipe.ErrNotFound)
	}
	s.byCorr[st.CorrelationID] = snapshotState(st)
	return nil
}

// GetByCorrelationID returns a snapshot of the stored saga state.
func (s *SagaStore) GetByCorrelationID(_ context.Context, correlationID string) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byCorr[correlationID]
	if !ok {
		return nil, fmt.Errorf("saga %q: %w", correlationID, recipe.ErrNotFound)
	}
	return snapshotState(st), nil
}

// List returns snapshots of every stored saga state.
func (s *SagaStore) List(context.Context) ([]*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*saga.State, 0, len(s.byCorr))
	for _, st := range s.byCorr {
		out = append(out, snapshotState(st))
	}
	return out, nil
}

func snapshotState(st *saga.State) *saga.State {
	var started, completed *time.Time
	if st.StartedAt != nil {
		v := *st.StartedAt
		started = &v
	}
	if st.CompletedAt != nil {
		v := *st.CompletedAt
		completed = &v
	}
	return saga.ReconstituteState(
		st.ID, st.SagaType, st.CorrelationID,
		st.Status, st.CurrentPhase, st.PhaseProgress,
		copyMap(st.StateData), copyMap(st.CheckpointData),
		st.Metrics, st.ErrorMessage, st.ErrorTrace,
		st.CreatedAt, started, st.UpdatedAt, completed,
	)
}

// FingerprintStore keeps fingerprints keyed by the normalized-URL hash.
type FingerprintStore struct {
	mu     sync.RWMutex
	byHash map[string]*fingerprint.Fingerprint
}

// NewFingerprintStore builds an empty FingerprintStore.
func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{byHash: map[string]*fingerprint.Fingerprint{}}
}

// Save upserts a fingerprint by hash.
func (s *FingerprintStore) Save(_ context.Context, fp *fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[fp.Hash] = snapshotFingerprint(fp)
	return nil
}

// GetByHash returns a snapshot of the stored fingerprint.
func (s *FingerprintStore) GetByHash(_ context.Context, hash string) (*fingerprint.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("fingerprint %q: %w", hash, recipe.ErrNotFound)
	}
	return snapshotFingerprint(fp), nil
}

func snapshotFingerprint(fp *fingerprint.Fingerprint) *fingerprint.Fingerprint {
	var processed *time.Time
	if fp.ProcessedAt != nil {
		v := *fp.ProcessedAt
		processed = &v
	}
	var recipeID *string
	if fp.RecipeID != nil {
		v := *fp.RecipeID
		recipeID = &v
	}
	return fingerprint.Reconstitute(
		fp.ID, fp.URL, fp.ContentHash, fp.Hash,
		fp.ContentSize, fp.ScrapedAt, fp.ProviderName,
		fp.Status, fp.Quality, fp.ErrorMessage,
		copyMap(fp.Metadata), processed, recipeID,
		fp.CreatedAt, fp.UpdatedAt,
	)
}

// BatchStore keeps recipe batches keyed by ID.
type BatchStore struct {
	mu   sync.RWMutex
	byID map[string]recipe.RecipeBatch
}

// NewBatchStore builds an empty BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{byID: map[string]recipe.RecipeBatch{}}
}

// Create stores a new batch.
func (s *BatchStore) Create(_ context.Context, batch *recipe.RecipeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[batch.ID]; exists {
		return fmt.Errorf("batch %q already exists", batch.ID)
	}
	s.byID[batch.ID] = cloneBatch(batch)
	return nil
}

// Update overwrites the stored batch.
func (s *BatchStore) Update(_ context.Context, batch *recipe.RecipeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[batch.ID]; !exists {
		return fmt.Errorf("batch %q: %w", batch.ID, recipe.ErrNotFound)
	}
	s.byID[batch.ID] = cloneBatch(batch)
	return nil
}

// GetByID returns a copy of the stored batch.
func (s *BatchStore) GetByID(_ context.Context, id string) (*recipe.RecipeBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", id, recipe.ErrNotFound)
	}
	out := cloneBatch(&batch)
	return &out, nil
}

// List returns copies of every stored batch.
func (s *BatchStore) List(context.Context) ([]recipe.RecipeBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recipe.RecipeBatch, 0, len(s.byID))
	for _, batch := range s.byID {
		out = append(out, cloneBatch(&batch))
	}
	return out, nil
}

func cloneBatch(batch *recipe.RecipeBatch) recipe.RecipeBatch {
	out := *batch
	out.ProcessedURLs = append([]string(nil), batch.ProcessedURLs...)
	out.FailedURLs = append([]string(nil), batch.FailedURLs...)
	if batch.CompletedAt != nil {
		v := *batch.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// RecipeStore keeps extracted recipes keyed by ID.
type RecipeStore struct {
	mu   sync.RWMutex
	byID map[string]recipe.Recipe
}

// NewRecipeStore builds an empty RecipeStore.
func NewRecipeStore() *RecipeStore {
	return &RecipeStore{byID: map[string]recipe.Recipe{}}
}

// Save upserts a recipe.
func (s *RecipeStore) Save(_ context.Context, r *recipe.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *r
	clone.Ingredients = append([]recipe.Ingredient(nil), r.Ingredients...)
	s.byID[r.ID] = clone
	return nil
}

// Len returns the number of stored recipes.
func (s *RecipeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// MappingStore keeps ingredient code mappings keyed by provider and code.
type MappingStore struct {
	mu       sync.RWMutex
	mappings map[string]string
}

// NewMappingStore builds a MappingStore seeded with the given mappings, keyed
// "providerID:code".
func NewMappingStore(seed map[string]string) *MappingStore {
	mappings := make(map[string]string, len(seed))
	for k, v := range seed {
		mappings[k] = v
	}
	return &MappingStore{mappings: mappings}
}

// Put registers one mapping.
func (s *MappingStore) Put(providerID, code, canonical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[providerID+":"+code] = canonical
}

// Get returns the canonical form for (providerID, code).
func (s *MappingStore) Get(_ context.Context, providerID, code string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical, ok := s.mappings[providerID+":"+code]
	return canonical, ok, nil
}

// BlobStore keeps raw content objects in memory.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewBlobStore builds an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: map[string][]byte{}}
}

// PutObject stores the object and returns a mem:// URI.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// GetObject returns a stored object.
func (s *BlobStore) GetObject(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
