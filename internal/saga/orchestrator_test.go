package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/clock/system"
	"github.com/platefeed/recipe-harvester/internal/events"
	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/hash/sha256"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/stealth"
)

func hashOf(normalizedURL string) string {
	return sha256.HexString(normalizedURL)
}

// recipePage is large enough to grade at least acceptable quality.
var recipePage = []byte("<html><body>" + strings.Repeat("recipe ", 120) + "</body></html>")

type stubProviders map[string]recipe.ProviderConfiguration

func (s stubProviders) GetByProviderID(_ context.Context, id string) (recipe.ProviderConfiguration, error) {
	cfg, ok := s[id]
	if !ok {
		return recipe.ProviderConfiguration{}, fmt.Errorf("provider %q: %w", id, recipe.ErrProviderNotConfigured)
	}
	return cfg, nil
}

func (s stubProviders) GetAllEnabled(context.Context) ([]recipe.ProviderConfiguration, error) {
	var out []recipe.ProviderConfiguration
	for _, cfg := range s {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

type discovererFunc func(ctx context.Context, cfg recipe.ProviderConfiguration) ([]string, error)

func (f discovererFunc) Discover(ctx context.Context, cfg recipe.ProviderConfiguration) ([]string, error) {
	return f(ctx, cfg)
}

func fixedDiscoverer(urls []string) Discoverer {
	return discovererFunc(func(context.Context, recipe.ProviderConfiguration) ([]string, error) {
		return urls, nil
	})
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(ctx context.Context, url string, call int) (stealth.Response, error)
}

func newFakeFetcher(handler func(ctx context.Context, url string, call int) (stealth.Response, error)) *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, handler: handler}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, _ string) (stealth.Response, error) {
	f.mu.Lock()
	f.calls[url]++
	call := f.calls[url]
	f.mu.Unlock()
	return f.handler(ctx, url, call)
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func okResponse(url string, body []byte) stealth.Response {
	return stealth.Response{URL: url, StatusCode: 200, Body: body, Identity: "bot-a/1.0"}
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, _ []byte, url string) (*recipe.Recipe, error) {
	return &recipe.Recipe{
		Title: "Roast Tomato Soup",
		Ingredients: []recipe.Ingredient{
			{ProviderCode: "TOM-01", Name: "tomato", Quantity: "2"},
			{ProviderCode: "GHOST", Name: "mystery"},
		},
	}, nil
}

func (fakeExtractor) CanExtract(fp *fingerprint.Fingerprint) bool { return fp.ReadyForProcessing() }
func (fakeExtractor) Confidence(*fingerprint.Fingerprint) float64 { return 0.9 }

type fakeNormalizer map[string]string

func (n fakeNormalizer) NormalizeBatch(_ context.Context, _ string, codes []string) (map[string]string, error) {
	out := map[string]string{}
	for _, code := range codes {
		if canonical, ok := n[code]; ok {
			out[code] = canonical
		}
	}
	return out, nil
}

// memStateRepo snapshots states on write and reconstitutes on read, so a
// resume exercises the same path a database-backed repository would.
type memStateRepo struct {
	mu     sync.Mutex
	byCorr map[string]*State
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{byCorr: map[string]*State{}}
}

func snapshotState(st *State) *State {
	var started, completed *time.Time
	if st.StartedAt != nil {
		v := *st.StartedAt
		started = &v
	}
	if st.CompletedAt != nil {
		v := *st.CompletedAt
		completed = &v
	}
	return ReconstituteState(
		st.ID, st.SagaType, st.CorrelationID,
		st.Status, st.CurrentPhase, st.PhaseProgress,
		copyMap(st.StateData), copyMap(st.CheckpointData),
		st.Metrics, st.ErrorMessage, st.ErrorTrace,
		st.CreatedAt, started, st.UpdatedAt, completed,
	)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *memStateRepo) Create(_ context.Context, st *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCorr[st.CorrelationID] = snapshotState(st)
	return nil
}

func (r *memStateRepo) Update(_ context.Context, st *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCorr[st.CorrelationID] = snapshotState(st)
	return nil
}

func (r *memStateRepo) GetByCorrelationID(_ context.Context, correlationID string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byCorr[correlationID]
	if !ok {
		return nil, fmt.Errorf("saga %q: %w", correlationID, recipe.ErrNotFound)
	}
	return snapshotState(st), nil
}

type memBatchRepo struct {
	mu   sync.Mutex
	byID map[string]recipe.RecipeBatch
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{byID: map[string]recipe.RecipeBatch{}}
}

func (r *memBatchRepo) Create(_ context.Context, batch *recipe.RecipeBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[batch.ID] = *batch
	return nil
}

func (r *memBatchRepo) Update(_ context.Context, batch *recipe.RecipeBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[batch.ID] = *batch
	return nil
}

func (r *memBatchRepo) GetByID(_ context.Context, id string) (*recipe.RecipeBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", id, recipe.ErrNotFound)
	}
	return &batch, nil
}

func (r *memBatchRepo) only(t *testing.T) recipe.RecipeBatch {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.byID, 1)
	for _, batch := range r.byID {
		return batch
	}
	return recipe.RecipeBatch{}
}

type memFingerprintRepo struct {
	mu     sync.Mutex
	byHash map[string]*fingerprint.Fingerprint
}

func newMemFingerprintRepo() *memFingerprintRepo {
	return &memFingerprintRepo{byHash: map[string]*fingerprint.Fingerprint{}}
}

func (r *memFingerprintRepo) Save(_ context.Context, fp *fingerprint.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[fp.Hash] = fp
	return nil
}

func (r *memFingerprintRepo) GetByHash(_ context.Context, hash string) (*fingerprint.Fingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("fingerprint %q: %w", hash, recipe.ErrNotFound)
	}
	return fp, nil
}

type memRecipeRepo struct {
	mu    sync.Mutex
	saved []*recipe.Recipe
}

func (r *memRecipeRepo) Save(_ context.Context, rec *recipe.Recipe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return nil
}

func (r *memRecipeRepo) all() []*recipe.Recipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*recipe.Recipe(nil), r.saved...)
}

type memBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: map[string][]byte{}}
}

func (s *memBlobStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func (s *memBlobStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	evts []events.Event
}

func (p *recordingPublisher) Emit(evt events.Event) {
	p.mu.Lock()
	p.evts = append(p.evts, evt)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.evts))
	for _, evt := range p.evts {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	orch    *Orchestrator
	fetcher *fakeFetcher
	states  *memStateRepo
	batches *memBatchRepo
	fps     *memFingerprintRepo
	recipes *memRecipeRepo
	blobs   *memBlobStore
	pub     *recordingPublisher
}

func newFixture(t *testing.T, urls []string, handler func(ctx context.Context, url string, call int) (stealth.Response, error)) *fixture {
	t.Helper()
	f := &fixture{
		fetcher: newFakeFetcher(handler),
		states:  newMemStateRepo(),
		batches: newMemBatchRepo(),
		fps:     newMemFingerprintRepo(),
		recipes: &memRecipeRepo{},
		blobs:   newMemBlobStore(),
		pub:     &recordingPublisher{},
	}
	providers := stubProviders{
		"providerA": {
			ID:        "providerA",
			Enabled:   true,
			BatchSize: 10,
			RateLimit: recipe.RateLimitPolicy{RetryCount: 2},
		},
	}
	f.orch = New(
		providers,
		fixedDiscoverer(urls),
		f.fetcher,
		fakeExtractor{},
		fakeNormalizer{"TOM-01": "tomato"},
		f.fps,
		f.states,
		f.batches,
		f.recipes,
		f.blobs,
		f.pub,
		system.New(),
		&seqIDs{},
		zap.NewNop(),
		Config{},
	)
	f.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestStartProcessingCompletesHappyPath(t *testing.T) {
	t.Parallel()

	urls := []string{"https://site.test/recipes/one", "https://site.test/recipes/two"}
	f := newFixture(t, urls, func(_ context.Context, url string, _ int) (stealth.Response, error) {
		return okResponse(url, recipePage), nil
	})

	correlationID, err := f.orch.StartProcessing(context.Background(), "providerA")
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	st, err := f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)
	require.Equal(t, string(PhasePersist), st.CurrentPhase)
	require.Equal(t, 100, st.PhaseProgress)
	require.Equal(t, int64(2), st.Metrics.ItemsProcessed)

	batch := f.batches.only(t)
	require.Equal(t, recipe.BatchStatusCompleted, batch.Status)
	require.Equal(t, 2, batch.ProcessedCount)
	require.Zero(t, batch.SkippedCount)
	require.Zero(t, batch.FailedCount)
	require.Equal(t, urls, batch.ProcessedURLs)
	require.NotNil(t, batch.CompletedAt)

	saved := f.recipes.all()
	require.Len(t, saved, 2)
	for _, rec := range saved {
		require.Equal(t, "providerA", rec.ProviderID)
		require.NotEmpty(t, rec.ID)
		require.NotNil(t, rec.Ingredients[0].Canonical)
		require.Equal(t, "tomato", *rec.Ingredients[0].Canonical)
		require.Nil(t, rec.Ingredients[1].Canonical, "unmapped code keeps nil canonical")
	}

	// Both pages carry identical content, so the content-addressed blob
	// store holds exactly one object.
	require.Equal(t, 1, f.blobs.len())

	for _, url := range urls {
		normalized, err := fingerprint.NormalizeURL(url)
		require.NoError(t, err)
		fp, err := f.fps.GetByHash(context.Background(), hashOf(normalized))
		require.NoError(t, err)
		require.NotNil(t, fp.ProcessedAt)
		require.NotNil(t, fp.RecipeID)
		require.Equal(t, "mem://raw/providerA/"+fp.ContentHash+".html", fp.Metadata["blob_uri"])
	}

	types := f.pub.types()
	require.Contains(t, types, events.TypeSagaStarted)
	require.Contains(t, types, events.TypeSagaPhaseChanged)
	require.Contains(t, types, events.TypeSagaCompleted)
	require.Contains(t, types, events.TypeFingerprintCreated)
	require.Contains(t, types, events.TypeFingerprintProcessed)
}

func TestStartProcessingSkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	url := "https://site.test/recipes/one"
	f := newFixture(t, []string{url}, func(_ context.Context, u string, _ int) (stealth.Response, error) {
		return okResponse(u, recipePage), nil
	})

	prev, err := fingerprint.NewSuccess("fp-prev", url, recipePage, "providerA",
		fingerprint.QualityGood, nil, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.fps.Save(context.Background(), prev))

	correlationID, err := f.orch.StartProcessing(context.Background(), "providerA")
	require.NoError(t, err)

	st, err := f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)

	batch := f.batches.only(t)
	require.Equal(t, 1, batch.SkippedCount)
	require.Zero(t, batch.ProcessedCount)
	require.Empty(t, f.recipes.all())
	require.Equal(t, 1, f.fetcher.count(url), "dedup happens after the fetch")
}

func TestItemFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	bad := "https://site.test/recipes/bad"
	good := "https://site.test/recipes/good"
	f := newFixture(t, []string{bad, good}, func(_ context.Context, url string, _ int) (stealth.Response, error) {
		if url == bad {
			return stealth.Response{}, fmt.Errorf("connection reset")
		}
		return okResponse(url, recipePage), nil
	})

	correlationID, err := f.orch.StartProcessing(context.Background(), "providerA")
	require.NoError(t, err, "one bad item must not fail the saga")

	st, err := f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)

	batch := f.batches.only(t)
	require.Equal(t, 1, batch.ProcessedCount)
	require.Equal(t, 1, batch.FailedCount)
	require.Equal(t, []string{bad}, batch.FailedURLs)

	require.Equal(t, 2, f.fetcher.count(bad), "transient failures retry up to the provider budget")

	normalized, err := fingerprint.NormalizeURL(bad)
	require.NoError(t, err)
	fp, err := f.fps.GetByHash(context.Background(), hashOf(normalized))
	require.NoError(t, err)
	require.Equal(t, fingerprint.StatusFailed, fp.Status)
	require.Contains(t, fp.ErrorMessage, "connection reset")
}

func TestCancellationPausesAndResumeContinuesFromCheckpoint(t *testing.T) {
	t.Parallel()

	one := "https://site.test/recipes/one"
	two := "https://site.test/recipes/two"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, []string{one, two}, func(ctx context.Context, url string, call int) (stealth.Response, error) {
		if url == two && call == 1 {
			cancel()
			return stealth.Response{}, ctx.Err()
		}
		return okResponse(url, recipePage), nil
	})

	correlationID, err := f.orch.StartProcessing(ctx, "providerA")
	require.ErrorIs(t, err, context.Canceled)

	st, err := f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, st.Status, "cancellation pauses instead of failing")
	require.Equal(t, "1", st.CheckpointData[checkpointNextIndex])

	require.NoError(t, f.orch.ResumeProcessing(context.Background(), correlationID))

	st, err = f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)

	batch := f.batches.only(t)
	require.Equal(t, 2, batch.ProcessedCount)
	require.Equal(t, 1, f.fetcher.count(one), "completed items are not re-fetched after resume")
	require.Equal(t, 2, f.fetcher.count(two))
}

func TestResumeRefusedWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(_ context.Context, url string, _ int) (stealth.Response, error) {
		return okResponse(url, recipePage), nil
	})

	st := ReconstituteState(
		"saga-x", TypeProviderHarvest, "corr-x",
		StatusFailed, string(PhaseFetch), 50,
		map[string]string{"provider_id": "providerA"},
		map[string]string{},
		Metrics{FailureCount: 3},
		"boom", "",
		time.Now().Add(-time.Hour), nil, time.Now().Add(-time.Hour), nil,
	)
	require.NoError(t, f.states.Create(context.Background(), st))

	err := f.orch.ResumeProcessing(context.Background(), "corr-x")
	require.ErrorIs(t, err, ErrRetryExhausted)

	got, err := f.orch.GetStatus(context.Background(), "corr-x")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status, "exhausted saga stays failed")
}

func TestStartProcessingFailsFastOnUnknownProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(_ context.Context, url string, _ int) (stealth.Response, error) {
		return okResponse(url, recipePage), nil
	})

	_, err := f.orch.StartProcessing(context.Background(), "ghost")
	require.ErrorIs(t, err, recipe.ErrProviderNotConfigured)
}

func TestBlockedResponseMarksFingerprintBlocked(t *testing.T) {
	t.Parallel()

	url := "https://site.test/recipes/one"
	f := newFixture(t, []string{url}, func(_ context.Context, u string, _ int) (stealth.Response, error) {
		return stealth.Response{URL: u, StatusCode: 403, Body: []byte("forbidden")}, nil
	})

	correlationID, err := f.orch.StartProcessing(context.Background(), "providerA")
	require.NoError(t, err)

	st, err := f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)

	batch := f.batches.only(t)
	require.Equal(t, 1, batch.FailedCount)

	normalized, err := fingerprint.NormalizeURL(url)
	require.NoError(t, err)
	fp, err := f.fps.GetByHash(context.Background(), hashOf(normalized))
	require.NoError(t, err)
	require.Equal(t, fingerprint.StatusBlocked, fp.Status)
	require.Contains(t, fp.ErrorMessage, "403")
}

func TestLowQualityContentIsNotExtracted(t *testing.T) {
	t.Parallel()

	url := "https://site.test/recipes/one"
	f := newFixture(t, []string{url}, func(_ context.Context, u string, _ int) (stealth.Response, error) {
		return okResponse(u, []byte("<html>tiny</html>")), nil
	})

	correlationID, err := f.orch.StartProcessing(context.Background(), "providerA")
	require.NoError(t, err)

	st, err := f.orch.GetStatus(context.Background(), correlationID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)

	batch := f.batches.only(t)
	require.Equal(t, 1, batch.FailedCount)
	require.Empty(t, f.recipes.all(), "poor quality content never reaches the extractor")
}
