package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platefeed/recipe-harvester/internal/events"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewSuccessHashesContentAndURL(t *testing.T) {
	t.Parallel()

	f, err := NewSuccess("fp-1", "https://example.com/recipes/pasta?utm=x", []byte("<html>pasta</html>"),
		"providerA", QualityGood, map[string]string{"depth": "1"}, testNow)
	require.NoError(t, err)

	require.Equal(t, StatusSuccess, f.Status)
	require.Len(t, f.ContentHash, 64)
	require.Len(t, f.Hash, 64)
	require.Equal(t, int64(18), f.ContentSize)
	require.True(t, f.ReadyForProcessing())

	evts := f.DrainEvents()
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeFingerprintCreated, evts[0].Type)
	require.Empty(t, f.DrainEvents())
}

func TestNewSuccessRejectsRelativeAndNonHTTPURLs(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"/recipes/pasta", "ftp://example.com/x", "example.com/x", ""} {
		_, err := NewSuccess("fp-1", raw, []byte("x"), "providerA", QualityGood, nil, testNow)
		require.ErrorIs(t, err, ErrInvalidURL, "url %q", raw)
	}
}

func TestFingerprintHashIgnoresQueryAndCase(t *testing.T) {
	t.Parallel()

	a, err := NewSuccess("fp-a", "https://x.com/a?x=1", []byte("one"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)
	b, err := NewSuccess("fp-b", "https://X.COM/a?y=2", []byte("two"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)

	require.Equal(t, a.Hash, b.Hash)
	require.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestHasContentChanged(t *testing.T) {
	t.Parallel()

	a, err := NewSuccess("fp-a", "https://x.com/a", []byte("same"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)
	b, err := NewSuccess("fp-b", "https://x.com/a", []byte("same"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)
	c, err := NewSuccess("fp-c", "https://x.com/a", []byte("different"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)

	require.True(t, a.HasContentChanged(nil))
	require.False(t, b.HasContentChanged(a))
	require.True(t, c.HasContentChanged(a))
}

func TestNewFailureHasEmptyContentHash(t *testing.T) {
	t.Parallel()

	f, err := NewFailure("fp-1", "https://x.com/a", "providerA", "connection refused", testNow)
	require.NoError(t, err)

	require.Equal(t, StatusFailed, f.Status)
	require.Equal(t, QualityPoor, f.Quality)
	require.Empty(t, f.ContentHash)
	require.False(t, f.ReadyForProcessing())
}

func TestUpdateQuality(t *testing.T) {
	t.Parallel()

	f, err := NewSuccess("fp-1", "https://x.com/a", []byte("x"), "providerA", QualityAcceptable, nil, testNow)
	require.NoError(t, err)
	f.DrainEvents()

	require.Error(t, f.UpdateQuality(QualityGood, "", testNow))

	// Unchanged grade is a no-op and emits nothing.
	require.NoError(t, f.UpdateQuality(QualityAcceptable, "re-scored", testNow))
	require.Empty(t, f.DrainEvents())

	require.NoError(t, f.UpdateQuality(QualityExcellent, "rich structured data", testNow.Add(time.Minute)))
	require.Equal(t, QualityExcellent, f.Quality)
	evts := f.DrainEvents()
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeFingerprintQualityUpdated, evts[0].Type)
	require.Equal(t, "acceptable", evts[0].Fields["from"])
	require.Equal(t, "excellent", evts[0].Fields["to"])
}

func TestMarkAsProcessed(t *testing.T) {
	t.Parallel()

	f, err := NewSuccess("fp-1", "https://x.com/a", []byte("x"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)

	require.NoError(t, f.MarkAsProcessed("recipe-9", testNow.Add(time.Minute)))
	require.NotNil(t, f.ProcessedAt)
	require.NotNil(t, f.RecipeID)
	require.Equal(t, "recipe-9", *f.RecipeID)
	require.False(t, f.ReadyForProcessing())

	// Processing twice is a contract error.
	require.ErrorIs(t, f.MarkAsProcessed("recipe-9", testNow), ErrInvalidState)
}

func TestMarkAsProcessedRefusesUnreadyFingerprint(t *testing.T) {
	t.Parallel()

	f, err := NewSuccess("fp-1", "https://x.com/a", []byte("x"), "providerA", QualityPoor, nil, testNow)
	require.NoError(t, err)
	f.DrainEvents()

	err = f.MarkAsProcessed("recipe-9", testNow)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Nil(t, f.ProcessedAt)
	require.Nil(t, f.RecipeID)
	require.Equal(t, QualityPoor, f.Quality)
	require.Empty(t, f.DrainEvents())
}

func TestRetryTransitions(t *testing.T) {
	t.Parallel()

	f, err := NewFailure("fp-1", "https://x.com/a", "providerA", "timeout", testNow)
	require.NoError(t, err)
	f.DrainEvents()

	// Success retry on a success fingerprint is invalid.
	ok, err2 := NewSuccess("fp-2", "https://x.com/b", []byte("x"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err2)
	require.ErrorIs(t, ok.UpdateAfterSuccessfulRetry([]byte("y"), QualityGood, testNow), ErrInvalidState)

	require.NoError(t, f.UpdateAfterSuccessfulRetry([]byte("recovered"), QualityGood, testNow.Add(time.Hour)))
	require.Equal(t, StatusSuccess, f.Status)
	require.Empty(t, f.ErrorMessage)
	require.NotEmpty(t, f.ContentHash)
	require.True(t, f.ReadyForProcessing())

	require.NoError(t, f.UpdateAfterFailedRetry("blocked again", testNow.Add(2*time.Hour)))
	require.Equal(t, StatusFailed, f.Status)
	require.Equal(t, QualityPoor, f.Quality)
	require.Equal(t, "blocked again", f.ErrorMessage)

	evts := f.DrainEvents()
	require.Len(t, evts, 2)
	require.Equal(t, events.TypeFingerprintRetrySucceeded, evts[0].Type)
	require.Equal(t, events.TypeFingerprintRetryFailed, evts[1].Type)
}

func TestMarkAsBlocked(t *testing.T) {
	t.Parallel()

	f, err := NewSuccess("fp-1", "https://x.com/a", []byte("x"), "providerA", QualityGood, nil, testNow)
	require.NoError(t, err)

	require.ErrorIs(t, f.MarkAsBlocked("", testNow), ErrInvalidState)

	require.NoError(t, f.MarkAsBlocked("captcha interstitial", testNow))
	require.Equal(t, StatusBlocked, f.Status)
	require.Equal(t, "captcha interstitial", f.ErrorMessage)
}

func TestReconstituteBypassesInvariants(t *testing.T) {
	t.Parallel()

	processed := testNow.Add(time.Hour)
	recipeID := "recipe-1"
	f := Reconstitute("fp-1", "https://x.com/a", "ch", "fh", 10, testNow, "providerA",
		StatusSuccess, QualityGood, "", map[string]string{"k": "v"}, &processed, &recipeID, testNow, processed)

	require.Equal(t, "fp-1", f.ID)
	require.False(t, f.ReadyForProcessing())
	require.Empty(t, f.DrainEvents())
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"https://X.com/Recipes/Tarte?page=2#step", "https://x.com/recipes/tarte"},
		{"http://example.com", "http://example.com"},
		{"https://example.com/a/b/", "https://example.com/a/b/"},
	}
	for _, tc := range tests {
		got, err := NormalizeURL(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got)
	}
}
