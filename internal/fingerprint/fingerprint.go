package fingerprint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/platefeed/recipe-harvester/internal/events"
	"github.com/platefeed/recipe-harvester/internal/hash/sha256"
)

// MaxRetryAttempts bounds how often a failed scrape may be retried. The
// orchestrator enforces it; the aggregate only declares the policy.
const MaxRetryAttempts = 3

// ErrInvalidURL signals a URL that is not absolute http/https.
var ErrInvalidURL = errors.New("url must be absolute http or https")

// ErrInvalidState signals a transition attempted from an incompatible state.
// It is a contract error and must never be swallowed.
var ErrInvalidState = errors.New("invalid fingerprint state")

// Fingerprint records one scrape attempt. ContentHash tracks content change
// detection; Hash (the normalized-URL hash) is the deduplication key. Mutate
// it only through the transition methods; direct field writes are reserved
// for Reconstitute.
type Fingerprint struct {
	ID           string
	URL          string
	ContentHash  string
	Hash         string
	ContentSize  int64
	ScrapedAt    time.Time
	ProviderName string
	Status       Status
	Quality      Quality
	ErrorMessage string
	Metadata     map[string]string
	ProcessedAt  *time.Time
	RecipeID     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	pending []events.Event
}

// NewSuccess creates a fingerprint for a successful scrape. The URL must be
// absolute http/https; content may be empty only for intentionally blank
// pages and still hashes deterministically.
func NewSuccess(
	id string,
	rawURL string,
	content []byte,
	provider string,
	quality Quality,
	metadata map[string]string,
	now time.Time,
) (*Fingerprint, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	f := &Fingerprint{
		ID:           id,
		URL:          rawURL,
		ContentHash:  sha256.Hex(content),
		Hash:         sha256.HexString(normalized),
		ContentSize:  int64(len(content)),
		ScrapedAt:    now,
		ProviderName: provider,
		Status:       StatusSuccess,
		Quality:      quality,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.record(events.TypeFingerprintCreated, now, map[string]string{
		"url":     rawURL,
		"quality": quality.String(),
	})
	return f, nil
}

// NewFailure creates a fingerprint for a failed scrape. The content hash is
// left empty, so the fingerprint can never become ReadyForProcessing without
// a successful retry.
func NewFailure(id, rawURL, provider, errMsg string, now time.Time) (*Fingerprint, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	f := &Fingerprint{
		ID:           id,
		URL:          rawURL,
		Hash:         sha256.HexString(normalized),
		ScrapedAt:    now,
		ProviderName: provider,
		Status:       StatusFailed,
		Quality:      QualityPoor,
		ErrorMessage: errMsg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.record(events.TypeFingerprintFailed, now, map[string]string{
		"url":   rawURL,
		"error": errMsg,
	})
	return f, nil
}

// Reconstitute rebuilds a fingerprint from persisted fields, bypassing
// invariant checks and emitting no events.
func Reconstitute(
	id, rawURL, contentHash, hash string,
	contentSize int64,
	scrapedAt time.Time,
	provider string,
	status Status,
	quality Quality,
	errMsg string,
	metadata map[string]string,
	processedAt *time.Time,
	recipeID *string,
	createdAt, updatedAt time.Time,
) *Fingerprint {
	return &Fingerprint{
		ID:           id,
		URL:          rawURL,
		ContentHash:  contentHash,
		Hash:         hash,
		ContentSize:  contentSize,
		ScrapedAt:    scrapedAt,
		ProviderName: provider,
		Status:       status,
		Quality:      quality,
		ErrorMessage: errMsg,
		Metadata:     metadata,
		ProcessedAt:  processedAt,
		RecipeID:     recipeID,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
}

// NormalizeURL lowercases scheme, host and path and strips the query string
// and fragment, producing the canonical dedup form of a recipe URL.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !u.IsAbs() || (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return scheme + "://" + strings.ToLower(u.Host) + strings.ToLower(u.Path), nil
}

// ReadyForProcessing reports whether the fingerprint may be handed to the
// extractor: scraped successfully, at least acceptable quality, content
// hashed, and not yet processed.
func (f *Fingerprint) ReadyForProcessing() bool {
	return f.Status == StatusSuccess &&
		f.Quality >= QualityAcceptable &&
		f.ContentHash != "" &&
		f.ProcessedAt == nil
}

// HasContentChanged reports whether the content differs from a previous
// fingerprint of the same URL. A nil previous always counts as changed.
func (f *Fingerprint) HasContentChanged(previous *Fingerprint) bool {
	if previous == nil {
		return true
	}
	return f.ContentHash != previous.ContentHash
}

// UpdateQuality re-grades the content. The reason is mandatory; an unchanged
// grade is a no-op and emits nothing.
func (f *Fingerprint) UpdateQuality(quality Quality, reason string, now time.Time) error {
	if reason == "" {
		return fmt.Errorf("%w: quality update requires a reason", ErrInvalidState)
	}
	if f.ProcessedAt != nil {
		return fmt.Errorf("%w: fingerprint %s already processed", ErrInvalidState, f.ID)
	}
	if quality == f.Quality {
		return nil
	}
	previous := f.Quality
	f.Quality = quality
	f.UpdatedAt = now
	f.record(events.TypeFingerprintQualityUpdated, now, map[string]string{
		"from":   previous.String(),
		"to":     quality.String(),
		"reason": reason,
	})
	return nil
}

// MarkAsProcessed finalizes the fingerprint after extraction. It requires
// ReadyForProcessing; afterwards the fingerprint is immutable. An empty
// recipeID records processing without an associated recipe.
func (f *Fingerprint) MarkAsProcessed(recipeID string, now time.Time) error {
	if f.ProcessedAt != nil {
		return fmt.Errorf("%w: fingerprint %s already processed", ErrInvalidState, f.ID)
	}
	if !f.ReadyForProcessing() {
		return fmt.Errorf("%w: fingerprint %s not ready for processing (status=%s quality=%s)",
			ErrInvalidState, f.ID, f.Status, f.Quality)
	}
	processed := now
	f.ProcessedAt = &processed
	if recipeID != "" {
		f.RecipeID = &recipeID
	}
	f.UpdatedAt = now
	f.record(events.TypeFingerprintProcessed, now, map[string]string{
		"recipe_id": recipeID,
	})
	return nil
}

// UpdateAfterSuccessfulRetry transitions a failed fingerprint back to
// success, rehashing the newly scraped content.
func (f *Fingerprint) UpdateAfterSuccessfulRetry(content []byte, quality Quality, now time.Time) error {
	if f.Status != StatusFailed {
		return fmt.Errorf("%w: retry success requires status failed, have %s", ErrInvalidState, f.Status)
	}
	f.ContentHash = sha256.Hex(content)
	f.ContentSize = int64(len(content))
	f.Status = StatusSuccess
	f.Quality = quality
	f.ErrorMessage = ""
	f.ScrapedAt = now
	f.UpdatedAt = now
	f.record(events.TypeFingerprintRetrySucceeded, now, map[string]string{
		"quality": quality.String(),
	})
	return nil
}

// UpdateAfterFailedRetry records another failed attempt, keeping identity.
func (f *Fingerprint) UpdateAfterFailedRetry(errMsg string, now time.Time) error {
	if f.ProcessedAt != nil {
		return fmt.Errorf("%w: fingerprint %s already processed", ErrInvalidState, f.ID)
	}
	f.Status = StatusFailed
	f.Quality = QualityPoor
	f.ErrorMessage = errMsg
	f.UpdatedAt = now
	f.record(events.TypeFingerprintRetryFailed, now, map[string]string{
		"error": errMsg,
	})
	return nil
}

// MarkAsBlocked records that the provider refused the scrape (robot pages,
// captchas, bans). The reason is mandatory.
func (f *Fingerprint) MarkAsBlocked(reason string, now time.Time) error {
	if reason == "" {
		return fmt.Errorf("%w: blocking requires a reason", ErrInvalidState)
	}
	if f.ProcessedAt != nil {
		return fmt.Errorf("%w: fingerprint %s already processed", ErrInvalidState, f.ID)
	}
	f.Status = StatusBlocked
	f.ErrorMessage = reason
	f.UpdatedAt = now
	f.record(events.TypeFingerprintBlocked, now, map[string]string{
		"reason": reason,
	})
	return nil
}

// DrainEvents returns the buffered domain events and clears the buffer. The
// orchestrator calls it after each durable write and forwards the events to
// the notification hub.
func (f *Fingerprint) DrainEvents() []events.Event {
	drained := f.pending
	f.pending = nil
	return drained
}

func (f *Fingerprint) record(t events.Type, now time.Time, fields map[string]string) {
	f.pending = append(f.pending, events.Event{
		Type:       t,
		OccurredAt: now,
		Provider:   f.ProviderName,
		EntityID:   f.ID,
		Fields:     fields,
	})
}
