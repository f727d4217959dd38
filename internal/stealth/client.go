package stealth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/metrics"
	"github.com/platefeed/recipe-harvester/internal/ratelimit"
	"github.com/platefeed/recipe-harvester/internal/recipe"
)

// ErrRateLimited signals that the provider's token bucket denied admission
// even after the single backoff retry. The caller decides whether to retry
// the whole fetch later.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultAcquireBackoff = 2 * time.Second
	defaultRequestTimeout = 15 * time.Second

	acceptLanguage = "en-US,en;q=0.9"
	acceptEncoding = "gzip, deflate"
)

// Response is the raw result of one outbound fetch. Non-2xx status codes are
// surfaced here, never retried inside the client.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Identity   string
}

// Config controls client behavior.
type Config struct {
	// AcquireBackoff is the fixed wait before the single rate-limit
	// re-acquisition attempt.
	AcquireBackoff time.Duration
}

// Client performs one polite fetch per call: pacing delay, token bucket
// admission, identity rotation, then a single colly-backed HTTP GET bounded
// by the provider's request timeout.
type Client struct {
	providers recipe.ProviderConfigStore
	limiter   *ratelimit.Limiter
	rotator   *IdentityRotator
	pacer     *Pacer
	logger    *zap.Logger
	cfg       Config

	baseCollector *colly.Collector
	transport     http.RoundTripper
	sleep         func(ctx context.Context, d time.Duration) error
}

// New builds a Client.
func New(
	providers recipe.ProviderConfigStore,
	limiter *ratelimit.Limiter,
	rotator *IdentityRotator,
	pacer *Pacer,
	logger *zap.Logger,
	cfg Config,
) *Client {
	if cfg.AcquireBackoff <= 0 {
		cfg.AcquireBackoff = defaultAcquireBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Retries, resumed sagas, and repeat harvest windows all re-fetch known
	// URLs; clones share the base collector's visited storage.
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Client{
		providers:     providers,
		limiter:       limiter,
		rotator:       rotator,
		pacer:         pacer,
		logger:        logger,
		cfg:           cfg,
		baseCollector: c,
		transport:     transport,
		sleep:         sleepContext,
	}
}

// Fetch performs one fetch for the provider, honoring its pacing and rate
// limit policy. A missing provider configuration is fatal and non-retryable.
func (c *Client) Fetch(ctx context.Context, rawURL, providerID string) (Response, error) {
	cfg, err := c.providers.GetByProviderID(ctx, providerID)
	if err != nil {
		return Response{}, fmt.Errorf("load provider config %q: %w", providerID, err)
	}

	delay := c.pacer.Delay(cfg.RateLimit.MinDelay)
	if delay > 0 {
		metrics.ObservePacingDelay(providerID, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return Response{}, fmt.Errorf("pacing delay: %w", err)
		}
	}

	if err := c.acquire(ctx, providerID); err != nil {
		return Response{}, err
	}

	identity := c.rotator.Next()
	resp, err := c.doFetch(ctx, rawURL, identity, cfg.RateLimit.RequestTimeout)
	if err != nil {
		return Response{}, err
	}
	resp.Identity = identity
	metrics.ObserveFetch(providerID, resp.StatusCode, resp.Duration)
	c.logger.Debug("fetched url",
		zap.String("provider", providerID),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
	)
	return resp, nil
}

// FetchString fetches and returns the body as a string, failing on any
// non-2xx status.
func (c *Client) FetchString(ctx context.Context, rawURL, providerID string) (string, error) {
	resp, err := c.Fetch(ctx, rawURL, providerID)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return string(resp.Body), nil
}

// acquire attempts token bucket admission, retrying exactly once after a
// fixed backoff.
func (c *Client) acquire(ctx context.Context, providerID string) error {
	if c.limiter.TryAcquire(providerID, 1) {
		return nil
	}
	metrics.ObserveRateLimitDenial(providerID)
	c.logger.Debug("rate limited, backing off once",
		zap.String("provider", providerID),
		zap.Duration("backoff", c.cfg.AcquireBackoff),
	)
	if err := c.sleep(ctx, c.cfg.AcquireBackoff); err != nil {
		return fmt.Errorf("rate limit backoff: %w", err)
	}
	if c.limiter.TryAcquire(providerID, 1) {
		return nil
	}
	metrics.ObserveRateLimitDenial(providerID)
	return fmt.Errorf("provider %q: %w", providerID, ErrRateLimited)
}

func (c *Client) doFetch(ctx context.Context, rawURL, identity string, timeout time.Duration) (Response, error) {
	collector := c.baseCollector.Clone()
	collector.UserAgent = identity
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(c.transport)
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	collector.SetRequestTimeout(timeout)

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", acceptLanguage)
		r.Headers.Set("Accept-Encoding", acceptEncoding)
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Non-2xx responses surface as a Response, not an error.
		if r != nil && r.StatusCode > 0 {
			headers := http.Header{}
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			result = Response{
				URL:        rawURL,
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		if err != nil && result.StatusCode == 0 {
			return Response{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}
	return result, nil
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

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
