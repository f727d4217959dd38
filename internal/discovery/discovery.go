// Package discovery finds candidate recipe URLs for a provider, either by
// walking links from the recipe root page or by reading a sitemap.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/recipe"
	"github.com/platefeed/recipe-harvester/internal/stealth"
)

// Discovery strategies selectable per provider.
const (
	StrategyLinks   = "links"
	StrategySitemap = "sitemap"
)

// Fetcher performs one polite outbound fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url, providerID string) (stealth.Response, error)
}

// Service discovers recipe URLs through the provider's configured strategy.
type Service struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// New builds a discovery Service.
func New(fetcher Fetcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{fetcher: fetcher, logger: logger}
}

// Discover returns the candidate URLs for one provider window, de-duplicated
// in first-seen order. An unknown strategy falls back to link walking.
func (s *Service) Discover(ctx context.Context, cfg recipe.ProviderConfiguration) ([]string, error) {
	resp, err := s.fetcher.Fetch(ctx, cfg.RecipeRootEndpoint, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery root %s: %w", cfg.RecipeRootEndpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("discovery root %s: unexpected status %d", cfg.RecipeRootEndpoint, resp.StatusCode)
	}

	var urls []string
	switch cfg.DiscoveryStrategy {
	case StrategySitemap:
		urls, err = parseSitemap(resp.Body)
	default:
		urls, err = parseLinks(resp.Body, cfg.RecipeRootEndpoint)
	}
	if err != nil {
		return nil, err
	}

	deduped := dedupe(urls)
	s.logger.Debug("discovery finished",
		zap.String("provider", cfg.ID),
		zap.String("strategy", cfg.DiscoveryStrategy),
		zap.Int("found", len(urls)),
		zap.Int("unique", len(deduped)),
	)
	return deduped, nil
}

// parseLinks extracts same-host anchors under the root's path section.
func parseLinks(body []byte, rootURL string) ([]string, error) {
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url %q: %w", rootURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse discovery page: %w", err)
	}

	var urls []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := root.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		if !strings.EqualFold(resolved.Host, root.Host) {
			return
		}
		if !strings.HasPrefix(strings.ToLower(resolved.Path), strings.ToLower(root.Path)) {
			return
		}
		// Links back to the section root itself are navigation, not recipes.
		if strings.EqualFold(strings.TrimSuffix(resolved.Path, "/"), strings.TrimSuffix(root.Path, "/")) {
			return
		}
		urls = append(urls, resolved.String())
	})
	return urls, nil
}

// parseSitemap extracts every <loc> entry from a sitemap document.
func parseSitemap(body []byte) ([]string, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var urls []string
	for _, node := range xmlquery.Find(doc, "//*[local-name()='loc']") {
		loc := strings.TrimSpace(node.InnerText())
		if loc == "" {
			continue
		}
		if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
			continue
		}
		urls = append(urls, loc)
	}
	return urls, nil
}

// dedupe keeps first occurrences, comparing by normalized URL so query-string
// variants collapse to one candidate.
func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		key, err := fingerprint.NormalizeURL(u)
		if err != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
