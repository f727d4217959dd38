// Package extract pulls structured recipes out of scraped HTML. The
// heuristics prefer schema.org microdata and fall back to common markup
// conventions.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/platefeed/recipe-harvester/internal/fingerprint"
	"github.com/platefeed/recipe-harvester/internal/recipe"
)

// ErrNoRecipe signals that the page holds no recognizable recipe content.
var ErrNoRecipe = errors.New("no recipe content found")

// HeuristicExtractor extracts recipes from provider HTML.
type HeuristicExtractor struct {
	clock  recipe.Clock
	logger *zap.Logger
}

// New builds a HeuristicExtractor.
func New(clock recipe.Clock, logger *zap.Logger) *HeuristicExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeuristicExtractor{clock: clock, logger: logger}
}

// CanExtract reports whether a fingerprint's content is worth extracting.
func (e *HeuristicExtractor) CanExtract(fp *fingerprint.Fingerprint) bool {
	return fp.ReadyForProcessing()
}

// Confidence grades how likely extraction is to succeed, from the content
// quality alone.
func (e *HeuristicExtractor) Confidence(fp *fingerprint.Fingerprint) float64 {
	switch fp.Quality {
	case fingerprint.QualityExcellent:
		return 0.95
	case fingerprint.QualityGood:
		return 0.8
	case fingerprint.QualityAcceptable:
		return 0.5
	default:
		return 0
	}
}

// Extract parses the page and returns the structured recipe. Pages without a
// title and without ingredients return ErrNoRecipe.
func (e *HeuristicExtractor) Extract(_ context.Context, rawContent []byte, url string) (*recipe.Recipe, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawContent))
	if err != nil {
		return nil, fmt.Errorf("parse recipe page: %w", err)
	}

	title := extractTitle(doc)
	ingredients := extractIngredients(doc)
	if title == "" && len(ingredients) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecipe, url)
	}

	e.logger.Debug("extracted recipe",
		zap.String("url", url),
		zap.String("title", title),
		zap.Int("ingredients", len(ingredients)),
	)
	return &recipe.Recipe{
		URL:         url,
		Title:       title,
		Ingredients: ingredients,
		ExtractedAt: e.clock.Now(),
	}, nil
}

func extractTitle(doc *goquery.Document) string {
	for _, selector := range []string{
		`[itemprop="name"]`,
		"h1",
		"title",
	} {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func extractIngredients(doc *goquery.Document) []recipe.Ingredient {
	var out []recipe.Ingredient
	seen := map[string]struct{}{}

	collect := func(_ int, sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		ing := recipe.Ingredient{Name: name}
		if code, ok := sel.Attr("data-ingredient-code"); ok {
			ing.ProviderCode = strings.TrimSpace(code)
		}
		if qty, ok := sel.Attr("data-quantity"); ok {
			ing.Quantity = strings.TrimSpace(qty)
		}
		out = append(out, ing)
	}

	doc.Find(`[itemprop="recipeIngredient"]`).Each(collect)
	if len(out) == 0 {
		doc.Find(".ingredients li").Each(collect)
	}
	if len(out) == 0 {
		doc.Find("li.ingredient").Each(collect)
	}
	return out
}
