// Package cost converts model token usage into monetary cost.
// Rates are loaded from a RateSource and cached briefly so the hot
// path never blocks on the database.
package cost

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

// ModelRate prices one model per million tokens, split by token class.
type ModelRate struct {
	Model              string
	InputPerMTok       float64
	OutputPerMTok      float64
	CacheWritePerMTok  float64
	CacheReadPerMTok   float64
	ContextWindow      int
	MaxOutputTokens    int
}

// RateSource supplies the model rate table, typically the model_rates
// repository.
type RateSource interface {
	ModelRates(ctx context.Context) ([]ModelRate, error)
}

// StaticRates is a RateSource over a fixed table, used in tests and as
// the fallback when no repository is configured.
type StaticRates map[string]ModelRate

func (s StaticRates) ModelRates(ctx context.Context) ([]ModelRate, error) {
	rates := make([]ModelRate, 0, len(s))
	for _, r := range s {
		rates = append(rates, r)
	}
	return rates, nil
}

// DefaultRates covers the models the platform routes out of the box.
func DefaultRates() StaticRates {
	return StaticRates{
		"claude-sonnet-4-20250514": {Model: "claude-sonnet-4-20250514", InputPerMTok: 3, OutputPerMTok: 15, CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.3, ContextWindow: 200000, MaxOutputTokens: 64000},
		"claude-opus-4-20250514":   {Model: "claude-opus-4-20250514", InputPerMTok: 15, OutputPerMTok: 75, CacheWritePerMTok: 18.75, CacheReadPerMTok: 1.5, ContextWindow: 200000, MaxOutputTokens: 32000},
		"claude-3-5-haiku-20241022": {Model: "claude-3-5-haiku-20241022", InputPerMTok: 0.8, OutputPerMTok: 4, CacheWritePerMTok: 1, CacheReadPerMTok: 0.08, ContextWindow: 200000, MaxOutputTokens: 8192},
	}
}

// Calculator prices usage against the cached rate table.
type Calculator struct {
	source   RateSource
	cacheTTL time.Duration

	mu       sync.RWMutex
	rates    map[string]ModelRate
	loadedAt time.Time
}

func NewCalculator(source RateSource) *Calculator {
	if source == nil {
		source = DefaultRates()
	}
	return &Calculator{
		source:   source,
		cacheTTL: 5 * time.Minute,
		rates:    make(map[string]ModelRate),
	}
}

// Rate returns the pricing row for a model, refreshing the cache when
// stale. Unknown models return false; callers treat that as zero cost.
func (c *Calculator) Rate(ctx context.Context, model string) (ModelRate, bool) {
	c.mu.RLock()
	fresh := time.Since(c.loadedAt) < c.cacheTTL && len(c.rates) > 0
	rate, ok := c.rates[model]
	c.mu.RUnlock()

	if fresh {
		return rate, ok
	}

	rates, err := c.source.ModelRates(ctx)
	if err != nil {
		slog.Warn("model rate refresh failed, using cached table", "error", err)
		return rate, ok
	}

	c.mu.Lock()
	c.rates = make(map[string]ModelRate, len(rates))
	for _, r := range rates {
		c.rates[r.Model] = r
	}
	c.loadedAt = time.Now()
	rate, ok = c.rates[model]
	c.mu.Unlock()

	return rate, ok
}

// Calculate prices usage for a model in dollars, scaled by the
// credential's rate multiplier.
func (c *Calculator) Calculate(ctx context.Context, model string, usage domain.Usage, multiplier float64) float64 {
	rate, ok := c.Rate(ctx, model)
	if !ok {
		return 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}

	cost := float64(usage.InputTokens)/1e6*rate.InputPerMTok +
		float64(usage.OutputTokens)/1e6*rate.OutputPerMTok +
		float64(usage.CacheCreationTokens)/1e6*rate.CacheWritePerMTok +
		float64(usage.CacheReadTokens)/1e6*rate.CacheReadPerMTok

	return cost * multiplier
}

// CalculateUnits is Calculate in the quota engine's fixed-point units.
func (c *Calculator) CalculateUnits(ctx context.Context, model string, usage domain.Usage, multiplier float64) domain.CostUnits {
	return domain.UnitsFromDollars(c.Calculate(ctx, model, usage, multiplier))
}
