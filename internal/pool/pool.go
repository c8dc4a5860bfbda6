// Package pool owns the working set of upstream credentials: their
// live health, bounded concurrency counters, and per-conversation
// affinity. It is constructed once per process and handed to callers;
// there is no ambient singleton.
package pool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/metrics"
)

// CredentialSource loads the credential set, typically the credentials
// repository. The working set is rebuilt wholesale on every reload.
type CredentialSource interface {
	ListCredentials(ctx context.Context) ([]domain.Credential, error)
}

// StatsStore persists per-credential daily aggregates.
type StatsStore interface {
	UpsertDayStats(ctx context.Context, stats domain.CredentialDayStats) error
}

// SecretResolver resolves a credential's SecretRef into its API key.
type SecretResolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Notifier receives credential health transitions. Best-effort.
type Notifier interface {
	CredentialDown(ctx context.Context, credentialID, lastError string)
}

const (
	degradedAfter = 3
	downAfter     = 5
)

// Route is what Acquire hands back: everything the relay needs to
// address the upstream, without exposing pool internals.
type Route struct {
	CredentialID string
	BaseURL      string
	APIKey       string
	Multiplier   float64
}

type credState struct {
	cred        domain.Credential
	concurrency int
	consecErrs  int
	health      domain.Health
	lastError   string

	day   time.Time
	stats domain.CredentialDayStats
}

// Pool is the credential load balancer.
type Pool struct {
	mu       sync.Mutex
	creds    map[string]*credState
	order    []string // stable iteration order for weighted draws
	affinity map[string]string

	source   CredentialSource
	stats    StatsStore
	secrets  SecretResolver
	notifier Notifier
	rng      *rand.Rand
	now      func() time.Time
}

type Option func(*Pool)

func WithStatsStore(s StatsStore) Option         { return func(p *Pool) { p.stats = s } }
func WithSecretResolver(r SecretResolver) Option { return func(p *Pool) { p.secrets = r } }
func WithNotifier(n Notifier) Option             { return func(p *Pool) { p.notifier = n } }
func WithClock(now func() time.Time) Option      { return func(p *Pool) { p.now = now } }

func New(source CredentialSource, opts ...Option) *Pool {
	p := &Pool{
		creds:    make(map[string]*credState),
		affinity: make(map[string]string),
		source:   source,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reload rebuilds the working set from the source. Runtime state
// (concurrency, health, daily counters) carries over for credentials
// that survive the edit; bindings to removed credentials are cleared.
func (p *Pool) Reload(ctx context.Context) error {
	creds, err := p.source.ListCredentials(ctx)
	if err != nil {
		return err
	}

	for i := range creds {
		if creds[i].SecretRef != "" && p.secrets != nil {
			key, err := p.secrets.GetSecret(ctx, creds[i].SecretRef)
			if err != nil {
				slog.Warn("credential secret resolution failed",
					"credential_id", creds[i].ID, "secret_ref", creds[i].SecretRef, "error", err)
				continue
			}
			creds[i].APIKey = key
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*credState, len(creds))
	order := make([]string, 0, len(creds))
	for _, c := range creds {
		state := &credState{cred: c, health: domain.HealthHealthy, day: p.localDay()}
		if prev, ok := p.creds[c.ID]; ok {
			state.concurrency = prev.concurrency
			state.consecErrs = prev.consecErrs
			state.health = prev.health
			state.lastError = prev.lastError
			state.day = prev.day
			state.stats = prev.stats
		}
		state.stats.CredentialID = c.ID
		next[c.ID] = state
		order = append(order, c.ID)
	}
	p.creds = next
	p.order = order

	for key, id := range p.affinity {
		if _, ok := next[id]; !ok {
			delete(p.affinity, key)
		}
	}

	slog.Info("credential pool reloaded", "credentials", len(creds))
	return nil
}

// Acquire picks a credential for a request. The affinity key, when
// supplied, pins repeated requests for the same conversation to the
// same credential for upstream cache locality. Returns
// domain.ErrPoolExhausted when no credential can accept the request.
func (p *Pool) Acquire(affinityKey string) (*Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if affinityKey != "" {
		if id, ok := p.affinity[affinityKey]; ok {
			if s, ok := p.creds[id]; ok && s.usable() {
				s.concurrency++
				return s.route(), nil
			}
			delete(p.affinity, affinityKey)
		}
	}

	candidates := make([]*credState, 0, len(p.order))
	bestPriority := 0
	for _, id := range p.order {
		s := p.creds[id]
		if !s.usable() {
			continue
		}
		switch {
		case len(candidates) == 0 || s.cred.Priority < bestPriority:
			candidates = append(candidates[:0], s)
			bestPriority = s.cred.Priority
		case s.cred.Priority == bestPriority:
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		metrics.PoolExhausted.Inc()
		return nil, domain.ErrPoolExhausted
	}

	chosen := p.weightedPick(candidates)
	chosen.concurrency++
	if affinityKey != "" {
		p.affinity[affinityKey] = chosen.cred.ID
	}
	metrics.SetCredentialHealth(chosen.cred.ID, chosen.health, chosen.concurrency)
	return chosen.route(), nil
}

// weightedPick draws uniformly over the cumulative weight sum. Ties
// (zero or equal weights) fall to iteration order.
func (p *Pool) weightedPick(candidates []*credState) *credState {
	total := 0
	for _, s := range candidates {
		total += weightOf(s)
	}
	draw := p.rng.Intn(total)
	for _, s := range candidates {
		draw -= weightOf(s)
		if draw < 0 {
			return s
		}
	}
	return candidates[len(candidates)-1]
}

func weightOf(s *credState) int {
	if s.cred.Weight < 1 {
		return 1
	}
	return s.cred.Weight
}

// Release decrements the concurrency counter, floored at zero so a
// double release is harmless.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.creds[id]; ok && s.concurrency > 0 {
		s.concurrency--
		metrics.SetCredentialHealth(id, s.health, s.concurrency)
	}
}

// RecordOutcome feeds the health state machine and the daily counters.
// Success resets the error streak and restores health; errors escalate
// to degraded at 3 in a row and down at 5.
func (p *Pool) RecordOutcome(ctx context.Context, id string, success bool, usage domain.Usage, errMsg string) {
	p.mu.Lock()
	s, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	p.rollDayLocked(s)

	var wentDown bool
	if success {
		s.consecErrs = 0
		s.health = domain.HealthHealthy
		s.stats.Requests++
		s.stats.InputTokens += int64(usage.InputTokens)
		s.stats.OutputTokens += int64(usage.OutputTokens)
		s.stats.CacheCreationTokens += int64(usage.CacheCreationTokens)
		s.stats.CacheReadTokens += int64(usage.CacheReadTokens)
	} else {
		s.consecErrs++
		s.lastError = errMsg
		prev := s.health
		switch {
		case s.consecErrs >= downAfter:
			s.health = domain.HealthDown
		case s.consecErrs >= degradedAfter:
			s.health = domain.HealthDegraded
		}
		wentDown = prev != domain.HealthDown && s.health == domain.HealthDown
	}
	snapshot := s.stats
	health, inflight := s.health, s.concurrency
	p.mu.Unlock()

	metrics.SetCredentialHealth(id, health, inflight)
	if success {
		p.flushStats(ctx, snapshot)
	}
	if wentDown {
		slog.Error("credential marked down", "credential_id", id, "last_error", errMsg)
		if p.notifier != nil {
			p.notifier.CredentialDown(ctx, id, errMsg)
		}
	}
}

// RecordCost accumulates the site-side cost counter, independent of
// the tenant-facing quota.
func (p *Pool) RecordCost(ctx context.Context, id string, units domain.CostUnits) {
	p.mu.Lock()
	s, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.rollDayLocked(s)
	s.stats.CostUnits += units
	snapshot := s.stats
	p.mu.Unlock()

	p.flushStats(ctx, snapshot)
}

func (p *Pool) flushStats(ctx context.Context, stats domain.CredentialDayStats) {
	if p.stats == nil {
		return
	}
	if err := p.stats.UpsertDayStats(ctx, stats); err != nil {
		slog.Warn("credential day stats upsert failed", "credential_id", stats.CredentialID, "error", err)
	}
}

// rollDayLocked resets daily counters when local midnight has passed.
func (p *Pool) rollDayLocked(s *credState) {
	today := p.localDay()
	if !s.day.Equal(today) {
		s.day = today
		s.stats = domain.CredentialDayStats{CredentialID: s.cred.ID, Day: today}
	}
	s.stats.Day = today
}

func (p *Pool) localDay() time.Time {
	now := p.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// CredentialStatus is the operational snapshot exposed by the admin
// pool-status endpoint.
type CredentialStatus struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Enabled        bool    `json:"enabled"`
	Health         string  `json:"health"`
	Concurrency    int     `json:"concurrency"`
	MaxConcurrency int     `json:"max_concurrency"`
	ConsecErrors   int     `json:"consecutive_errors"`
	LastError      string  `json:"last_error,omitempty"`
	DayRequests    int64   `json:"day_requests"`
	DayTokensIn    int64   `json:"day_tokens_in"`
	DayTokensOut   int64   `json:"day_tokens_out"`
	DayCostUSD     float64 `json:"day_cost_usd"`
}

func (p *Pool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialStatus, 0, len(p.order))
	for _, id := range p.order {
		s := p.creds[id]
		out = append(out, CredentialStatus{
			ID:             s.cred.ID,
			Name:           s.cred.Name,
			Enabled:        s.cred.Enabled,
			Health:         s.health.String(),
			Concurrency:    s.concurrency,
			MaxConcurrency: s.cred.MaxConcurrency,
			ConsecErrors:   s.consecErrs,
			LastError:      s.lastError,
			DayRequests:    s.stats.Requests,
			DayTokensIn:    s.stats.InputTokens,
			DayTokensOut:   s.stats.OutputTokens,
			DayCostUSD:     s.stats.CostUnits.Dollars(),
		})
	}
	return out
}

func (s *credState) usable() bool {
	return s.cred.Enabled && s.health != domain.HealthDown && s.concurrency < s.cred.MaxConcurrency
}

func (s *credState) route() *Route {
	return &Route{
		CredentialID: s.cred.ID,
		BaseURL:      s.cred.BaseURL,
		APIKey:       s.cred.APIKey,
		Multiplier:   s.cred.RateMultiplier,
	}
}

// MultiplierFor resolves the cost multiplier for a tenant group; kept
// separate so Acquire stays group-agnostic.
func (p *Pool) MultiplierFor(credentialID, group string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.creds[credentialID]; ok {
		return s.cred.MultiplierFor(group)
	}
	return 1.0
}
