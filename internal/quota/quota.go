// Package quota enforces layered usage budgets per tenant: lifetime,
// 5-hour rolling window, 7.5-day billing cycle, and a cross-tenant
// bonus pool fed by a plan's unused cycle capacity. Counters roll over
// lazily on read; there is no background sweep.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

// TenantStore reads and writes tenant lifetime counters.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	AddTenantUsage(ctx context.Context, id string, units domain.CostUnits) error
}

// SubscriptionStore reads and writes subscription budget counters.
type SubscriptionStore interface {
	// ActiveSubscription returns the tenant's newest subscription whose
	// end time has not passed, or domain.ErrSubscriptionNotFound.
	// Implementations expire stale rows as a side effect of the read.
	ActiveSubscription(ctx context.Context, tenantID string, now time.Time) (*domain.Subscription, error)
	ListActiveByPlan(ctx context.Context, planID string, now time.Time) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
}

// PlanStore resolves plan configuration (window/cycle lengths).
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
}

// Notifier receives budget-exhausted events. Best-effort.
type Notifier interface {
	BudgetExhausted(ctx context.Context, tenantID string, reason domain.DenyReason)
}

const (
	defaultWindowLength = 5 * time.Hour
	defaultCycleLength  = 180 * time.Hour // 7.5 days
)

// Snapshot is the user-visible quota state attached to a decision.
type Snapshot struct {
	TotalQuota  domain.CostUnits `json:"total_quota"`
	TotalUsed   domain.CostUnits `json:"total_used"`
	WindowUsed  domain.CostUnits `json:"window_used"`
	WindowLimit domain.CostUnits `json:"window_limit"`
	WindowReset time.Time        `json:"window_reset,omitempty"`
	CycleUsed   domain.CostUnits `json:"cycle_used"`
	CycleLimit  domain.CostUnits `json:"cycle_limit"`
	BonusBudget domain.CostUnits `json:"bonus_budget,omitempty"`
	BonusUsed   domain.CostUnits `json:"bonus_used,omitempty"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed  bool
	Reason   domain.DenyReason
	Message  string
	Snapshot Snapshot
}

// Engine is the quota admission gate. Construct one per process and
// share it; counter mutation happens through the stores.
type Engine struct {
	tenants  TenantStore
	subs     SubscriptionStore
	plans    PlanStore
	notifier Notifier
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option        { return func(e *Engine) { e.notifier = n } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(tenants TenantStore, subs SubscriptionStore, plans PlanStore, opts ...Option) *Engine {
	e := &Engine{tenants: tenants, subs: subs, plans: plans, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check runs the admission checks in order: subscription resolution,
// lifetime, rolling window, billing cycle (with bonus fallback). The
// first failure short-circuits.
func (e *Engine) Check(ctx context.Context, tenantID string) (*Decision, error) {
	now := e.now()

	tenant, err := e.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	sub, err := e.subs.ActiveSubscription(ctx, tenantID, now)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return e.checkTrialGrant(tenant), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve subscription: %w", err)
	}

	windowLen, cycleLen := e.planLengths(ctx, sub.PlanID)
	if e.rollForward(sub, now, windowLen, cycleLen) {
		if err := e.subs.UpdateSubscription(ctx, sub); err != nil {
			slog.Warn("rollover persist failed", "subscription_id", sub.ID, "error", err)
		}
	}

	snap := Snapshot{
		TotalQuota:  sub.TotalQuota,
		TotalUsed:   sub.TotalUsed,
		WindowUsed:  sub.WindowUsed,
		WindowLimit: sub.WindowBudget,
		CycleUsed:   sub.CycleUsed,
		CycleLimit:  sub.CycleBudget,
		BonusUsed:   sub.BonusUsed,
	}

	if sub.TotalQuota > 0 && sub.TotalUsed >= sub.TotalQuota {
		return e.deny(ctx, tenantID, domain.DenyQuotaExceeded,
			"subscription quota exhausted", snap), nil
	}

	if sub.WindowBudget > 0 && sub.WindowUsed >= sub.WindowBudget {
		snap.WindowReset = sub.WindowStart.Add(windowLen)
		return e.deny(ctx, tenantID, domain.DenyWindowExceeded,
			fmt.Sprintf("usage limit reached, resets %s", snap.WindowReset.Format(time.RFC3339)), snap), nil
	}

	if sub.CycleBudget > 0 && sub.CycleUsed >= sub.CycleBudget {
		bonus := e.bonusFor(ctx, sub, cycleLen, now)
		snap.BonusBudget = bonus
		if bonus <= 0 || sub.BonusUsed >= bonus {
			return e.deny(ctx, tenantID, domain.DenyWeeklyExceeded,
				"weekly usage limit reached", snap), nil
		}
	}

	return &Decision{Allowed: true, Snapshot: snap}, nil
}

// checkTrialGrant falls back to the lifetime grant on the tenant row
// when no subscription is active.
func (e *Engine) checkTrialGrant(tenant *domain.Tenant) *Decision {
	snap := Snapshot{TotalQuota: tenant.LifetimeQuota, TotalUsed: tenant.LifetimeUsed}
	if tenant.LifetimeQuota <= 0 || tenant.LifetimeUsed >= tenant.LifetimeQuota {
		return &Decision{
			Allowed:  false,
			Reason:   domain.DenyNoSubscription,
			Message:  "no active subscription",
			Snapshot: snap,
		}
	}
	return &Decision{Allowed: true, Snapshot: snap}
}

func (e *Engine) deny(ctx context.Context, tenantID string, reason domain.DenyReason, msg string, snap Snapshot) *Decision {
	if e.notifier != nil {
		e.notifier.BudgetExhausted(ctx, tenantID, reason)
	}
	return &Decision{Allowed: false, Reason: reason, Message: msg, Snapshot: snap}
}

// rollForward applies lazy window and cycle rollover in place and
// reports whether anything changed.
func (e *Engine) rollForward(sub *domain.Subscription, now time.Time, windowLen, cycleLen time.Duration) bool {
	changed := false
	if start, rolled := rollWindow(now, sub.WindowStart, windowLen); rolled {
		sub.WindowStart = start
		sub.WindowUsed = 0
		changed = true
	}
	if start, rolled := rollCycle(now, sub.CycleStart, cycleLen); rolled {
		sub.CycleStart = start
		sub.CycleUsed = 0
		sub.BonusUsed = 0
		changed = true
	}
	return changed
}

func (e *Engine) planLengths(ctx context.Context, planID string) (time.Duration, time.Duration) {
	windowLen, cycleLen := defaultWindowLength, defaultCycleLength
	if e.plans == nil {
		return windowLen, cycleLen
	}
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return windowLen, cycleLen
	}
	if plan.WindowLength > 0 {
		windowLen = plan.WindowLength
	}
	if plan.CycleLength > 0 {
		cycleLen = plan.CycleLength
	}
	return windowLen, cycleLen
}

func (e *Engine) bonusFor(ctx context.Context, sub *domain.Subscription, cycleLen time.Duration, now time.Time) domain.CostUnits {
	peers, err := e.subs.ListActiveByPlan(ctx, sub.PlanID, now)
	if err != nil {
		slog.Warn("bonus pool lookup failed", "plan_id", sub.PlanID, "error", err)
		return 0
	}
	return calcBonusBudget(peers, sub, cycleLen, now)
}

// RecordUsage attributes a finished request's cost. The tenant
// lifetime counter is charged unconditionally; subscription counters
// follow the same bucket ordering as Check: cycle usage spills into
// bonus only once the primary cycle budget is exhausted.
func (e *Engine) RecordUsage(ctx context.Context, tenantID string, units domain.CostUnits) error {
	if units <= 0 {
		return nil
	}
	now := e.now()

	if err := e.tenants.AddTenantUsage(ctx, tenantID, units); err != nil {
		return fmt.Errorf("record tenant usage: %w", err)
	}

	sub, err := e.subs.ActiveSubscription(ctx, tenantID, now)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve subscription: %w", err)
	}

	windowLen, cycleLen := e.planLengths(ctx, sub.PlanID)
	e.rollForward(sub, now, windowLen, cycleLen)

	sub.TotalUsed += units
	sub.WindowUsed += units
	if sub.CycleBudget > 0 && sub.CycleUsed >= sub.CycleBudget {
		sub.BonusUsed += units
	} else {
		sub.CycleUsed += units
	}

	if err := e.subs.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("persist subscription usage: %w", err)
	}
	return nil
}
