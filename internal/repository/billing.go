package repository

import (
	"context"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

// BillingRepository is the plan and subscription store the quota
// engine runs against.
type BillingRepository interface {
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	ActiveSubscription(ctx context.Context, tenantID string, now time.Time) (*domain.Subscription, error)
	ListActiveByPlan(ctx context.Context, planID string, now time.Time) ([]domain.Subscription, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
}

type InMemoryBillingRepository struct {
	mu    sync.RWMutex
	plans map[string]domain.Plan
	subs  map[string]*domain.Subscription
}

func NewInMemoryBillingRepository(plans ...domain.Plan) *InMemoryBillingRepository {
	repo := &InMemoryBillingRepository{
		plans: make(map[string]domain.Plan),
		subs:  make(map[string]*domain.Subscription),
	}
	for _, p := range plans {
		repo.plans[p.ID] = p
	}
	return repo
}

func (r *InMemoryBillingRepository) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, ok := r.plans[id]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return &plan, nil
}

func (r *InMemoryBillingRepository) ActiveSubscription(ctx context.Context, tenantID string, now time.Time) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *domain.Subscription
	for _, sub := range r.subs {
		if sub.TenantID != tenantID || !sub.Active(now) {
			continue
		}
		if newest == nil || sub.StartAt.After(newest.StartAt) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *InMemoryBillingRepository) ListActiveByPlan(ctx context.Context, planID string, now time.Time) ([]domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.PlanID == planID && sub.Active(now) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *InMemoryBillingRepository) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *sub
	r.subs[cp.ID] = &cp
	return nil
}

func (r *InMemoryBillingRepository) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.ID]; !ok {
		return domain.ErrSubscriptionNotFound
	}
	cp := *sub
	r.subs[cp.ID] = &cp
	return nil
}
