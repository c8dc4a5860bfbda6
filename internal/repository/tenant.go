package repository

import (
	"context"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/crypto"
	"github.com/emberchat/backend/internal/domain"
)

type TenantRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	AddTenantUsage(ctx context.Context, id string, units domain.CostUnits) error
	Create(ctx context.Context, tenant *domain.Tenant) error
	Update(ctx context.Context, tenant *domain.Tenant) error
}

type InMemoryTenantRepository struct {
	mu      sync.RWMutex
	tenants map[string]*domain.Tenant
	byKey   map[string]string
}

func NewInMemoryTenantRepository() *InMemoryTenantRepository {
	repo := &InMemoryTenantRepository{
		tenants: make(map[string]*domain.Tenant),
		byKey:   make(map[string]string),
	}

	// Trial tenant for local development.
	defaultTenant := &domain.Tenant{
		ID:            "default",
		Name:          "default",
		APIKeyHash:    crypto.HashAPIKey("ec-default-key"),
		Group:         "trial",
		RateLimitRPM:  60,
		LifetimeQuota: domain.UnitsFromDollars(5),
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	repo.tenants[defaultTenant.ID] = defaultTenant
	repo.byKey[defaultTenant.APIKeyHash] = defaultTenant.ID

	return repo
}

func (r *InMemoryTenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hash := crypto.HashAPIKey(apiKey)
	tenantID, ok := r.byKey[hash]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	tenant, ok := r.tenants[tenantID]
	if !ok || !tenant.Enabled {
		return nil, domain.ErrTenantNotFound
	}

	cp := *tenant
	return &cp, nil
}

func (r *InMemoryTenantRepository) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	cp := *tenant
	return &cp, nil
}

func (r *InMemoryTenantRepository) AddTenantUsage(ctx context.Context, id string, units domain.CostUnits) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return domain.ErrTenantNotFound
	}

	tenant.LifetimeUsed += units
	tenant.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[tenant.ID]; ok {
		return domain.ErrTenantExists
	}

	cp := *tenant
	r.tenants[cp.ID] = &cp
	r.byKey[cp.APIKeyHash] = cp.ID
	return nil
}

func (r *InMemoryTenantRepository) Update(ctx context.Context, tenant *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[tenant.ID]; !ok {
		return domain.ErrTenantNotFound
	}

	cp := *tenant
	cp.UpdatedAt = time.Now()
	r.tenants[cp.ID] = &cp
	r.byKey[cp.APIKeyHash] = cp.ID
	return nil
}
