package repository

import (
	"context"
	"testing"
	"time"

	"github.com/emberchat/backend/internal/crypto"
	"github.com/emberchat/backend/internal/domain"
)

func TestInMemoryTenantRepository_GetByAPIKey(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	ctx := context.Background()

	tenant, err := repo.GetByAPIKey(ctx, "ec-default-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tenant.ID != "default" {
		t.Errorf("expected tenant ID 'default', got %s", tenant.ID)
	}
}

func TestInMemoryTenantRepository_GetByAPIKey_NotFound(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	ctx := context.Background()

	_, err := repo.GetByAPIKey(ctx, "invalid-key")
	if err != domain.ErrTenantNotFound {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestInMemoryTenantRepository_Create(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	ctx := context.Background()

	tenant := &domain.Tenant{
		ID:           "test-tenant",
		Name:         "Test Tenant",
		APIKeyHash:   crypto.HashAPIKey("test-key"),
		Group:        "pro",
		RateLimitRPM: 50,
		Enabled:      true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := repo.Create(ctx, tenant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	retrieved, err := repo.GetByAPIKey(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retrieved.ID != "test-tenant" {
		t.Errorf("expected tenant ID 'test-tenant', got %s", retrieved.ID)
	}

	if err := repo.Create(ctx, tenant); err != domain.ErrTenantExists {
		t.Errorf("expected ErrTenantExists on duplicate, got %v", err)
	}
}

func TestInMemoryTenantRepository_DisabledTenantNotResolvable(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	ctx := context.Background()

	tenant := &domain.Tenant{
		ID:         "t1",
		APIKeyHash: crypto.HashAPIKey("key-1"),
		Enabled:    false,
	}
	if err := repo.Create(ctx, tenant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := repo.GetByAPIKey(ctx, "key-1"); err != domain.ErrTenantNotFound {
		t.Errorf("expected ErrTenantNotFound for disabled tenant, got %v", err)
	}
}

func TestInMemoryTenantRepository_AddTenantUsage(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	ctx := context.Background()

	if err := repo.AddTenantUsage(ctx, "default", 250); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.AddTenantUsage(ctx, "default", 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tenant, err := repo.GetTenant(ctx, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tenant.LifetimeUsed != 350 {
		t.Errorf("expected lifetime used 350, got %d", tenant.LifetimeUsed)
	}

	if err := repo.AddTenantUsage(ctx, "ghost", 10); err != domain.ErrTenantNotFound {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}
