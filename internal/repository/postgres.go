package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/emberchat/backend/internal/crypto"
	"github.com/emberchat/backend/internal/domain"
)

// Open connects to postgres and verifies the connection. The lib/pq
// driver registers itself on import.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type PostgresTenantRepository struct {
	db *sql.DB
}

func NewPostgresTenantRepository(db *sql.DB) *PostgresTenantRepository {
	return &PostgresTenantRepository{db: db}
}

const tenantColumns = `id, name, api_key_hash, tenant_group, rate_limit_rpm,
	       lifetime_quota_units, lifetime_used_units, enabled, created_at, updated_at`

func (r *PostgresTenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE api_key_hash = $1 AND enabled = true
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey)))
}

func (r *PostgresTenantRepository) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresTenantRepository) scanOne(row *sql.Row) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.APIKeyHash,
		&tenant.Group,
		&tenant.RateLimitRPM,
		&tenant.LifetimeQuota,
		&tenant.LifetimeUsed,
		&tenant.Enabled,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &tenant, nil
}

func (r *PostgresTenantRepository) AddTenantUsage(ctx context.Context, id string, units domain.CostUnits) error {
	query := `
		UPDATE tenants
		SET lifetime_used_units = lifetime_used_units + $2, updated_at = now()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, units)
	if err != nil {
		return fmt.Errorf("add tenant usage: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

func (r *PostgresTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, api_key_hash, tenant_group, rate_limit_rpm,
		                     lifetime_quota_units, lifetime_used_units, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.APIKeyHash,
		tenant.Group,
		tenant.RateLimitRPM,
		tenant.LifetimeQuota,
		tenant.LifetimeUsed,
		tenant.Enabled,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrTenantExists
	}
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (r *PostgresTenantRepository) Update(ctx context.Context, tenant *domain.Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, api_key_hash = $3, tenant_group = $4, rate_limit_rpm = $5,
		    lifetime_quota_units = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.APIKeyHash,
		tenant.Group,
		tenant.RateLimitRPM,
		tenant.LifetimeQuota,
		tenant.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}
