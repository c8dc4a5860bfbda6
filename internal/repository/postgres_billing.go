package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

type PostgresBillingRepository struct {
	db *sql.DB
}

func NewPostgresBillingRepository(db *sql.DB) *PostgresBillingRepository {
	return &PostgresBillingRepository{db: db}
}

func (r *PostgresBillingRepository) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	query := `
		SELECT id, name, total_quota_units, window_budget_units, window_length_seconds,
		       cycle_budget_units, cycle_length_seconds
		FROM plans
		WHERE id = $1
	`
	var plan domain.Plan
	var windowSecs, cycleSecs int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&plan.ID,
		&plan.Name,
		&plan.TotalQuota,
		&plan.WindowBudget,
		&windowSecs,
		&plan.CycleBudget,
		&cycleSecs,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	plan.WindowLength = time.Duration(windowSecs) * time.Second
	plan.CycleLength = time.Duration(cycleSecs) * time.Second
	return &plan, nil
}

const subscriptionColumns = `id, tenant_id, plan_id, start_at, end_at,
	       total_quota_units, total_used_units,
	       window_budget_units, window_used_units, window_start,
	       cycle_budget_units, cycle_used_units, cycle_start, bonus_used_units`

func (r *PostgresBillingRepository) ActiveSubscription(ctx context.Context, tenantID string, now time.Time) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE tenant_id = $1 AND end_at > $2
		ORDER BY start_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, query, tenantID, now))
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

func (r *PostgresBillingRepository) ListActiveByPlan(ctx context.Context, planID string, now time.Time) ([]domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE plan_id = $1 AND end_at > $2
	`
	rows, err := r.db.QueryContext(ctx, query, planID, now)
	if err != nil {
		return nil, fmt.Errorf("query plan subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (r *PostgresBillingRepository) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, tenant_id, plan_id, start_at, end_at,
		                           total_quota_units, total_used_units,
		                           window_budget_units, window_used_units, window_start,
		                           cycle_budget_units, cycle_used_units, cycle_start, bonus_used_units)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID, sub.TenantID, sub.PlanID, sub.StartAt, sub.EndAt,
		sub.TotalQuota, sub.TotalUsed,
		sub.WindowBudget, sub.WindowUsed, sub.WindowStart,
		sub.CycleBudget, sub.CycleUsed, sub.CycleStart, sub.BonusUsed,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *PostgresBillingRepository) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET total_used_units = $2,
		    window_used_units = $3, window_start = $4,
		    cycle_used_units = $5, cycle_start = $6, bonus_used_units = $7
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.TotalUsed,
		sub.WindowUsed, sub.WindowStart,
		sub.CycleUsed, sub.CycleStart, sub.BonusUsed,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.StartAt, &sub.EndAt,
		&sub.TotalQuota, &sub.TotalUsed,
		&sub.WindowBudget, &sub.WindowUsed, &sub.WindowStart,
		&sub.CycleBudget, &sub.CycleUsed, &sub.CycleStart, &sub.BonusUsed,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
