package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emberchat/backend/internal/cost"
	"github.com/emberchat/backend/internal/domain"
)

// PostgresUsageRepository persists per-request usage records; it backs
// the cost.Tracker interface.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (tenant_id, conversation_id, request_id, model, credential_id,
		                           input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		                           cost_units, rounds, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		record.TenantID,
		record.ConversationID,
		record.RequestID,
		record.Model,
		record.CredentialID,
		record.Usage.InputTokens,
		record.Usage.OutputTokens,
		record.Usage.CacheCreationTokens,
		record.Usage.CacheReadTokens,
		record.CostUnits,
		record.Rounds,
		record.LatencyMs,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) TenantTotal(ctx context.Context, tenantID string, since time.Time) (domain.CostUnits, error) {
	query := `
		SELECT COALESCE(SUM(cost_units), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`
	var total domain.CostUnits
	if err := r.db.QueryRowContext(ctx, query, tenantID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query tenant total: %w", err)
	}
	return total, nil
}

// PostgresRateRepository loads the model pricing table; it backs the
// cost.RateSource interface behind the calculator's cache.
type PostgresRateRepository struct {
	db *sql.DB
}

func NewPostgresRateRepository(db *sql.DB) *PostgresRateRepository {
	return &PostgresRateRepository{db: db}
}

func (r *PostgresRateRepository) ModelRates(ctx context.Context) ([]cost.ModelRate, error) {
	query := `
		SELECT model, input_per_mtok, output_per_mtok, cache_write_per_mtok,
		       cache_read_per_mtok, context_window, max_output_tokens
		FROM model_rates
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query model rates: %w", err)
	}
	defer rows.Close()

	var rates []cost.ModelRate
	for rows.Next() {
		var rate cost.ModelRate
		err := rows.Scan(
			&rate.Model,
			&rate.InputPerMTok,
			&rate.OutputPerMTok,
			&rate.CacheWritePerMTok,
			&rate.CacheReadPerMTok,
			&rate.ContextWindow,
			&rate.MaxOutputTokens,
		)
		if err != nil {
			return nil, fmt.Errorf("scan model rate: %w", err)
		}
		rates = append(rates, rate)
	}
	return rates, rows.Err()
}
