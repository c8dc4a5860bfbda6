package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

type PostgresCredentialRepository struct {
	db *sql.DB
}

func NewPostgresCredentialRepository(db *sql.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

func (r *PostgresCredentialRepository) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	query := `
		SELECT id, name, base_url, api_key, secret_ref, enabled, priority, weight,
		       max_concurrency, rate_multiplier, group_multipliers, created_at, updated_at
		FROM credentials
		ORDER BY priority, name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		var cred domain.Credential
		var apiKey, secretRef sql.NullString
		var multipliers []byte

		err := rows.Scan(
			&cred.ID,
			&cred.Name,
			&cred.BaseURL,
			&apiKey,
			&secretRef,
			&cred.Enabled,
			&cred.Priority,
			&cred.Weight,
			&cred.MaxConcurrency,
			&cred.RateMultiplier,
			&multipliers,
			&cred.CreatedAt,
			&cred.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}

		cred.APIKey = apiKey.String
		cred.SecretRef = secretRef.String
		if len(multipliers) > 0 {
			if err := json.Unmarshal(multipliers, &cred.GroupMultipliers); err != nil {
				return nil, fmt.Errorf("decode group multipliers for %s: %w", cred.ID, err)
			}
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (r *PostgresCredentialRepository) CreateCredential(ctx context.Context, cred *domain.Credential) error {
	multipliers, err := json.Marshal(cred.GroupMultipliers)
	if err != nil {
		return fmt.Errorf("encode group multipliers: %w", err)
	}

	query := `
		INSERT INTO credentials (id, name, base_url, api_key, secret_ref, enabled, priority, weight,
		                         max_concurrency, rate_multiplier, group_multipliers, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		cred.ID,
		cred.Name,
		cred.BaseURL,
		sql.NullString{String: cred.APIKey, Valid: cred.APIKey != ""},
		sql.NullString{String: cred.SecretRef, Valid: cred.SecretRef != ""},
		cred.Enabled,
		cred.Priority,
		cred.Weight,
		cred.MaxConcurrency,
		cred.RateMultiplier,
		multipliers,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepository) UpdateCredential(ctx context.Context, cred *domain.Credential) error {
	multipliers, err := json.Marshal(cred.GroupMultipliers)
	if err != nil {
		return fmt.Errorf("encode group multipliers: %w", err)
	}

	query := `
		UPDATE credentials
		SET name = $2, base_url = $3, api_key = $4, secret_ref = $5, enabled = $6,
		    priority = $7, weight = $8, max_concurrency = $9, rate_multiplier = $10,
		    group_multipliers = $11, updated_at = $12
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		cred.ID,
		cred.Name,
		cred.BaseURL,
		sql.NullString{String: cred.APIKey, Valid: cred.APIKey != ""},
		sql.NullString{String: cred.SecretRef, Valid: cred.SecretRef != ""},
		cred.Enabled,
		cred.Priority,
		cred.Weight,
		cred.MaxConcurrency,
		cred.RateMultiplier,
		multipliers,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

// UpsertDayStats adds the pool's flushed deltas into the daily row.
func (r *PostgresCredentialRepository) UpsertDayStats(ctx context.Context, stats domain.CredentialDayStats) error {
	query := `
		INSERT INTO credential_day_stats (credential_id, day, requests, input_tokens, output_tokens,
		                                  cache_creation_tokens, cache_read_tokens, cost_units)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (credential_id, day) DO UPDATE SET
			requests              = credential_day_stats.requests + EXCLUDED.requests,
			input_tokens          = credential_day_stats.input_tokens + EXCLUDED.input_tokens,
			output_tokens         = credential_day_stats.output_tokens + EXCLUDED.output_tokens,
			cache_creation_tokens = credential_day_stats.cache_creation_tokens + EXCLUDED.cache_creation_tokens,
			cache_read_tokens     = credential_day_stats.cache_read_tokens + EXCLUDED.cache_read_tokens,
			cost_units            = credential_day_stats.cost_units + EXCLUDED.cost_units
	`
	_, err := r.db.ExecContext(ctx, query,
		stats.CredentialID,
		stats.Day,
		stats.Requests,
		stats.InputTokens,
		stats.OutputTokens,
		stats.CacheCreationTokens,
		stats.CacheReadTokens,
		stats.CostUnits,
	)
	if err != nil {
		return fmt.Errorf("upsert day stats: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepository) DayStats(ctx context.Context, day time.Time) ([]domain.CredentialDayStats, error) {
	query := `
		SELECT credential_id, day, requests, input_tokens, output_tokens,
		       cache_creation_tokens, cache_read_tokens, cost_units
		FROM credential_day_stats
		WHERE day = $1
		ORDER BY credential_id
	`
	rows, err := r.db.QueryContext(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("query day stats: %w", err)
	}
	defer rows.Close()

	var out []domain.CredentialDayStats
	for rows.Next() {
		var s domain.CredentialDayStats
		err := rows.Scan(
			&s.CredentialID,
			&s.Day,
			&s.Requests,
			&s.InputTokens,
			&s.OutputTokens,
			&s.CacheCreationTokens,
			&s.CacheReadTokens,
			&s.CostUnits,
		)
		if err != nil {
			return nil, fmt.Errorf("scan day stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
