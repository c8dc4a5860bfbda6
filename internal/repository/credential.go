package repository

import (
	"context"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

// CredentialRepository is the persistence side of the credential pool:
// the configured set plus the per-credential daily aggregates the pool
// flushes.
type CredentialRepository interface {
	ListCredentials(ctx context.Context) ([]domain.Credential, error)
	CreateCredential(ctx context.Context, cred *domain.Credential) error
	UpdateCredential(ctx context.Context, cred *domain.Credential) error
	UpsertDayStats(ctx context.Context, stats domain.CredentialDayStats) error
	DayStats(ctx context.Context, day time.Time) ([]domain.CredentialDayStats, error)
}

type InMemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[string]domain.Credential
	stats map[string]domain.CredentialDayStats // key: credentialID + day
}

func NewInMemoryCredentialRepository(creds ...domain.Credential) *InMemoryCredentialRepository {
	repo := &InMemoryCredentialRepository{
		creds: make(map[string]domain.Credential),
		stats: make(map[string]domain.CredentialDayStats),
	}
	for _, c := range creds {
		repo.creds[c.ID] = c
	}
	return repo
}

func (r *InMemoryCredentialRepository) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Credential, 0, len(r.creds))
	for _, c := range r.creds {
		out = append(out, c)
	}
	return out, nil
}

func (r *InMemoryCredentialRepository) CreateCredential(ctx context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[cred.ID] = *cred
	return nil
}

func (r *InMemoryCredentialRepository) UpdateCredential(ctx context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.creds[cred.ID]; !ok {
		return domain.ErrCredentialNotFound
	}
	r.creds[cred.ID] = *cred
	return nil
}

func (r *InMemoryCredentialRepository) UpsertDayStats(ctx context.Context, stats domain.CredentialDayStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := stats.CredentialID + stats.Day.Format("2006-01-02")
	existing := r.stats[key]
	existing.CredentialID = stats.CredentialID
	existing.Day = stats.Day
	existing.Requests += stats.Requests
	existing.InputTokens += stats.InputTokens
	existing.OutputTokens += stats.OutputTokens
	existing.CacheCreationTokens += stats.CacheCreationTokens
	existing.CacheReadTokens += stats.CacheReadTokens
	existing.CostUnits += stats.CostUnits
	r.stats[key] = existing
	return nil
}

func (r *InMemoryCredentialRepository) DayStats(ctx context.Context, day time.Time) ([]domain.CredentialDayStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := day.Format("2006-01-02")
	var out []domain.CredentialDayStats
	for _, s := range r.stats {
		if s.Day.Format("2006-01-02") == want {
			out = append(out, s)
		}
	}
	return out, nil
}
