package cost

import (
	"context"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

// UsageRecord is one relay session's billed usage.
type UsageRecord struct {
	TenantID       string           `json:"tenant_id"`
	ConversationID string           `json:"conversation_id"`
	RequestID      string           `json:"request_id"`
	Model          string           `json:"model"`
	CredentialID   string           `json:"credential_id"`
	Usage          domain.Usage     `json:"usage"`
	CostUnits      domain.CostUnits `json:"cost_units"`
	Rounds         int              `json:"rounds"`
	LatencyMs      int64            `json:"latency_ms"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Tracker persists usage records for reporting and export.
type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	TenantTotal(ctx context.Context, tenantID string, since time.Time) (domain.CostUnits, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{records: make([]UsageRecord, 0)}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) TenantTotal(ctx context.Context, tenantID string, since time.Time) (domain.CostUnits, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total domain.CostUnits
	for _, r := range t.records {
		if r.TenantID == tenantID && r.Timestamp.After(since) {
			total += r.CostUnits
		}
	}
	return total, nil
}

func (t *InMemoryTracker) Records() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]UsageRecord, len(t.records))
	copy(out, t.records)
	return out
}
