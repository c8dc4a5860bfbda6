package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

type staticSource []domain.Credential

func (s staticSource) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	return s, nil
}

func newTestPool(t *testing.T, creds ...domain.Credential) *Pool {
	t.Helper()
	p := New(staticSource(creds))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return p
}

func cred(id string, weight, maxConc int) domain.Credential {
	return domain.Credential{
		ID:             id,
		Name:           id,
		BaseURL:        "https://upstream.example/" + id,
		APIKey:         "sk-" + id,
		Enabled:        true,
		Weight:         weight,
		MaxConcurrency: maxConc,
	}
}

func TestAcquire_RespectsMaxConcurrency(t *testing.T) {
	p := newTestPool(t, cred("a", 1, 2))

	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(""); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if _, err := p.Acquire(""); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}

	p.Release("a")
	if _, err := p.Acquire(""); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRelease_IdempotentAtZero(t *testing.T) {
	p := newTestPool(t, cred("a", 1, 1))

	p.Release("a")
	p.Release("a")

	// Counter stayed at zero, so the slot is still available.
	if _, err := p.Acquire(""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release("a")
	p.Release("a")
	if _, err := p.Acquire(""); err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
}

func TestAcquire_SkipsDisabledAndDown(t *testing.T) {
	disabled := cred("off", 1, 5)
	disabled.Enabled = false
	p := newTestPool(t, disabled, cred("up", 1, 5))

	ctx := context.Background()
	for i := 0; i < downAfter; i++ {
		p.RecordOutcome(ctx, "up", false, domain.Usage{}, "boom")
	}

	if _, err := p.Acquire(""); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
}

func TestHealthStateMachine(t *testing.T) {
	p := newTestPool(t, cred("a", 1, 5))
	ctx := context.Background()

	health := func() string { return p.Snapshot()[0].Health }

	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e1")
	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e2")
	if got := health(); got != "healthy" {
		t.Errorf("after 2 errors: expected healthy, got %s", got)
	}

	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e3")
	if got := health(); got != "degraded" {
		t.Errorf("after 3 errors: expected degraded, got %s", got)
	}

	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e4")
	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e5")
	if got := health(); got != "down" {
		t.Errorf("after 5 errors: expected down, got %s", got)
	}

	p.RecordOutcome(ctx, "a", true, domain.Usage{InputTokens: 10}, "")
	if got := health(); got != "healthy" {
		t.Errorf("after success: expected healthy, got %s", got)
	}
	if errs := p.Snapshot()[0].ConsecErrors; errs != 0 {
		t.Errorf("expected error streak reset, got %d", errs)
	}
}

func TestWeightedSelectionConverges(t *testing.T) {
	p := newTestPool(t, cred("light", 1, 1000000), cred("heavy", 3, 1000000))

	counts := map[string]int{}
	for i := 0; i < 20000; i++ {
		r, err := p.Acquire("")
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		counts[r.CredentialID]++
		p.Release(r.CredentialID)
	}

	ratio := float64(counts["heavy"]) / float64(counts["light"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Errorf("expected heavy/light ratio near 3, got %.2f (%v)", ratio, counts)
	}
}

func TestPriorityGroupsPreferred(t *testing.T) {
	primary := cred("primary", 1, 1)
	primary.Priority = 0
	backup := cred("backup", 100, 5)
	backup.Priority = 1
	p := newTestPool(t, primary, backup)

	r, err := p.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r.CredentialID != "primary" {
		t.Fatalf("expected primary credential, got %s", r.CredentialID)
	}

	// Primary full: traffic spills to the next priority group.
	r, err = p.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r.CredentialID != "backup" {
		t.Errorf("expected backup credential, got %s", r.CredentialID)
	}
}

func TestAffinityPinsConversation(t *testing.T) {
	p := newTestPool(t, cred("a", 1, 100), cred("b", 1, 100))

	first, err := p.Acquire("conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(first.CredentialID)

	for i := 0; i < 20; i++ {
		r, err := p.Acquire("conv-1")
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if r.CredentialID != first.CredentialID {
			t.Fatalf("affinity broken: pinned to %s, got %s", first.CredentialID, r.CredentialID)
		}
		p.Release(r.CredentialID)
	}
}

func TestAffinityClearedWhenPinnedCredentialDown(t *testing.T) {
	p := newTestPool(t, cred("a", 1, 100), cred("b", 1, 100))
	ctx := context.Background()

	first, err := p.Acquire("conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(first.CredentialID)

	for i := 0; i < downAfter; i++ {
		p.RecordOutcome(ctx, first.CredentialID, false, domain.Usage{}, "fail")
	}

	other := "a"
	if first.CredentialID == "a" {
		other = "b"
	}
	r, err := p.Acquire("conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r.CredentialID != other {
		t.Errorf("expected rebind to %s, got %s", other, r.CredentialID)
	}
}

func TestReload_KeepsRuntimeState(t *testing.T) {
	src := staticSource{cred("a", 1, 5)}
	p := New(src)
	ctx := context.Background()
	if err := p.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, err := p.Acquire(""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e1")
	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e2")
	p.RecordOutcome(ctx, "a", false, domain.Usage{}, "e3")

	if err := p.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	st := p.Snapshot()[0]
	if st.Concurrency != 1 {
		t.Errorf("expected concurrency carried over, got %d", st.Concurrency)
	}
	if st.Health != "degraded" {
		t.Errorf("expected health carried over, got %s", st.Health)
	}
}

func TestDailyCountersResetAtMidnight(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := New(staticSource{cred("a", 1, 5)}, WithClock(clock))
	ctx := context.Background()
	if err := p.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p.RecordOutcome(ctx, "a", true, domain.Usage{InputTokens: 100, OutputTokens: 50}, "")
	if st := p.Snapshot()[0]; st.DayRequests != 1 || st.DayTokensIn != 100 {
		t.Fatalf("unexpected day stats: %+v", st)
	}

	now = now.Add(2 * time.Hour) // past local midnight
	p.RecordOutcome(ctx, "a", true, domain.Usage{InputTokens: 7}, "")

	st := p.Snapshot()[0]
	if st.DayRequests != 1 || st.DayTokensIn != 7 {
		t.Errorf("expected counters reset at midnight, got %+v", st)
	}
}
