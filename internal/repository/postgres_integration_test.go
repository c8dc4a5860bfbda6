//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/repository"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func TestPostgresTenantRepository_CRUD(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresTenantRepository(db)
	ctx := context.Background()

	tenant := &domain.Tenant{
		ID:            "test-tenant-" + time.Now().Format("20060102150405"),
		Name:          "Test Tenant",
		APIKeyHash:    "hash-" + time.Now().Format("150405.000"),
		Group:         "pro",
		RateLimitRPM:  60,
		LifetimeQuota: domain.UnitsFromDollars(10),
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := repo.Create(ctx, tenant); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, tenant); err != domain.ErrTenantExists {
		t.Errorf("expected ErrTenantExists on duplicate insert, got %v", err)
	}

	retrieved, err := repo.GetTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if retrieved.Group != "pro" {
		t.Errorf("expected group 'pro', got %s", retrieved.Group)
	}

	if err := repo.AddTenantUsage(ctx, tenant.ID, 123); err != nil {
		t.Fatalf("AddTenantUsage failed: %v", err)
	}
	retrieved, err = repo.GetTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if retrieved.LifetimeUsed != 123 {
		t.Errorf("expected lifetime used 123, got %d", retrieved.LifetimeUsed)
	}

	tenant.Enabled = false
	if err := repo.Update(ctx, tenant); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestPostgresCredentialRepository_DayStatsUpsert(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresCredentialRepository(db)
	ctx := context.Background()

	cred := &domain.Credential{
		ID:               "test-cred-" + time.Now().Format("20060102150405"),
		Name:             "Test Credential",
		BaseURL:          "https://api.example.com",
		APIKey:           "sk-test",
		Enabled:          true,
		Priority:         1,
		Weight:           2,
		MaxConcurrency:   4,
		RateMultiplier:   1.0,
		GroupMultipliers: map[string]float64{"pro": 0.9},
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := repo.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	creds, err := repo.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials failed: %v", err)
	}
	found := false
	for _, c := range creds {
		if c.ID == cred.ID {
			found = true
			if c.GroupMultipliers["pro"] != 0.9 {
				t.Errorf("group multipliers did not round-trip: %+v", c.GroupMultipliers)
			}
		}
	}
	if !found {
		t.Fatalf("created credential not listed")
	}

	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	stats := domain.CredentialDayStats{CredentialID: cred.ID, Day: day, Requests: 2, InputTokens: 500, CostUnits: 12}
	if err := repo.UpsertDayStats(ctx, stats); err != nil {
		t.Fatalf("UpsertDayStats failed: %v", err)
	}
	if err := repo.UpsertDayStats(ctx, stats); err != nil {
		t.Fatalf("UpsertDayStats (second) failed: %v", err)
	}

	rows, err := repo.DayStats(ctx, day)
	if err != nil {
		t.Fatalf("DayStats failed: %v", err)
	}
	for _, s := range rows {
		if s.CredentialID == cred.ID && s.Requests != 4 {
			t.Errorf("expected requests to accumulate to 4, got %d", s.Requests)
		}
	}
}

func TestPostgresMessageRepository_CompactionFlow(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresMessageRepository(db)
	ctx := context.Background()

	convID := "test-conv-" + time.Now().Format("20060102150405")
	if err := repo.EnsureConversation(ctx, convID, "default"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}

	base := time.Now()
	ids := []string{convID + "-m1", convID + "-m2"}
	for i, id := range ids {
		msg := &domain.Message{
			ID:             id,
			ConversationID: convID,
			Role:           "user",
			Content:        "hello",
			Parts:          []domain.ContentPart{{Type: domain.PartText, Text: "hello"}},
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	if err := repo.MarkCompacted(ctx, ids[:1]); err != nil {
		t.Fatalf("MarkCompacted failed: %v", err)
	}

	active, err := repo.ListActiveMessages(ctx, convID)
	if err != nil {
		t.Fatalf("ListActiveMessages failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != ids[1] {
		t.Errorf("expected only the second message active, got %v", active)
	}
	if len(active) == 1 && len(active[0].Parts) != 1 {
		t.Errorf("parts did not round-trip: %+v", active[0].Parts)
	}

	count, err := repo.CountMessages(ctx, convID)
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}
