package secrets

import (
	"context"
	"testing"
)

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("credential/primary", "sk-test-123")

	value, err := store.GetSecret(ctx, "credential/primary")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	if _, err := store.GetSecret(ctx, "nonexistent"); err == nil {
		t.Error("GetSecret() should return error for nonexistent secret")
	}
}
