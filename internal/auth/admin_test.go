package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminGuardDisabled(t *testing.T) {
	guard := NewAdminGuard(false, "")
	if err := guard.Check(""); err != nil {
		t.Errorf("disabled guard should pass, got %v", err)
	}
}

func TestAdminGuardCheck(t *testing.T) {
	hash, err := HashKey("topsecret")
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	guard := NewAdminGuard(true, hash)

	tests := []struct {
		name          string
		authorization string
		wantErr       bool
	}{
		{"valid key", "Bearer topsecret", false},
		{"wrong key", "Bearer nope", true},
		{"missing header", "", true},
		{"no bearer prefix", "topsecret", true},
		{"empty key", "Bearer ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.authorization)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAdminGuardNoHashConfigured(t *testing.T) {
	guard := NewAdminGuard(true, "")
	if err := guard.Check("Bearer anything"); err == nil {
		t.Error("enabled guard without a hash should deny everything")
	}
}

func TestAdminGuardMiddleware(t *testing.T) {
	hash, err := HashKey("topsecret")
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	guard := NewAdminGuard(true, hash)

	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/pool", nil)
		req.Header.Set("Authorization", "Bearer topsecret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/pool", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") != "Bearer" {
			t.Error("expected WWW-Authenticate challenge")
		}
	})
}
