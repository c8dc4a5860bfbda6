package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/backend/internal/crypto"
	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/repository"
)

// AdminHandler serves the operator endpoints. Authentication happens
// in the guard middleware wrapping it, not here.
type AdminHandler struct {
	tenantRepo repository.TenantRepository
	pool       *pool.Pool
	mux        *http.ServeMux
}

func NewAdminHandler(tenantRepo repository.TenantRepository, p *pool.Pool) *AdminHandler {
	h := &AdminHandler{
		tenantRepo: tenantRepo,
		pool:       p,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/pool", h.poolStatus)
	h.mux.HandleFunc("POST /admin/tenants", h.createTenant)
	h.mux.HandleFunc("GET /admin/tenants/{id}", h.getTenant)
	h.mux.HandleFunc("PUT /admin/tenants/{id}", h.updateTenant)
	h.mux.HandleFunc("POST /admin/tenants/{id}/rotate-key", h.rotateAPIKey)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// poolStatus reports the live credential working set: health,
// concurrency, and the day counters.
func (h *AdminHandler) poolStatus(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeAdminError(w, http.StatusServiceUnavailable, "pool not configured")
		return
	}

	snapshot := h.pool.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"credentials": snapshot,
		"count":       len(snapshot),
	})
}

type createTenantRequest struct {
	Name             string  `json:"name"`
	Group            string  `json:"group"`
	RateLimitRPM     int     `json:"rate_limit_rpm"`
	LifetimeQuotaUSD float64 `json:"lifetime_quota_usd"`
}

type updateTenantRequest struct {
	Name             *string  `json:"name,omitempty"`
	Group            *string  `json:"group,omitempty"`
	RateLimitRPM     *int     `json:"rate_limit_rpm,omitempty"`
	LifetimeQuotaUSD *float64 `json:"lifetime_quota_usd,omitempty"`
	Enabled          *bool    `json:"enabled,omitempty"`
}

// tenantView is the wire shape of a tenant. The key hash never leaves
// the server.
type tenantView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Group            string    `json:"group"`
	RateLimitRPM     int       `json:"rate_limit_rpm"`
	LifetimeQuotaUSD float64   `json:"lifetime_quota_usd"`
	LifetimeUsedUSD  float64   `json:"lifetime_used_usd"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func viewOf(t *domain.Tenant) tenantView {
	return tenantView{
		ID:               t.ID,
		Name:             t.Name,
		Group:            t.Group,
		RateLimitRPM:     t.RateLimitRPM,
		LifetimeQuotaUSD: t.LifetimeQuota.Dollars(),
		LifetimeUsedUSD:  t.LifetimeUsed.Dollars(),
		Enabled:          t.Enabled,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func (h *AdminHandler) createTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Group == "" {
		req.Group = "trial"
	}
	if req.RateLimitRPM == 0 {
		req.RateLimitRPM = 60
	}

	apiKey := crypto.GenerateAPIKey()
	tenant := &domain.Tenant{
		ID:            uuid.New().String(),
		Name:          req.Name,
		APIKeyHash:    crypto.HashAPIKey(apiKey),
		Group:         req.Group,
		RateLimitRPM:  req.RateLimitRPM,
		LifetimeQuota: domain.UnitsFromDollars(req.LifetimeQuotaUSD),
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := h.tenantRepo.Create(ctx, tenant); err != nil {
		if errors.Is(err, domain.ErrTenantExists) {
			writeAdminError(w, http.StatusConflict, "tenant already exists")
			return
		}
		slog.Error("tenant create failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	slog.Info("tenant created", "tenant_id", tenant.ID, "name", tenant.Name, "group", tenant.Group)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"tenant":  viewOf(tenant),
		"api_key": apiKey,
	})
}

func (h *AdminHandler) getTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, err := h.tenantRepo.GetTenant(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(tenant))
}

func (h *AdminHandler) updateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, err := h.tenantRepo.GetTenant(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	var req updateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		tenant.Name = *req.Name
	}
	if req.Group != nil {
		tenant.Group = *req.Group
	}
	if req.RateLimitRPM != nil {
		tenant.RateLimitRPM = *req.RateLimitRPM
	}
	if req.LifetimeQuotaUSD != nil {
		tenant.LifetimeQuota = domain.UnitsFromDollars(*req.LifetimeQuotaUSD)
	}
	if req.Enabled != nil {
		tenant.Enabled = *req.Enabled
	}
	tenant.UpdatedAt = time.Now()

	if err := h.tenantRepo.Update(ctx, tenant); err != nil {
		slog.Error("tenant update failed", "tenant_id", tenant.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update tenant")
		return
	}

	slog.Info("tenant updated", "tenant_id", tenant.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(tenant))
}

// rotateAPIKey replaces the tenant key and returns the new key once.
// The old key stops working immediately.
func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, err := h.tenantRepo.GetTenant(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	apiKey := crypto.GenerateAPIKey()
	tenant.APIKeyHash = crypto.HashAPIKey(apiKey)
	tenant.UpdatedAt = time.Now()

	if err := h.tenantRepo.Update(ctx, tenant); err != nil {
		slog.Error("key rotation failed", "tenant_id", tenant.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	slog.Info("API key rotated", "tenant_id", tenant.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"api_key": apiKey,
	})
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
