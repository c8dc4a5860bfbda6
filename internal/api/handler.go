// Package api is the HTTP surface: the tenant-facing chat stream plus
// the operator endpoints for tenant management, pool status, health,
// and metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberchat/backend/internal/auth"
	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/metrics"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/ratelimit"
	"github.com/emberchat/backend/internal/relay"
	"github.com/emberchat/backend/internal/repository"
	"github.com/emberchat/backend/internal/telemetry"
)

const defaultModel = "claude-sonnet-4-20250514"

type HandlerConfig struct {
	TenantRepo    repository.TenantRepository
	Messages      repository.MessageRepository
	RateLimiter   ratelimit.RateLimiter
	Relay         *relay.Relay
	Guard         *auth.AdminGuard
	Pool          *pool.Pool
	Checkers      []HealthChecker
	HealthTimeout time.Duration
}

type Handler struct {
	tenantRepo  repository.TenantRepository
	messages    repository.MessageRepository
	rateLimiter ratelimit.RateLimiter
	relay       *relay.Relay
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}

	h := &Handler{
		tenantRepo:  cfg.TenantRepo,
		messages:    cfg.Messages,
		rateLimiter: cfg.RateLimiter,
		relay:       cfg.Relay,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health", handleHealthReadyWithCheckers(cfg.Checkers, healthTimeout))
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, healthTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	admin := NewAdminHandler(cfg.TenantRepo, cfg.Pool)
	guard := cfg.Guard
	if guard == nil {
		guard = auth.NewAdminGuard(false, "")
	}
	h.mux.Handle("/admin/", guard.Middleware(admin))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type chatRequest struct {
	ConversationID string               `json:"conversation_id,omitempty"`
	Model          string               `json:"model,omitempty"`
	System         string               `json:"system,omitempty"`
	Message        string               `json:"message"`
	Parts          []domain.ContentPart `json:"parts,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "missing API key")
		return
	}

	tenant, err := h.tenantRepo.GetByAPIKey(ctx, apiKey)
	if err != nil {
		slog.Warn("invalid API key", "request_id", requestID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "invalid API key")
		return
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, tenant.ID, tenant.RateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tenant.RateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		slog.Warn("rate limit exceeded", "tenant_id", tenant.ID, "request_id", requestID)
		metrics.RecordRateLimitHit(tenant.ID)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	if err := h.messages.EnsureConversation(ctx, conversationID, tenant.ID); err != nil {
		slog.Error("ensure conversation failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "chat")
	defer span.End()
	telemetry.AddRequestAttributes(span, tenant.ID, req.Model, conversationID, requestID)

	session, err := h.relay.Admit(ctx, relay.ChatRequest{
		TenantID:       tenant.ID,
		TenantGroup:    tenant.Group,
		ConversationID: conversationID,
		RequestID:      requestID,
		Model:          req.Model,
		System:         req.System,
		UserMessage: domain.Message{
			Role:    "user",
			Content: req.Message,
			Parts:   req.Parts,
		},
	})
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		h.writeAdmissionError(w, requestID, tenant.ID, err)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Conversation-ID", conversationID)

	sink, err := relay.NewSSEWriter(w)
	if err != nil {
		session.Release()
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	session.Stream(ctx, sink)
}

// writeAdmissionError maps an Admit failure to a synchronous JSON
// denial. Every quota reason is a 403 with the reason in the error
// code; clients must wait out the window rather than retry.
func (h *Handler) writeAdmissionError(w http.ResponseWriter, requestID, tenantID string, err error) {
	var denied *relay.DeniedError
	switch {
	case errors.As(err, &denied):
		metrics.RecordQuotaDenial(denied.Reason)
		slog.Warn("admission denied",
			"request_id", requestID,
			"tenant_id", tenantID,
			"reason", string(denied.Reason),
		)
		writeError(w, http.StatusForbidden, string(denied.Reason), denied.Message)

	case errors.Is(err, domain.ErrPoolExhausted):
		slog.Warn("no credential available", "request_id", requestID, "tenant_id", tenantID)
		writeError(w, http.StatusServiceUnavailable, "no_capacity", "no upstream capacity available, retry shortly")

	default:
		slog.Error("admission failed", "request_id", requestID, "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}
