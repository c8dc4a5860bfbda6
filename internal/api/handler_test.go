package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/backend/internal/auth"
	"github.com/emberchat/backend/internal/cost"
	"github.com/emberchat/backend/internal/crypto"
	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/quota"
	"github.com/emberchat/backend/internal/ratelimit"
	"github.com/emberchat/backend/internal/relay"
	"github.com/emberchat/backend/internal/repository"
	"github.com/emberchat/backend/internal/upstream"
)

type stubPool struct {
	exhausted bool
}

func (p *stubPool) Acquire(affinityKey string) (*pool.Route, error) {
	if p.exhausted {
		return nil, domain.ErrPoolExhausted
	}
	return &pool.Route{CredentialID: "cred-1", BaseURL: "http://upstream.test", APIKey: "sk-test", Multiplier: 1}, nil
}

func (p *stubPool) Release(id string) {}

func (p *stubPool) RecordOutcome(ctx context.Context, id string, success bool, usage domain.Usage, errMsg string) {
}

func (p *stubPool) RecordCost(ctx context.Context, id string, units domain.CostUnits) {}

func (p *stubPool) MultiplierFor(credentialID, group string) float64 { return 1 }

type stubQuota struct {
	decision quota.Decision
}

func (q *stubQuota) Check(ctx context.Context, tenantID string) (*quota.Decision, error) {
	d := q.decision
	return &d, nil
}

func (q *stubQuota) RecordUsage(ctx context.Context, tenantID string, units domain.CostUnits) error {
	return nil
}

type stubStream struct {
	events []upstream.Event
	pos    int
}

func (s *stubStream) Next() (*upstream.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return &ev, nil
}

func (s *stubStream) Close() error { return nil }

type stubStreamer struct {
	events []upstream.Event
}

func (s *stubStreamer) OpenStream(ctx context.Context, route upstream.Route, req upstream.Request) (relay.EventStream, error) {
	return &stubStream{events: s.events}, nil
}

// textTurn scripts one complete end_turn round emitting the given
// text.
func textTurn(text string) []upstream.Event {
	return []upstream.Event{
		{Type: upstream.EventMessageStart, Usage: &domain.Usage{InputTokens: 40}, Raw: []byte(`{"type":"message_start"}`)},
		{Type: upstream.EventContentBlockStart, Index: 0, Block: &upstream.ContentBlock{Type: "text"}, Raw: []byte(`{"type":"content_block_start","index":0}`)},
		{
			Type: upstream.EventContentBlockDelta, Index: 0,
			Delta: &upstream.Delta{Type: upstream.DeltaText, Text: text},
			Raw:   []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"` + text + `"}}`),
		},
		{Type: upstream.EventContentBlockStop, Index: 0, Raw: []byte(`{"type":"content_block_stop","index":0}`)},
		{Type: upstream.EventMessageDelta, StopReason: upstream.StopEndTurn, Usage: &domain.Usage{OutputTokens: 12}, Raw: []byte(`{"type":"message_delta"}`)},
		{Type: upstream.EventMessageStop, Raw: []byte(`{"type":"message_stop"}`)},
	}
}

type handlerHarness struct {
	handler  *Handler
	tenants  *repository.InMemoryTenantRepository
	messages *repository.InMemoryMessageRepository
	pool     *stubPool
	quota    *stubQuota
}

func newHandlerHarness(t *testing.T, events []upstream.Event) *handlerHarness {
	t.Helper()

	tenants := repository.NewInMemoryTenantRepository()
	messages := repository.NewInMemoryMessageRepository()
	p := &stubPool{}
	q := &stubQuota{decision: quota.Decision{Allowed: true}}

	relayCfg := relay.DefaultConfig()
	relayCfg.ThinkingBudgetTokens = 0
	relayCfg.BackgroundWait = 100 * time.Millisecond

	rl := relay.New(relay.RelayConfig{
		Config:   relayCfg,
		Pool:     p,
		Quota:    q,
		Calc:     cost.NewCalculator(cost.DefaultRates()),
		Store:    messages,
		Streamer: &stubStreamer{events: events},
		Tracker:  cost.NewInMemoryTracker(),
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})

	handler := NewHandler(HandlerConfig{
		TenantRepo:  tenants,
		Messages:    messages,
		RateLimiter: ratelimit.NewInMemoryRateLimiter(),
		Relay:       rl,
	})

	return &handlerHarness{handler: handler, tenants: tenants, messages: messages, pool: p, quota: q}
}

func postChat(t *testing.T, h *Handler, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleChat_StreamsResponse(t *testing.T) {
	h := newHandlerHarness(t, textTurn("Hello there."))

	rec := postChat(t, h.handler, "ec-default-key", `{"message":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Conversation-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := rec.Body.String()
	assert.Contains(t, body, "text_delta")
	assert.Contains(t, body, "Hello there.")
	assert.Contains(t, body, `"type":"usage"`)

	// Two turns persisted: the user's and the assistant's.
	count, err := h.messages.CountMessages(context.Background(), rec.Header().Get("X-Conversation-ID"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHandleChat_MissingAPIKey(t *testing.T) {
	h := newHandlerHarness(t, textTurn("unused"))

	rec := postChat(t, h.handler, "", `{"message":"hi"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChat_UnknownAPIKey(t *testing.T) {
	h := newHandlerHarness(t, textTurn("unused"))

	rec := postChat(t, h.handler, "ec-bogus", `{"message":"hi"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChat_EmptyMessage(t *testing.T) {
	h := newHandlerHarness(t, textTurn("unused"))

	rec := postChat(t, h.handler, "ec-default-key", `{"message":"  "}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_QuotaDenied(t *testing.T) {
	tests := []struct {
		name   string
		reason domain.DenyReason
	}{
		{"window exhausted", domain.DenyWindowExceeded},
		{"cycle exhausted", domain.DenyWeeklyExceeded},
		{"lifetime quota", domain.DenyQuotaExceeded},
		{"no subscription", domain.DenyNoSubscription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerHarness(t, textTurn("unused"))
			h.quota.decision = quota.Decision{Allowed: false, Reason: tt.reason, Message: "denied"}

			rec := postChat(t, h.handler, "ec-default-key", `{"message":"hi"}`)

			require.Equal(t, http.StatusForbidden, rec.Code)

			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.reason), body.Error.Code)
		})
	}
}

func TestHandleChat_PoolExhausted(t *testing.T) {
	h := newHandlerHarness(t, textTurn("unused"))
	h.pool.exhausted = true

	rec := postChat(t, h.handler, "ec-default-key", `{"message":"hi"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleChat_RateLimited(t *testing.T) {
	h := newHandlerHarness(t, textTurn("unused"))

	// A zero RPM tenant is denied on the first request.
	tenant := &domain.Tenant{
		ID:         "limited",
		Name:       "limited",
		APIKeyHash: crypto.HashAPIKey("ec-limited-key"),
		Group:      "trial",
		Enabled:    true,
	}
	require.NoError(t, h.tenants.Create(context.Background(), tenant))

	rec := postChat(t, h.handler, "ec-limited-key", `{"message":"hi"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Limit"))
}

func TestHandleChat_ReusesConversation(t *testing.T) {
	h := newHandlerHarness(t, textTurn("round."))

	first := postChat(t, h.handler, "ec-default-key", `{"message":"one"}`)
	require.Equal(t, http.StatusOK, first.Code)
	convID := first.Header().Get("X-Conversation-ID")

	second := postChat(t, h.handler, "ec-default-key", `{"conversation_id":"`+convID+`","message":"two"}`)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, convID, second.Header().Get("X-Conversation-ID"))

	count, err := h.messages.CountMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestHealthLive(t *testing.T) {
	h := newHandlerHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHandlerHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	tenants := repository.NewInMemoryTenantRepository()
	hash, err := auth.HashKey("admin-secret")
	require.NoError(t, err)

	handler := NewHandler(HandlerConfig{
		TenantRepo:  tenants,
		Messages:    repository.NewInMemoryMessageRepository(),
		RateLimiter: ratelimit.NewInMemoryRateLimiter(),
		Guard:       auth.NewAdminGuard(true, hash),
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/tenants/default", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/tenants/default", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
