// Package relay orchestrates one chat request end to end: admission
// (quota check, credential acquisition), context assembly, the bounded
// tool-calling round loop against the streaming upstream, and the
// completion bookkeeping that settles usage into the quota engine and
// credential pool.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/backend/internal/compactor"
	"github.com/emberchat/backend/internal/cost"
	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/metrics"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/quota"
	"github.com/emberchat/backend/internal/upstream"
)

// Store is the slice of the persistence layer the relay touches.
type Store interface {
	ListActiveMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg *domain.Message) error
	CountMessages(ctx context.Context, conversationID string) (int, error)
	SetConversationTitle(ctx context.Context, conversationID, title string) error
}

// CredentialPool is the pool surface the relay needs.
type CredentialPool interface {
	Acquire(affinityKey string) (*pool.Route, error)
	Release(id string)
	RecordOutcome(ctx context.Context, id string, success bool, usage domain.Usage, errMsg string)
	RecordCost(ctx context.Context, id string, units domain.CostUnits)
	MultiplierFor(credentialID, group string) float64
}

// QuotaGate is the quota engine surface the relay needs.
type QuotaGate interface {
	Check(ctx context.Context, tenantID string) (*quota.Decision, error)
	RecordUsage(ctx context.Context, tenantID string, units domain.CostUnits) error
}

// Completer issues the relay's short non-streaming calls (titles,
// thinking summaries); *upstream.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, route upstream.Route, req upstream.Request) (*upstream.Response, error)
}

// ContextCompactor triggers history compaction during assembly.
type ContextCompactor interface {
	CheckAndCompact(ctx context.Context, conversationID string) (*compactor.Result, error)
}

// UsageExporter feeds finished usage records to the billing pipeline.
// Best-effort.
type UsageExporter interface {
	Export(ctx context.Context, record cost.UsageRecord) error
}

// DeniedError is an admission denial: quota reasons or rate limiting,
// surfaced before any upstream call.
type DeniedError struct {
	Reason  domain.DenyReason
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied (%s): %s", e.Reason, e.Message)
}

type Config struct {
	MaxRounds              int
	MaxAttempts            int
	MaxTokens              int
	ToolTimeout            time.Duration
	PruneAfterRounds       int
	CodeKeepFraction       float64
	AttachmentCeilingBytes int
	ThinkingBudgetTokens   int
	SummaryModel           string
	BackgroundWait         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRounds:              8,
		MaxAttempts:            3,
		MaxTokens:              16000,
		ToolTimeout:            120 * time.Second,
		PruneAfterRounds:       4,
		CodeKeepFraction:       0.25,
		AttachmentCeilingBytes: 20 << 20,
		ThinkingBudgetTokens:   4096,
		SummaryModel:           "claude-3-5-haiku-20241022",
		BackgroundWait:         30 * time.Second,
	}
}

// Relay is the per-process orchestrator service.
type Relay struct {
	cfg       Config
	pool      CredentialPool
	quota     QuotaGate
	calc      *cost.Calculator
	store     Store
	tools     ToolExecutor
	streamer  Streamer
	completer Completer
	compactor ContextCompactor
	tracker   cost.Tracker
	exporter  UsageExporter
	backoff   func(attempt int) time.Duration
}

type RelayConfig struct {
	Config    Config
	Pool      CredentialPool
	Quota     QuotaGate
	Calc      *cost.Calculator
	Store     Store
	Tools     ToolExecutor
	Client    *upstream.Client
	Streamer  Streamer // overrides Client's streaming; used by tests
	Compactor ContextCompactor
	Tracker   cost.Tracker
	Exporter  UsageExporter
	Backoff   func(attempt int) time.Duration // nil means upstream.Backoff
}

func New(rc RelayConfig) *Relay {
	cfg := rc.Config
	if cfg.MaxRounds == 0 {
		cfg = DefaultConfig()
	}
	r := &Relay{
		cfg:       cfg,
		pool:      rc.Pool,
		quota:     rc.Quota,
		calc:      rc.Calc,
		store:     rc.Store,
		tools:     rc.Tools,
		streamer:  rc.Streamer,
		completer: rc.Client,
		compactor: rc.Compactor,
		tracker:   rc.Tracker,
		exporter:  rc.Exporter,
		backoff:   rc.Backoff,
	}
	if r.streamer == nil && rc.Client != nil {
		r.streamer = clientStreamer{client: rc.Client}
	}
	if r.backoff == nil {
		r.backoff = upstream.Backoff
	}
	return r
}

// ChatRequest is one validated incoming chat turn.
type ChatRequest struct {
	TenantID       string
	TenantGroup    string
	ConversationID string
	RequestID      string
	Model          string
	System         string
	UserMessage    domain.Message
}

// Session is one admitted in-flight chat request.
type Session struct {
	relay *Relay
	req   ChatRequest
	route *pool.Route
}

// Admit runs the pre-stream checks: tenant quota, then credential
// acquisition keyed by conversation for affinity. No upstream call is
// made; failures map to a synchronous denial response.
func (r *Relay) Admit(ctx context.Context, req ChatRequest) (*Session, error) {
	decision, err := r.quota.Check(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		return nil, &DeniedError{Reason: decision.Reason, Message: decision.Message}
	}

	route, err := r.pool.Acquire(req.ConversationID)
	if err != nil {
		return nil, err
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	return &Session{relay: r, req: req, route: route}, nil
}

// Release abandons an admitted session without streaming, returning
// the credential slot.
func (s *Session) Release() {
	s.relay.pool.Release(s.route.CredentialID)
}

// session is the request-scoped working state of the round loop.
type session struct {
	relay     *Relay
	sink      Sink
	requestID string

	usage             domain.Usage
	assistantText     strings.Builder
	thinking          strings.Builder
	rounds            int
	credentialErrored bool
}

// Stream runs the admitted session to completion: assembly, the round
// loop, and the settlement bookkeeping that runs regardless of how the
// loop ended. The sink must already have committed streaming headers;
// mid-stream failures are emitted in-band.
func (sess *Session) Stream(ctx context.Context, sink Sink) {
	r := sess.relay
	req := sess.req
	start := time.Now()

	s := &session{relay: r, sink: sink, requestID: req.RequestID}

	userMsg := req.UserMessage
	if userMsg.ID == "" {
		userMsg.ID = uuid.New().String()
	}
	userMsg.ConversationID = req.ConversationID
	if userMsg.CreatedAt.IsZero() {
		userMsg.CreatedAt = start
	}
	if err := r.store.InsertMessage(ctx, &userMsg); err != nil {
		slog.Error("persist user message failed", "request_id", s.requestID, "error", err)
	}

	messages, err := s.assemble(ctx, req.ConversationID)
	if err != nil {
		sendEvent(sink, clientEvent{Type: eventError, Code: "assembly_failed", Message: "could not load conversation history"})
		sess.Release()
		return
	}

	final := s.runLoop(ctx, sess.route, req, messages)

	s.settle(ctx, sess.route, req, final, start)
}

// runLoop drives the bounded round loop and returns the last round's
// result.
func (s *session) runLoop(ctx context.Context, route *pool.Route, req ChatRequest, messages []upstream.MessageParam) roundResult {
	r := s.relay
	upRoute := upstream.Route{BaseURL: route.BaseURL, APIKey: route.APIKey}

	var res roundResult
	for round := 0; round < r.cfg.MaxRounds; round++ {
		s.rounds = round + 1

		upReq := upstream.Request{
			Model:     req.Model,
			MaxTokens: r.cfg.MaxTokens,
			System:    req.System,
			Messages:  collapseStrayText(messages),
		}
		if r.tools != nil && round < r.cfg.MaxRounds-1 {
			// The final round runs without tools to force a
			// natural-language close-out.
			upReq.Tools = r.tools.Definitions()
		}
		if r.cfg.ThinkingBudgetTokens > 0 {
			upReq.Thinking = &upstream.Thinking{Type: "enabled", BudgetTokens: r.cfg.ThinkingBudgetTokens}
		}

		res = s.runRound(ctx, upRoute, upReq)
		s.usage.Add(res.usage)
		s.assistantText.WriteString(res.text)
		s.thinking.WriteString(res.thinking)

		switch res.outcome {
		case outcomeToolUse:
			names := make([]string, len(res.toolCalls))
			for i, c := range res.toolCalls {
				names[i] = c.Name
			}
			sendEvent(s.sink, clientEvent{Type: eventStatus, Message: "running tools", Tools: names})
			results := r.dispatchTools(ctx, res.toolCalls)
			messages = appendToolExchange(messages, res.assistantBlocks, res.toolCalls, results, s.sink)
			continue

		case outcomeEndTurn:
			if len(res.toolCalls) > 0 {
				// Compatibility path: tools emitted on a normally closed
				// turn are executed but the loop does not restart.
				names := make([]string, len(res.toolCalls))
				for i, c := range res.toolCalls {
					names[i] = c.Name
				}
				sendEvent(s.sink, clientEvent{Type: eventStatus, Message: "running tools", Tools: names})
				results := r.dispatchTools(ctx, res.toolCalls)
				appendToolExchange(nil, res.assistantBlocks, res.toolCalls, results, s.sink)
			}
			return res

		case outcomeTruncated:
			msg := "response was cut short by the output limit"
			if errors.Is(res.err, domain.ErrStreamTruncated) {
				msg = "upstream connection ended unexpectedly; partial response kept"
			}
			sendEvent(s.sink, clientEvent{Type: eventError, Code: "stream_truncated", Message: msg})
			return res

		case outcomeCancelled:
			return res

		case outcomeError:
			// Auth/validation failures are caller problems, not
			// credential health signals.
			var statusErr *upstream.StatusError
			if res.err == nil || !errors.As(res.err, &statusErr) || upstream.CountsAgainstCredential(statusErr.Code) {
				s.credentialErrored = true
			}
			slog.Error("round failed", "request_id", s.requestID, "round", round+1, "error", res.err)
			sendEvent(s.sink, clientEvent{Type: eventError, Code: "upstream_error", Message: "the model backend returned an error"})
			return res
		}
	}

	// Round budget spent without a natural close.
	sendEvent(s.sink, clientEvent{Type: eventError, Code: "round_limit", Message: "tool-call round limit reached"})
	return res
}

// settle is the completion bookkeeping shared by every loop exit:
// terminal events, background tasks, persistence, credential release,
// and usage/cost recording. Persistence failures are logged, never
// surfaced into a stream the client already consumed.
func (s *session) settle(ctx context.Context, route *pool.Route, req ChatRequest, final roundResult, start time.Time) {
	r := s.relay

	// Settlement must finish even when the client is gone.
	bgCtx := context.WithoutCancel(ctx)

	sendEvent(s.sink, clientEvent{Type: eventUsage, Message: final.stopReason, Usage: &s.usage})

	summaryDone := s.spawnThinkingSummary(bgCtx)

	assistantMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        s.assistantText.String(),
		InputTokens:    s.usage.InputTokens,
		OutputTokens:   s.usage.OutputTokens,
		CreatedAt:      time.Now(),
	}
	if err := r.store.InsertMessage(bgCtx, assistantMsg); err != nil {
		slog.Error("persist assistant turn failed", "request_id", s.requestID, "error", err)
	}

	cancelled := final.outcome == outcomeCancelled
	success := !s.credentialErrored
	var errMsg string
	if final.err != nil && !cancelled {
		errMsg = final.err.Error()
	}
	r.pool.RecordOutcome(bgCtx, route.CredentialID, success, s.usage, errMsg)
	r.pool.Release(route.CredentialID)

	multiplier := r.pool.MultiplierFor(route.CredentialID, req.TenantGroup)
	units := r.calc.CalculateUnits(bgCtx, req.Model, s.usage, multiplier)
	if err := r.quota.RecordUsage(bgCtx, req.TenantID, units); err != nil {
		slog.Error("usage recording failed", "request_id", s.requestID, "tenant_id", req.TenantID, "error", err)
	}
	r.pool.RecordCost(bgCtx, route.CredentialID, units)

	record := cost.UsageRecord{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		RequestID:      s.requestID,
		Model:          req.Model,
		CredentialID:   route.CredentialID,
		Usage:          s.usage,
		CostUnits:      units,
		Rounds:         s.rounds,
		LatencyMs:      time.Since(start).Milliseconds(),
		Timestamp:      time.Now(),
	}
	if r.tracker != nil {
		if err := r.tracker.Record(bgCtx, record); err != nil {
			slog.Warn("usage tracker record failed", "request_id", s.requestID, "error", err)
		}
	}
	if r.exporter != nil {
		if err := r.exporter.Export(bgCtx, record); err != nil {
			slog.Warn("usage export failed", "request_id", s.requestID, "error", err)
		}
	}

	metrics.RecordRequest(req.TenantGroup, req.Model, final.outcome.String(), time.Since(start).Seconds(), s.rounds)
	metrics.RecordUsage(req.TenantGroup, req.Model, s.usage, units)

	s.maybeGenerateTitle(bgCtx, req)

	if summaryDone != nil {
		select {
		case <-summaryDone:
		case <-time.After(r.cfg.BackgroundWait):
			slog.Warn("thinking summary did not finish in time", "request_id", s.requestID)
		}
	}

	slog.Info("relay session finished",
		"request_id", s.requestID,
		"tenant_id", req.TenantID,
		"conversation_id", req.ConversationID,
		"credential_id", route.CredentialID,
		"rounds", s.rounds,
		"stop_reason", final.stopReason,
		"cancelled", cancelled,
		"input_tokens", s.usage.InputTokens,
		"output_tokens", s.usage.OutputTokens,
		"cost_units", int64(units),
		"latency_ms", record.LatencyMs,
	)
}

// spawnThinkingSummary kicks off the background summary of the
// thinking trace with its own credential acquisition. Returns nil when
// there is nothing to summarize.
func (s *session) spawnThinkingSummary(ctx context.Context) <-chan struct{} {
	r := s.relay
	trace := s.thinking.String()
	if trace == "" || r.completer == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		route, err := r.pool.Acquire("")
		if err != nil {
			slog.Warn("thinking summary skipped, pool exhausted", "request_id", s.requestID)
			return
		}
		defer r.pool.Release(route.CredentialID)

		ctx, cancel := context.WithTimeout(ctx, r.cfg.BackgroundWait)
		defer cancel()

		resp, err := r.completer.Complete(ctx, upstream.Route{BaseURL: route.BaseURL, APIKey: route.APIKey}, upstream.Request{
			Model:     r.cfg.SummaryModel,
			MaxTokens: 512,
			System:    "Summarize the reasoning below in two or three short sentences for an end user.",
			Messages: []upstream.MessageParam{{
				Role:    "user",
				Content: []upstream.ContentBlock{{Type: "text", Text: trace}},
			}},
		})
		if err != nil {
			r.pool.RecordOutcome(ctx, route.CredentialID, false, domain.Usage{}, err.Error())
			slog.Warn("thinking summary failed", "request_id", s.requestID, "error", err)
			return
		}
		r.pool.RecordOutcome(ctx, route.CredentialID, true, resp.Usage, "")
		sendEvent(s.sink, clientEvent{Type: eventThinkingSummary, Summary: resp.Text()})
	}()
	return done
}

// maybeGenerateTitle fires best-effort title generation when the
// conversation just received its second message.
func (s *session) maybeGenerateTitle(ctx context.Context, req ChatRequest) {
	r := s.relay
	if r.completer == nil {
		return
	}
	count, err := r.store.CountMessages(ctx, req.ConversationID)
	if err != nil || count != 2 {
		return
	}

	go func() {
		route, err := r.pool.Acquire("")
		if err != nil {
			return
		}
		defer r.pool.Release(route.CredentialID)

		ctx, cancel := context.WithTimeout(ctx, r.cfg.BackgroundWait)
		defer cancel()

		resp, err := r.completer.Complete(ctx, upstream.Route{BaseURL: route.BaseURL, APIKey: route.APIKey}, upstream.Request{
			Model:     r.cfg.SummaryModel,
			MaxTokens: 64,
			System:    "Produce a title of at most six words for this conversation. Reply with the title only.",
			Messages: []upstream.MessageParam{{
				Role:    "user",
				Content: []upstream.ContentBlock{{Type: "text", Text: req.UserMessage.Content}},
			}},
		})
		if err != nil {
			slog.Warn("title generation failed", "conversation_id", req.ConversationID, "error", err)
			return
		}
		title := strings.TrimSpace(resp.Text())
		if title == "" {
			return
		}
		if err := r.store.SetConversationTitle(ctx, req.ConversationID, title); err != nil {
			slog.Warn("title persist failed", "conversation_id", req.ConversationID, "error", err)
		}
	}()
}
