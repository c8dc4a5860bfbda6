// Package compactor keeps conversations under the model context
// budget by summarizing the oldest rounds into a single synthetic
// message. Compaction failure never blocks the user's turn.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/metrics"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/upstream"
)

// MessageStore is the slice of the persistence layer the compactor
// reads and writes.
type MessageStore interface {
	ListActiveMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	MarkCompacted(ctx context.Context, messageIDs []string) error
	InsertMessage(ctx context.Context, msg *domain.Message) error
}

// CredentialPool is the acquire/release surface the compactor needs
// for its one summarization call.
type CredentialPool interface {
	Acquire(affinityKey string) (*pool.Route, error)
	Release(id string)
	RecordOutcome(ctx context.Context, id string, success bool, usage domain.Usage, errMsg string)
}

type Config struct {
	Model              string
	ContextWindow      int
	SystemReserve      int // tokens held back for the system prompt
	OutputReserve      int // tokens held back for the response
	TriggerFraction    float64
	KeepRecentRounds   int
	MaxCharsPerMessage int
	SummaryMaxTokens   int
	Timeout            time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:              "claude-3-5-haiku-20241022",
		ContextWindow:      200000,
		SystemReserve:      8000,
		OutputReserve:      32000,
		TriggerFraction:    0.7,
		KeepRecentRounds:   3,
		MaxCharsPerMessage: 4000,
		SummaryMaxTokens:   2000,
		Timeout:            60 * time.Second,
	}
}

const summaryPrompt = "Summarize the conversation transcript below into a concise brief. " +
	"Preserve all decisions, facts, names, numbers, and open questions. " +
	"Write in plain prose, no preamble."

// Result reports what a compaction pass did.
type Result struct {
	Compacted   bool
	Messages    int
	TokensSaved int
}

type Compactor struct {
	store  MessageStore
	pool   CredentialPool
	client *upstream.Client
	cfg    Config
}

func New(store MessageStore, credPool CredentialPool, client *upstream.Client, cfg Config) *Compactor {
	if cfg.TriggerFraction <= 0 {
		cfg = DefaultConfig()
	}
	return &Compactor{store: store, pool: credPool, client: client, cfg: cfg}
}

// effectiveBudget is the context window minus the reserved allowances.
func (c *Compactor) effectiveBudget() int {
	return c.cfg.ContextWindow - c.cfg.SystemReserve - c.cfg.OutputReserve
}

// CheckAndCompact estimates the conversation's live token load and
// compacts the oldest rounds when it crosses the trigger threshold.
func (c *Compactor) CheckAndCompact(ctx context.Context, conversationID string) (*Result, error) {
	msgs, err := c.store.ListActiveMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	threshold := int(c.cfg.TriggerFraction * float64(c.effectiveBudget()))
	if total < threshold {
		return &Result{}, nil
	}

	old, _ := splitRecentRounds(msgs, c.cfg.KeepRecentRounds)
	if len(old) == 0 {
		return &Result{}, nil
	}

	summary, usage, err := c.summarize(ctx, old)
	if err != nil {
		return nil, fmt.Errorf("summarize conversation %s: %w", conversationID, err)
	}

	ids := make([]string, len(old))
	oldTokens := 0
	for i, m := range old {
		ids[i] = m.ID
		oldTokens += EstimateTokens(m)
	}
	if err := c.store.MarkCompacted(ctx, ids); err != nil {
		return nil, fmt.Errorf("mark compacted: %w", err)
	}

	summaryMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           "user",
		Content:        summary,
		OutputTokens:   usage.OutputTokens,
		IsSummary:      true,
		// The summary sits exactly where the last compacted message was.
		CreatedAt: old[len(old)-1].CreatedAt,
	}
	if err := c.store.InsertMessage(ctx, summaryMsg); err != nil {
		return nil, fmt.Errorf("insert summary: %w", err)
	}

	saved := oldTokens - EstimateText(summary)
	if saved < 0 {
		saved = 0
	}
	metrics.RecordCompaction(saved)
	slog.Info("conversation compacted",
		"conversation_id", conversationID,
		"messages", len(old),
		"tokens_saved", saved,
	)
	return &Result{Compacted: true, Messages: len(old), TokensSaved: saved}, nil
}

// summarize renders the transcript and issues one non-streaming call
// with its own credential acquisition and timeout.
func (c *Compactor) summarize(ctx context.Context, msgs []domain.Message) (string, domain.Usage, error) {
	route, err := c.pool.Acquire("")
	if err != nil {
		return "", domain.Usage{}, err
	}
	defer c.pool.Release(route.CredentialID)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := upstream.Request{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.SummaryMaxTokens,
		System:    summaryPrompt,
		Messages: []upstream.MessageParam{{
			Role: "user",
			Content: []upstream.ContentBlock{{
				Type: "text",
				Text: renderTranscript(msgs, c.cfg.MaxCharsPerMessage),
			}},
		}},
	}

	resp, err := c.client.Complete(ctx, upstream.Route{BaseURL: route.BaseURL, APIKey: route.APIKey}, req)
	if err != nil {
		c.pool.RecordOutcome(ctx, route.CredentialID, false, domain.Usage{}, err.Error())
		return "", domain.Usage{}, err
	}
	c.pool.RecordOutcome(ctx, route.CredentialID, true, resp.Usage, "")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", resp.Usage, fmt.Errorf("empty summary response")
	}
	return text, resp.Usage, nil
}

// splitRecentRounds returns (old, recent) where recent holds the last
// keepRounds user-initiated rounds. A round starts at a user message
// that is not a tool-result carrier.
func splitRecentRounds(msgs []domain.Message, keepRounds int) ([]domain.Message, []domain.Message) {
	if keepRounds <= 0 {
		return msgs, nil
	}
	rounds := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if isRoundStart(msgs[i]) {
			rounds++
			if rounds == keepRounds {
				return msgs[:i], msgs[i:]
			}
		}
	}
	return nil, msgs
}

func isRoundStart(m domain.Message) bool {
	if m.Role != "user" || m.IsSummary {
		return false
	}
	for _, p := range m.Parts {
		if p.Type == domain.PartToolResult {
			return false
		}
	}
	return true
}

// renderTranscript produces the role-tagged text fed to the
// summarization call, capping each message to bound the request size.
func renderTranscript(msgs []domain.Message, maxChars int) string {
	var b strings.Builder
	for _, m := range msgs {
		text := messageText(m)
		if maxChars > 0 && len(text) > maxChars {
			text = text[:maxChars] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, text)
	}
	return b.String()
}
