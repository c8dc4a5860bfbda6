package compactor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/upstream"
)

type fakeStore struct {
	msgs      []domain.Message
	compacted []string
	inserted  []*domain.Message
}

func (f *fakeStore) ListActiveMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return f.msgs, nil
}

func (f *fakeStore) MarkCompacted(ctx context.Context, ids []string) error {
	f.compacted = append(f.compacted, ids...)
	return nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	f.inserted = append(f.inserted, msg)
	return nil
}

type fakePool struct {
	route    pool.Route
	acquired int
	released int
	outcomes []bool
}

func (f *fakePool) Acquire(key string) (*pool.Route, error) {
	f.acquired++
	r := f.route
	return &r, nil
}

func (f *fakePool) Release(id string) { f.released++ }

func (f *fakePool) RecordOutcome(ctx context.Context, id string, success bool, usage domain.Usage, errMsg string) {
	f.outcomes = append(f.outcomes, success)
}

func summaryServer(t *testing.T, summary string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := upstream.Response{
			ID:         "msg_sum",
			StopReason: upstream.StopEndTurn,
			Content:    []upstream.ContentBlock{{Type: "text", Text: summary}},
			Usage:      domain.Usage{InputTokens: 500, OutputTokens: 40},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func userMsg(id, text string, ts time.Time) domain.Message {
	return domain.Message{ID: id, Role: "user", Content: text, CreatedAt: ts}
}

func assistantMsg(id, text string, ts time.Time) domain.Message {
	return domain.Message{ID: id, Role: "assistant", Content: text, CreatedAt: ts}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ContextWindow = 1000
	cfg.SystemReserve = 100
	cfg.OutputReserve = 100
	cfg.TriggerFraction = 0.5 // trigger at 400 tokens
	cfg.KeepRecentRounds = 1
	return cfg
}

func TestCheckAndCompact_BelowThresholdIsNoop(t *testing.T) {
	store := &fakeStore{msgs: []domain.Message{
		userMsg("1", "hi", time.Now()),
		assistantMsg("2", "hello", time.Now()),
	}}
	c := New(store, &fakePool{}, upstream.NewClient(nil), testConfig())

	res, err := c.CheckAndCompact(context.Background(), "conv")
	require.NoError(t, err)
	assert.False(t, res.Compacted)
	assert.Empty(t, store.compacted)
	assert.Empty(t, store.inserted)
}

func TestCheckAndCompact_CompactsOldRounds(t *testing.T) {
	srv := summaryServer(t, "Decisions: use Go. Facts: quota is layered.", http.StatusOK)
	defer srv.Close()

	big := strings.Repeat("alpha beta gamma delta ", 60)
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{msgs: []domain.Message{
		userMsg("1", big, t0),
		assistantMsg("2", big, t0.Add(time.Minute)),
		userMsg("3", big, t0.Add(2*time.Minute)),
		assistantMsg("4", big, t0.Add(3*time.Minute)),
		userMsg("5", "latest question", t0.Add(4*time.Minute)),
	}}
	p := &fakePool{route: pool.Route{CredentialID: "c1", BaseURL: srv.URL, APIKey: "k"}}
	c := New(store, p, upstream.NewClient(srv.Client()), testConfig())

	res, err := c.CheckAndCompact(context.Background(), "conv")
	require.NoError(t, err)
	require.True(t, res.Compacted)

	// Everything before the last round (messages 1-4) is compacted.
	assert.Equal(t, []string{"1", "2", "3", "4"}, store.compacted)
	assert.Equal(t, 4, res.Messages)
	assert.Positive(t, res.TokensSaved)

	require.Len(t, store.inserted, 1)
	sum := store.inserted[0]
	assert.True(t, sum.IsSummary)
	assert.Contains(t, sum.Content, "Decisions")
	// Summary timestamp sits exactly where the last compacted message was.
	assert.Equal(t, t0.Add(3*time.Minute), sum.CreatedAt)

	assert.Equal(t, 1, p.acquired)
	assert.Equal(t, 1, p.released)
	assert.Equal(t, []bool{true}, p.outcomes)
}

func TestCheckAndCompact_UpstreamFailureLeavesHistoryUntouched(t *testing.T) {
	srv := summaryServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	big := strings.Repeat("word ", 600)
	store := &fakeStore{msgs: []domain.Message{
		userMsg("1", big, time.Now()),
		userMsg("2", "recent", time.Now()),
	}}
	p := &fakePool{route: pool.Route{CredentialID: "c1", BaseURL: srv.URL, APIKey: "k"}}
	c := New(store, p, upstream.NewClient(srv.Client()), testConfig())

	_, err := c.CheckAndCompact(context.Background(), "conv")
	require.Error(t, err)
	assert.Empty(t, store.compacted)
	assert.Empty(t, store.inserted)
	assert.Equal(t, []bool{false}, p.outcomes)
	assert.Equal(t, 1, p.released)
}

func TestSplitRecentRounds(t *testing.T) {
	toolCarrier := domain.Message{ID: "t", Role: "user", Parts: []domain.ContentPart{{Type: domain.PartToolResult, Text: "result"}}}
	msgs := []domain.Message{
		userMsg("1", "q1", time.Now()),
		assistantMsg("2", "a1", time.Now()),
		userMsg("3", "q2", time.Now()),
		toolCarrier,
		assistantMsg("4", "a2", time.Now()),
		userMsg("5", "q3", time.Now()),
	}

	old, recent := splitRecentRounds(msgs, 2)
	require.Len(t, old, 2)
	assert.Equal(t, "1", old[0].ID)
	// Round 2 starts at message 3; the tool-result carrier does not
	// start a round of its own.
	assert.Equal(t, "3", recent[0].ID)

	old, recent = splitRecentRounds(msgs, 10)
	assert.Empty(t, old)
	assert.Len(t, recent, 6)
}

func TestRenderTranscript_CapsLongMessages(t *testing.T) {
	msgs := []domain.Message{
		userMsg("1", strings.Repeat("x", 5000), time.Now()),
	}
	out := renderTranscript(msgs, 100)
	assert.Contains(t, out, "[user]")
	assert.Contains(t, out, "[truncated]")
	assert.Less(t, len(out), 200)
}

func TestHeuristicTokens_CJKWeighting(t *testing.T) {
	latin := heuristicTokens("abcdef")  // 6 chars / 3
	cjk := heuristicTokens("你好世界再见") // 6 chars * 1.5
	assert.Equal(t, 2, latin)
	assert.Equal(t, 9, cjk)
}

func TestEstimateTokens_PrefersRecordedUsage(t *testing.T) {
	m := domain.Message{Content: strings.Repeat("many words here ", 100), InputTokens: 7, OutputTokens: 3}
	assert.Equal(t, 10, EstimateTokens(m))
}
