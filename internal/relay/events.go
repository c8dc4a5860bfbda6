package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/emberchat/backend/internal/domain"
)

// Sink receives one client-facing SSE data frame per call. Upstream
// lifecycle frames pass through close to verbatim; synthesized events
// (status, system, error, thinking_summary) are marshalled here.
type Sink interface {
	Send(payload []byte) error
}

// Synthesized client event types.
const (
	eventStatus          = "status"
	eventSearchSources   = "search_sources"
	eventDocumentCreated = "document_created"
	eventThinkingSummary = "thinking_summary"
	eventSystem          = "system"
	eventError           = "error"
	eventUsage           = "usage"
)

type clientEvent struct {
	Type     string        `json:"type"`
	Message  string        `json:"message,omitempty"`
	Tools    []string      `json:"tools,omitempty"`
	Sources  []string      `json:"sources,omitempty"`
	Document string        `json:"document,omitempty"`
	Summary  string        `json:"summary,omitempty"`
	Code     string        `json:"code,omitempty"`
	Usage    *domain.Usage `json:"usage,omitempty"`
}

func sendEvent(sink Sink, ev clientEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Sink errors mean the client is gone; the loop notices through
	// context cancellation, so they are not propagated here.
	_ = sink.Send(payload)
}

// SSEWriter adapts an http.ResponseWriter into a Sink. Safe for use
// from the session goroutine plus background task completions.
type SSEWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewSSEWriter commits the stream headers and returns the sink, or an
// error when the transport cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEWriter{w: w, f: f}, nil
}

func (s *SSEWriter) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
