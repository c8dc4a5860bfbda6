package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/telemetry"
	"github.com/emberchat/backend/internal/upstream"
)

// roundOutcome is the tagged result of one upstream round. Modelling
// it explicitly keeps retry and cancellation checks out of the event
// parsing.
type roundOutcome int

const (
	outcomeEndTurn roundOutcome = iota
	outcomeToolUse
	outcomeTruncated
	outcomeCancelled
	outcomeError
)

func (o roundOutcome) String() string {
	switch o {
	case outcomeEndTurn:
		return "end_turn"
	case outcomeToolUse:
		return "tool_use"
	case outcomeTruncated:
		return "truncated"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

type roundResult struct {
	outcome         roundOutcome
	stopReason      string
	text            string
	thinking        string
	toolCalls       []toolCall
	assistantBlocks []upstream.ContentBlock
	usage           domain.Usage
	err             error
}

// EventStream is the decoded upstream stream the loop consumes;
// *upstream.Stream satisfies it, and tests script it directly.
type EventStream interface {
	Next() (*upstream.Event, error)
	Close() error
}

// Streamer opens one streaming upstream call.
type Streamer interface {
	OpenStream(ctx context.Context, route upstream.Route, req upstream.Request) (EventStream, error)
}

type clientStreamer struct {
	client *upstream.Client
}

func (c clientStreamer) OpenStream(ctx context.Context, route upstream.Route, req upstream.Request) (EventStream, error) {
	return c.client.Stream(ctx, route, req)
}

// runRound issues one upstream call with retry and consumes its event
// stream. Only the call open is retried; once bytes flow, failures are
// stream anomalies.
func (s *session) runRound(ctx context.Context, route upstream.Route, req upstream.Request) roundResult {
	ctx, span := telemetry.StartSpan(ctx, "relay.round")
	defer span.End()

	res := s.openAndConsume(ctx, route, req)
	if res.err != nil {
		telemetry.AddErrorAttribute(span, res.err)
	}
	return res
}

func (s *session) openAndConsume(ctx context.Context, route upstream.Route, req upstream.Request) roundResult {
	var stream EventStream
	var lastErr error

	for attempt := 0; attempt < s.relay.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return roundResult{outcome: outcomeCancelled}
		}
		var err error
		stream, err = s.relay.streamer.OpenStream(ctx, route, req)
		if err == nil {
			break
		}
		lastErr = err

		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			if upstream.CountsAgainstCredential(statusErr.Code) {
				s.credentialErrored = true
			}
			if !upstream.Retryable(statusErr.Code) {
				return roundResult{outcome: outcomeError, err: err}
			}
		} else if ctx.Err() != nil {
			return roundResult{outcome: outcomeCancelled}
		}

		if attempt < s.relay.cfg.MaxAttempts-1 {
			slog.Warn("upstream call failed, retrying",
				"request_id", s.requestID, "attempt", attempt+1, "error", err)
			select {
			case <-time.After(s.relay.backoff(attempt)):
			case <-ctx.Done():
				return roundResult{outcome: outcomeCancelled}
			}
		}
	}
	if stream == nil {
		return roundResult{outcome: outcomeError, err: lastErr}
	}
	defer stream.Close()

	return s.consumeStream(ctx, stream)
}

// blockState buffers one in-flight content block between its start and
// stop events. Tool-argument fragments are only parsed at block close.
type blockState struct {
	kind     string
	toolID   string
	toolName string
	text     string
	args     string
}

// consumeStream folds the upstream event sequence into a roundResult,
// forwarding text and thinking deltas to the client as they arrive.
func (s *session) consumeStream(ctx context.Context, stream EventStream) roundResult {
	res := roundResult{}
	blocks := make(map[int]*blockState)
	order := []int{}
	sawStop := false

	for {
		if ctx.Err() != nil {
			res.outcome = outcomeCancelled
			s.finalizeBlocks(&res, blocks, order)
			return res
		}

		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				res.outcome = outcomeCancelled
				s.finalizeBlocks(&res, blocks, order)
				return res
			}
			res.outcome = outcomeError
			res.err = err
			s.finalizeBlocks(&res, blocks, order)
			return res
		}

		switch ev.Type {
		case upstream.EventMessageStart:
			if ev.Usage != nil {
				res.usage.Add(*ev.Usage)
			}
			s.forward(ev)

		case upstream.EventContentBlockStart:
			b := &blockState{kind: ev.Block.Type, toolID: ev.Block.ID, toolName: ev.Block.Name}
			blocks[ev.Index] = b
			order = append(order, ev.Index)
			if b.kind != "tool_use" {
				s.forward(ev)
			}

		case upstream.EventContentBlockDelta:
			b := blocks[ev.Index]
			if b == nil || ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case upstream.DeltaText:
				b.text += ev.Delta.Text
				res.text += ev.Delta.Text
				s.forward(ev)
			case upstream.DeltaThinking:
				res.thinking += ev.Delta.Thinking
				s.forward(ev)
			case upstream.DeltaInputJSON:
				// Buffered; parsed once the block closes.
				b.args += ev.Delta.PartialJSON
			}

		case upstream.EventContentBlockStop:
			b := blocks[ev.Index]
			if b != nil && b.kind == "tool_use" {
				res.toolCalls = append(res.toolCalls, parseToolCall(b))
			} else {
				s.forward(ev)
			}

		case upstream.EventMessageDelta:
			if ev.Usage != nil {
				res.usage.Add(*ev.Usage)
			}
			if ev.StopReason != "" {
				res.stopReason = ev.StopReason
				sawStop = true
			}
			s.forward(ev)

		case upstream.EventMessageStop:
			s.forward(ev)

		case upstream.EventError:
			res.outcome = outcomeError
			res.err = ev.Err
			s.finalizeBlocks(&res, blocks, order)
			return res
		}
	}

	s.finalizeBlocks(&res, blocks, order)

	switch {
	case !sawStop:
		res.outcome = outcomeTruncated
		res.err = domain.ErrStreamTruncated
	case res.stopReason == upstream.StopMaxTokens:
		res.outcome = outcomeTruncated
	case res.stopReason == upstream.StopToolUse:
		res.outcome = outcomeToolUse
	default:
		// An end_turn round can still carry tool_use blocks (some
		// upstream relays pre-execute tools outside the protocol); the
		// caller handles those without re-entering the loop.
		res.outcome = outcomeEndTurn
	}
	return res
}

// finalizeBlocks renders the accumulated blocks into the assistant
// message shape the next round (or persistence) needs.
func (s *session) finalizeBlocks(res *roundResult, blocks map[int]*blockState, order []int) {
	for _, idx := range order {
		b := blocks[idx]
		switch b.kind {
		case "text":
			if b.text != "" {
				res.assistantBlocks = append(res.assistantBlocks, upstream.ContentBlock{Type: "text", Text: b.text})
			}
		case "tool_use":
			raw := json.RawMessage(b.args)
			if b.args == "" || !gjson.Valid(b.args) {
				raw = json.RawMessage("{}")
			}
			res.assistantBlocks = append(res.assistantBlocks, upstream.ContentBlock{
				Type: "tool_use", ID: b.toolID, Name: b.toolName, Input: raw,
			})
		}
	}
}

// parseToolCall decodes the buffered argument fragments. Invalid JSON
// degrades to empty arguments rather than failing the round; the tool
// will report the problem back to the model.
func parseToolCall(b *blockState) toolCall {
	call := toolCall{ID: b.toolID, Name: b.toolName, Raw: json.RawMessage(b.args)}
	if b.args == "" || !gjson.Valid(b.args) {
		call.Input = map[string]any{}
		call.Raw = json.RawMessage("{}")
		return call
	}
	if err := json.Unmarshal([]byte(b.args), &call.Input); err != nil {
		call.Input = map[string]any{}
	}
	return call
}

// forward passes an upstream frame through to the client verbatim.
func (s *session) forward(ev *upstream.Event) {
	if len(ev.Raw) == 0 {
		return
	}
	_ = s.sink.Send(ev.Raw)
}
