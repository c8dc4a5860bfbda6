package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/upstream"
)

// ToolExecutor runs one named tool. The relay knows nothing about tool
// internals; it only forwards arguments and collects results.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (domain.ToolResult, error)
	Definitions() []upstream.ToolDef
}

// toolCall is one parsed tool_use block from a finished round.
type toolCall struct {
	ID    string
	Name  string
	Input map[string]any
	Raw   json.RawMessage
}

// dispatchTools executes all requested tools concurrently, each under
// the tool timeout. A timeout or execution error becomes an
// error-flagged result so the model can react; it never fails the
// loop.
func (r *Relay) dispatchTools(ctx context.Context, calls []toolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call toolCall) {
			defer wg.Done()
			results[i] = r.runTool(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Relay) runTool(ctx context.Context, call toolCall) domain.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	type outcome struct {
		res domain.ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.tools.Execute(ctx, call.Name, call.Input)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return domain.ToolResult{Content: fmt.Sprintf("tool %s failed: %v", call.Name, o.err), IsError: true}
		}
		return o.res
	case <-ctx.Done():
		return domain.ToolResult{Content: fmt.Sprintf("tool %s timed out after %s", call.Name, r.cfg.ToolTimeout), IsError: true}
	}
}

// appendToolExchange extends the working message list with the
// assistant's tool-call turn and the matching results, and forwards
// the synthesized client events (status, sources, documents).
func appendToolExchange(messages []upstream.MessageParam, assistantBlocks []upstream.ContentBlock, calls []toolCall, results []domain.ToolResult, sink Sink) []upstream.MessageParam {
	messages = append(messages, upstream.MessageParam{Role: "assistant", Content: assistantBlocks})

	resultBlocks := make([]upstream.ContentBlock, len(calls))
	for i, call := range calls {
		resultBlocks[i] = upstream.ContentBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   results[i].Content,
			IsError:   results[i].IsError,
		}
		if len(results[i].Sources) > 0 {
			sendEvent(sink, clientEvent{Type: eventSearchSources, Sources: results[i].Sources})
		}
		if results[i].DocumentArtifact != "" {
			sendEvent(sink, clientEvent{Type: eventDocumentCreated, Document: results[i].DocumentArtifact})
		}
	}
	return append(messages, upstream.MessageParam{Role: "user", Content: resultBlocks})
}
