package relay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/upstream"
)

const mediaPlaceholder = "[media removed from older turn]"

var codeBlockRe = regexp.MustCompile("(?s)```.*?```")

// assemble builds the upstream message list: load non-compacted
// history, run compaction if the conversation is over budget, then
// age-prune old turns and enforce the attachment payload ceiling.
func (s *session) assemble(ctx context.Context, conversationID string) ([]upstream.MessageParam, error) {
	r := s.relay
	if r.compactor != nil {
		if res, err := r.compactor.CheckAndCompact(ctx, conversationID); err != nil {
			// Compaction failure must not block the turn.
			slog.Warn("compaction failed, continuing with full history",
				"conversation_id", conversationID, "error", err)
		} else if res.Compacted {
			sendEvent(s.sink, clientEvent{
				Type:    eventSystem,
				Message: fmt.Sprintf("older history condensed (%d messages summarized)", res.Messages),
			})
		}
	}

	history, err := r.store.ListActiveMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	params := make([]upstream.MessageParam, 0, len(history))
	for _, m := range history {
		params = append(params, toParam(m))
	}

	agePrune(params, r.cfg.PruneAfterRounds, r.cfg.CodeKeepFraction)
	enforceAttachmentCeiling(params, r.cfg.AttachmentCeilingBytes)
	return params, nil
}

func toParam(m domain.Message) upstream.MessageParam {
	if len(m.Parts) == 0 {
		return upstream.MessageParam{
			Role:    m.Role,
			Content: []upstream.ContentBlock{{Type: "text", Text: m.Content}},
		}
	}
	blocks := make([]upstream.ContentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartText:
			blocks = append(blocks, upstream.ContentBlock{Type: "text", Text: p.Text})
		case domain.PartImage:
			blocks = append(blocks, upstream.ContentBlock{
				Type:   "image",
				Source: &upstream.ImageSource{Type: "base64", MediaType: p.MediaType, Data: p.Data},
			})
		case domain.PartToolResult:
			blocks = append(blocks, upstream.ContentBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolID,
				Content:   p.Text,
				IsError:   p.IsError,
			})
		}
	}
	return upstream.MessageParam{Role: m.Role, Content: blocks}
}

// agePrune bounds payload size of old turns: messages older than
// keepRounds user rounds have embedded media replaced with a
// placeholder and oversized code blocks truncated to a fraction of
// their length. Recent turns are left alone.
func agePrune(messages []upstream.MessageParam, keepRounds int, codeKeepFraction float64) {
	if keepRounds <= 0 {
		return
	}
	cutoff := len(messages)
	rounds := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			rounds++
			if rounds == keepRounds {
				cutoff = i
				break
			}
		}
	}
	if rounds < keepRounds {
		return
	}

	for i := 0; i < cutoff; i++ {
		for j := range messages[i].Content {
			block := &messages[i].Content[j]
			if block.Type == "image" {
				block.Type = "text"
				block.Source = nil
				block.Text = mediaPlaceholder
				continue
			}
			if block.Type == "text" {
				block.Text = truncateCodeBlocks(block.Text, codeKeepFraction)
			}
		}
	}
}

// truncateCodeBlocks shortens fenced code blocks to a fraction of
// their original length, appending a truncation marker.
func truncateCodeBlocks(text string, keepFraction float64) string {
	if keepFraction <= 0 || keepFraction >= 1 {
		return text
	}
	return codeBlockRe.ReplaceAllStringFunc(text, func(block string) string {
		keep := int(float64(len(block)) * keepFraction)
		if keep >= len(block) || len(block) < 400 {
			return block
		}
		return block[:keep] + "\n... [code truncated] ...\n```"
	})
}

// enforceAttachmentCeiling drops the oldest oversized image payloads
// until the total inline attachment size fits under the ceiling.
func enforceAttachmentCeiling(messages []upstream.MessageParam, ceilingBytes int) {
	if ceilingBytes <= 0 {
		return
	}
	total := 0
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Type == "image" && b.Source != nil {
				total += len(b.Source.Data)
			}
		}
	}

	for i := 0; i < len(messages) && total > ceilingBytes; i++ {
		for j := range messages[i].Content {
			block := &messages[i].Content[j]
			if block.Type != "image" || block.Source == nil {
				continue
			}
			total -= len(block.Source.Data)
			block.Type = "text"
			block.Source = nil
			block.Text = mediaPlaceholder
			if total <= ceilingBytes {
				break
			}
		}
	}
}

// collapseStrayText trims whitespace-only text blocks that some
// clients send; the upstream rejects empty blocks.
func collapseStrayText(messages []upstream.MessageParam) []upstream.MessageParam {
	out := messages[:0]
	for _, m := range messages {
		blocks := m.Content[:0]
		for _, b := range m.Content {
			if b.Type == "text" && strings.TrimSpace(b.Text) == "" {
				continue
			}
			blocks = append(blocks, b)
		}
		if len(blocks) > 0 {
			m.Content = blocks
			out = append(out, m)
		}
	}
	return out
}
