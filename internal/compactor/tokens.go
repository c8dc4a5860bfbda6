package compactor

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/emberchat/backend/internal/domain"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return enc
}

// EstimateTokens counts tokens for a message: recorded usage when the
// row has it, a tokenizer count otherwise, and a character heuristic
// when the tokenizer cannot load its vocabulary.
func EstimateTokens(m domain.Message) int {
	if m.InputTokens > 0 || m.OutputTokens > 0 {
		return m.InputTokens + m.OutputTokens
	}
	return EstimateText(messageText(m))
}

// EstimateText estimates token count for raw text.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

// heuristicTokens weights CJK characters at ~1.5 tokens each and
// everything else at roughly one token per three characters.
func heuristicTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else if !unicode.IsSpace(r) {
			other++
		}
	}
	return cjk*3/2 + other/3
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func messageText(m domain.Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == domain.PartText || p.Type == domain.PartToolResult {
			out += p.Text
		}
	}
	if out == "" {
		return m.Content
	}
	return out
}
