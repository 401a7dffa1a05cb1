// Package tokens provides deterministic token counting for the context
// assembler (C7) and the reasoning loop's budget checks (C9). It wraps
// tiktoken-go encodings keyed by model family, with a conservative
// fallback for families the encoder doesn't recognize.
package tokens

import (
	"sync"

	"github.com/nugget/agentd/internal/llm"
	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead is the fixed token cost tiktoken's cookbook
// attributes to each message's role/formatting wrapper
// (<|start|>role<|message|>...<|end|>), plus a one-time priming cost
// for the model's reply. The same constants apply to every model family.
const perMessageOverhead = 3
const replyPrimingOverhead = 3

// fallbackCharsPerToken backs the over-count-by-≤10% guarantee for
// unknown model families: English text tokenizes to roughly 4
// characters/token with cl100k_base, so dividing by 3.7 instead of 4
// intentionally over-counts by about 8%.
const fallbackCharsPerToken = 3.7

// Counter provides deterministic token counts for a single model
// family. The same input always yields the same count (required by
// SPEC_FULL §4.1); encodings are cached process-wide since they are
// expensive to construct and immutable once built.
type Counter struct {
	model    string
	encoding *tiktoken.Tiktoken // nil if the family fell back to the char heuristic
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter returns a Counter for model. Models tiktoken-go doesn't
// recognize (or whose encoding can't be loaded) fall back to the
// over-counting character heuristic rather than failing — token
// counting must never block the reasoning loop.
func NewCounter(model string) *Counter {
	cacheMu.RLock()
	enc, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{model: model, encoding: enc}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return &Counter{model: model, encoding: nil}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()

	return &Counter{model: model, encoding: enc}
}

// Count returns the token count for a single string.
func (c *Counter) Count(text string) int {
	if c.encoding == nil {
		return fallbackCount(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages returns the token count for a full message set,
// including the per-message role/formatting overhead and the
// reply-priming overhead every chat-completion style API pays once
// per call.
func (c *Counter) CountMessages(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(m.Role)
		total += c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Function.Name)
			total += c.countArguments(tc.Function.Arguments)
		}
	}
	total += replyPrimingOverhead
	return total
}

func (c *Counter) countArguments(args map[string]any) int {
	n := 0
	for k, v := range args {
		n += c.Count(k)
		if s, ok := v.(string); ok {
			n += c.Count(s)
		} else {
			n += 2 // non-string scalars cost ~1-2 tokens; avoid a json.Marshal round trip per arg
		}
	}
	return n
}

func fallbackCount(text string) int {
	n := float64(len([]rune(text))) / fallbackCharsPerToken
	if n < 0 {
		return 0
	}
	return int(n) + 1
}
