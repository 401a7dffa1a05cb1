// Package contextassembler implements C7: deterministic assembly of one
// reasoning-loop turn's LLM input within a fixed token budget. Its
// token-budget accounting follows internal/conditions.FormatContextUsage
// and its compaction package's "fixed cost first, then fill what's
// left" shape; the top-k memory retrieval and per-call usage breakdown
// are new, since neither has a hierarchical memory tier to budget for.
package contextassembler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/config"
	"github.com/nugget/agentd/internal/conversation"
	"github.com/nugget/agentd/internal/llm"
	"github.com/nugget/agentd/internal/memory"
	"github.com/nugget/agentd/internal/tokens"
	"github.com/nugget/agentd/internal/tools"
)

// Usage is the token-budget breakdown the assembler reports alongside
// the assembled messages, and that GET /context/usage exposes verbatim.
// MemoryBlocks counts the memory blocks plus the retrieved-memory
// context; Conversation counts the selected history plus the turn's new
// user message, so Total is the sum of the four buckets.
type Usage struct {
	System             int     `json:"system"`
	MemoryBlocks       int     `json:"memory_blocks"`
	ToolSchemas        int     `json:"tool_schemas"`
	Conversation       int     `json:"conversation"`
	Total              int     `json:"total"`
	Max                int     `json:"max"`
	PercentUsed        float64 `json:"percent_used"`
	NeedsSummarization bool    `json:"needs_summarization"`
	Remaining          int     `json:"remaining"`
}

// Result is what Assemble returns: the ordered message list ready for
// an llm.Client.Chat call, plus the usage breakdown and (when
// NeedsSummarization is set) the seq boundary a caller should summarize
// up to before the next assembly.
type Result struct {
	Messages           []llm.Message
	Usage              Usage
	SummarizeUpToSeq   int64 // 0 if no summarization is indicated
	MessageCount       int
	CompactionCount    int
}

// Assembler builds one turn's LLM input for a given agent/session.
type Assembler struct {
	convo   *conversation.Store
	memory  *memory.Engine
	blocks  *memory.BlockStore
	toolReg *tools.Registry
	cfg     config.ContextConfig
}

func New(convo *conversation.Store, mem *memory.Engine, blocks *memory.BlockStore, toolReg *tools.Registry, cfg config.ContextConfig) *Assembler {
	return &Assembler{convo: convo, memory: mem, blocks: blocks, toolReg: toolReg, cfg: cfg}
}

// Assemble runs the five-step token-budget algorithm for one turn.
// model selects the token counter (tokenizer family); systemPrompt is
// the agent's current configured system prompt; userMessage is the
// content of the turn's new user message, not yet appended to the
// conversation store.
func (a *Assembler) Assemble(ctx context.Context, agentID, sessionID, model, systemPrompt, userMessage string) (*Result, error) {
	counter := tokens.NewCounter(model)
	maxTokens := a.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 128_000
	}

	// Step 1: fixed cost = system prompt + memory blocks + tool schemas.
	systemTokens := counter.Count(systemPrompt)

	blockValues, err := a.blocks.All(agentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "load memory blocks", err)
	}
	memoryBlockText := formatBlocks(blockValues)
	memoryBlockTokens := counter.Count(memoryBlockText)

	toolSchemas := a.toolReg.List()
	toolSchemaText, err := json.Marshal(toolSchemas)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "marshal tool schemas", err)
	}
	toolSchemaTokens := counter.Count(string(toolSchemaText))

	fixed := systemTokens + memoryBlockTokens + toolSchemaTokens
	if float64(fixed) > float64(maxTokens)*0.9 {
		return nil, apierr.New(apierr.ContextOverflowFixed,
			fmt.Sprintf("fixed context cost %d tokens exceeds 90%% of max_tokens %d", fixed, maxTokens))
	}

	// Step 2: top-k memory retrieval, formatted as a bounded block.
	topK := a.cfg.MemoryTopK
	if topK <= 0 {
		topK = 8
	}
	mode := memory.AnalyzeQuery(userMessage)
	hits, err := a.memory.Search(ctx, agentID, sessionID, userMessage, nil, topK, mode)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "search memory", err)
	}
	memoryContextText := formatMemoryHits(hits)
	memoryContextTokens := counter.Count(memoryContextText)

	budgetAfterMemory := maxTokens - fixed - memoryContextTokens
	if budgetAfterMemory < 0 {
		budgetAfterMemory = 0
	}

	// Step 3: load recent messages newest-to-oldest until the budget
	// would be exceeded. Over-fetch a generous window from the store,
	// then trim by token cost; Tail already returns oldest-first, so we
	// walk it backwards to replicate "newest to oldest" selection.
	const tailWindow = 500
	recent, err := a.convo.Tail(ctx, sessionID, tailWindow)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "load recent messages", err)
	}

	var selected []conversation.Message
	used := 0
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		cost := counter.Count(m.Content) + 4 // role/formatting overhead, matches tokens.perMessageOverhead order of magnitude
		if used+cost > budgetAfterMemory {
			break
		}
		used += cost
		selected = append(selected, m)
	}
	// selected was built newest-first; reverse to oldest-first for the
	// final ordering.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	compactionCount := 0
	var olderSummaries []conversation.Message
	for _, m := range selected {
		if m.MessageType == conversation.TypeSystem {
			compactionCount++
			olderSummaries = append(olderSummaries, m)
		}
	}

	conversationTokens := used

	// Step 4: summarization threshold.
	userTokens := counter.Count(userMessage)
	total := fixed + memoryContextTokens + conversationTokens + userTokens
	threshold := a.cfg.SummarizationThreshold
	if threshold <= 0 {
		threshold = 0.80
	}
	percentUsed := float64(total) / float64(maxTokens) * 100
	needsSummarization := float64(total) >= threshold*float64(maxTokens)

	var summarizeUpTo int64
	if needsSummarization && len(recent) > 0 {
		// The cut point: everything the tail window fetched but the
		// budget didn't admit into `selected`, plus everything older
		// than the tail window entirely. Summarizing up to the oldest
		// selected message's seq minus one keeps every message the
		// assembler actually used intact.
		if len(selected) > 0 {
			summarizeUpTo = selected[0].Seq - 1
		} else if len(recent) > 0 {
			summarizeUpTo = recent[len(recent)-1].Seq
		}
	}

	// Step 5: final ordering.
	messages := make([]llm.Message, 0, len(selected)+3)
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	}
	if memoryBlockText != "" {
		messages = append(messages, llm.Message{Role: "system", Content: memoryBlockText})
	}
	if memoryContextText != "" {
		messages = append(messages, llm.Message{Role: "system", Content: memoryContextText})
	}
	for _, m := range selected {
		messages = append(messages, toLLMMessage(m))
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	usage := Usage{
		System:             systemTokens,
		MemoryBlocks:       memoryBlockTokens + memoryContextTokens,
		ToolSchemas:        toolSchemaTokens,
		Conversation:       conversationTokens + userTokens,
		Total:              total,
		Max:                maxTokens,
		PercentUsed:        percentUsed,
		NeedsSummarization: needsSummarization,
		Remaining:          maxTokens - total,
	}

	return &Result{
		Messages:         messages,
		Usage:            usage,
		SummarizeUpToSeq: summarizeUpTo,
		MessageCount:     len(selected),
		CompactionCount:  compactionCount,
	}, nil
}

// FormatUsageLine renders the single-line usage summary used in logs
// and an optional system-prompt footer, following the reference
// implementation's context-usage line formatter.
func FormatUsageLine(model string, u Usage, messageCount, compactionCount int) string {
	return fmt.Sprintf("%s | %d/%d tokens (%.1f%%) | %d msgs | %d compactions",
		model, u.Total, u.Max, u.PercentUsed, messageCount, compactionCount)
}

func toLLMMessage(m conversation.Message) llm.Message {
	out := llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		var call llm.ToolCall
		call.ID = tc.ID
		call.Function.Name = tc.Name
		call.Function.Arguments = tc.Arguments
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

func formatBlocks(blocks map[string]string) string {
	if len(blocks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Memory Blocks\n")
	for label, value := range blocks {
		if value == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n%s\n", label, value)
	}
	return sb.String()
}

func formatMemoryHits(hits []memory.ScoredItem) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Relevant Memories\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "- [%s, score=%.2f] %s\n", h.Item.Category, h.Score, h.Item.Content)
	}
	return sb.String()
}
