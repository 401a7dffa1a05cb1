package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/conversation"
	"github.com/nugget/agentd/internal/llm"
)

// onDemandTemplate mirrors internal/prompts.CompactionPrompt's
// compaction prompt, scaled to an explicit target token count instead
// of a fixed word count, since C13's contract names a configurable
// summary_target_tokens.
const onDemandTemplate = `Summarize this conversation concisely. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken (tool calls, state changes)
4. Any open items or things to remember

Keep the summary to roughly %d tokens. Use bullet points.

Conversation:
%s

Summary:`

// OnDemand implements C13's summarize(session, up_to_seq) contract: an
// LLM call that condenses the message prefix into a bounded summary,
// then applies it via conversation.Store.ReplacePrefixWithSummary. On
// any failure — the LLM call or the replace — the conversation log is
// left untouched and the error is returned; callers must not silently
// drop messages.
type OnDemand struct {
	convo        *conversation.Store
	llmClient    llm.Client
	model        string
	targetTokens int
	fallback     *SimpleSummarizer
}

func NewOnDemand(convo *conversation.Store, llmClient llm.Client, model string, targetTokens int) *OnDemand {
	if targetTokens <= 0 {
		targetTokens = 1500
	}
	return &OnDemand{convo: convo, llmClient: llmClient, model: model, targetTokens: targetTokens, fallback: &SimpleSummarizer{}}
}

// Summarize condenses every message in sessionID with seq <= upToSeq
// into a single summary message and replaces that prefix with it. If
// llmClient is nil (a local-provider deployment with no model
// configured), it falls back to SimpleSummarizer's extractive summary
// instead of failing the turn.
func (o *OnDemand) Summarize(ctx context.Context, sessionID string, upToSeq int64) (string, error) {
	messages, err := o.convo.List(ctx, sessionID, 0, 0)
	if err != nil {
		return "", apierr.Wrap(apierr.SummarizationFailed, "load conversation prefix", err)
	}
	var prefix []conversation.Message
	for _, m := range messages {
		if m.Seq > upToSeq {
			break
		}
		prefix = append(prefix, m)
	}
	if len(prefix) == 0 {
		return "", apierr.New(apierr.SummarizationFailed, "no messages at or before the requested seq")
	}

	var summary string
	if o.llmClient == nil {
		summary = o.fallback.Summarize(prefix, o.targetTokens)
	} else {
		transcript := formatTranscript(prefix)
		prompt := fmt.Sprintf(onDemandTemplate, o.targetTokens, transcript)
		resp, err := o.llmClient.Chat(ctx, o.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
		if err != nil {
			return "", apierr.Wrap(apierr.SummarizationFailed, "summarization LLM call", err)
		}
		summary = resp.Message.Content
		if strings.TrimSpace(summary) == "" {
			summary = o.fallback.Summarize(prefix, o.targetTokens)
		}
	}

	if err := o.convo.ReplacePrefixWithSummary(ctx, sessionID, upToSeq, summary); err != nil {
		return "", apierr.Wrap(apierr.SummarizationFailed, "apply summary", err)
	}
	return summary, nil
}

// SimpleSummarizer is the extractive, no-LLM-call fallback SPEC_FULL
// §4.13 requires for local-provider deployments, following the
// reference implementation's "LLM summarizer with a deterministic
// fallback" split. It keeps the first and last few messages verbatim
// and collapses the middle into a line count, rather than attempting
// any real compression — correctness over quality, since there is no
// model available to do better.
type SimpleSummarizer struct{}

func (s *SimpleSummarizer) Summarize(messages []conversation.Message, targetTokens int) string {
	if len(messages) == 0 {
		return "(empty conversation)"
	}
	const edgeCount = 3
	var sb strings.Builder
	sb.WriteString("Conversation summary (extractive, no model available):\n")

	head := messages
	if len(head) > edgeCount {
		head = head[:edgeCount]
	}
	for _, m := range head {
		fmt.Fprintf(&sb, "- %s: %s\n", m.Role, truncate(m.Content, 200))
	}
	if len(messages) > 2*edgeCount {
		fmt.Fprintf(&sb, "... %d messages omitted ...\n", len(messages)-2*edgeCount)
	}
	if len(messages) > edgeCount {
		tail := messages[len(messages)-edgeCount:]
		for _, m := range tail {
			fmt.Fprintf(&sb, "- %s: %s\n", m.Role, truncate(m.Content, 200))
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatTranscript(messages []conversation.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}
