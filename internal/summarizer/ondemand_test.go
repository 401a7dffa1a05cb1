package summarizer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nugget/agentd/internal/conversation"
	"github.com/nugget/agentd/internal/llm"
	"github.com/stretchr/testify/require"
)

type fakeSummarizeLLM struct {
	content string
	err     error
	calls   int
}

func (f *fakeSummarizeLLM) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: "assistant", Content: f.content}}, nil
}

func (f *fakeSummarizeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, toolSchemas)
}

func (f *fakeSummarizeLLM) Ping(ctx context.Context) error { return nil }

func newTestConvoWithMessages(t *testing.T, sessionID string, n int) *conversation.Store {
	t.Helper()
	convo, err := conversation.NewStore(filepath.Join(t.TempDir(), "convo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { convo.Close() })

	ctx := context.Background()
	require.NoError(t, convo.EnsureSession(ctx, sessionID, "agent-1"))
	for i := 0; i < n; i++ {
		_, err := convo.Append(ctx, conversation.Message{SessionID: sessionID, Role: "user", Content: "message content"})
		require.NoError(t, err)
	}
	return convo
}

func TestOnDemand_SummarizeUsesLLMAndReplacesPrefix(t *testing.T) {
	convo := newTestConvoWithMessages(t, "session-1", 6)
	fake := &fakeSummarizeLLM{content: "- discussed the project plan"}

	o := NewOnDemand(convo, fake, "claude-opus", 500)
	summary, err := o.Summarize(context.Background(), "session-1", 4)
	require.NoError(t, err)
	require.Equal(t, "- discussed the project plan", summary)
	require.Equal(t, 1, fake.calls)

	remaining, err := convo.List(context.Background(), "session-1", 0, 0)
	require.NoError(t, err)
	// 6 messages total, 4 summarized away, 1 summary message + 2 untouched tail messages.
	require.Len(t, remaining, 3)
	require.Equal(t, conversation.TypeSystem, remaining[0].MessageType)
}

func TestOnDemand_NilClientFallsBackToExtractiveSummary(t *testing.T) {
	convo := newTestConvoWithMessages(t, "session-2", 6)

	o := NewOnDemand(convo, nil, "claude-opus", 500)
	summary, err := o.Summarize(context.Background(), "session-2", 4)
	require.NoError(t, err)
	require.Contains(t, summary, "extractive, no model available")
}

func TestOnDemand_EmptyLLMResponseFallsBackToExtractiveSummary(t *testing.T) {
	convo := newTestConvoWithMessages(t, "session-3", 6)
	fake := &fakeSummarizeLLM{content: "   "}

	o := NewOnDemand(convo, fake, "claude-opus", 500)
	summary, err := o.Summarize(context.Background(), "session-3", 4)
	require.NoError(t, err)
	require.Contains(t, summary, "extractive, no model available")
}

func TestOnDemand_NoMessagesAtOrBeforeSeqReturnsError(t *testing.T) {
	convo := newTestConvoWithMessages(t, "session-4", 2)

	o := NewOnDemand(convo, nil, "claude-opus", 500)
	_, err := o.Summarize(context.Background(), "session-4", 0)
	require.Error(t, err)
}

func TestSimpleSummarizer_EmptyConversationReturnsPlaceholder(t *testing.T) {
	s := &SimpleSummarizer{}
	require.Equal(t, "(empty conversation)", s.Summarize(nil, 500))
}
