package reasoning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/agentd/internal/agentconfig"
	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/config"
	"github.com/nugget/agentd/internal/contextassembler"
	"github.com/nugget/agentd/internal/conversation"
	"github.com/nugget/agentd/internal/events"
	"github.com/nugget/agentd/internal/llm"
	"github.com/nugget/agentd/internal/memory"
	"github.com/nugget/agentd/internal/tools"
	"github.com/nugget/agentd/internal/usage"
	"github.com/stretchr/testify/require"

	"database/sql"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// fakeLLM is a scripted llm.Client: each call to Chat pops the next
// response/error pair off its queue, so a test can script a
// tool-call-then-final-answer turn without a real provider.
type fakeLLM struct {
	responses []fakeLLMCall
	calls     int
}

type fakeLLMCall struct {
	resp *llm.ChatResponse
	err  error
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	if f.calls >= len(f.responses) {
		return &llm.ChatResponse{Model: model, Message: llm.Message{Role: "assistant", Content: "done"}}, nil
	}
	c := f.responses[f.calls]
	f.calls++
	return c.resp, c.err
}

func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, toolSchemas)
}

func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func newTestLoop(t *testing.T, llmClient llm.Client, bounds config.LoopConfig) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()

	bus := events.New()

	convo, err := conversation.NewStore(filepath.Join(dir, "convo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { convo.Close() })

	agentCfgStore, err := agentconfig.NewStore(filepath.Join(dir, "agentconfig.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { agentCfgStore.Close() })

	agentID := "agent-1"
	_, err = agentCfgStore.Bootstrap(context.Background(), agentID, agentconfig.Config{
		Model:        "claude-opus",
		SystemPrompt: "You are a helpful assistant.",
		Temperature:  0.7,
	}, "initial config")
	require.NoError(t, err)

	memDB, err := sql.Open("sqlite3", filepath.Join(dir, "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { memDB.Close() })
	items, err := memory.NewItemStore(memDB)
	require.NoError(t, err)
	assoc, err := memory.NewAssociationStore(memDB, 0.1, 30)
	require.NoError(t, err)
	blocks, err := memory.NewBlockStore(memDB)
	require.NoError(t, err)

	cfg := config.Default()
	memEngine := memory.NewEngine(items, assoc, cfg.Memory, cfg.Retention, cfg.Attention)

	usageStore, err := usage.NewStore(filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { usageStore.Close() })

	toolReg := tools.NewEmptyRegistry()

	assembler := contextassembler.New(convo, memEngine, blocks, toolReg, cfg.Context)

	logger := slog.Default()

	loop := New(logger, assembler, toolReg, convo, agentCfgStore, memEngine, usageStore, llmClient, bus, nil, cfg.Pricing, bounds, cfg.Memory)
	return loop, agentID
}

func TestLoop_SimpleTurnReturnsAssistantContentWithoutToolCalls(t *testing.T) {
	fake := &fakeLLM{responses: []fakeLLMCall{
		{resp: &llm.ChatResponse{Model: "claude-opus", Message: llm.Message{Role: "assistant", Content: "Hi there!"}}},
	}}
	loop, agentID := newTestLoop(t, fake, config.Default().Loop)

	resp, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: "session-1", UserMessage: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Hi there!", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 1, resp.Steps)
	require.Empty(t, resp.ToolCalls)
}

func TestLoop_ToolCallThenFinalAnswerAppendsToolResult(t *testing.T) {
	fake := &fakeLLM{responses: []fakeLLMCall{
		{resp: &llm.ChatResponse{Model: "claude-opus", Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID: "call-1",
				Function: struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}{Name: "echo", Arguments: map[string]any{"text": "hi"}},
			}},
		}}},
		{resp: &llm.ChatResponse{Model: "claude-opus", Message: llm.Message{Role: "assistant", Content: "All done."}}},
	}}
	loop, agentID := newTestLoop(t, fake, config.Default().Loop)

	loop.toolReg.Register(&tools.Tool{
		Name:        "echo",
		Description: "echoes back its input",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})

	resp, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: "session-2", UserMessage: "say hi"})
	require.NoError(t, err)
	require.Equal(t, "All done.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "echo", resp.ToolCalls[0].Name)
	require.Equal(t, 2, resp.Steps)
}

func TestLoop_StepLimitStopsTurnWithStepLimitKind(t *testing.T) {
	// An LLM that always calls a tool and never stops forces the loop to
	// hit max_steps.
	var responses []fakeLLMCall
	for i := 0; i < 10; i++ {
		responses = append(responses, fakeLLMCall{resp: &llm.ChatResponse{Model: "claude-opus", Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID: "call-loop",
				Function: struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}{Name: "noop", Arguments: map[string]any{}},
			}},
		}}})
	}
	fake := &fakeLLM{responses: responses}

	bounds := config.Default().Loop
	bounds.MaxSteps = 2
	bounds.MaxWallTime = 10 * time.Second
	loop, agentID := newTestLoop(t, fake, bounds)

	loop.toolReg.Register(&tools.Tool{
		Name:       "noop",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:    func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	})

	resp, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: "session-3", UserMessage: "loop forever"})
	require.NoError(t, err)
	require.Equal(t, apierr.StepLimit, resp.ErrorKind)
	require.Equal(t, "error", resp.FinishReason)
}

func TestLoop_ProviderTransientErrorRetriesThenSucceeds(t *testing.T) {
	fake := &fakeLLM{responses: []fakeLLMCall{
		{err: apierr.New(apierr.ProviderTransient, "connection reset by peer")},
		{resp: &llm.ChatResponse{Model: "claude-opus", Message: llm.Message{Role: "assistant", Content: "recovered"}}},
	}}
	bounds := config.Default().Loop
	bounds.MaxWallTime = 10 * time.Second
	loop, agentID := newTestLoop(t, fake, bounds)

	resp, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: "session-4", UserMessage: "hello"})
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Content)
	require.Equal(t, 2, fake.calls)
}

func TestLoop_ProviderPermanentErrorEndsTurnWithoutRetry(t *testing.T) {
	fake := &fakeLLM{responses: []fakeLLMCall{
		{err: apierr.New(apierr.ProviderPermanent, "invalid api key")},
	}}
	loop, agentID := newTestLoop(t, fake, config.Default().Loop)

	resp, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: "session-5", UserMessage: "hello"})
	require.NoError(t, err)
	require.Equal(t, apierr.ProviderPermanent, resp.ErrorKind)
	require.Equal(t, 1, fake.calls)
}
