// Package reasoning implements C9: the bounded, multi-agent tool-calling
// state machine that drives one user turn. Its request-id generation,
// structured per-request logging, and usage-recording idiom follow the
// conventions of internal/agent/loop.go; its exponential-backoff shape
// on provider_transient LLM errors follows internal/connwatch. Unlike a
// single-persona loop, this state machine is agent-agnostic: every
// piece of per-turn state it needs (system prompt, model, bounds) comes
// from the agentconfig snapshot the turn started with, never from
// package-level defaults.
package reasoning

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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
)

// Summarizer is the C13 contract the loop invokes when the assembler
// reports needs_summarization and auto-summarize is enabled. Satisfied
// by *summarizer.OnDemand; kept as an interface here so this package
// never imports the summarizer package's LLM-provider dependencies
// directly.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID string, upToSeq int64) (string, error)
}

// Request is one turn's input.
type Request struct {
	AgentID     string
	SessionID   string
	UserMessage string
	Provider    string // for usage.Record.Provider; "anthropic", "ollama", etc.
}

// Response is one turn's output, matching the chat endpoint's
// `{content, thinking?, tool_calls?, reasoning_time, usage}` contract.
type Response struct {
	Content       string
	ToolCalls     []conversation.ToolCall
	ReasoningTime time.Duration
	Usage         contextassembler.Usage
	FinishReason  string // "stop", "error"
	ErrorKind     apierr.Kind
	Steps         int
}

// Loop drives turns for every agent; it holds no agent-specific state
// between calls to Run.
type Loop struct {
	logger     *slog.Logger
	assembler  *contextassembler.Assembler
	toolReg    *tools.Registry
	convo      *conversation.Store
	agentCfg   *agentconfig.Store
	memEngine  *memory.Engine
	usageStore *usage.Store
	llmClient  llm.Client
	bus        *events.Bus
	summarizer Summarizer
	pricing    map[string]config.PricingEntry
	bounds     config.LoopConfig
	memCfg     config.MemoryConfig

	turnMu    sync.Mutex
	turnCount map[string]int64 // agentID -> completed turns, for the consolidation cadence

	sessionMu sync.Mutex
	sessions  map[string]*sync.Mutex // per-session FIFO serialization
}

func New(
	logger *slog.Logger,
	assembler *contextassembler.Assembler,
	toolReg *tools.Registry,
	convo *conversation.Store,
	agentCfg *agentconfig.Store,
	memEngine *memory.Engine,
	usageStore *usage.Store,
	llmClient llm.Client,
	bus *events.Bus,
	summarizer Summarizer,
	pricing map[string]config.PricingEntry,
	bounds config.LoopConfig,
	memCfg config.MemoryConfig,
) *Loop {
	return &Loop{
		logger:     logger,
		assembler:  assembler,
		toolReg:    toolReg,
		convo:      convo,
		agentCfg:   agentCfg,
		memEngine:  memEngine,
		usageStore: usageStore,
		llmClient:  llmClient,
		bus:        bus,
		summarizer: summarizer,
		pricing:    pricing,
		bounds:     bounds,
		memCfg:     memCfg,
		turnCount:  make(map[string]int64),
		sessions:   make(map[string]*sync.Mutex),
	}
}

// generateRequestID mirrors the reference implementation's
// generateRequestID (internal/agent/loop.go): 4 bytes of a UUIDv7's
// random section, hex-encoded, for grep-able per-turn log correlation.
func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("r_%08x", time.Now().UnixMilli()&0xFFFFFFFF)
	}
	return "r_" + hex.EncodeToString(id[8:12])
}

func (l *Loop) sessionLock(sessionID string) *sync.Mutex {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	m, ok := l.sessions[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.sessions[sessionID] = m
	}
	return m
}

// Run executes one complete turn: ASSEMBLE → CALL_LLM → INSPECT →
// [TOOL_DISPATCH → APPEND_TOOL_RESULTS → CALL_LLM]* → PERSIST → DONE.
// Concurrent calls for the same session are serialized in FIFO order;
// calls for different sessions run independently.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	lock := l.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	requestID := generateRequestID()
	log := l.logger.With("request_id", requestID, "agent_id", req.AgentID, "session_id", req.SessionID)
	log.Info("reasoning loop started")

	l.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"request_id": requestID, "agent_id": req.AgentID, "session_id": req.SessionID},
	})

	agentCfg, err := l.agentCfg.GetCurrent(ctx, req.AgentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidRequest, "load agent config", err)
	}
	if err := l.convo.EnsureSession(ctx, req.SessionID, req.AgentID); err != nil {
		return nil, err
	}

	bounds := l.bounds
	wallCtx, cancel := context.WithTimeout(ctx, bounds.MaxWallTime)
	defer cancel()

	start := time.Now()
	var totalInputTokens, totalOutputTokens int
	var totalCostUSD float64
	toolCallCount := 0

	assembled, err := l.assemble(wallCtx, req, agentCfg)
	if err != nil {
		return nil, err
	}

	messages := assembled.Messages
	var finalContent string
	var finalToolCalls []conversation.ToolCall
	finishKind := apierr.Kind("")
	step := 0

persistLoop:
	for {
		select {
		case <-wallCtx.Done():
			finishKind = apierr.TurnTimeout
			break persistLoop
		default:
		}

		if step >= bounds.MaxSteps {
			finishKind = apierr.StepLimit
			break
		}
		if totalCostUSD > bounds.MaxCostUSD {
			finishKind = apierr.BudgetExceeded
			break
		}
		step++

		toolSchemas := l.toolReg.List()
		llmCtx := wallCtx
		var cancelLLM context.CancelFunc
		if bounds.LLMCallTimeout > 0 {
			llmCtx, cancelLLM = context.WithTimeout(wallCtx, bounds.LLMCallTimeout)
		}
		l.bus.Publish(events.Event{
			Timestamp: time.Now().UTC(), Source: events.SourceAgent, Kind: events.KindLLMCall,
			Data: map[string]any{"request_id": requestID, "step": step, "model": agentCfg.Model},
		})
		resp, callErr := l.callLLMWithRetry(llmCtx, agentCfg.Model, messages, toolSchemas, bounds.MaxRetries)
		if cancelLLM != nil {
			cancelLLM()
		}
		if callErr != nil {
			log.Error("llm call failed, ending turn", "error", callErr)
			finalContent = "I hit an error talking to the model and can't finish this turn."
			finishKind = apierr.KindOf(callErr)
			if finishKind == "" {
				finishKind = apierr.ProviderPermanent
			}
			break
		}

		totalInputTokens += resp.InputTokens
		totalOutputTokens += resp.OutputTokens
		cost := usage.ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, l.pricing)
		totalCostUSD += cost
		l.bus.Publish(events.Event{
			Timestamp: time.Now().UTC(), Source: events.SourceAgent, Kind: events.KindLLMResponse,
			Data: map[string]any{
				"request_id": requestID, "step": step, "model": resp.Model,
				"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens,
				"cost_usd": cost, "tool_calls": len(resp.Message.ToolCalls),
			},
		})

		messages = append(messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			finalContent = resp.Message.Content
			break
		}

		terminal := false
		for _, call := range resp.Message.ToolCalls {
			toolCallCount++
			if toolCallCount > bounds.MaxToolCalls {
				finishKind = apierr.ToolLimit
				break persistLoop
			}

			l.bus.Publish(events.Event{
				Timestamp: time.Now().UTC(), Source: events.SourceAgent, Kind: events.KindToolCall,
				Data: map[string]any{"request_id": requestID, "tool": call.Function.Name},
			})
			result := l.toolReg.Dispatch(wallCtx, call.Function.Name, call.Function.Arguments)

			l.bus.Publish(events.Event{
				Timestamp: time.Now().UTC(), Source: events.SourceAgent, Kind: events.KindToolDone,
				Data: map[string]any{"request_id": requestID, "tool": call.Function.Name, "ok": result.Err == nil, "duration_ms": result.DurationMs},
			})

			tc := conversation.ToolCall{
				ID:         call.ID,
				Name:       call.Function.Name,
				Arguments:  call.Function.Arguments,
				DurationMs: result.DurationMs,
			}
			resultText := result.Result
			if result.Err != nil {
				tc.Error = result.Err.Message
				resultText = "error: " + result.Err.Message
			} else {
				tc.Result = result.Result
			}
			finalToolCalls = append(finalToolCalls, tc)
			messages = append(messages, llm.Message{Role: "tool", Content: resultText, ToolCallID: call.ID})

			def := l.toolReg.Get(call.Function.Name)
			if def != nil && def.Terminal && result.Err == nil {
				finalContent = result.Result
				terminal = true
				break
			}
		}
		if terminal {
			break
		}
	}

	if finishKind != "" && finalContent == "" {
		finalContent = turnErrorMessage(finishKind)
	}

	assistantMsg := conversation.Message{
		SessionID: req.SessionID,
		Role:      "assistant",
		Content:   finalContent,
		ToolCalls: finalToolCalls,
	}
	if _, err := l.convo.Append(wallCtx, assistantMsg); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "persist assistant message", err)
	}

	if l.usageStore != nil {
		rec := usage.Record{
			RequestID:   requestID,
			SessionID:   req.SessionID,
			Model:       agentCfg.Model,
			Provider:    req.Provider,
			InputTokens: totalInputTokens, OutputTokens: totalOutputTokens,
			CostUSD: totalCostUSD, Role: "interactive",
		}
		if err := l.usageStore.Record(context.Background(), rec); err != nil {
			log.Warn("failed to record usage", "error", err)
		}
	}

	l.maybeConsolidate(req.AgentID)

	l.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(), Source: events.SourceAgent, Kind: events.KindRequestComplete,
		Data: map[string]any{
			"request_id": requestID, "model": agentCfg.Model, "steps": step,
			"total_tokens_in": totalInputTokens, "total_tokens_out": totalOutputTokens,
			"total_cost_usd": totalCostUSD, "elapsed_ms": time.Since(start).Milliseconds(),
		},
	})

	finishReason := "stop"
	if finishKind != "" {
		finishReason = "error"
	}
	return &Response{
		Content:       finalContent,
		ToolCalls:     finalToolCalls,
		ReasoningTime: time.Since(start),
		Usage:         assembled.Usage,
		FinishReason:  finishReason,
		ErrorKind:     finishKind,
		Steps:         step,
	}, nil
}

// assemble runs C7, triggering one on-demand summarization and
// re-assembly if the result calls for it and the agent's config has
// auto_summarize enabled.
func (l *Loop) assemble(ctx context.Context, req Request, agentCfg *agentconfig.Config) (*contextassembler.Result, error) {
	result, err := l.assembler.Assemble(ctx, req.AgentID, req.SessionID, agentCfg.Model, agentCfg.SystemPrompt, req.UserMessage)
	if err != nil {
		return nil, err
	}
	if result.Usage.NeedsSummarization && l.bounds.AutoSummarize && l.summarizer != nil && result.SummarizeUpToSeq > 0 {
		if _, err := l.summarizer.Summarize(ctx, req.SessionID, result.SummarizeUpToSeq); err != nil {
			return nil, apierr.Wrap(apierr.SummarizationFailed, "auto-summarize before assembly", err)
		}
		result, err = l.assembler.Assemble(ctx, req.AgentID, req.SessionID, agentCfg.Model, agentCfg.SystemPrompt, req.UserMessage)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// callLLMWithRetry retries a provider_transient failure with
// exponential backoff (2s, 4s, 8s, ... capped at 30s), following the
// reference implementation's connwatch.BackoffConfig shape. Any other
// error kind is returned immediately.
func (l *Loop) callLLMWithRetry(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any, maxRetries int) (*llm.ChatResponse, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := 2 * time.Second
	const maxDelay = 30 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := l.llmClient.Chat(ctx, model, messages, toolSchemas)
		if err == nil {
			return resp, nil
		}
		lastErr = classifyLLMError(err)
		if !apierr.As(lastErr, apierr.ProviderTransient) || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(delay)*2, float64(maxDelay)))
	}
	return nil, lastErr
}

// maybeConsolidate triggers C5.consolidate per the turn-count cadence
// configured for the episodic tier.
func (l *Loop) maybeConsolidate(agentID string) {
	every := l.memCfg.EpisodicConsolidateEvery
	if every <= 0 {
		every = 10
	}
	semanticEvery := l.memCfg.SemanticPromoteEvery
	if semanticEvery <= 0 {
		semanticEvery = 100
	}
	l.turnMu.Lock()
	l.turnCount[agentID]++
	n := l.turnCount[agentID]
	l.turnMu.Unlock()

	if n%int64(every) != 0 {
		return
	}
	promoteSemantic := n%int64(semanticEvery) == 0
	result, err := l.memEngine.Consolidate(agentID, promoteSemantic)
	if err != nil {
		l.logger.Error("memory consolidation failed", "agent_id", agentID, "error", err)
		return
	}
	l.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(), Source: events.SourceMemory, Kind: events.KindMemoryConsolidated,
		Data: map[string]any{"agent_id": agentID, "result": result},
	})
}

// classifyLLMError gives an unclassified provider error an apierr.Kind
// so callLLMWithRetry has something to branch on. The LLM clients
// (internal/llm/ollama.go, anthropic.go) return plain wrapped errors
// with no transient/permanent distinction, so this applies the
// same heuristic net/http callers commonly use: a context deadline or
// a connection-level failure is presumed transient, everything else
// (bad request, auth, malformed response) is treated as permanent
// rather than retried indefinitely.
func classifyLLMError(err error) error {
	if _, ok := err.(*apierr.Error); ok {
		return err
	}
	if isTransientLLMError(err.Error()) {
		return apierr.Wrap(apierr.ProviderTransient, "llm call failed", err)
	}
	return apierr.Wrap(apierr.ProviderPermanent, "llm call failed", err)
}

func isTransientLLMError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{
		"timeout", "deadline exceeded", "connection refused",
		"connection reset", "eof", "temporary failure", "503", "429",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func turnErrorMessage(kind apierr.Kind) string {
	switch kind {
	case apierr.StepLimit:
		return "I ran out of reasoning steps before finishing this turn."
	case apierr.ToolLimit:
		return "I hit the tool-call limit for this turn before finishing."
	case apierr.TurnTimeout:
		return "This turn took too long and was stopped."
	case apierr.BudgetExceeded:
		return "This turn exceeded its cost budget and was stopped."
	default:
		return "I couldn't complete this turn."
	}
}
