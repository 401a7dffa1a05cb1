// Package httpapi implements SPEC_FULL §6: the HTTP surface over the
// reasoning loop, agent configuration, memory blocks, conversation log,
// and cost tracking. Grounded on the reference implementation's
// internal/api.Server (method-prefixed ServeMux patterns, a withLogging
// wrapper, and a writeJSON/errorResponse pair), adapted from the
// teacher's single-persona OpenAI-compatible surface to a multi-agent
// admin-plus-chat surface.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/agentd/internal/agentconfig"
	"github.com/nugget/agentd/internal/agents"
	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/buildinfo"
	"github.com/nugget/agentd/internal/config"
	"github.com/nugget/agentd/internal/contextassembler"
	"github.com/nugget/agentd/internal/conversation"
	"github.com/nugget/agentd/internal/events"
	"github.com/nugget/agentd/internal/memory"
	"github.com/nugget/agentd/internal/reasoning"
	"github.com/nugget/agentd/internal/summarizer"
	"github.com/nugget/agentd/internal/usage"
)

// Server is the HTTP API server wiring every C1-C13 component to a
// single address.
type Server struct {
	address string
	port    int

	agentsReg  *agents.Registry
	agentCfg   *agentconfig.Store
	blocks     *memory.BlockStore
	convo      *conversation.Store
	assembler  *contextassembler.Assembler
	loop       *reasoning.Loop
	usageStore *usage.Store
	onDemand   *summarizer.OnDemand
	bus        *events.Bus
	modelsCfg  config.ModelsConfig

	logger *slog.Logger
	server *http.Server
}

// Deps bundles every component the server dispatches to. Grouped into
// a struct rather than a long New() parameter list because §6 names
// more collaborators than the teacher's single-persona Server ever had.
type Deps struct {
	Agents     *agents.Registry
	AgentCfg   *agentconfig.Store
	Blocks     *memory.BlockStore
	Convo      *conversation.Store
	Assembler  *contextassembler.Assembler
	Loop       *reasoning.Loop
	UsageStore *usage.Store
	OnDemand   *summarizer.OnDemand
	Bus        *events.Bus
	ModelsCfg  config.ModelsConfig
}

// New creates a new API server bound to address:port.
func New(address string, port int, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		address:    address,
		port:       port,
		agentsReg:  deps.Agents,
		agentCfg:   deps.AgentCfg,
		blocks:     deps.Blocks,
		convo:      deps.Convo,
		assembler:  deps.Assembler,
		loop:       deps.Loop,
		usageStore: deps.UsageStore,
		onDemand:   deps.OnDemand,
		bus:        deps.Bus,
		modelsCfg:  deps.ModelsCfg,
		logger:     logger,
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called, at which point it returns
// http.ErrServerClosed.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /models", s.handleModels)

	mux.HandleFunc("GET /agents", s.handleAgentList)
	mux.HandleFunc("POST /agents", s.handleAgentCreate)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentGet)

	mux.HandleFunc("GET /agents/{id}/config", s.handleConfigGet)
	mux.HandleFunc("PUT /agents/{id}/config", s.handleConfigPut)
	mux.HandleFunc("GET /agents/{id}/versions", s.handleVersionList)
	mux.HandleFunc("POST /agents/{id}/versions/{vid}/rollback", s.handleVersionRollback)
	mux.HandleFunc("GET /agents/{id}/system-prompt", s.handleSystemPromptGet)
	mux.HandleFunc("PUT /agents/{id}/system-prompt", s.handleSystemPromptPut)

	mux.HandleFunc("GET /agents/{id}/memory/blocks", s.handleBlocksList)
	mux.HandleFunc("PUT /agents/{id}/memory/blocks/{label}", s.handleBlockPut)

	mux.HandleFunc("POST /agents/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /agents/{id}/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /agents/{id}/new-chat", s.handleNewChat)

	mux.HandleFunc("GET /conversation/{session}", s.handleConversationGet)
	mux.HandleFunc("POST /conversation/{session}/clear", s.handleConversationClear)
	mux.HandleFunc("POST /conversation/{session}/summarize", s.handleConversationSummarize)

	mux.HandleFunc("GET /context/usage", s.handleContextUsage)

	mux.HandleFunc("GET /costs/statistics", s.handleCostsStatistics)
	mux.HandleFunc("GET /costs/openrouter", s.handleCostsOpenRouter)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming chat responses can run well past the loop's own wall-time bound
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting agentd API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, letting in-flight turns drain
// up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.RuntimeInfo(), s.logger)
}

// handleModels lists the models this deployment is configured to use.
// The core never talks to a provider's model-listing endpoint directly
// (SPEC_FULL §1 keeps provider HTTP clients thin); this reflects the
// deployment's own config.ModelsConfig instead.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   s.modelsCfg.Default,
		"available": s.modelsCfg.Available,
	}, s.logger)
}

// writeJSON encodes v as JSON with the given status code, logging any
// write failure at debug level (typically a client disconnect, not
// actionable).
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// writeError maps an apierr.Kind to an HTTP status and writes a JSON
// error body. Kinds that SPEC_FULL §7 says terminate a turn rather than
// fail the request outright (step_limit, tool_limit, turn_timeout,
// budget_exceeded) are never passed here — the chat handlers fold those
// into a 200 response with an error-carrying assistant message instead.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apierr.InvalidRequest, apierr.ContextOverflowFixed:
		status = http.StatusBadRequest
	case apierr.Unauthorized:
		status = http.StatusUnauthorized
	case apierr.ProviderTransient:
		status = http.StatusServiceUnavailable
	case apierr.ProviderPermanent:
		status = http.StatusBadGateway
	case apierr.ToolError, apierr.ToolTimeout:
		status = http.StatusInternalServerError
	case apierr.SummarizationFailed, apierr.StorageError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		},
	}, s.logger)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
