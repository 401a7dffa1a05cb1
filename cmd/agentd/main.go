// Package main is the entry point for agentd.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/agentd/internal/agentconfig"
	"github.com/nugget/agentd/internal/agents"
	"github.com/nugget/agentd/internal/buildinfo"
	"github.com/nugget/agentd/internal/config"
	"github.com/nugget/agentd/internal/contextassembler"
	"github.com/nugget/agentd/internal/conversation"
	"github.com/nugget/agentd/internal/embeddings"
	"github.com/nugget/agentd/internal/events"
	"github.com/nugget/agentd/internal/httpapi"
	"github.com/nugget/agentd/internal/llm"
	"github.com/nugget/agentd/internal/memory"
	"github.com/nugget/agentd/internal/reasoning"
	"github.com/nugget/agentd/internal/summarizer"
	"github.com/nugget/agentd/internal/tools"
	"github.com/nugget/agentd/internal/usage"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("agentd - multi-agent reasoning service")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the API server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// runServe loads configuration, wires every C1-C13 component to its
// own SQLite file under data_dir (mirroring the reference
// implementation's one-file-per-concern layout), and serves the HTTP
// API until a termination signal arrives.
func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting agentd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"local_only", cfg.Provider.LocalOnly,
	)

	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}

	agentsReg, err := agents.NewRegistry(dataDir + "/agents.db")
	if err != nil {
		logger.Error("failed to open agents database", "error", err)
		os.Exit(1)
	}
	defer agentsReg.Close()

	bus := events.New()

	agentCfg, err := agentconfig.NewStore(dataDir+"/agentconfig.db", bus)
	if err != nil {
		logger.Error("failed to open agent config database", "error", err)
		os.Exit(1)
	}
	defer agentCfg.Close()

	convo, err := conversation.NewStore(dataDir + "/conversation.db")
	if err != nil {
		logger.Error("failed to open conversation database", "error", err)
		os.Exit(1)
	}
	defer convo.Close()

	usageStore, err := usage.NewStore(dataDir + "/usage.db")
	if err != nil {
		logger.Error("failed to open usage database", "error", err)
		os.Exit(1)
	}
	defer usageStore.Close()

	memoryDB, err := sql.Open("sqlite3", dataDir+"/memory.db?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		logger.Error("failed to open memory database", "error", err)
		os.Exit(1)
	}
	defer memoryDB.Close()

	itemStore, err := memory.NewItemStore(memoryDB)
	if err != nil {
		logger.Error("failed to create memory item store", "error", err)
		os.Exit(1)
	}
	assocStore, err := memory.NewAssociationStore(memoryDB, cfg.Memory.AssociationEta, cfg.Memory.AssociationLambdaDays)
	if err != nil {
		logger.Error("failed to create memory association store", "error", err)
		os.Exit(1)
	}
	blockStore, err := memory.NewBlockStore(memoryDB)
	if err != nil {
		logger.Error("failed to create memory block store", "error", err)
		os.Exit(1)
	}
	memEngine := memory.NewEngine(itemStore, assocStore, cfg.Memory, cfg.Retention, cfg.Attention)
	logger.Info("memory engine initialized", "path", dataDir+"/memory.db")

	llmClient := createLLMClient(cfg, logger)

	toolReg := tools.NewRegistry()
	toolReg.SetEventBus(bus)
	toolReg.SetDefaultTimeout(cfg.Tools.DefaultTimeout)

	if cfg.Workspace.Path != "" {
		fileTools := tools.NewFileTools(cfg.Workspace.Path, cfg.Workspace.ReadOnlyDirs)
		toolReg.SetFileTools(fileTools)
		logger.Info("file tools enabled", "workspace", cfg.Workspace.Path)
	} else {
		logger.Info("file tools disabled (no workspace path configured)")
	}

	if cfg.ShellExec.Enabled {
		timeout := cfg.ShellExec.DefaultTimeoutSec
		if timeout == 0 {
			timeout = 30
		}
		shellCfg := tools.ShellExecConfig{
			Enabled:        true,
			WorkingDir:     cfg.ShellExec.WorkingDir,
			AllowedCmds:    cfg.ShellExec.AllowedPrefixes,
			DeniedCmds:     cfg.ShellExec.DeniedPatterns,
			DefaultTimeout: time.Duration(timeout) * time.Second,
		}
		if len(shellCfg.DeniedCmds) == 0 {
			shellCfg.DeniedCmds = tools.DefaultShellExecConfig().DeniedCmds
		}
		toolReg.SetShellExec(tools.NewShellExec(shellCfg))
		logger.Info("shell exec enabled", "working_dir", cfg.ShellExec.WorkingDir)
	} else {
		logger.Info("shell exec disabled")
	}

	if cfg.Embeddings.Enabled {
		embClient := embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		memEngine.SetEmbedder(embClient)

		vecIndex, err := memory.NewVectorIndex(dataDir + "/vectors.gob.gz")
		if err != nil {
			logger.Error("failed to open vector index", "error", err)
			os.Exit(1)
		}
		memEngine.SetVectorIndex(vecIndex)

		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model, "url", cfg.Embeddings.BaseURL)
	}

	assembler := contextassembler.New(convo, memEngine, blockStore, toolReg, cfg.Context)

	onDemand := summarizer.NewOnDemand(convo, llmClient, cfg.Models.Default, cfg.Context.SummaryTargetTokens)

	loop := reasoning.New(
		logger,
		assembler,
		toolReg,
		convo,
		agentCfg,
		memEngine,
		usageStore,
		llmClient,
		bus,
		onDemand,
		cfg.Pricing,
		cfg.Loop,
		cfg.Memory,
	)

	server := httpapi.New(cfg.Listen.Address, cfg.Listen.Port, httpapi.Deps{
		Agents:     agentsReg,
		AgentCfg:   agentCfg,
		Blocks:     blockStore,
		Convo:      convo,
		Assembler:  assembler,
		Loop:       loop,
		UsageStore: usageStore,
		OnDemand:   onDemand,
		Bus:        bus,
		ModelsCfg:  cfg.Models,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("agentd stopped")
}

// createLLMClient creates a multi-provider LLM client based on config.
// Ollama is the fallback for any model without a mapping; Anthropic is
// registered as a provider only when an API key is configured. Each
// models.available entry is routed to its own provider ("ollama" when
// unset).
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Provider.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Provider.Configured() {
		anthropicClient := llm.NewAnthropicClient(cfg.Provider.APIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		logger.Info("anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "local_first", cfg.Models.LocalFirst)
	return multi
}
