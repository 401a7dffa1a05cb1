// Package config handles agentd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentd/config.yaml, /config/config.yaml
// (container convention), /etc/agentd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/agentd/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can point it at a temp directory
// instead of the real search path.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all agentd configuration.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	Provider   ProviderConfig          `yaml:"provider"`
	Models     ModelsConfig            `yaml:"models"`
	Embeddings EmbeddingsConfig        `yaml:"embeddings"`
	DataDir    string                  `yaml:"data_dir"`
	LogLevel   string                  `yaml:"log_level"`

	Loop      LoopConfig      `yaml:"loop"`
	Context   ContextConfig   `yaml:"context"`
	Memory    MemoryConfig    `yaml:"memory"`
	Retention RetentionConfig `yaml:"retention"`
	Attention AttentionConfig `yaml:"attention"`
	Tools     ToolsConfig     `yaml:"tools"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
}

// WorkspaceConfig gates the file tools (C8) to a directory on disk.
// Empty Path disables file tools entirely.
type WorkspaceConfig struct {
	Path         string   `yaml:"path"`
	ReadOnlyDirs []string `yaml:"read_only_dirs"`
}

// ShellExecConfig gates the shell-exec tool (C8). Disabled by default;
// a deployment opts in explicitly.
type ShellExecConfig struct {
	Enabled           bool     `yaml:"enabled"`
	WorkingDir        string   `yaml:"working_dir"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
	AllowedPrefixes   []string `yaml:"allowed_prefixes"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
}

// ProviderConfig names the external LLM collaborator. The core never
// implements the provider HTTP client itself; it only needs enough to
// decide fatal-at-startup vs local-only.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	LocalOnly    bool   `yaml:"local_only"`
	DefaultModel string `yaml:"default_model"`
	OllamaURL    string `yaml:"ollama_url"`
}

// Configured reports whether a provider API key is present.
func (c ProviderConfig) Configured() bool {
	return c.APIKey != ""
}

// EmbeddingsConfig defines embedding generation settings consumed by C4.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseurl"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings consumed by the router.
type ModelsConfig struct {
	Default    string        `yaml:"default"`
	LocalFirst bool          `yaml:"local_first"`
	Available  []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"`
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Speed         int    `yaml:"speed"`
	Quality       int    `yaml:"quality"`
	CostTier      int    `yaml:"cost_tier"`
	MinComplexity string `yaml:"min_complexity"`
}

// LoopConfig holds the C9 reasoning-loop bounds (§4.9, §5).
type LoopConfig struct {
	MaxSteps       int           `yaml:"max_steps"`
	MaxToolCalls   int           `yaml:"max_tool_calls"`
	MaxWallTime    time.Duration `yaml:"max_wall_time"`
	MaxCostUSD     float64       `yaml:"max_cost_usd"`
	MaxRetries     int           `yaml:"max_retries"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	LLMCallTimeout time.Duration `yaml:"llm_call_timeout"`
	AutoSummarize  bool          `yaml:"auto_summarize"`
}

// ContextConfig holds the C7 context-assembler token budget (§4.7).
type ContextConfig struct {
	MaxTokens              int     `yaml:"max_tokens"`
	SummarizationThreshold float64 `yaml:"summarization_threshold"`
	MemoryTopK             int     `yaml:"memory_top_k"`
	SummaryTargetTokens    int     `yaml:"summary_target_tokens"`
}

// MemoryConfig holds the C5 hierarchical-memory tier sizes (§4.5) and the
// C6 association-graph constants (§4.6).
type MemoryConfig struct {
	WorkingCapacity          int     `yaml:"working_capacity"`
	EpisodicConsolidateEvery int     `yaml:"episodic_consolidate_every"`
	SemanticPromoteEvery     int     `yaml:"semantic_promote_every"`
	DuplicateCosineThreshold float64 `yaml:"duplicate_cosine_threshold"`
	SemanticMinImportance    float64 `yaml:"semantic_min_importance"`
	EpisodicMinImportance    float64 `yaml:"episodic_min_importance"`
	AssociationEta           float64 `yaml:"association_eta"`
	AssociationLambdaDays    float64 `yaml:"association_lambda_days"`
	AssociationMinStrength   float64 `yaml:"association_min_strength"`
}

// RetentionConfig holds the C3 retention-gate weights and thresholds (§4.3).
type RetentionConfig struct {
	DecayBase            float64            `yaml:"decay_base"`
	CategoryBoost        map[string]float64 `yaml:"category_boost"`
	ImportanceWeight     float64            `yaml:"importance_weight"`
	AccessWeight         float64            `yaml:"access_weight"`
	TemporalWeight       float64            `yaml:"temporal_weight"`
	BaseConstant         float64            `yaml:"base_constant"`
	BoostThreshold       float64            `yaml:"boost_threshold"`
	KeepThreshold        float64            `yaml:"keep_threshold"`
	ConsolidateThreshold float64            `yaml:"consolidate_threshold"`
	DecayThreshold       float64            `yaml:"decay_threshold"`
}

// AttentionConfig holds the C4 per-mode weights (§4.4).
type AttentionConfig struct {
	Modes map[string]ModeWeights `yaml:"modes"`
}

// ModeWeights is one row of the §4.4 weight table.
type ModeWeights struct {
	Semantic   float64 `yaml:"semantic"`
	Temporal   float64 `yaml:"temporal"`
	Importance float64 `yaml:"importance"`
	Access     float64 `yaml:"access"`
	Category   float64 `yaml:"category"`
	TauHours   float64 `yaml:"tau_hours"`
	SigmaHours float64 `yaml:"sigma_hours"`
}

// ToolsConfig holds C8 dispatcher defaults.
type ToolsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// PricingEntry is the per-model USD-per-million-token rate used by C12.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the §4/§5 defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "http://localhost:11434"
	}
	if c.Provider.OllamaURL == "" {
		c.Provider.OllamaURL = "http://localhost:11434"
	}

	if c.Loop.MaxSteps == 0 {
		c.Loop.MaxSteps = 20
	}
	if c.Loop.MaxToolCalls == 0 {
		c.Loop.MaxToolCalls = 30
	}
	if c.Loop.MaxWallTime == 0 {
		c.Loop.MaxWallTime = 120 * time.Second
	}
	if c.Loop.MaxCostUSD == 0 {
		c.Loop.MaxCostUSD = 1.00
	}
	if c.Loop.MaxRetries == 0 {
		c.Loop.MaxRetries = 3
	}
	if c.Loop.ToolTimeout == 0 {
		c.Loop.ToolTimeout = 30 * time.Second
	}
	if c.Loop.LLMCallTimeout == 0 {
		c.Loop.LLMCallTimeout = 60 * time.Second
	}

	if c.Context.MaxTokens == 0 {
		c.Context.MaxTokens = 128_000
	}
	if c.Context.SummarizationThreshold == 0 {
		c.Context.SummarizationThreshold = 0.80
	}
	if c.Context.MemoryTopK == 0 {
		c.Context.MemoryTopK = 8
	}
	if c.Context.SummaryTargetTokens == 0 {
		c.Context.SummaryTargetTokens = 1500
	}

	if c.Memory.WorkingCapacity == 0 {
		c.Memory.WorkingCapacity = 100
	}
	if c.Memory.EpisodicConsolidateEvery == 0 {
		c.Memory.EpisodicConsolidateEvery = 10
	}
	if c.Memory.SemanticPromoteEvery == 0 {
		c.Memory.SemanticPromoteEvery = 100
	}
	if c.Memory.DuplicateCosineThreshold == 0 {
		c.Memory.DuplicateCosineThreshold = 0.97
	}
	if c.Memory.SemanticMinImportance == 0 {
		c.Memory.SemanticMinImportance = 8
	}
	if c.Memory.EpisodicMinImportance == 0 {
		c.Memory.EpisodicMinImportance = 5
	}
	if c.Memory.AssociationEta == 0 {
		c.Memory.AssociationEta = 0.1
	}
	if c.Memory.AssociationLambdaDays == 0 {
		c.Memory.AssociationLambdaDays = 30
	}
	if c.Memory.AssociationMinStrength == 0 {
		c.Memory.AssociationMinStrength = 0.15
	}

	if c.Retention.DecayBase == 0 {
		c.Retention.DecayBase = 0.995
	}
	if c.Retention.CategoryBoost == nil {
		c.Retention.CategoryBoost = map[string]float64{
			"relationship_moment": 1.5,
			"emotion":             1.3,
			"insight":             1.2,
			"preference":          1.0,
			"fact":                0.9,
			"event":               0.8,
		}
	}
	if c.Retention.ImportanceWeight == 0 {
		c.Retention.ImportanceWeight = 0.35
	}
	if c.Retention.AccessWeight == 0 {
		c.Retention.AccessWeight = 0.30
	}
	if c.Retention.TemporalWeight == 0 {
		c.Retention.TemporalWeight = 0.25
	}
	if c.Retention.BaseConstant == 0 {
		c.Retention.BaseConstant = 0.10
	}
	if c.Retention.BoostThreshold == 0 {
		c.Retention.BoostThreshold = 0.85
	}
	if c.Retention.KeepThreshold == 0 {
		c.Retention.KeepThreshold = 0.60
	}
	if c.Retention.ConsolidateThreshold == 0 {
		c.Retention.ConsolidateThreshold = 0.40
	}
	if c.Retention.DecayThreshold == 0 {
		c.Retention.DecayThreshold = 0.20
	}

	if c.Attention.Modes == nil {
		c.Attention.Modes = DefaultAttentionModes()
	}

	if c.Tools.DefaultTimeout == 0 {
		c.Tools.DefaultTimeout = 30 * time.Second
	}

	if c.Pricing == nil {
		c.Pricing = map[string]PricingEntry{}
	}
}

// DefaultAttentionModes returns the §4.4 default weight table.
func DefaultAttentionModes() map[string]ModeWeights {
	return map[string]ModeWeights{
		"STANDARD":         {Semantic: 0.40, Temporal: 0.15, Importance: 0.20, Access: 0.15, Category: 0.10, TauHours: 48, SigmaHours: 72},
		"SEMANTIC_HEAVY":   {Semantic: 0.65, Temporal: 0.05, Importance: 0.15, Access: 0.10, Category: 0.05, TauHours: 48, SigmaHours: 72},
		"TEMPORAL_HEAVY":   {Semantic: 0.25, Temporal: 0.45, Importance: 0.10, Access: 0.15, Category: 0.05, TauHours: 24, SigmaHours: 48},
		"IMPORTANCE_HEAVY": {Semantic: 0.25, Temporal: 0.10, Importance: 0.45, Access: 0.10, Category: 0.10, TauHours: 48, SigmaHours: 72},
		"EMOTIONAL":        {Semantic: 0.30, Temporal: 0.10, Importance: 0.15, Access: 0.15, Category: 0.30, TauHours: 48, SigmaHours: 72},
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if !c.Provider.Configured() && !c.Provider.LocalOnly {
		return fmt.Errorf("provider.api_key is required unless provider.local_only is set")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Loop.MaxSteps < 1 {
		return fmt.Errorf("loop.max_steps must be ≥ 1")
	}
	if c.Context.SummarizationThreshold <= 0 || c.Context.SummarizationThreshold > 1 {
		return fmt.Errorf("context.summarization_threshold must be in (0,1]")
	}
	return nil
}

// ContextWindowForModel returns the context window size for the named
// model, or defaultSize if the model is not found in the configuration.
func (c *Config) ContextWindowForModel(name string, defaultSize int) int {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m.ContextWindow
		}
	}
	return defaultSize
}

// Default returns a default configuration suitable for local development
// against a local-only provider. All defaults are already applied.
func Default() *Config {
	cfg := &Config{Provider: ProviderConfig{LocalOnly: true}}
	cfg.applyDefaults()
	return cfg
}
