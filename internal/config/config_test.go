package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("provider:\n  api_key: ${AGENTD_TEST_KEY}\n"), 0600)
	os.Setenv("AGENTD_TEST_KEY", "secret123")
	defer os.Unsetenv("AGENTD_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Provider.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Provider.APIKey, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("provider:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Provider.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Provider.APIKey, "sk-ant-test-key")
	}
}

func TestApplyDefaults_Loop(t *testing.T) {
	cfg := Default()
	if cfg.Loop.MaxSteps != 20 {
		t.Errorf("max_steps = %d, want 20", cfg.Loop.MaxSteps)
	}
	if cfg.Loop.MaxToolCalls != 30 {
		t.Errorf("max_tool_calls = %d, want 30", cfg.Loop.MaxToolCalls)
	}
	if cfg.Loop.MaxCostUSD != 1.00 {
		t.Errorf("max_cost_usd = %v, want 1.00", cfg.Loop.MaxCostUSD)
	}
}

func TestApplyDefaults_Context(t *testing.T) {
	cfg := Default()
	if cfg.Context.MaxTokens != 128_000 {
		t.Errorf("max_tokens = %d, want 128000", cfg.Context.MaxTokens)
	}
	if cfg.Context.SummarizationThreshold != 0.80 {
		t.Errorf("summarization_threshold = %v, want 0.80", cfg.Context.SummarizationThreshold)
	}
}

func TestApplyDefaults_Retention(t *testing.T) {
	cfg := Default()
	if cfg.Retention.ImportanceWeight != 0.35 || cfg.Retention.AccessWeight != 0.30 || cfg.Retention.TemporalWeight != 0.25 {
		t.Errorf("retention weights = %+v, want 0.35/0.30/0.25", cfg.Retention)
	}
	if cfg.Retention.CategoryBoost["relationship_moment"] != 1.5 {
		t.Errorf("category_boost[relationship_moment] = %v, want 1.5", cfg.Retention.CategoryBoost["relationship_moment"])
	}
}

func TestDefaultAttentionModes(t *testing.T) {
	cfg := Default()
	std, ok := cfg.Attention.Modes["STANDARD"]
	if !ok {
		t.Fatal("expected STANDARD attention mode to be populated")
	}
	if std.Semantic != 0.40 {
		t.Errorf("STANDARD.semantic = %v, want 0.40", std.Semantic)
	}
	if len(cfg.Attention.Modes) != 5 {
		t.Errorf("expected 5 attention modes, got %d", len(cfg.Attention.Modes))
	}
}

func TestValidate_RequiresProviderKeyUnlessLocalOnly(t *testing.T) {
	cfg := Default()
	cfg.Provider.LocalOnly = false
	cfg.Provider.APIKey = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when no provider key and not local_only")
	}
}

func TestValidate_PortRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidate_MaxStepsMustBePositive(t *testing.T) {
	cfg := Default()
	cfg.Loop.MaxSteps = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-positive max_steps")
	}
}

func TestProviderConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
		want bool
	}{
		{"key set", ProviderConfig{APIKey: "sk-ant-x"}, true},
		{"no key", ProviderConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
