package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "orchestrator.yaml", `
server:
  address: ":9090"
llm:
  provider: anthropic
  model: claude-test
executor:
  base_delay: 500ms
  tool_timeout: 5
jobs:
  store:
    driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.LLM.Provider != ProviderAnthropic || cfg.LLM.Model != "claude-test" {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.Executor.BaseDelay.Std() != 500*time.Millisecond {
		t.Fatalf("expected base delay 500ms, got %s", cfg.Executor.BaseDelay)
	}
	if cfg.Executor.ToolTimeout.Std() != 5*time.Second {
		t.Fatalf("expected numeric seconds, got %s", cfg.Executor.ToolTimeout)
	}
	if cfg.Executor.MaxAttempts != 3 || cfg.Executor.MaxDelay.Std() != 30*time.Second {
		t.Fatalf("executor defaults not applied: %+v", cfg.Executor)
	}
	if cfg.DefaultMaxRetries() != 1 || cfg.Orchestrator.RetryLimit != 5 {
		t.Fatalf("unexpected retry budget defaults %+v", cfg.Orchestrator)
	}
	want := filepath.Join(filepath.Dir(path), "data", "jobs.db")
	if cfg.Jobs.Store.DSN != want {
		t.Fatalf("expected sqlite dsn %q, got %q", want, cfg.Jobs.Store.DSN)
	}
	if !cfg.WeatherEnabled() || !cfg.GitHubEnabled() || cfg.Tools.Chain.Enabled {
		t.Fatalf("unexpected tool toggles %+v", cfg.Tools)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadJSONAndExplicitZeroRetries(t *testing.T) {
	path := writeFile(t, "orchestrator.json", `{
  "orchestrator": {"default_max_retries": 0, "retry_limit": 2},
  "tools": {"weather": {"enabled": false}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultMaxRetries() != 0 {
		t.Fatalf("expected explicit zero retries, got %d", cfg.DefaultMaxRetries())
	}
	if cfg.WeatherEnabled() {
		t.Fatalf("expected weather tool to be disabled")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeFile(t, "broken.yaml", "server: [")
	_, err := Load(path)
	if !xerrors.HasCode(err, xerrors.CodeConfigurationInvalid) {
		t.Fatalf("expected CONFIGURATION_INVALID, got %v", err)
	}
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty path, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(t.TempDir())
	env := map[string]string{
		"OPENMCP_SERVER_ADDRESS":   "127.0.0.1:7000",
		"OPENMCP_LLM_PROVIDER":     "Ollama",
		"OPENMCP_QUEUE_DRIVER":     "redis",
		"OPENMCP_JOB_STORE_DRIVER": "mysql",
		"OPENMCP_JOB_STORE_DSN":    "user:pass@tcp(db:3306)/openmcp",
	}
	cfg.applyEnv(func(key string) string { return env[key] })

	if cfg.Server.Address != "127.0.0.1:7000" || cfg.LLM.Provider != ProviderOllama {
		t.Fatalf("env overrides not applied: %+v", cfg.Server)
	}
	if cfg.Jobs.Store.Driver != StoreMySQL || cfg.Jobs.Store.DSN != env["OPENMCP_JOB_STORE_DSN"] {
		t.Fatalf("unexpected store config %+v", cfg.Jobs.Store)
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected redis address validation failure, got %v", err)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.LLM.Provider = "mystery"
	cfg.Jobs.Queue.Driver = "kafka"
	err := cfg.Validate()
	if !xerrors.HasCode(err, xerrors.CodeConfigurationInvalid) {
		t.Fatalf("expected CONFIGURATION_INVALID, got %v", err)
	}
}

func TestResolveCredentials(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(".")

	err := cfg.ResolveCredentials(func(string) string { return "" })
	if !xerrors.HasCode(err, xerrors.CodeConfigurationInvalid) {
		t.Fatalf("expected missing credentials error, got %v", err)
	}

	env := map[string]string{
		"OPENAI_API_KEY":  "sk-test",
		"WEATHER_API_KEY": " weather-key ",
	}
	if err := cfg.ResolveCredentials(func(key string) string { return env[key] }); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" || cfg.Tools.Weather.APIKey != "weather-key" {
		t.Fatalf("credentials not resolved: %+v %+v", cfg.LLM.OpenAI, cfg.Tools.Weather)
	}
	if cfg.Tools.GitHub.Token != "" {
		t.Fatalf("expected anonymous github access")
	}
}

func TestResolveCredentialsSkipsKeylessProviders(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.LLM.Provider = ProviderOllama
	disabled := false
	cfg.Tools.Weather.Enabled = &disabled
	if err := cfg.ResolveCredentials(func(string) string { return "" }); err != nil {
		t.Fatalf("expected no credentials required, got %v", err)
	}
}

func TestResolveCredentialsForGemini(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.LLM.Provider = ProviderGemini
	disabled := false
	cfg.Tools.Weather.Enabled = &disabled

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	err := cfg.ResolveCredentials(func(key string) string {
		if key == "OPENAI_API_KEY" {
			return "sk-unused"
		}
		return ""
	})
	if !xerrors.HasCode(err, xerrors.CodeConfigurationInvalid) || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("expected missing GEMINI_API_KEY, got %v", err)
	}

	env := map[string]string{"GEMINI_API_KEY": "gm-test"}
	if err := cfg.ResolveCredentials(func(key string) string { return env[key] }); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.LLM.Gemini.APIKey != "gm-test" {
		t.Fatalf("gemini key not resolved: %+v", cfg.LLM.Gemini)
	}
}
