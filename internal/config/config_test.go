package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/crypto"
	"github.com/felipepmaragno/llm-orchestrator/internal/secrets"
)

var allKeys = []string{
	"ADDR", "LOG_LEVEL", "REDIS_URL", "DATABASE_URL",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
	"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL",
	"BEDROCK_REGION", "BEDROCK_MODEL", "OLLAMA_BASE_URL", "OLLAMA_MODEL",
	"PROVIDER_ORDER", "CACHE_ENABLED", "CACHE_TTL", "LOCAL_CACHE_SIZE",
	"CACHE_NAMESPACE", "FALLBACK_MODEL", "MAX_RETRIES", "RETRY_BASE_DELAY",
	"RETRY_MAX_DELAY", "RETRY_JITTER", "MAX_CONTENT_LENGTH", "REQUEST_TIMEOUT",
	"CIRCUIT_BREAKER_ENABLED", "CIRCUIT_BREAKER_FAILURES", "CIRCUIT_BREAKER_COOLDOWN", "OTLP_ENDPOINT", "AWS_REGION", "ENCRYPTION_KEY",
	"PROVIDER_SECRETS_NAME", "USAGE_QUEUE_URL", "ALERT_TOPIC_ARN", "COST_BUDGET_USD",
	"SHUTDOWN_TIMEOUT", "PROVIDER_RPM", "TRACE_SAMPLE_RATIO", "TEST_OPENAI_KEY",
}

// clearEnv unsets every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RedisURL", cfg.RedisURL, ""},
		{"OpenAIBaseURL", cfg.OpenAIBaseURL, "https://api.openai.com/v1"},
		{"OllamaBaseURL", cfg.OllamaBaseURL, "http://localhost:11434"},
		{"CacheEnabled", cfg.CacheEnabled, true},
		{"CacheTTL", cfg.CacheTTL, time.Hour},
		{"LocalCacheSize", cfg.LocalCacheSize, 1000},
		{"MaxRetries", cfg.MaxRetries, 3},
		{"RetryBaseDelay", cfg.RetryBaseDelay, 500 * time.Millisecond},
		{"RetryMaxDelay", cfg.RetryMaxDelay, 10 * time.Second},
		{"RetryJitter", cfg.RetryJitter, false},
		{"MaxContentLength", cfg.MaxContentLength, 32000},
		{"CircuitBreakerEnabled", cfg.CircuitBreakerEnabled, false},
		{"CostBudgetUSD", cfg.CostBudgetUSD, 0.0},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if !reflect.DeepEqual(cfg.ProviderOrder, []string{"openai", "anthropic", "bedrock", "ollama"}) {
		t.Errorf("ProviderOrder = %v", cfg.ProviderOrder)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	t.Setenv("PROVIDER_ORDER", "ollama, openai")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("CACHE_TTL", "120")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("RETRY_MAX_DELAY", "4")
	t.Setenv("RETRY_JITTER", "true")
	t.Setenv("FALLBACK_MODEL", "gpt-4o-mini")
	t.Setenv("COST_BUDGET_USD", "125.5")
	t.Setenv("SHUTDOWN_TIMEOUT", "10")
	t.Setenv("PROVIDER_RPM", "openai=60, anthropic = 30, bogus")
	t.Setenv("CIRCUIT_BREAKER_COOLDOWN", "45s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" || cfg.OpenAIAPIKey != "sk-test-key" {
		t.Errorf("string overrides not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.ProviderOrder, []string{"ollama", "openai"}) {
		t.Errorf("ProviderOrder = %v", cfg.ProviderOrder)
	}
	if cfg.CacheEnabled {
		t.Error("CacheEnabled should be false")
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 4*time.Second {
		t.Errorf("RetryMaxDelay = %v", cfg.RetryMaxDelay)
	}
	if !cfg.RetryJitter {
		t.Error("RetryJitter should be true")
	}
	if cfg.FallbackModel != "gpt-4o-mini" {
		t.Errorf("FallbackModel = %s", cfg.FallbackModel)
	}
	if cfg.CostBudgetUSD != 125.5 {
		t.Errorf("CostBudgetUSD = %v", cfg.CostBudgetUSD)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.CircuitBreakerCooldown != 45*time.Second || cfg.CircuitBreakerFailures != 5 {
		t.Errorf("breaker = %d / %v", cfg.CircuitBreakerFailures, cfg.CircuitBreakerCooldown)
	}
	if !reflect.DeepEqual(cfg.ProviderRPM, map[string]int{"openai": 60, "anthropic": 30}) {
		t.Errorf("ProviderRPM = %v", cfg.ProviderRPM)
	}
}

func TestLoad_InvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_RETRIES", "many")
	t.Setenv("CACHE_ENABLED", "sometimes")
	t.Setenv("CACHE_TTL", "1h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRetries != 3 || !cfg.CacheEnabled || cfg.CacheTTL != time.Hour {
		t.Errorf("unparseable values should keep defaults: %+v", cfg)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("ADDR", ":7070")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
addr: ":6060"
log_level: warn
openai_api_key: ${TEST_OPENAI_KEY}
provider_order: [anthropic, ollama]
cache_ttl: 15m
retry_base_delay: 100ms
fallback_model: claude-3-5-haiku-20241022
cost_budget_usd: 50
provider_rpm:
  anthropic: 20
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":7070" {
		t.Errorf("env should override file, Addr = %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.OpenAIAPIKey != "sk-from-env" {
		t.Errorf("${VAR} not expanded: %q", cfg.OpenAIAPIKey)
	}
	if !reflect.DeepEqual(cfg.ProviderOrder, []string{"anthropic", "ollama"}) {
		t.Errorf("ProviderOrder = %v", cfg.ProviderOrder)
	}
	if cfg.CacheTTL != 15*time.Minute || cfg.RetryBaseDelay != 100*time.Millisecond {
		t.Errorf("durations: ttl=%v base=%v", cfg.CacheTTL, cfg.RetryBaseDelay)
	}
	if cfg.CostBudgetUSD != 50 {
		t.Errorf("CostBudgetUSD = %v", cfg.CostBudgetUSD)
	}
	if cfg.ProviderRPM["anthropic"] != 20 {
		t.Errorf("ProviderRPM = %v", cfg.ProviderRPM)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("unset keys keep defaults, MaxRetries = %d", cfg.MaxRetries)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		wantErr string
	}{
		{name: "missing file", file: "/does/not/exist.yaml", wantErr: "read config"},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "verbose"}, wantErr: "log level"},
		{name: "zero retries", env: map[string]string{"MAX_RETRIES": "0"}, wantErr: "max_retries"},
		{name: "unknown provider", env: map[string]string{"PROVIDER_ORDER": "openai,mistral"}, wantErr: "mistral"},
		{name: "unknown rpm provider", env: map[string]string{"PROVIDER_RPM": "mistral=10"}, wantErr: "provider_rpm"},
		{name: "negative rpm", env: map[string]string{"PROVIDER_RPM": "openai=-1"}, wantErr: "must not be negative"},
		{name: "sample ratio above one", env: map[string]string{"TRACE_SAMPLE_RATIO": "1.5"}, wantErr: "trace_sample_ratio"},
		{name: "negative budget", env: map[string]string{"COST_BUDGET_USD": "-1"}, wantErr: "cost_budget_usd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(tt.file)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("addr: [unterminated"), 0o600)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestDecryptCredentials(t *testing.T) {
	enc, err := crypto.NewEncryptor("master-key")
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := enc.Seal("sk-secret")

	cfg := Default()
	cfg.EncryptionKey = "master-key"
	cfg.OpenAIAPIKey = sealed
	cfg.AnthropicAPIKey = "sk-ant-plain"

	if err := cfg.DecryptCredentials(); err != nil {
		t.Fatalf("DecryptCredentials() error = %v", err)
	}
	if cfg.OpenAIAPIKey != "sk-secret" {
		t.Errorf("OpenAIAPIKey = %q", cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "sk-ant-plain" {
		t.Errorf("plain credential changed: %q", cfg.AnthropicAPIKey)
	}
}

func TestDecryptCredentials_Errors(t *testing.T) {
	enc, _ := crypto.NewEncryptor("master-key")
	sealed, _ := enc.Seal("sk-secret")

	t.Run("missing key", func(t *testing.T) {
		cfg := Default()
		cfg.OpenAIAPIKey = sealed
		if err := cfg.DecryptCredentials(); err == nil {
			t.Error("expected error without ENCRYPTION_KEY")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		cfg := Default()
		cfg.EncryptionKey = "other"
		cfg.OpenAIAPIKey = sealed
		if err := cfg.DecryptCredentials(); err == nil {
			t.Error("expected error with wrong key")
		}
	})

	t.Run("nothing sealed", func(t *testing.T) {
		cfg := Default()
		cfg.OpenAIAPIKey = "sk-plain"
		if err := cfg.DecryptCredentials(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestLoadSecrets(t *testing.T) {
	store := secrets.StaticStore{
		"llm/providers": `{"openai_api_key":"sk-sm-openai","anthropic_api_key":"sk-sm-ant","bedrock_region":"eu-west-1"}`,
	}

	cfg := Default()
	cfg.ProviderSecretsName = "llm/providers"
	cfg.OpenAIAPIKey = "sk-explicit"

	if err := cfg.LoadSecrets(context.Background(), store); err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}
	if cfg.OpenAIAPIKey != "sk-explicit" {
		t.Errorf("explicit credential overwritten: %q", cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "sk-sm-ant" {
		t.Errorf("AnthropicAPIKey = %q", cfg.AnthropicAPIKey)
	}
	if cfg.BedrockRegion != "eu-west-1" {
		t.Errorf("BedrockRegion = %q", cfg.BedrockRegion)
	}
}

func TestLoadSecrets_NoName(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadSecrets(context.Background(), secrets.StaticStore{}); err != nil {
		t.Errorf("LoadSecrets() without a name should be a no-op, got %v", err)
	}

	cfg.ProviderSecretsName = "missing"
	if err := cfg.LoadSecrets(context.Background(), secrets.StaticStore{}); err == nil {
		t.Error("expected error for missing secret")
	}
}
