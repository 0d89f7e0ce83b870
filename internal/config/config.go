// Package config loads orchestrator settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/llm-orchestrator/internal/crypto"
	"github.com/felipepmaragno/llm-orchestrator/internal/secrets"
)

type Config struct {
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIModel      string `yaml:"openai_model"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
	AnthropicModel   string `yaml:"anthropic_model"`
	BedrockRegion    string `yaml:"bedrock_region"`
	BedrockModel     string `yaml:"bedrock_model"`
	OllamaBaseURL    string `yaml:"ollama_base_url"`
	OllamaModel      string `yaml:"ollama_model"`

	// ProviderOrder is the registration order; the first configured
	// provider is the default.
	ProviderOrder []string `yaml:"provider_order"`

	CacheEnabled   bool          `yaml:"cache_enabled"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	LocalCacheSize int           `yaml:"local_cache_size"`
	CacheNamespace string        `yaml:"cache_namespace"`

	FallbackModel    string        `yaml:"fallback_model"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryJitter      bool          `yaml:"retry_jitter"`
	MaxContentLength int           `yaml:"max_content_length"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	CircuitBreakerEnabled  bool          `yaml:"circuit_breaker_enabled"`
	CircuitBreakerFailures int           `yaml:"circuit_breaker_failures"`
	CircuitBreakerCooldown time.Duration `yaml:"circuit_breaker_cooldown"`

	// ProviderRPM caps calls per provider per minute, e.g. {openai: 60}.
	ProviderRPM map[string]int `yaml:"provider_rpm"`

	OTLPEndpoint        string  `yaml:"otlp_endpoint"`
	TraceSampleRatio    float64 `yaml:"trace_sample_ratio"`
	AWSRegion           string  `yaml:"aws_region"`
	EncryptionKey       string  `yaml:"encryption_key"`
	ProviderSecretsName string  `yaml:"provider_secrets_name"`
	UsageQueueURL       string  `yaml:"usage_queue_url"`
	AlertTopicARN       string  `yaml:"alert_topic_arn"`
	CostBudgetUSD       float64 `yaml:"cost_budget_usd"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Addr:             ":8080",
		LogLevel:         "info",
		OpenAIBaseURL:    "https://api.openai.com/v1",
		AnthropicBaseURL: "https://api.anthropic.com/v1",
		OllamaBaseURL:    "http://localhost:11434",
		ProviderOrder:    []string{"openai", "anthropic", "bedrock", "ollama"},
		CacheEnabled:     true,
		CacheTTL:         time.Hour,
		LocalCacheSize:   1000,
		CacheNamespace:   "llmorch:",
		MaxRetries:       3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		MaxContentLength: 32000,
		RequestTimeout:   60 * time.Second,
		ShutdownTimeout:  30 * time.Second,

		CircuitBreakerFailures: 5,
		CircuitBreakerCooldown: 30 * time.Second,
	}
}

// Load builds a Config. path may be empty; when set, the file is read with
// ${VAR} references expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = getEnv("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicBaseURL = getEnv("ANTHROPIC_BASE_URL", cfg.AnthropicBaseURL)
	cfg.AnthropicModel = getEnv("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.BedrockRegion = getEnv("BEDROCK_REGION", cfg.BedrockRegion)
	cfg.BedrockModel = getEnv("BEDROCK_MODEL", cfg.BedrockModel)
	cfg.OllamaBaseURL = getEnv("OLLAMA_BASE_URL", cfg.OllamaBaseURL)
	cfg.OllamaModel = getEnv("OLLAMA_MODEL", cfg.OllamaModel)
	cfg.ProviderOrder = getListEnv("PROVIDER_ORDER", cfg.ProviderOrder)

	cfg.CacheEnabled = getBoolEnv("CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheTTL = getDurationEnv("CACHE_TTL", cfg.CacheTTL)
	cfg.LocalCacheSize = getIntEnv("LOCAL_CACHE_SIZE", cfg.LocalCacheSize)
	cfg.CacheNamespace = getEnv("CACHE_NAMESPACE", cfg.CacheNamespace)

	cfg.FallbackModel = getEnv("FALLBACK_MODEL", cfg.FallbackModel)
	cfg.MaxRetries = getIntEnv("MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryBaseDelay = getParsedDurationEnv("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getParsedDurationEnv("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.RetryJitter = getBoolEnv("RETRY_JITTER", cfg.RetryJitter)
	cfg.MaxContentLength = getIntEnv("MAX_CONTENT_LENGTH", cfg.MaxContentLength)
	cfg.RequestTimeout = getDurationEnv("REQUEST_TIMEOUT", cfg.RequestTimeout)

	cfg.CircuitBreakerEnabled = getBoolEnv("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerEnabled)
	cfg.CircuitBreakerFailures = getIntEnv("CIRCUIT_BREAKER_FAILURES", cfg.CircuitBreakerFailures)
	cfg.CircuitBreakerCooldown = getParsedDurationEnv("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown)
	cfg.ProviderRPM = getLimitsEnv("PROVIDER_RPM", cfg.ProviderRPM)

	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.TraceSampleRatio = getFloatEnv("TRACE_SAMPLE_RATIO", cfg.TraceSampleRatio)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.ProviderSecretsName = getEnv("PROVIDER_SECRETS_NAME", cfg.ProviderSecretsName)
	cfg.UsageQueueURL = getEnv("USAGE_QUEUE_URL", cfg.UsageQueueURL)
	cfg.AlertTopicARN = getEnv("ALERT_TOPIC_ARN", cfg.AlertTopicARN)
	cfg.CostBudgetUSD = getFloatEnv("COST_BUDGET_USD", cfg.CostBudgetUSD)

	cfg.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("config: retry delays must not be negative")
	}
	if c.MaxContentLength < 1 {
		return fmt.Errorf("config: max_content_length must be positive")
	}
	if c.CostBudgetUSD < 0 {
		return fmt.Errorf("config: cost_budget_usd must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("config: trace_sample_ratio must be within [0, 1]")
	}
	for _, p := range c.ProviderOrder {
		if !knownProvider(p) {
			return fmt.Errorf("config: unknown provider %q in provider_order", p)
		}
	}
	for p, rpm := range c.ProviderRPM {
		if !knownProvider(p) {
			return fmt.Errorf("config: unknown provider %q in provider_rpm", p)
		}
		if rpm < 0 {
			return fmt.Errorf("config: provider_rpm for %s must not be negative", p)
		}
	}
	return nil
}

func knownProvider(name string) bool {
	switch name {
	case "openai", "anthropic", "bedrock", "ollama":
		return true
	}
	return false
}

// DecryptCredentials replaces enc:-prefixed credentials with their plaintext.
func (c *Config) DecryptCredentials() error {
	fields := []*string{&c.OpenAIAPIKey, &c.AnthropicAPIKey}

	var enc *crypto.Encryptor
	for _, f := range fields {
		if !crypto.IsSealed(*f) {
			continue
		}
		if enc == nil {
			var err error
			if enc, err = crypto.NewEncryptor(c.EncryptionKey); err != nil {
				return fmt.Errorf("decrypt credentials: %w", err)
			}
		}
		plain, err := enc.Reveal(*f)
		if err != nil {
			return fmt.Errorf("decrypt credentials: %w", err)
		}
		*f = plain
	}
	return nil
}

// LoadSecrets fills credentials that are still empty from the
// ProviderSecretsName secret. A no-op when no secret name is configured.
func (c *Config) LoadSecrets(ctx context.Context, store secrets.Store) error {
	if c.ProviderSecretsName == "" {
		return nil
	}
	creds, err := secrets.LoadProviderCredentials(ctx, store, c.ProviderSecretsName)
	if err != nil {
		return fmt.Errorf("load provider secrets: %w", err)
	}

	fillEmpty(&c.OpenAIAPIKey, creds.OpenAIAPIKey)
	fillEmpty(&c.AnthropicAPIKey, creds.AnthropicAPIKey)
	fillEmpty(&c.BedrockRegion, creds.BedrockRegion)
	return nil
}

func fillEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getParsedDurationEnv accepts Go duration strings ("250ms") or plain seconds.
func getParsedDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return getDurationEnv(key, defaultValue)
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getLimitsEnv parses "openai=60,anthropic=30". Malformed pairs are skipped.
func getLimitsEnv(key string, defaultValue map[string]int) map[string]int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(value, ",") {
		name, n, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		rpm, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(name)] = rpm
	}
	return out
}
