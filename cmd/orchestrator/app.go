package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/api"
	"github.com/felipepmaragno/llm-orchestrator/internal/budget"
	"github.com/felipepmaragno/llm-orchestrator/internal/cache"
	"github.com/felipepmaragno/llm-orchestrator/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-orchestrator/internal/config"
	"github.com/felipepmaragno/llm-orchestrator/internal/cost"
	"github.com/felipepmaragno/llm-orchestrator/internal/crypto"
	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/notifications"
	"github.com/felipepmaragno/llm-orchestrator/internal/orchestrator"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider/bedrock"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider/ollama"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider/openai"
	"github.com/felipepmaragno/llm-orchestrator/internal/queue"
	"github.com/felipepmaragno/llm-orchestrator/internal/ratelimit"
	"github.com/felipepmaragno/llm-orchestrator/internal/repository"
	"github.com/felipepmaragno/llm-orchestrator/internal/router"
	"github.com/felipepmaragno/llm-orchestrator/internal/sanitize"
	"github.com/felipepmaragno/llm-orchestrator/internal/secrets"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	redis    *cache.RedisStore
	local    *cache.LocalStore
	repo     *repository.UsageRepository
	tracker  cost.Tracker
	budget   *budget.Monitor
	notifier notifications.Notifier
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.LogLevel)
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := resolveCredentials(ctx, cfg); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	r, err := buildRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.local = cache.NewLocalStore(cfg.LocalCacheSize)
	var distributed cache.Store
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(cfg.RedisURL, cfg.CacheNamespace)
		if err != nil {
			slog.Warn("redis unavailable, using local cache only", "error", err)
		} else {
			a.redis = rs
			distributed = rs
			slog.Info("using redis cache tier", "namespace", cfg.CacheNamespace)
		}
	}

	sinks, err := a.buildRecorders(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var breakers *circuitbreaker.Set
	if cfg.CircuitBreakerEnabled {
		breakers = circuitbreaker.NewSet(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailures,
			Cooldown:         cfg.CircuitBreakerCooldown,
		})
	}

	var limiter ratelimit.Limiter
	rpm := make(map[domain.ProviderID]int, len(cfg.ProviderRPM))
	for name, n := range cfg.ProviderRPM {
		rpm[domain.ProviderID(name)] = n
	}
	if len(rpm) > 0 {
		if a.redis != nil {
			limiter = ratelimit.NewRedis(a.redis.Client())
		} else {
			limiter = ratelimit.NewLocal()
		}
		slog.Info("provider rate limits enabled", "limits", cfg.ProviderRPM)
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Router:       r,
		Cache:        cache.NewTwoTier(distributed, a.local),
		CacheEnabled: cfg.CacheEnabled,
		CacheTTL:     cfg.CacheTTL,
		Sanitizer:    sanitize.New(cfg.MaxContentLength),
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryJitter,
		},
		FallbackModel: cfg.FallbackModel,
		Recorder:      sinks,
		Breakers:      breakers,
		RateLimiter:   limiter,
		ProviderRPM:   rpm,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.notifier = notifications.LogNotifier{}
	if cfg.AlertTopicARN != "" {
		n, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.notifier = n
		slog.Info("publishing alerts", "topic_arn", cfg.AlertTopicARN)
	}

	if cfg.CostBudgetUSD > 0 {
		a.buildBudget()
	}

	return a, nil
}

func resolveCredentials(ctx context.Context, cfg *config.Config) error {
	if err := cfg.DecryptCredentials(); err != nil {
		return err
	}
	if cfg.ProviderSecretsName == "" {
		return nil
	}
	sm, err := secrets.NewAWSStore(ctx, cfg.AWSRegion)
	if err != nil {
		return err
	}
	return cfg.LoadSecrets(ctx, sm)
}

func buildRouter(ctx context.Context, cfg *config.Config) (*router.Router, error) {
	r, _ := router.New()

	for _, name := range cfg.ProviderOrder {
		var (
			adapter router.Adapter
			err     error
			keyID   string
		)

		switch domain.ProviderID(name) {
		case domain.ProviderOpenAI:
			if cfg.OpenAIAPIKey == "" {
				continue
			}
			keyID = crypto.KeyID(cfg.OpenAIAPIKey)
			adapter, err = openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel})
		case domain.ProviderAnthropic:
			if cfg.AnthropicAPIKey == "" {
				continue
			}
			keyID = crypto.KeyID(cfg.AnthropicAPIKey)
			adapter, err = anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL, Model: cfg.AnthropicModel})
		case domain.ProviderBedrock:
			if cfg.BedrockRegion == "" {
				continue
			}
			adapter, err = bedrock.New(ctx, bedrock.Config{Region: cfg.BedrockRegion, Model: cfg.BedrockModel})
		case domain.ProviderOllama:
			if cfg.OllamaBaseURL == "" {
				continue
			}
			adapter, err = ollama.New(ollama.Config{BaseURL: cfg.OllamaBaseURL, Model: cfg.OllamaModel})
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("init %s adapter: %w", name, err)
		}
		if err := r.Register(adapter); err != nil {
			return nil, err
		}
		slog.Info("registered provider", "provider", name, "model", adapter.DefaultModel(), "key_id", keyID)
	}

	if r.Len() == 0 {
		slog.Warn("no providers configured, every request will fail until credentials are set")
	}
	return r, nil
}

// handler builds the HTTP surface with a readiness check per attached
// dependency.
func (a *app) handler(timeout time.Duration) *api.Handler {
	var checks []api.DependencyCheck
	if a.redis != nil {
		checks = append(checks, api.RedisCheck(a.redis.Client()))
	}
	if a.repo != nil {
		checks = append(checks, api.DatabaseCheck(a.repo))
	}
	return api.NewHandler(api.HandlerConfig{
		Orchestrator:   a.orch,
		RequestTimeout: timeout,
		Checks:         checks,
		Version:        version,
	})
}

func (a *app) buildRecorders(ctx context.Context) (cost.Recorder, error) {
	var sinks cost.Fanout

	if a.cfg.DatabaseURL != "" {
		repo, err := repository.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		a.repo = repo
		a.tracker = repo
		slog.Info("recording usage to database", "dialect", repo.Dialect())
	} else {
		a.tracker = cost.NewInMemoryTracker()
	}
	sinks = append(sinks, a.tracker)

	if a.cfg.UsageQueueURL != "" {
		pub, err := queue.NewSQSPublisher(ctx, a.cfg.AWSRegion, a.cfg.UsageQueueURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pub)
		slog.Info("publishing usage records", "queue_url", a.cfg.UsageQueueURL)
	}

	return sinks, nil
}

func (a *app) buildBudget() {
	var opts []budget.MonitorOption
	if a.redis != nil {
		opts = append(opts, budget.WithDeduplicator(budget.NewRedisDeduplicator(a.redis.Client(), 35*24*time.Hour)))
	}

	a.budget = budget.NewMonitor(a.tracker, a.cfg.CostBudgetUSD, budget.DefaultThresholds(), opts...)
	a.budget.OnAlert(budget.LogAlertHandler)
	if _, ok := a.notifier.(*notifications.SNSNotifier); ok {
		a.budget.OnAlert(budget.NotifyHandler(a.notifier))
	}
	slog.Info("cost budget enabled", "budget_usd", a.cfg.CostBudgetUSD)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
	}
}
