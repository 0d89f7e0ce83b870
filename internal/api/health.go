package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const readyTimeout = 5 * time.Second

// DependencyCheck probes one backing service. The orchestrator keeps
// serving when the cache or the usage store is down, so a failing check
// degrades readiness instead of failing it.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func RedisCheck(client *redis.Client) DependencyCheck {
	return DependencyCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func DatabaseCheck(db pinger) DependencyCheck {
	return DependencyCheck{Name: "database", Check: db.Ping}
}

type ReadyStatus struct {
	Status    string                 `json:"status"`
	Providers int                    `json:"providers"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func runChecks(ctx context.Context, checks []DependencyCheck) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name] = result
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// handleHealthReady answers 503 only when no provider is registered.
func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := ReadyStatus{
		Status:    "ready",
		Providers: len(h.orch.Providers()),
		Checks:    runChecks(ctx, h.checks),
		Version:   h.version,
	}
	for _, result := range status.Checks {
		if result.Status != "ok" {
			status.Status = "degraded"
			break
		}
	}

	code := http.StatusOK
	if status.Providers == 0 {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
