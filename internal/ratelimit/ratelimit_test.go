package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

var minute = time.Date(2026, time.May, 1, 12, 30, 0, 0, time.UTC)

func localAt(t *time.Time) *Local {
	l := NewLocal()
	l.now = func() time.Time { return *t }
	return l
}

func TestLocal_Take(t *testing.T) {
	now := minute.Add(20 * time.Second)
	l := localAt(&now)
	ctx := context.Background()

	tests := []struct {
		provider      domain.ProviderID
		wantAllowed   bool
		wantRemaining int
	}{
		{domain.ProviderOpenAI, true, 2},
		{domain.ProviderOpenAI, true, 1},
		{domain.ProviderAnthropic, true, 2},
		{domain.ProviderOpenAI, true, 0},
		{domain.ProviderOpenAI, false, 0},
		{domain.ProviderAnthropic, true, 1},
	}
	for i, tt := range tests {
		d, err := l.Take(ctx, tt.provider, 3)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if d.Allowed != tt.wantAllowed || d.Remaining != tt.wantRemaining {
			t.Errorf("call %d (%s): got %+v, want allowed=%v remaining=%d", i, tt.provider, d, tt.wantAllowed, tt.wantRemaining)
		}
		if !d.ResetAt.Equal(minute.Add(time.Minute)) {
			t.Errorf("call %d: ResetAt = %v", i, d.ResetAt)
		}
	}
}

func TestLocal_NextMinuteStartsFresh(t *testing.T) {
	now := minute.Add(59 * time.Second)
	l := localAt(&now)
	ctx := context.Background()

	l.Take(ctx, domain.ProviderOllama, 1)
	if d, _ := l.Take(ctx, domain.ProviderOllama, 1); d.Allowed {
		t.Fatal("second call in the minute should be refused")
	}

	now = now.Add(time.Second)
	d, _ := l.Take(ctx, domain.ProviderOllama, 1)
	if !d.Allowed {
		t.Error("call in the next minute should be allowed")
	}
	if !d.ResetAt.Equal(minute.Add(2 * time.Minute)) {
		t.Errorf("ResetAt = %v", d.ResetAt)
	}
}

func TestLocal_ZeroQuota(t *testing.T) {
	d, _ := NewLocal().Take(context.Background(), domain.ProviderOpenAI, 0)
	if d.Allowed || d.Remaining != 0 {
		t.Errorf("got %+v, want refusal", d)
	}
}

func TestLocal_ConcurrentTakesGrantExactlyQuota(t *testing.T) {
	now := minute
	l := localAt(&now)
	const rpm = 50

	var granted atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if d, _ := l.Take(context.Background(), domain.ProviderOpenAI, rpm); d.Allowed {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != rpm {
		t.Errorf("granted %d, want %d", got, rpm)
	}
}

func TestRedis_Take(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	r := NewRedis(client)
	window := time.Now().Add(time.Hour).Truncate(time.Minute)
	r.now = func() time.Time { return window }
	provider := domain.ProviderID("test-provider")
	ctx := context.Background()
	defer client.Del(ctx, counterKey(provider, window))

	for i := 0; i < 2; i++ {
		d, err := r.Take(ctx, provider, 2)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if !d.Allowed || d.Remaining != 1-i {
			t.Errorf("call %d: %+v", i, d)
		}
	}
	if d, _ := r.Take(ctx, provider, 2); d.Allowed {
		t.Error("third call should be refused")
	}

	// A second instance sees the same counter.
	other := NewRedis(client)
	other.now = r.now
	if d, _ := other.Take(ctx, provider, 2); d.Allowed {
		t.Error("shared counter should refuse on another instance")
	}
}
