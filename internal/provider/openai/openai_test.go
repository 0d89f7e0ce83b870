package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

func helloRequest() domain.Request {
	return domain.Request{Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}}}
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(Config{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != domain.ProviderOpenAI {
		t.Errorf("ID() = %s, want openai", p.ID())
	}
	if p.DefaultModel() != DefaultModel {
		t.Errorf("DefaultModel() = %s, want %s", p.DefaultModel(), DefaultModel)
	}
}

func TestSend(t *testing.T) {
	var got chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"c1","model":"gpt-4o-mini-2024","choices":[{"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	})

	resp, err := p.Send(context.Background(), helloRequest())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Model != DefaultModel {
		t.Errorf("request model = %s, want default %s", got.Model, DefaultModel)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Hello" {
		t.Errorf("unexpected upstream messages: %+v", got.Messages)
	}
	if resp.Content != "Hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Provider != domain.ProviderOpenAI {
		t.Errorf("Provider = %s", resp.Provider)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d, want 7", resp.Usage.TotalTokens)
	}
	if resp.Cached {
		t.Error("live response must not be marked cached")
	}
}

func TestSend_ValidationSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := p.Send(context.Background(), domain.Request{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no upstream call, got %d", calls.Load())
	}
}

func TestSend_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusBadRequest, domain.KindValidation},
		{http.StatusTooManyRequests, domain.KindTransport},
		{http.StatusBadGateway, domain.KindTransport},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"boom"}}`, tt.status)
			})

			_, err := p.Send(context.Background(), helloRequest())
			if got := domain.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestSend_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	// Cleanups run last-in first-out, so the handler returns before
	// server.Close waits on it.
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Send(ctx, helloRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true upstream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	chunks, errs := p.Stream(context.Background(), helloRequest())

	var sb strings.Builder
	var done int
	for c := range chunks {
		if c.Done {
			done++
			if c.Content != "" {
				t.Errorf("terminal chunk should be empty, got %q", c.Content)
			}
			continue
		}
		sb.WriteString(c.Content)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if sb.String() != "Hello" {
		t.Errorf("content = %q, want Hello", sb.String())
	}
	if done != 1 {
		t.Errorf("expected exactly one terminal chunk, got %d", done)
	}
}

func TestStream_UpstreamError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	chunks, errs := p.Stream(context.Background(), helloRequest())
	for range chunks {
		t.Error("expected no chunks")
	}
	if err := <-errs; !errors.Is(err, domain.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestStream_CancelReleasesConnection(t *testing.T) {
	closed := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				close(closed)
				return
			default:
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := p.Stream(ctx, helloRequest())

	<-chunks
	cancel()

	for range chunks {
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not released after cancel")
	}
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
