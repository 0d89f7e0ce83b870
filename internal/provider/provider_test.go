package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func TestValidate(t *testing.T) {
	valid := []domain.Message{{Role: domain.RoleUser, Content: "Hello"}}

	tests := []struct {
		name      string
		req       domain.Request
		wantErr   bool
		wantField string
	}{
		{
			name: "valid minimal",
			req:  domain.Request{Messages: valid},
		},
		{
			name: "valid with options",
			req: domain.Request{
				Messages: []domain.Message{
					{Role: domain.RoleSystem, Content: "Be brief."},
					{Role: domain.RoleUser, Content: "Hello"},
					{Role: domain.RoleAssistant, Content: "Hi"},
				},
				MaxTokens:   intPtr(domain.MaxTokensLimit),
				Temperature: floatPtr(0),
			},
		},
		{
			name:      "nil messages",
			req:       domain.Request{},
			wantErr:   true,
			wantField: "messages",
		},
		{
			name:      "empty messages",
			req:       domain.Request{Messages: []domain.Message{}},
			wantErr:   true,
			wantField: "messages",
		},
		{
			name:      "unknown role",
			req:       domain.Request{Messages: []domain.Message{{Role: "tool", Content: "x"}}},
			wantErr:   true,
			wantField: "messages[0].role",
		},
		{
			name:      "empty content",
			req:       domain.Request{Messages: []domain.Message{{Role: domain.RoleUser}}},
			wantErr:   true,
			wantField: "messages[0].content",
		},
		{
			name:      "whitespace content",
			req:       domain.Request{Messages: []domain.Message{{Role: domain.RoleUser, Content: " \n\t"}}},
			wantErr:   true,
			wantField: "messages[0].content",
		},
		{
			name:      "max tokens too large",
			req:       domain.Request{Messages: valid, MaxTokens: intPtr(200000)},
			wantErr:   true,
			wantField: "max_tokens",
		},
		{
			name:      "max tokens zero",
			req:       domain.Request{Messages: valid, MaxTokens: intPtr(0)},
			wantErr:   true,
			wantField: "max_tokens",
		},
		{
			name:      "temperature out of range",
			req:       domain.Request{Messages: valid, Temperature: floatPtr(3)},
			wantErr:   true,
			wantField: "temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			var e *domain.Error
			if !errors.As(err, &e) {
				t.Fatalf("expected *domain.Error, got %T", err)
			}
			if e.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", e.Field, tt.wantField)
			}
		})
	}
}

func TestBase_ValidateTagsProvider(t *testing.T) {
	b := Base{Provider: domain.ProviderOpenAI, Model: "gpt-4o-mini"}

	err := b.Validate(domain.Request{})
	var e *domain.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *domain.Error, got %v", err)
	}
	if e.Provider != domain.ProviderOpenAI {
		t.Errorf("Provider = %q, want openai", e.Provider)
	}
}

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"héllo", 2},
	}

	for _, tt := range tests {
		if got := CountTokens(tt.text); got != tt.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestBase_ResolveModel(t *testing.T) {
	b := Base{Provider: domain.ProviderOllama, Model: "llama3.2"}

	if got := b.ResolveModel(domain.Request{}); got != "llama3.2" {
		t.Errorf("ResolveModel() = %q, want default", got)
	}
	if got := b.ResolveModel(domain.Request{Model: "mistral"}); got != "mistral" {
		t.Errorf("ResolveModel() = %q, want mistral", got)
	}
}

func TestBase_EstimateUsage(t *testing.T) {
	b := Base{Provider: domain.ProviderOllama}
	req := domain.Request{Messages: []domain.Message{{Role: domain.RoleUser, Content: "12345678"}}}

	got := b.EstimateUsage(req, "1234", domain.Usage{})
	want := domain.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}
	if got != want {
		t.Errorf("EstimateUsage() = %+v, want %+v", got, want)
	}

	reported := domain.Usage{PromptTokens: 10, CompletionTokens: 5}
	got = b.EstimateUsage(req, "1234", reported)
	if got.TotalTokens != 15 || got.PromptTokens != 10 {
		t.Errorf("reported usage should be kept, got %+v", got)
	}
}

func TestBase_StatusError(t *testing.T) {
	b := Base{Provider: domain.ProviderAnthropic}

	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusBadRequest, domain.KindValidation},
		{http.StatusUnprocessableEntity, domain.KindValidation},
		{http.StatusUnauthorized, domain.KindTransport},
		{http.StatusTooManyRequests, domain.KindTransport},
		{http.StatusInternalServerError, domain.KindTransport},
		{http.StatusServiceUnavailable, domain.KindTransport},
	}

	for _, tt := range tests {
		resp := &http.Response{
			StatusCode: tt.status,
			Body:       io.NopCloser(strings.NewReader(`{"error":"nope"}`)),
		}
		err := b.StatusError(resp)
		if got := domain.KindOf(err); got != tt.want {
			t.Errorf("status %d: kind = %v, want %v", tt.status, got, tt.want)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Errorf("status %d: error should include upstream body, got %v", tt.status, err)
		}
	}
}

func TestBase_TransportError(t *testing.T) {
	b := Base{Provider: domain.ProviderOpenAI}

	err := b.TransportError(context.Background(), errors.New("connection reset"))
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.TransportError(ctx, errors.New("context canceled"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if domain.IsRetryable(err) {
		t.Error("cancellation must not be retryable")
	}
}

func TestRequireCredential(t *testing.T) {
	if err := RequireCredential(domain.ProviderOpenAI, "api key", "sk-test"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := RequireCredential(domain.ProviderOpenAI, "api key", "  ")
	if !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}
}
