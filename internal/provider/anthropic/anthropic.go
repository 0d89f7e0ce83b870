package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/httputil"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	DefaultModel     = "claude-3-5-haiku-20241022"
	anthropicVersion = "2023-06-01"

	// defaultMaxTokens is sent when the request leaves max_tokens unset;
	// the messages API requires one.
	defaultMaxTokens = 4096
)

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Client       *http.Client
	StreamClient *http.Client
}

type Provider struct {
	provider.Base
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

func New(cfg Config) (*Provider, error) {
	if err := provider.RequireCredential(domain.ProviderAnthropic, "api key", cfg.APIKey); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = httputil.DefaultClient(domain.ProviderAnthropic)
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = httputil.StreamingClient(domain.ProviderAnthropic)
	}

	return &Provider{
		Base:         provider.Base{Provider: domain.ProviderAnthropic, Model: cfg.Model},
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       cfg.Client,
		streamClient: cfg.StreamClient,
	}, nil
}

func (p *Provider) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.TransportError(ctx, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.StatusError(resp)
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, p.TransportError(ctx, fmt.Errorf("decode response: %w", err))
	}

	var content strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	model := msgResp.Model
	if model == "" {
		model = p.ResolveModel(req)
	}

	return &domain.Response{
		Content:  content.String(),
		Model:    model,
		Provider: p.ID(),
		Usage: p.EstimateUsage(req, content.String(), domain.Usage{
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
		}),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := p.Validate(req); err != nil {
			errs <- err
			return
		}

		httpReq, err := p.newRequest(ctx, req, true)
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.streamClient.Do(httpReq)
		if err != nil {
			errs <- p.TransportError(ctx, fmt.Errorf("do request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- p.StatusError(resp)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scan:
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- domain.StreamChunk{Content: event.Delta.Text}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Type + ": " + event.Error.Message
				}
				errs <- domain.NewTransportError(p.ID(), errors.New(msg))
				return
			case "message_stop":
				break scan
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- p.TransportError(ctx, fmt.Errorf("scan error: %w", err))
			return
		}

		select {
		case chunks <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

// HealthCheck only confirms the adapter is configured; the messages API has
// no free endpoint to probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

func (p *Provider) newRequest(ctx context.Context, req domain.Request, stream bool) (*http.Request, error) {
	body, err := json.Marshal(toMessagesRequest(req, p.ResolveModel(req), stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	System      string    `json:"system,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// toMessagesRequest lifts system messages into the top-level system field,
// joined in order, and keeps the rest of the conversation as is.
func toMessagesRequest(req domain.Request, model string, stream bool) messagesRequest {
	var system []string
	messages := make([]message, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, message{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return messagesRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		System:      strings.Join(system, "\n\n"),
	}
}
