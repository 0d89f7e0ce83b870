package ollama

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

const DefaultModel = "llama3.2"

// Config for a local or self-hosted Ollama server. BaseURL plays the role of
// the credential: without it the adapter is not constructed.
type Config struct {
	BaseURL      string
	Model        string
	Client       *http.Client
	StreamClient *http.Client
}

type Provider struct {
	provider.Base
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

func New(cfg Config) (*Provider, error) {
	if err := provider.RequireCredential(domain.ProviderOllama, "base url", cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = httputil.DefaultClient(domain.ProviderOllama)
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = httputil.StreamingClient(domain.ProviderOllama)
	}

	return &Provider{
		Base:         provider.Base{Provider: domain.ProviderOllama, Model: cfg.Model},
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

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, p.TransportError(ctx, fmt.Errorf("decode response: %w", err))
	}

	model := chatResp.Model
	if model == "" {
		model = p.ResolveModel(req)
	}

	return &domain.Response{
		Content:  chatResp.Message.Content,
		Model:    model,
		Provider: p.ID(),
		Usage: p.EstimateUsage(req, chatResp.Message.Content, domain.Usage{
			PromptTokens:     chatResp.PromptEvalCount,
			CompletionTokens: chatResp.EvalCount,
		}),
	}, nil
}

// Stream reads Ollama's newline-delimited JSON stream.
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
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				errs <- domain.NewTransportError(p.ID(), errors.New(chunk.Error))
				return
			}

			if chunk.Message.Content != "" {
				select {
				case chunks <- domain.StreamChunk{Content: chunk.Message.Content}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			if chunk.Done {
				break
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

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}

func (p *Provider) newRequest(ctx context.Context, req domain.Request, stream bool) (*http.Request, error) {
	body, err := json.Marshal(toChatRequest(req, p.ResolveModel(req), stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *options  `json:"options,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func toChatRequest(req domain.Request, model string, stream bool) chatRequest {
	messages := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = message{Role: string(m.Role), Content: m.Content}
	}

	chatReq := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if req.Temperature != nil || req.MaxTokens != nil {
		chatReq.Options = &options{Temperature: req.Temperature}
		if req.MaxTokens != nil {
			chatReq.Options.NumPredict = *req.MaxTokens
		}
	}

	return chatReq
}
