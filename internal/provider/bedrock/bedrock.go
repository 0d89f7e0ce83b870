package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider"
)

const (
	DefaultModel     = "anthropic.claude-3-5-haiku-20241022-v1:0"
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

type Config struct {
	Region string
	Model  string
}

// eventStream is the part of the SDK response stream the adapter reads.
type eventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type invoker interface {
	InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelStream(ctx context.Context, input *bedrockruntime.InvokeModelWithResponseStreamInput) (eventStream, error)
}

type sdkRuntime struct {
	client *bedrockruntime.Client
}

func (r sdkRuntime) InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
	return r.client.InvokeModel(ctx, input)
}

func (r sdkRuntime) InvokeModelStream(ctx context.Context, input *bedrockruntime.InvokeModelWithResponseStreamInput) (eventStream, error) {
	output, err := r.client.InvokeModelWithResponseStream(ctx, input)
	if err != nil {
		return nil, err
	}
	return output.GetStream(), nil
}

type Provider struct {
	provider.Base
	runtime invoker
	region  string
}

// New loads the default AWS credential chain for the region. The region is
// the adapter's required credential.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := provider.RequireCredential(domain.ProviderBedrock, "region", cfg.Region); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithConfig(awsCfg, cfg.Model), nil
}

func NewWithConfig(awsCfg aws.Config, model string) *Provider {
	return newWithRuntime(sdkRuntime{client: bedrockruntime.NewFromConfig(awsCfg)}, awsCfg.Region, model)
}

func newWithRuntime(rt invoker, region, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		Base:    provider.Base{Provider: domain.ProviderBedrock, Model: model},
		runtime: rt,
		region:  region,
	}
}

func (p *Provider) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	body, err := json.Marshal(toInvokeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	modelID := mapModelID(p.ResolveModel(req))

	output, err := p.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.classify(ctx, fmt.Errorf("invoke model: %w", err))
	}

	var resp invokeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, domain.NewTransportError(p.ID(), fmt.Errorf("unmarshal response: %w", err))
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.Response{
		Content:  content.String(),
		Model:    modelID,
		Provider: p.ID(),
		Usage: p.EstimateUsage(req, content.String(), domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
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

		body, err := json.Marshal(toInvokeRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		stream, err := p.runtime.InvokeModelStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(mapModelID(p.ResolveModel(req))),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			errs <- p.classify(ctx, fmt.Errorf("invoke model stream: %w", err))
			return
		}
		defer stream.Close()

	events:
		for event := range stream.Events() {
			v, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal(v.Value.Bytes, &chunk); err != nil {
				continue
			}

			switch chunk.Type {
			case "content_block_delta":
				if chunk.Delta == nil || chunk.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- domain.StreamChunk{Content: chunk.Delta.Text}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case "message_stop":
				break events
			}
		}

		if err := stream.Err(); err != nil {
			errs <- p.classify(ctx, fmt.Errorf("stream error: %w", err))
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

// HealthCheck only confirms the adapter is configured; probing Bedrock
// costs an invocation.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

func (p *Provider) classify(ctx context.Context, err error) error {
	var ve *types.ValidationException
	if errors.As(err, &ve) {
		return &domain.Error{Kind: domain.KindValidation, Provider: p.ID(), Field: "upstream", Message: ve.ErrorMessage()}
	}
	return p.TransportError(ctx, err)
}

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

func toInvokeRequest(req domain.Request) invokeRequest {
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

	return invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           strings.Join(system, "\n\n"),
		Temperature:      req.Temperature,
	}
}
