package cache

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

// EncodeResponse serializes a response for storage. The cached flag is not
// persisted; it describes how a response was delivered, not its content.
func EncodeResponse(resp *domain.Response) (string, error) {
	stored := *resp
	stored.Cached = false
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(data), nil
}

func DecodeResponse(value string) (*domain.Response, error) {
	var resp domain.Response
	if err := json.Unmarshal([]byte(value), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
