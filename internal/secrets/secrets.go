// Package secrets loads provider credentials from AWS Secrets Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/goccy/go-json"
)

var ErrNotFound = errors.New("secret not found")

type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ProviderCredentials is the JSON document stored under PROVIDER_SECRETS_NAME.
type ProviderCredentials struct {
	OpenAIAPIKey    string `json:"openai_api_key"`
	AnthropicAPIKey string `json:"anthropic_api_key"`
	BedrockRegion   string `json:"bedrock_region"`
}

// LoadProviderCredentials fetches and decodes the credentials secret.
func LoadProviderCredentials(ctx context.Context, store Store, name string) (ProviderCredentials, error) {
	var creds ProviderCredentials
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return creds, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return creds, nil
}

type getter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSStore reads secrets through Secrets Manager and keeps each value for
// a TTL so credential lookups at startup and reload stay cheap.
type AWSStore struct {
	client getter
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value   string
	expires time.Time
}

type Option func(*AWSStore)

// WithTTL sets how long a fetched value is reused. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(s *AWSStore) { s.ttl = ttl }
}

func NewAWSStore(ctx context.Context, region string, opts ...Option) (*AWSStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWSStore(secretsmanager.NewFromConfig(cfg), opts...), nil
}

func newAWSStore(client getter, opts ...Option) *AWSStore {
	s := &AWSStore{
		client:  client,
		ttl:     5 * time.Minute,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AWSStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if ok && s.now().Before(e.expires) {
		return e.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.entries[name] = entry{value: value, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return value, nil
}

// Invalidate drops the cached value so the next read goes upstream.
func (s *AWSStore) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// StaticStore serves secrets from a fixed map.
type StaticStore map[string]string

func (s StaticStore) GetSecret(ctx context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}
