// Package notifications delivers operational alerts: budget thresholds and
// providers that stopped answering health checks.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

type Kind string

const (
	KindBudgetWarning  Kind = "budget_warning"
	KindBudgetCritical Kind = "budget_critical"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindProviderDown   Kind = "provider_down"
	KindProviderUp     Kind = "provider_recovered"
)

// Notification is one alert. Budget fields are zero for provider alerts and
// Provider is empty for budget alerts.
type Notification struct {
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	Provider   domain.ProviderID `json:"provider,omitempty"`
	SpendUSD   float64           `json:"spend_usd,omitempty"`
	BudgetUSD  float64           `json:"budget_usd,omitempty"`
	Percentage float64           `json:"percentage,omitempty"`
	At         time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes each alert as a JSON message on one topic, with the
// kind (and provider, when set) as message attributes for subscription
// filter policies.
type SNSNotifier struct {
	client   publisher
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}
}

func (s *SNSNotifier) Notify(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"kind": stringAttr(string(n.Kind)),
	}
	if n.Provider != "" {
		attrs["provider"] = stringAttr(string(n.Provider))
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(s.topicArn),
		Subject:           aws.String("llm-orchestrator: " + string(n.Kind)),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish %s notification: %w", n.Kind, err)
	}

	slog.Info("notification published", "kind", n.Kind, "provider", n.Provider)
	return nil
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// LogNotifier writes alerts to the process log. Used when no topic is set.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	slog.Warn("alert",
		"kind", n.Kind,
		"provider", n.Provider,
		"message", n.Message,
	)
	return nil
}

// Recorder keeps every alert in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
