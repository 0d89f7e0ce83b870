// Package queue exports completed-request usage records to SQS for
// downstream billing and analytics consumers.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/cost"
)

type sender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher implements cost.Recorder by sending each record as a JSON
// message to a single queue.
type SQSPublisher struct {
	client   sender
	queueURL string
}

var _ cost.Recorder = (*SQSPublisher)(nil)

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSPublisherWithConfig(cfg, queueURL), nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Record(ctx context.Context, record cost.UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.RequestID),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(record.Provider)),
			},
			"Cached": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(record.Cached)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage record: %w", err)
	}

	return nil
}

// InMemoryPublisher collects records instead of sending them. Used when no
// queue is configured and in tests.
type InMemoryPublisher struct {
	mu      sync.Mutex
	records []cost.UsageRecord
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Record(ctx context.Context, record cost.UsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *InMemoryPublisher) Records() []cost.UsageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]cost.UsageRecord, len(p.records))
	copy(result, p.records)
	return result
}
