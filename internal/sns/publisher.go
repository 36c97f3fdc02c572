// Package sns publishes dispatch results to an SNS topic so other services
// can react to delivered, undeliverable and failed notifications.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/dispatch"
)

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region   string
	TopicARN string
	Endpoint string // optional, for LocalStack
	Timeout  time.Duration
}

// Publisher emits one message per dispatch result.
type Publisher struct {
	client   API
	topicARN string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the configured topic.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns publisher initialized", zap.String("topic_arn", cfg.TopicARN))

	return NewPublisherWithClient(client, cfg, logger), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Publish sends r to the topic with attributes usable in subscription
// filter policies.
func (p *Publisher) Publish(ctx context.Context, r dispatch.Result) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(r),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Observe implements dispatch.Observer. Publish failures are logged and
// never affect the dispatch.
func (p *Publisher) Observe(ctx context.Context, r dispatch.Result) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.Publish(ctx, r); err != nil {
		p.logger.Warn("failed to publish dispatch event",
			zap.String("entry_id", r.EntryID.String()),
			zap.Error(err),
		)
	}
}

func attributes(r dispatch.Result) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"result": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(r.Kind)),
		},
		"notification_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(r.Type)),
		},
		"user_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(r.UserID.String()),
		},
	}
}
