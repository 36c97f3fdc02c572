// Package sqs carries scheduler trigger messages over SQS, so an EventBridge
// rule or cron job can drive the scheduler without calling the HTTP API.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for LocalStack
}

// Trigger asks for one scheduler invocation.
type Trigger struct {
	Source      string `json:"source"`
	RequestedAt int64  `json:"requested_at"`
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends trigger messages.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends a trigger and returns its message ID.
func (p *Producer) Enqueue(ctx context.Context, source string) (string, error) {
	body, err := json.Marshal(Trigger{
		Source:      source,
		RequestedAt: time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal trigger: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send trigger to sqs",
			zap.Error(err),
			zap.String("source", source),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
