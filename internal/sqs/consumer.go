package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Handler runs the work requested by a batch of triggers.
type Handler func(ctx context.Context, triggers []Trigger) error

// Consumer long-polls the trigger queue. Triggers received together are
// coalesced into a single handler call.
type Consumer struct {
	client      API
	queueURL    string
	waitSeconds int32
	logger      *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, waitSeconds: 20, logger: logger}
}

// Poll receives one batch, runs h and deletes the batch if h succeeds. It
// returns the number of messages handled.
func (c *Consumer) Poll(ctx context.Context, h Handler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   120,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return 0, nil
	}

	triggers := make([]Trigger, 0, len(result.Messages))
	for _, m := range result.Messages {
		var t Trigger
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &t); err != nil {
			// Scheduled EventBridge rules may send arbitrary bodies; any
			// message still counts as a trigger.
			c.logger.Debug("unrecognized trigger body", zap.Error(err))
			t = Trigger{Source: "unknown"}
		}
		triggers = append(triggers, t)
	}

	if err := h(ctx, triggers); err != nil {
		// Messages become visible again and are retried.
		return 0, fmt.Errorf("handle triggers: %w", err)
	}

	for _, m := range result.Messages {
		if err := c.delete(ctx, aws.ToString(m.ReceiptHandle)); err != nil {
			c.logger.Warn("failed to delete trigger", zap.Error(err))
		}
	}
	return len(result.Messages), nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, h Handler) {
	c.logger.Info("sqs consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}

		if _, err := c.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
