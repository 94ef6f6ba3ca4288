// Package notify publishes outbound notifications onto the notifications
// queue. Delivery to email/Slack is owned by the notification service
// consuming that queue; publishing here is best-effort and callers are
// expected to log-and-continue on failure rather than fail their dispatch.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/confplat/event-service-core/pkg/eventcontract"
)

// SQSAPI is the interface for the SQS operations the publisher uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends notifications to an SQS queue.
type Publisher struct {
	sqs      SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewPublisher creates a notification publisher for the given queue.
func NewPublisher(client SQSAPI, queueURL string, logger *slog.Logger) *Publisher {
	return &Publisher{
		sqs:      client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish enqueues one notification. A missing ID is filled in so consumers
// can deduplicate on redelivery.
func (p *Publisher) Publish(ctx context.Context, n eventcontract.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = p.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Channel),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	p.logger.InfoContext(ctx, "Published notification",
		slog.String("notification_id", n.ID),
		slog.String("channel", n.Channel),
	)
	return nil
}
