package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the slice of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes envelopes to SQS queues.
type SQSPublisher struct {
	client SQSAPI
}

// NewSQSPublisher creates a publisher over the given client.
func NewSQSPublisher(client SQSAPI) *SQSPublisher {
	return &SQSPublisher{client: client}
}

// Publish implements Publisher.
func (p *SQSPublisher) Publish(ctx context.Context, queueURL string, body []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", queueURL, err)
	}
	return nil
}
