// Package listener consumes the inbound event queue and hands each
// message to the dispatcher. One message is one dispatch attempt;
// redelivery is driven entirely by the queue's visibility timeout.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/guardrail-sh/dispatch/dispatch"
	"github.com/guardrail-sh/dispatch/event"
	"github.com/guardrail-sh/dispatch/telemetry"
)

// SQSAPI is the slice of the SQS client the listener uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one raw inbound message.
type Handler interface {
	Dispatch(ctx context.Context, raw []byte) (*dispatch.Result, error)
}

// EventSink accepts raw messages that can never be dispatched.
type EventSink interface {
	StoreEvent(ctx context.Context, raw []byte, reason string) error
}

// Config tunes the poll loop.
type Config struct {
	QueueURL    string
	Concurrency int
	// Deadline is the per-dispatch wall-clock budget.
	Deadline time.Duration
	// WaitTime is the long-poll duration per receive call.
	WaitTime time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Deadline <= 0 {
		c.Deadline = 2 * time.Minute
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
}

// Listener polls one queue and dispatches messages concurrently up to
// the configured limit.
type Listener struct {
	client     SQSAPI
	handler    Handler
	deadEvents EventSink
	cfg        Config
	logger     *telemetry.Logger
}

// New creates a listener. deadEvents may be nil; undeliverable raw
// messages are then dropped after logging.
func New(client SQSAPI, handler Handler, deadEvents EventSink, cfg Config) *Listener {
	cfg.applyDefaults()
	return &Listener{
		client:     client,
		handler:    handler,
		deadEvents: deadEvents,
		cfg:        cfg,
		logger:     telemetry.NewLogger("listener"),
	}
}

// Run polls until ctx is cancelled. Receive errors back off briefly
// rather than spinning; a cancelled context is the only way out.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().
		Str("queue_url", l.cfg.QueueURL).
		Int("concurrency", l.cfg.Concurrency).
		Msg("listener started")

	sem := make(chan struct{}, l.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		out, err := l.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(l.cfg.QueueURL),
			MaxNumberOfMessages: int32(min(10, l.cfg.Concurrency)),
			WaitTimeSeconds:     int32(l.cfg.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}

			wg.Add(1)
			go func(body, receipt string) {
				defer wg.Done()
				defer func() { <-sem }()
				l.handleMessage(ctx, body, receipt)
			}(aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle))
		}
	}
}

// handleMessage runs one dispatch under its deadline and decides the
// message's fate: delete on success, delete-and-dead-letter when it can
// never succeed, leave for redelivery otherwise.
func (l *Listener) handleMessage(ctx context.Context, body, receipt string) {
	dispatchCtx, cancel := context.WithTimeout(ctx, l.cfg.Deadline)
	defer cancel()

	_, err := l.handler.Dispatch(dispatchCtx, []byte(body))
	switch {
	case err == nil:
		l.delete(ctx, receipt)
	case errors.Is(err, event.ErrMalformedEvent), errors.Is(err, event.ErrUnsupportedSource):
		// Redelivery cannot fix these. Keep the raw message for
		// inspection; silence is never an option.
		l.deadLetterEvent(ctx, body, err)
		l.delete(ctx, receipt)
	default:
		l.logger.Error().Err(err).Msg("dispatch failed, message left for redelivery")
	}
}

func (l *Listener) delete(ctx context.Context, receipt string) {
	_, err := l.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(l.cfg.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("message delete failed")
	}
}

func (l *Listener) deadLetterEvent(ctx context.Context, body string, cause error) {
	l.logger.Warn().Err(cause).Msg("undeliverable event dead-lettered")
	if l.deadEvents == nil {
		return
	}
	if err := l.deadEvents.StoreEvent(ctx, []byte(body), cause.Error()); err != nil {
		l.logger.Error().Err(err).Msg("dead-letter write failed")
	}
}
