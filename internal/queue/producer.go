package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/message"
)

// Producer publishes study messages onto a queue.
type Producer struct {
	client *Client
}

func NewProducer(client *Client) *Producer {
	return &Producer{client: client}
}

// Publish sends a batch of messages, in order, to the named queue.
func (p *Producer) Publish(ctx context.Context, queue string, msgs []message.Message) error {
	if len(msgs) == 0 {
		p.client.Log.Debug("empty batch, nothing published", zap.String("queue", queue))
		return nil
	}

	subject := SubjectFor(queue)
	for _, m := range msgs {
		data, err := m.Serialise()
		if err != nil {
			return fmt.Errorf("serialise %s: %w", m.Identifier(), err)
		}
		if _, err := p.client.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s to %s: %w", m.Identifier(), queue, err)
		}
	}
	p.client.Log.Info("published batch",
		zap.String("queue", queue),
		zap.Int("count", len(msgs)),
	)
	return nil
}
