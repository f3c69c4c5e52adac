package queue

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/message"
	"github.com/UCLH-Foundry/PIXL/internal/token"
)

// Handler processes one decoded study message. Errors are mapped onto the
// taxonomy in the errs package to decide acknowledgement.
type Handler func(ctx context.Context, m message.Message) error

// idleFetchErr reports whether a Fetch error is the expected idle or
// shutdown path. Anything else is a broker fault worth logging and backing
// off from.
func idleFetchErr(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// action is the acknowledgement decision for one delivery.
type action int

const (
	actAck action = iota
	actNak
	actTerm
)

// Consumer is a durable pull consumer for one queue, throttled by a token
// bucket.
type Consumer struct {
	client     *Client
	queue      string
	bucket     *token.Bucket
	handler    Handler
	maxUnknown uint64
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewConsumer wires a consumer for the named queue. maxUnknown caps
// redelivery of messages failing outside the error taxonomy; after that many
// deliveries the message is dropped with a log line.
func NewConsumer(client *Client, queue string, bucket *token.Bucket, handler Handler, maxUnknown int, logger *zap.Logger) *Consumer {
	if maxUnknown < 1 {
		maxUnknown = 3
	}
	return &Consumer{
		client:     client,
		queue:      queue,
		bucket:     bucket,
		handler:    handler,
		maxUnknown: uint64(maxUnknown),
		logger:     logger,
		tracer:     otel.Tracer("pixl-" + queue + "-consumer"),
	}
}

// Start creates the durable subscription and launches the processing loop in
// a background goroutine. It returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.client.JS.PullSubscribe(
		SubjectFor(c.queue),
		durableFor(c.queue),
		nats.BindStream(StreamName),
	)
	if err != nil {
		return errs.Requeuef("%s consumer: PullSubscribe: %v", c.queue, err)
	}

	c.logger.Info("queue consumer initialised",
		zap.String("stream", StreamName),
		zap.String("queue", c.queue),
		zap.String("durable", durableFor(c.queue)),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("queue consumer stopping", zap.String("queue", c.queue))
				return
			default:
				msgs, err := sub.Fetch(1, nats.Context(ctx))
				if err != nil {
					if idleFetchErr(err) {
						// Empty queue or shutdown, not an error.
						continue
					}
					c.logger.Error("queue fetch failed",
						zap.String("queue", c.queue),
						zap.Error(err),
					)
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
					continue
				}
				for _, msg := range msgs {
					c.processDelivery(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// processDelivery applies the token bucket, runs the handler and acts on the
// resulting taxonomy kind.
func (c *Consumer) processDelivery(ctx context.Context, msg *nats.Msg) {
	if !c.bucket.TryTake() {
		// No token: requeue and back off briefly to avoid busy-spin.
		msg.Nak()
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
		return
	}

	ctx, span := c.tracer.Start(ctx, "pixl.consume."+c.queue)
	defer span.End()

	switch c.dispose(ctx, msg) {
	case actAck:
		msg.Ack()
	case actNak:
		msg.Nak()
	case actTerm:
		msg.Term()
	}
}

func (c *Consumer) dispose(ctx context.Context, msg *nats.Msg) action {
	m, err := message.Deserialise(msg.Data)
	if err != nil {
		// Structurally invalid payloads can never succeed; terminate so
		// they are not redelivered.
		c.logger.Warn("terminating malformed message",
			zap.String("queue", c.queue),
			zap.Error(err),
		)
		return actTerm
	}

	err = c.handler(ctx, m)
	switch {
	case err == nil:
		return actAck
	case errs.IsRequeue(err):
		c.logger.Info("requeueing message",
			zap.String("queue", c.queue),
			zap.String("identifier", m.Identifier()),
			zap.Error(err),
		)
		return actNak
	case errs.IsDiscard(err):
		c.logger.Warn("discarding message",
			zap.String("queue", c.queue),
			zap.String("identifier", m.Identifier()),
			zap.Error(err),
		)
		return actAck
	case errs.IsConfig(err):
		// Configuration failures surface to the operator; the message is
		// left unacked so it redelivers once the config is fixed.
		c.logger.Error("configuration error, message left for redelivery",
			zap.String("queue", c.queue),
			zap.String("identifier", m.Identifier()),
			zap.Error(err),
		)
		return actNak
	default:
		return c.disposeUnknown(msg, m, err)
	}
}

// disposeUnknown requeues errors outside the taxonomy, dropping the message
// once it has been delivered maxUnknown times.
func (c *Consumer) disposeUnknown(msg *nats.Msg, m message.Message, err error) action {
	delivered := uint64(1)
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		delivered = meta.NumDelivered
	}
	if delivered >= c.maxUnknown {
		c.logger.Error("dropping message after repeated unknown failures",
			zap.String("queue", c.queue),
			zap.String("identifier", m.Identifier()),
			zap.Uint64("deliveries", delivered),
			zap.Error(err),
		)
		return actAck
	}
	c.logger.Error("unknown failure, requeueing",
		zap.String("queue", c.queue),
		zap.String("identifier", m.Identifier()),
		zap.Uint64("deliveries", delivered),
		zap.Error(err),
	)
	return actNak
}
