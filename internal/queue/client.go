// Package queue provides the durable work queues backing each pipeline
// stage. Queues are JetStream subjects under one file-backed stream with
// explicit acknowledgement; a consumer acks only after the handler succeeds,
// naks on transient failure so the broker redelivers.
package queue

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamName is the durable stream holding every stage queue.
	StreamName = "PIXL"

	// subjectPrefix namespaces the per-queue subjects inside the stream.
	subjectPrefix = "pixl."
)

// SubjectFor maps a queue name to its stream subject.
func SubjectFor(queue string) string {
	return subjectPrefix + queue
}

// durableFor names the consumer group for a queue. Worker replicas share the
// durable so each message is processed by only one of them.
func durableFor(queue string) string {
	return "pixl-" + queue + "-consumer"
}

// Client wraps a broker connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to the broker and initialises a JetStream context.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("work queue broker connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// ProvisionStream idempotently creates the stream that carries the queues.
func (c *Client) ProvisionStream() error {
	_, err := c.JS.StreamInfo(StreamName)
	if err == nil {
		c.Log.Info("stream exists", zap.String("stream", StreamName))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("stream provisioned", zap.String("stream", StreamName))
	return nil
}

// QueueLength reports the number of messages waiting on a queue.
func (c *Client) QueueLength(queue string) (uint64, error) {
	info, err := c.JS.StreamInfo(StreamName, &nats.StreamInfoRequest{SubjectsFilter: SubjectFor(queue)})
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return info.State.Subjects[SubjectFor(queue)], nil
}

// Purge drops every message on a queue. Used to clean up after tests.
func (c *Client) Purge(queue string) error {
	return c.JS.PurgeStream(StreamName, &nats.StreamPurgeRequest{Subject: SubjectFor(queue)})
}

// Close drains the connection so in-flight publishes and deliveries flush
// before shutdown.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
