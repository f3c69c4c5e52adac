package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// persistRecord writes one message as a line, unbuffered, so the record is
// on disk before the caller acknowledges the broker copy.
func persistRecord(w io.Writer, data []byte) error {
	_, err := w.Write(append(data, '\n'))
	return err
}

func secondsToMaxWait(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

// DrainToFile consumes the queue until no message arrives for idleTimeout
// and writes each message, one JSON object per line, to path. This is the
// stop path: the file checkpoints queue contents so a later run can resume
// from it instead of the upstream cohort. Returns the number of messages
// drained.
func (c *Client) DrainToFile(ctx context.Context, queue, path string, idleTimeout int) (int, error) {
	sub, err := c.JS.PullSubscribe(
		SubjectFor(queue),
		durableFor(queue),
		nats.BindStream(StreamName),
	)
	if err != nil {
		return 0, fmt.Errorf("drain %s: PullSubscribe: %w", queue, err)
	}
	defer sub.Unsubscribe()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("drain %s: open state file: %w", queue, err)
	}
	defer f.Close()

	count := 0
	for {
		msgs, err := sub.Fetch(1, nats.MaxWait(secondsToMaxWait(idleTimeout)))
		if err != nil {
			// Timeout means the queue stayed idle: we are done.
			break
		}
		for _, msg := range msgs {
			// The write must land before the ack: once acked, the file is
			// the only copy of the message.
			if err := persistRecord(f, msg.Data); err != nil {
				return count, fmt.Errorf("drain %s: write state file: %w", queue, err)
			}
			msg.Ack()
			count++
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.Log.Info("queue drained to state file",
		zap.String("queue", queue),
		zap.String("path", path),
		zap.Int("count", count),
	)
	return count, nil
}
