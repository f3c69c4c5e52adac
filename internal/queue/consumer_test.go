package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/message"
	"github.com/UCLH-Foundry/PIXL/internal/token"
)

func testPayload(t *testing.T) []byte {
	t.Helper()
	m := message.Message{
		MRN: "M1", AccessionNumber: "A1", ProjectName: "proj-x",
		StudyDate: message.NewDate(2023, time.January, 1),
	}
	data, err := m.Serialise()
	require.NoError(t, err)
	return data
}

func consumerWithHandler(t *testing.T, maxUnknown int, h Handler) *Consumer {
	t.Helper()
	return NewConsumer(nil, "imaging", token.NewBucket(1, 0), h, maxUnknown, zaptest.NewLogger(t))
}

func TestDisposeMalformedTerminates(t *testing.T) {
	c := consumerWithHandler(t, 3, func(context.Context, message.Message) error { return nil })
	got := c.dispose(context.Background(), &nats.Msg{Data: []byte("not json")})
	assert.Equal(t, actTerm, got)
}

func TestDisposeSuccessAcks(t *testing.T) {
	c := consumerWithHandler(t, 3, func(context.Context, message.Message) error { return nil })
	got := c.dispose(context.Background(), &nats.Msg{Data: testPayload(t)})
	assert.Equal(t, actAck, got)
}

func TestDisposeRequeueNaks(t *testing.T) {
	c := consumerWithHandler(t, 3, func(context.Context, message.Message) error {
		return errs.Requeuef("store busy")
	})
	got := c.dispose(context.Background(), &nats.Msg{Data: testPayload(t)})
	assert.Equal(t, actNak, got)
}

func TestDisposeDiscardAcks(t *testing.T) {
	c := consumerWithHandler(t, 3, func(context.Context, message.Message) error {
		return errs.Discardf("no such study")
	})
	got := c.dispose(context.Background(), &nats.Msg{Data: testPayload(t)})
	assert.Equal(t, actAck, got)
}

func TestDisposeConfigNaks(t *testing.T) {
	c := consumerWithHandler(t, 3, func(context.Context, message.Message) error {
		return errs.Configf("missing project config")
	})
	got := c.dispose(context.Background(), &nats.Msg{Data: testPayload(t)})
	assert.Equal(t, actNak, got)
}

func TestDisposeUnknownRequeuesThenDrops(t *testing.T) {
	boom := errors.New("boom")

	// Below the cap the message redelivers.
	c := consumerWithHandler(t, 3, func(context.Context, message.Message) error { return boom })
	assert.Equal(t, actNak, c.dispose(context.Background(), &nats.Msg{Data: testPayload(t)}))

	// A cap of one drops on the first delivery.
	c = consumerWithHandler(t, 1, func(context.Context, message.Message) error { return boom })
	assert.Equal(t, actAck, c.dispose(context.Background(), &nats.Msg{Data: testPayload(t)}))
}

func TestIdleFetchErrClassification(t *testing.T) {
	assert.True(t, idleFetchErr(nats.ErrTimeout))
	assert.True(t, idleFetchErr(context.Canceled))
	assert.True(t, idleFetchErr(context.DeadlineExceeded))

	// Broker faults must not be swallowed as the idle path.
	assert.False(t, idleFetchErr(errors.New("nats: connection closed")))
	assert.False(t, idleFetchErr(nats.ErrConnectionClosed))
}
