package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	publishErrs []error
	published   []amqp.Publishing
	calls       int
	prefetch    int
	consumedTag string
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.calls++
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.consumedTag = consumer
	return make(chan amqp.Delivery), nil
}

func (f *fakeChannel) Close() error { return nil }

func newTestClient(ch *fakeChannel, cfg *Config) *Client {
	return &Client{
		config:      cfg,
		channel:     ch,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		isConnected: true,
	}
}

func TestPublishWithRetry(t *testing.T) {
	brokerDown := errors.New("channel/connection is not open")

	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		wantCalls int
	}{
		{name: "first attempt succeeds", wantCalls: 1},
		{name: "succeeds after retries", errs: []error{brokerDown, brokerDown}, wantCalls: 3},
		{name: "all attempts fail", errs: []error{brokerDown, brokerDown, brokerDown}, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{publishErrs: tt.errs}
			c := newTestClient(ch, &Config{
				PublishRetries:     2,
				PublishRetryDelay:  time.Millisecond,
				PublishBackoffMult: 2,
			})

			err := c.PublishWithRetry(context.Background(), []byte(`{"job_id":"x"}`), "application/json")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, brokerDown)
			} else {
				require.NoError(t, err)
				require.Len(t, ch.published, 1)
				assert.Equal(t, uint8(amqp.Persistent), ch.published[0].DeliveryMode)
			}
			assert.Equal(t, tt.wantCalls, ch.calls)
		})
	}
}

func TestPublishWithRetry_ContextCanceled(t *testing.T) {
	ch := &fakeChannel{publishErrs: []error{errors.New("down"), errors.New("down")}}
	c := newTestClient(ch, &Config{PublishRetries: 5, PublishRetryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.PublishWithRetry(ctx, []byte("{}"), "application/json")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ch.calls)
}

func TestNotConnected(t *testing.T) {
	c := newTestClient(&fakeChannel{}, &Config{})
	c.isConnected = false

	assert.Error(t, c.Publish(context.Background(), []byte("{}"), "application/json"))
	assert.Error(t, c.Qos(1))
	_, err := c.Consume("tag")
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestQosAndConsume(t *testing.T) {
	ch := &fakeChannel{}
	c := newTestClient(ch, &Config{QueueName: "enhance_jobs"})

	require.NoError(t, c.Qos(2))
	assert.Equal(t, 2, ch.prefetch)

	deliveries, err := c.Consume("worker-1")
	require.NoError(t, err)
	assert.NotNil(t, deliveries)
	assert.Equal(t, "worker-1", ch.consumedTag)
}

func TestQueueArgs(t *testing.T) {
	c := newTestClient(&fakeChannel{}, &Config{})
	assert.Nil(t, c.queueArgs())

	c.config.DeadLetterExchange = "enhance_jobs.dlx"
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "enhance_jobs.dlx"}, c.queueArgs())
}
