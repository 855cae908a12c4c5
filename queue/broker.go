package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Broker abstracts the stream transport used by distributed queues.
	// Callers build a Redis client, pass it to NewBroker and receive a typed
	// interface exposing only the operations the queue manager needs.
	Broker interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string) (BrokerStream, error)
		// Close releases resources owned by the broker.
		Close(ctx context.Context) error
	}

	// BrokerStream publishes jobs and creates consumer groups.
	BrokerStream interface {
		// Add publishes an event, returning the broker-assigned event ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on this stream.
		NewSink(ctx context.Context, name string) (BrokerSink, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// BrokerSink is a consumer group reading from a stream.
	BrokerSink interface {
		// Subscribe returns the channel events arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}

	// BrokerOptions configures the Pulse-backed broker.
	BrokerOptions struct {
		// Redis is the connection backing the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means none.
		OperationTimeout time.Duration
	}
)

type pulseBroker struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// NewBroker constructs a Pulse stream broker backed by the given Redis
// connection.
func NewBroker(opts BrokerOptions) (Broker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &pulseBroker{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (b *pulseBroker) Stream(name string) (BrokerStream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if b.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(b.maxLen))
	}
	str, err := streaming.NewStream(name, b.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &streamHandle{stream: str, timeout: b.timeout}, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (b *pulseBroker) Close(context.Context) error { return nil }

type streamHandle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *streamHandle) NewSink(ctx context.Context, name string) (BrokerSink, error) {
	sink, err := h.stream.NewSink(ctx, name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("create pulse sink: %w", err)
	}
	return &sinkHandle{Sink: sink}, nil
}

func (h *streamHandle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkHandle adapts streaming.Sink so Close matches the BrokerSink shape.
type sinkHandle struct {
	*streaming.Sink
}

func (s *sinkHandle) Close(ctx context.Context) { s.Sink.Close(ctx) }
