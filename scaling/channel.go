package scaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/queue"
)

// Message kinds multicast on the scaling channel.
const (
	KindUpdate      = "policy:update"
	KindSyncRequest = "policy:sync-request"
)

type (
	// Message is one scaling-channel notification. Update messages carry the
	// target and new desired concurrency; sync requests carry an optional
	// target, empty meaning every target.
	Message struct {
		Kind    string `json:"kind"`
		Target  string `json:"target,omitempty"`
		Desired int    `json:"desired,omitempty"`
	}

	// Channel multicasts scaling messages to every worker agent.
	Channel interface {
		// Publish broadcasts a message to all subscribers.
		Publish(ctx context.Context, msg Message) error
		// Subscribe registers a consumer identified by name.
		Subscribe(ctx context.Context, name string) (Subscription, error)
		// Close releases channel resources.
		Close(ctx context.Context) error
	}

	// Subscription is one consumer's view of the channel.
	Subscription interface {
		// C returns the channel messages arrive on. It is closed when the
		// subscription or channel closes.
		C() <-chan Message
		// Close stops the subscription.
		Close(ctx context.Context)
	}
)

// streamChannel multicasts over a broker stream so every process sees every
// message.
type streamChannel struct {
	stream queue.BrokerStream

	mu   sync.Mutex
	subs []*streamSubscription
}

// NewStreamChannel builds a Channel on top of a broker stream.
func NewStreamChannel(stream queue.BrokerStream) Channel {
	return &streamChannel{stream: stream}
}

func (c *streamChannel) Publish(ctx context.Context, msg Message) error {
	if msg.Kind == "" {
		return fmt.Errorf("scaling: message kind is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("scaling: marshal message: %w", err)
	}
	if _, err := c.stream.Add(ctx, msg.Kind, payload); err != nil {
		return fmt.Errorf("scaling: publish: %w", err)
	}
	return nil
}

func (c *streamChannel) Subscribe(ctx context.Context, name string) (Subscription, error) {
	sink, err := c.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("scaling: subscribe: %w", err)
	}
	sub := &streamSubscription{
		sink: sink,
		out:  make(chan Message, 16),
		stop: make(chan struct{}),
	}
	go sub.pump(ctx)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *streamChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Close(ctx)
	}
	return nil
}

type streamSubscription struct {
	sink queue.BrokerSink
	out  chan Message
	stop chan struct{}
	once sync.Once
}

func (s *streamSubscription) pump(ctx context.Context) {
	defer close(s.out)
	events := s.sink.Subscribe()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal(ev.Payload, &msg); err == nil {
				select {
				case s.out <- msg:
				case <-s.stop:
					_ = s.sink.Ack(ctx, ev)
					return
				}
			}
			_ = s.sink.Ack(ctx, ev)
		}
	}
}

func (s *streamSubscription) C() <-chan Message { return s.out }

func (s *streamSubscription) Close(ctx context.Context) {
	s.once.Do(func() {
		close(s.stop)
		s.sink.Close(ctx)
	})
}

// localChannel fans out in-process, used in inline mode and tests.
type localChannel struct {
	mu     sync.Mutex
	subs   map[string]*localSubscription
	closed bool
}

// NewLocalChannel builds an in-process Channel for inline deployments.
func NewLocalChannel() Channel {
	return &localChannel{subs: make(map[string]*localSubscription)}
}

func (c *localChannel) Publish(_ context.Context, msg Message) error {
	if msg.Kind == "" {
		return fmt.Errorf("scaling: message kind is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("scaling: channel closed")
	}
	for _, s := range c.subs {
		select {
		case s.out <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher. The
			// agent resynchronizes from the store on the next message.
		}
	}
	return nil
}

func (c *localChannel) Subscribe(_ context.Context, name string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("scaling: channel closed")
	}
	if name == "" {
		name = clock.NewID()
	}
	sub := &localSubscription{ch: c, name: name, out: make(chan Message, 16)}
	c.subs[name] = sub
	return sub, nil
}

func (c *localChannel) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.subs {
		close(s.out)
	}
	c.subs = make(map[string]*localSubscription)
	return nil
}

type localSubscription struct {
	ch   *localChannel
	name string
	out  chan Message
	once sync.Once
}

func (s *localSubscription) C() <-chan Message { return s.out }

func (s *localSubscription) Close(context.Context) {
	s.once.Do(func() {
		s.ch.mu.Lock()
		if _, ok := s.ch.subs[s.name]; ok {
			delete(s.ch.subs, s.name)
			close(s.out)
		}
		s.ch.mu.Unlock()
	})
}
