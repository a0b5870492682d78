// Package broadcast multiplexes session topics over Redis pub/sub.
//
// Delivery is best effort. A publish issued before the publisher's own
// subscription is confirmed can be missed by that subscription, so
// PublishReliably opens a short-lived channel, waits for the confirmed
// subscription, republishes the same event and disposes of the channel after
// a grace delay. Subscribers may therefore see an event twice; channels drop
// repeats by event id and handlers must still tolerate repetition and
// reordering.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultGrace       = 500 * time.Millisecond
	defaultKeyPrefix   = "storymapper:"
	defaultDedupeLimit = 256
)

var ErrClosed = errors.New("broadcast: channel closed")

// Handler receives events matching a channel binding. Handlers of one channel
// run sequentially on that channel's receive goroutine.
type Handler func(ctx context.Context, event Event)

type Option func(*Hub)

// WithGrace overrides how long a reliable-publish channel stays open after
// its republish.
func WithGrace(grace time.Duration) Option {
	return func(h *Hub) {
		if grace > 0 {
			h.grace = grace
		}
	}
}

// WithKeyPrefix overrides the Redis channel prefix.
func WithKeyPrefix(prefix string) Option {
	return func(h *Hub) {
		h.prefix = prefix
	}
}

// Hub opens channels against one Redis client.
type Hub struct {
	client *redis.Client
	owned  bool
	grace  time.Duration
	prefix string

	mu       sync.Mutex
	channels map[*Channel]struct{}
	nextID   uint64
}

// NewHub creates a hub from a redis URL and checks connectivity.
func NewHub(redisURL string, opts ...Option) (*Hub, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	hub := NewHubWithClient(client, opts...)
	hub.owned = true
	return hub, nil
}

// NewHubWithClient creates a hub from an existing client. The hub does not
// own the client.
func NewHubWithClient(client *redis.Client, opts ...Option) *Hub {
	h := &Hub{
		client:   client,
		grace:    defaultGrace,
		prefix:   defaultKeyPrefix,
		channels: make(map[*Channel]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// OpenChannel subscribes to topic and starts delivering events to the
// bindings. The subscription is confirmed asynchronously; see Channel.Ready.
// With selfEcho false, events published through this channel are not
// delivered back to it.
func (h *Hub) OpenChannel(ctx context.Context, topic string, selfEcho bool, bindings ...Binding) (*Channel, error) {
	pubsub := h.client.Subscribe(ctx, h.prefix+topic)

	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("ch-%d-%d", time.Now().UnixNano(), h.nextID)
	h.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:       id,
		hub:      h,
		topic:    topic,
		selfEcho: selfEcho,
		pubsub:   pubsub,
		ctx:      runCtx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
	for _, binding := range bindings {
		c.bind(binding)
	}

	h.mu.Lock()
	h.channels[c] = struct{}{}
	h.mu.Unlock()

	go c.run()
	return c, nil
}

// Publish sends an event on topic without a channel handle of its own.
func (h *Hub) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Name, err)
	}
	if err := h.client.Publish(ctx, h.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event.Name, topic, err)
	}
	return nil
}

// PublishReliably opens a secondary channel on topic, waits until its
// subscription is confirmed, publishes event and closes the channel after the
// grace delay. The caller's context bounds the wait.
func (h *Hub) PublishReliably(ctx context.Context, topic string, event Event) error {
	ch, err := h.OpenChannel(ctx, topic, true)
	if err != nil {
		return err
	}
	if err := ch.WaitReady(ctx); err != nil {
		ch.Close()
		return fmt.Errorf("reliable publish %s on %s: %w", event.Name, topic, err)
	}
	if err := ch.PublishEvent(ctx, event); err != nil {
		ch.Close()
		return err
	}
	time.AfterFunc(h.grace, ch.Close)
	return nil
}

// Close tears down every channel still open on the hub and, when the hub
// created its own client, closes that client.
func (h *Hub) Close() {
	h.mu.Lock()
	open := make([]*Channel, 0, len(h.channels))
	for c := range h.channels {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		c.Close()
	}
	if h.owned {
		if err := h.client.Close(); err != nil {
			h.logf("close client: %v", err)
		}
	}
}

// OpenCount reports how many channels are currently open.
func (h *Hub) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Ping checks that Redis is reachable.
func (h *Hub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func (h *Hub) forget(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, c)
}

func (h *Hub) logf(format string, args ...any) {
	log.Printf("broadcast: "+format, args...)
}
