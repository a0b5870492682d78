package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Binding attaches a handler to an event name when a channel is opened.
type Binding struct {
	Event   string
	Handler Handler
}

// On binds handler to events named event. An empty name matches every event.
func On(event string, handler Handler) Binding {
	return Binding{Event: event, Handler: handler}
}

// Channel is one subscription to a session topic.
type Channel struct {
	id       string
	hub      *Hub
	topic    string
	selfEcho bool
	pubsub   *redis.PubSub
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.RWMutex
	handlers map[string][]Handler

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

func (c *Channel) ID() string    { return c.id }
func (c *Channel) Topic() string { return c.topic }

// Ready is closed once Redis confirms the subscription.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed when the receive loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// WaitReady blocks until the subscription is confirmed, the channel closes or
// ctx ends.
func (c *Channel) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	default:
	}
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish wraps payload in a new event and sends it. Publishing on a closed
// channel is discarded without error and returns the zero Event.
func (c *Channel) Publish(ctx context.Context, name string, payload any) (Event, error) {
	if c.isClosed() {
		return Event{}, nil
	}
	event, err := NewEvent(name, payload)
	if err != nil {
		return Event{}, err
	}
	if err := c.PublishEvent(ctx, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// PublishEvent sends an already built event, keeping its id.
func (c *Channel) PublishEvent(ctx context.Context, event Event) error {
	if c.isClosed() {
		return nil
	}
	event.Sender = c.id
	return c.hub.Publish(ctx, c.topic, event)
}

// Close unsubscribes and releases the topic. Safe to call more than once and
// from inside a handler.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		if err := c.pubsub.Close(); err != nil {
			c.hub.logf("close %s: %v", c.topic, err)
		}
		c.hub.forget(c)
	})
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Channel) bind(binding Binding) {
	if binding.Handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[binding.Event] = append(c.handlers[binding.Event], binding.Handler)
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		msg, err := c.pubsub.Receive(c.ctx)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.hub.logf("receive on %s: %v", c.topic, err)
			select {
			case <-c.closed:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				c.readyOnce.Do(func() { close(c.ready) })
			}
		case *redis.Message:
			c.dispatch(m.Payload)
		}
	}
}

func (c *Channel) dispatch(raw string) {
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		c.hub.logf("drop malformed event on %s: %v", c.topic, err)
		return
	}
	if !c.selfEcho && event.Sender == c.id {
		return
	}
	if event.ID != "" && c.markSeen(event.ID) {
		return
	}

	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[event.Name])+len(c.handlers[""]))
	handlers = append(handlers, c.handlers[event.Name]...)
	handlers = append(handlers, c.handlers[""]...)
	c.mu.RUnlock()

	for _, handler := range handlers {
		if c.isClosed() {
			return
		}
		handler(c.ctx, event)
	}
}

// markSeen records id and reports whether it was already delivered.
func (c *Channel) markSeen(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > defaultDedupeLimit {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	return false
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s(%s)", c.topic, c.id)
}
