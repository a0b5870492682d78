package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestHub(t *testing.T, opts ...Option) (*Hub, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	hub, err := NewHub("redis://"+s.Addr(), opts...)
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	t.Cleanup(hub.Close)
	return hub, s
}

type collector struct {
	events chan Event
}

func newCollector() *collector {
	return &collector{events: make(chan Event, 16)}
}

func (c *collector) handle(_ context.Context, event Event) {
	c.events <- event
}

func (c *collector) next(t *testing.T) Event {
	t.Helper()
	select {
	case event := <-c.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (c *collector) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case event := <-c.events:
		t.Fatalf("unexpected event %s (%s)", event.Name, event.ID)
	case <-time.After(wait):
	}
}

func openReady(t *testing.T, hub *Hub, topic string, selfEcho bool, bindings ...Binding) *Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := hub.OpenChannel(ctx, topic, selfEcho, bindings...)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	if err := ch.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	return ch
}

func TestTopicName(t *testing.T) {
	if got := TopicName(TopicLoadingState, "s1"); got != "loading-state-s1" {
		t.Fatalf("unexpected topic name %q", got)
	}
	if got := TopicName(TopicQualityMetrics, "s1"); got != "quality-metrics-s1" {
		t.Fatalf("unexpected topic name %q", got)
	}
}

func TestNewHubRejectsBadURL(t *testing.T) {
	if _, err := NewHub("not-a-url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub, _ := setupTestHub(t)
	ctx := context.Background()
	got := newCollector()
	openReady(t, hub, "feature-updates-s1", false, On(EventFeatureUpdate, got.handle))

	event, err := NewEvent(EventFeatureUpdate, map[string]string{"content": "Given X"})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	if err := hub.Publish(ctx, "feature-updates-s1", event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	received := got.next(t)
	if received.ID != event.ID || received.Name != EventFeatureUpdate {
		t.Fatalf("unexpected event %+v", received)
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := received.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.Content != "Given X" {
		t.Fatalf("unexpected payload %q", payload.Content)
	}
}

func TestBindingsFilterByEventName(t *testing.T) {
	hub, _ := setupTestHub(t)
	ctx := context.Background()
	metrics := newCollector()
	all := newCollector()
	openReady(t, hub, "quality-metrics-s1", false,
		On(EventMetricsUpdate, metrics.handle),
		On("", all.handle),
	)

	other, _ := NewEvent("something-else", nil)
	update, _ := NewEvent(EventMetricsUpdate, map[string]int{"overall": 87})
	_ = hub.Publish(ctx, "quality-metrics-s1", other)
	_ = hub.Publish(ctx, "quality-metrics-s1", update)

	if got := metrics.next(t); got.ID != update.ID {
		t.Fatalf("expected metrics handler to see only %s, got %s", update.ID, got.ID)
	}
	if got := all.next(t); got.ID != other.ID {
		t.Fatalf("expected wildcard handler to see %s first, got %s", other.ID, got.ID)
	}
	if got := all.next(t); got.ID != update.ID {
		t.Fatalf("expected wildcard handler to see %s second, got %s", update.ID, got.ID)
	}
}

func TestSelfEchoFalseSkipsOwnEvents(t *testing.T) {
	hub, _ := setupTestHub(t)
	ctx := context.Background()
	own := newCollector()
	peer := newCollector()
	publisher := openReady(t, hub, "topic-a", false, On("", own.handle))
	openReady(t, hub, "topic-a", false, On("", peer.handle))

	sent, err := publisher.Publish(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := peer.next(t); got.ID != sent.ID {
		t.Fatalf("peer expected %s, got %s", sent.ID, got.ID)
	}

	marker, _ := NewEvent("marker", nil)
	_ = hub.Publish(ctx, "topic-a", marker)
	if got := own.next(t); got.ID != marker.ID {
		t.Fatalf("publisher without self echo received its own event %s", got.Name)
	}
}

func TestSelfEchoTrueDeliversOwnEvents(t *testing.T) {
	hub, _ := setupTestHub(t)
	ctx := context.Background()
	own := newCollector()
	ch := openReady(t, hub, "loading-state-s1", true, On(EventWaitingForFeature, own.handle))

	sent, err := ch.Publish(ctx, EventWaitingForFeature, map[string]any{"ts": 1, "sessionId": "s1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := own.next(t); got.ID != sent.ID {
		t.Fatalf("expected own event %s, got %s", sent.ID, got.ID)
	}
}

func TestRepeatedEventIDIsDeliveredOnce(t *testing.T) {
	hub, _ := setupTestHub(t)
	ctx := context.Background()
	got := newCollector()
	openReady(t, hub, "loading-state-s1", true, On("", got.handle))

	event, _ := NewEvent(EventFeatureReceived, nil)
	for i := 0; i < 3; i++ {
		if err := hub.Publish(ctx, "loading-state-s1", event); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	second, _ := NewEvent(EventFeatureReceived, nil)
	_ = hub.Publish(ctx, "loading-state-s1", second)

	if first := got.next(t); first.ID != event.ID {
		t.Fatalf("expected %s, got %s", event.ID, first.ID)
	}
	if next := got.next(t); next.ID != second.ID {
		t.Fatalf("expected distinct event %s after duplicates, got %s", second.ID, next.ID)
	}
	got.expectNone(t, 50*time.Millisecond)
}

func TestPublishReliablyDeliversAndDisposesChannel(t *testing.T) {
	hub, _ := setupTestHub(t, WithGrace(20*time.Millisecond))
	ctx := context.Background()
	got := newCollector()
	openReady(t, hub, "loading-state-s1", true, On("", got.handle))

	event, _ := NewEvent(EventWaitingForFeature, map[string]any{"ts": 1, "sessionId": "s1"})
	if err := hub.Publish(ctx, "loading-state-s1", event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := hub.PublishReliably(ctx, "loading-state-s1", event); err != nil {
		t.Fatalf("PublishReliably() error = %v", err)
	}

	if received := got.next(t); received.ID != event.ID {
		t.Fatalf("expected %s, got %s", event.ID, received.ID)
	}
	got.expectNone(t, 50*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for hub.OpenCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected reliable channel to be disposed, %d channels open", hub.OpenCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReliablyReachesLateSubscriber(t *testing.T) {
	hub, _ := setupTestHub(t, WithGrace(20*time.Millisecond))
	ctx := context.Background()
	got := newCollector()

	// Subscriber opened but not awaited: the first publish may race ahead of it.
	ch, err := hub.OpenChannel(ctx, "loading-state-s2", true, On("", got.handle))
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	event, _ := NewEvent(EventWaitingForFeature, nil)
	_ = hub.Publish(ctx, "loading-state-s2", event)

	if err := ch.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if err := hub.PublishReliably(ctx, "loading-state-s2", event); err != nil {
		t.Fatalf("PublishReliably() error = %v", err)
	}
	if received := got.next(t); received.ID != event.ID {
		t.Fatalf("expected %s, got %s", event.ID, received.ID)
	}
}

func TestCloseIsIdempotentAndDiscardsPublishes(t *testing.T) {
	hub, _ := setupTestHub(t)
	ch := openReady(t, hub, "topic-b", true)

	ch.Close()
	ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop after Close")
	}
	event, err := ch.Publish(context.Background(), "late", nil)
	if err != nil {
		t.Fatalf("publish on closed channel should be discarded silently, got %v", err)
	}
	if event.ID != "" {
		t.Fatalf("expected zero event from closed channel, got %+v", event)
	}
	if hub.OpenCount() != 0 {
		t.Fatalf("expected no open channels, got %d", hub.OpenCount())
	}
	if err := ch.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() on a confirmed channel should stay nil, got %v", err)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	hub, s := setupTestHub(t)
	got := newCollector()
	openReady(t, hub, "topic-c", true, On("", got.handle))

	s.Publish(defaultKeyPrefix+"topic-c", "{not json")
	event, _ := NewEvent("valid", nil)
	_ = hub.Publish(context.Background(), "topic-c", event)

	if received := got.next(t); received.ID != event.ID {
		t.Fatalf("expected valid event after malformed one, got %+v", received)
	}
}

func TestHubWithSharedClient(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	hub := NewHubWithClient(client, WithKeyPrefix("test:"))
	defer hub.Close()
	if err := hub.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	got := newCollector()
	openReady(t, hub, "topic-d", true, On("", got.handle))
	s.Publish("test:topic-d", `{"id":"e1","event":"raw"}`)
	if received := got.next(t); received.ID != "e1" || received.Name != "raw" {
		t.Fatalf("unexpected event %+v", received)
	}
}
