// pkg/events/bus.go
package events

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Topic identifies one event stream.
type Topic string

const (
	TopicSystemStatus Topic = "system_status"
	TopicNewAlert     Topic = "new_alert"
	TopicFileEvent    Topic = "file_event"
	TopicNetworkEvent Topic = "network_event"
	TopicNewLog       Topic = "new_log"
)

// Event is one published message on a topic.
type Event struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"data"`
}

// Subscription is one subscriber's bounded event queue. Events arrive in
// publish order per topic; when the queue is full the oldest event is
// dropped, never the publisher blocked.
type Subscription struct {
	topics  map[Topic]struct{}
	ch      chan Event
	dropped int64
	mu      sync.Mutex
	closed  bool
	bus     *Bus
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// wants reports whether the subscription covers a topic. An empty topic set
// means all topics.
func (s *Subscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// push enqueues an event, dropping the oldest queued event when full.
// Serialized per subscription so publish order is preserved.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
				atomic.AddInt64(&s.dropped, 1)
			default:
			}
		}
	}
}

// BusMetrics counts bus activity.
type BusMetrics struct {
	EventsPublished int64            `json:"events_published"`
	EventsDropped   int64            `json:"events_dropped"`
	EventsByTopic   map[string]int64 `json:"events_by_topic"`
}

// Bus fans typed events out to subscribers. Publish never blocks: these are
// live telemetry events where staleness is acceptable but backpressure on
// the publisher is not.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	logger    zerolog.Logger
	metrics   BusMetrics
}

// NewBus creates an event bus with the given per-subscriber queue size.
func NewBus(logger zerolog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		logger:    logger.With().Str("component", "event_bus").Logger(),
		metrics:   BusMetrics{EventsByTopic: make(map[string]int64)},
	}
}

// Subscribe registers a subscriber for the given topics. No topics means
// all topics. Late joiners receive only events published after they
// subscribe; any initial snapshot is the caller's concern.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		topics: make(map[Topic]struct{}, len(topics)),
		ch:     make(chan Event, b.queueSize),
		bus:    b,
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug().Int("topics", len(topics)).Msg("Subscriber attached")
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber of its topic. It returns
// the event as delivered, with ID and timestamp filled in.
func (b *Bus) Publish(topic Topic, payload interface{}) Event {
	ev := Event{
		ID:        generateEventID(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	for sub := range b.subs {
		if sub.wants(topic) {
			sub.push(ev)
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.EventsByTopic[string(topic)]++
	b.mu.Unlock()

	b.logger.Debug().Str("event_id", ev.ID).Str("topic", string(topic)).Msg("Event published")
	return ev
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// GetMetrics returns a copy of the current bus metrics.
func (b *Bus) GetMetrics() BusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := int64(0)
	for sub := range b.subs {
		dropped += sub.Dropped()
	}

	out := BusMetrics{
		EventsPublished: b.metrics.EventsPublished,
		EventsDropped:   dropped,
		EventsByTopic:   make(map[string]int64, len(b.metrics.EventsByTopic)),
	}
	for k, v := range b.metrics.EventsByTopic {
		out.EventsByTopic[k] = v
	}
	return out
}

// generateEventID creates a unique event ID.
func generateEventID() string {
	timestamp := time.Now().Format("20060102_150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("evt_%s_%d", timestamp, time.Now().UnixNano()%10000)
	}
	return fmt.Sprintf("evt_%s_%s", timestamp, hex.EncodeToString(randomBytes))
}
