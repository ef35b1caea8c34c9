// Package bus is the in-process notification hub. Publishers fire events at
// topics; subscribers receive them over buffered channels. Delivery is
// at-most-once and best-effort: a publish never blocks and never fails, a
// full or absent subscriber simply misses the event. Clients that reconnect
// re-fetch current state through the query/endpoint read path.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event types carried on the bus.
const (
	EventNewPendingQuery       = "new-pending-query"
	EventQueryCompleted        = "query-completed"
	EventQueryUpdated          = "query-updated"
	EventEndpointStatusChanged = "endpoint-status-changed"
)

// Topic constructors for the three audience shapes.

// TopicEndpointPending is the operator audience for new escalations on one
// backend-visible endpoint.
func TopicEndpointPending(endpointID string) string {
	return fmt.Sprintf("endpoint:%s:new-pending-query", endpointID)
}

// TopicEndpointCompleted is the operator audience for completions on one
// endpoint.
func TopicEndpointCompleted(endpointID string) string {
	return fmt.Sprintf("endpoint:%s:query-completed", endpointID)
}

// TopicQueryUpdated is the per-query customer audience.
func TopicQueryUpdated(queryID string) string {
	return fmt.Sprintf("query:%s:updated", queryID)
}

// TopicGlobal carries endpoint status changes to every connected client.
const TopicGlobal = "global:endpoint-status-changed"

// Event is one notification.
type Event struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const subscriptionBuffer = 16

// Subscription is one listener on a topic. Receive events from C; call Close
// when done.
type Subscription struct {
	topic string
	ch    chan Event
	hub   *Hub

	closeOnce sync.Once
}

// C returns the event channel. It is closed when the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub fans events out to topic subscribers. The zero value is not usable;
// construct with New.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger

	dropped atomic.Int64 // events lost to full subscriber buffers
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: slog.Default(),
	}
}

// Subscribe registers a listener for one topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	s := &Subscription{
		topic: topic,
		ch:    make(chan Event, subscriptionBuffer),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.topic)
		}
	}
}

// Publish delivers an event to every subscriber of its topic. Zero
// subscribers is not an error; a subscriber whose buffer is full misses the
// event (logged, counted, never blocking).
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[e.Topic] {
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Warn("dropping event for slow subscriber", "topic", e.Topic, "type", e.Type)
		}
	}
}

// Dropped returns how many events were lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions for a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
