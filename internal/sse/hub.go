package sse

import (
	"log/slog"
	"sync"
)

// Topics a client can follow.
const (
	TopicPredictions = "predictions" // every prediction
	TopicAttacks     = "attacks"     // attack predictions only
)

// ValidTopic reports whether topic is one the hub publishes to.
func ValidTopic(topic string) bool {
	return topic == TopicPredictions || topic == TopicAttacks
}

// Event represents a server-sent event to be published to subscribers.
type Event struct {
	Type string // "prediction", "stats"
	ID   string
	Data []byte // JSON payload
}

// Hub is a fan-out hub that manages per-topic subscriptions.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{} // topic -> set of channels
	logger      *slog.Logger
}

// NewHub creates a new SSE hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber for the given topic.
// It returns a channel that will receive events and a cancel function that
// must be called when the subscriber disconnects.
func (h *Hub) Subscribe(topic string) (chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	if h.subscribers[topic] == nil {
		h.subscribers[topic] = make(map[chan Event]struct{})
	}
	h.subscribers[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers[topic], ch)
			if len(h.subscribers[topic]) == 0 {
				delete(h.subscribers, topic)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish sends an event to all subscribers of the given topic.
// If a subscriber's channel is full, the event is dropped and a warning is logged.
func (h *Hub) Publish(topic string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[topic] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("sse: dropped event for slow client", "topic", topic)
		}
	}
}

// PublishPrediction publishes a prediction payload to the predictions topic,
// and to the attacks topic when attack is set.
func (h *Hub) PublishPrediction(id string, data []byte, attack bool) {
	event := Event{Type: "prediction", ID: id, Data: data}
	h.Publish(TopicPredictions, event)
	if attack {
		h.Publish(TopicAttacks, event)
	}
}

// SubscriberCount returns the number of active subscribers for the given topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}
