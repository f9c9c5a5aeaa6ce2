package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/sse"
)

const (
	streamHydrateLimit = 20
	keepaliveInterval  = 30 * time.Second
)

// StreamHandler serves the live prediction feed over SSE.
type StreamHandler struct {
	hub     *sse.Hub
	history HistoryStore
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(hub *sse.Hub, history HistoryStore) *StreamHandler {
	return &StreamHandler{hub: hub, history: history}
}

// HandleSSE handles GET /api/stream/events?topic=predictions|attacks.
// It replays recent history when available, then streams live events with
// periodic keepalives.
func (sh *StreamHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = sse.TopicPredictions
	}
	if !sse.ValidTopic(topic) {
		jsonError(w, "unknown topic", http.StatusBadRequest)
		return
	}

	// Subscribe before replaying so nothing published meanwhile is lost.
	ch, cancel := sh.hub.Subscribe(topic)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sh.hydrate(w, r, topic)
	if stats, err := sh.history.PredictionStats(r.Context(), defaultStatsWindow); err == nil {
		data, _ := json.Marshal(stats)
		fmt.Fprintf(w, "event: stats\ndata: %s\n\n", data)
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, event.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (sh *StreamHandler) hydrate(w http.ResponseWriter, r *http.Request, topic string) {
	recent, err := sh.history.RecentPredictions(r.Context(), streamHydrateLimit, topic == sse.TopicAttacks)
	if err != nil {
		return
	}
	for i := len(recent) - 1; i >= 0; i-- {
		data, err := events.Marshal(recent[i])
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %s\nevent: prediction\ndata: %s\n\n", recent[i].ID, data)
	}
}
