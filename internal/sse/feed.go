package sse

import (
	"context"
	"log/slog"

	"github.com/veil-waf/veil-anomaly/internal/events"
)

// Feed publishes recorded predictions straight to the hub. It is used when
// no history database is configured; otherwise PGListener feeds the hub.
type Feed struct {
	hub    *Hub
	logger *slog.Logger
}

// NewFeed creates a Feed for hub.
func NewFeed(hub *Hub, logger *slog.Logger) *Feed {
	return &Feed{hub: hub, logger: logger}
}

// Publish implements events.Sink.
func (f *Feed) Publish(_ context.Context, p events.Prediction) {
	data, err := events.Marshal(p)
	if err != nil {
		f.logger.Error("sse: encode prediction failed", "err", err)
		return
	}
	f.hub.PublishPrediction(p.ID.String(), data, p.IsAttack())
}
