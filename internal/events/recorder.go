package events

import (
	"context"
	"log/slog"
)

// Store persists predictions.
type Store interface {
	InsertPredictions(ctx context.Context, preds []Prediction) error
}

// Sink receives every recorded prediction. Publish must not block for long.
type Sink interface {
	Publish(ctx context.Context, p Prediction)
}

// Observer is notified of recorded predictions, e.g. for metrics.
type Observer interface {
	ObservePrediction(p Prediction)
}

// Recorder fans recorded predictions out to the history store, observers and
// sinks. Failures are logged and never surface to the caller.
type Recorder struct {
	store     Store
	observers []Observer
	sinks     []Sink
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. store may be nil when history is disabled.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// AddSink registers a sink.
func (r *Recorder) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// AddObserver registers an observer.
func (r *Recorder) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Record stores and fans out preds.
func (r *Recorder) Record(ctx context.Context, preds ...Prediction) {
	if len(preds) == 0 {
		return
	}

	if r.store != nil {
		if err := r.store.InsertPredictions(ctx, preds); err != nil {
			r.logger.Error("store predictions failed", "count", len(preds), "err", err)
		}
	}

	for _, p := range preds {
		for _, o := range r.observers {
			o.ObservePrediction(p)
		}
		for _, s := range r.sinks {
			s.Publish(ctx, p)
		}
	}
}
