// Package events defines the prediction event that flows to history,
// live feeds and the Kafka stream, and the Recorder that fans it out.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

// Sources of a prediction.
const (
	SourceAPI       = "api"
	SourceBatch     = "batch"
	SourceDashboard = "dashboard"
)

// Prediction is one scored connection as recorded and streamed.
type Prediction struct {
	ID        uuid.UUID       `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Input     features.Record `json:"input"`
	predict.Result
	Model     string  `json:"model,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// New stamps a result with a fresh ID and the current time.
func New(source string, rec features.Record, res predict.Result, model string, latency time.Duration) Prediction {
	return Prediction{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Input:     rec,
		Result:    res,
		Model:     model,
		LatencyMs: float64(latency.Microseconds()) / 1000,
	}
}
