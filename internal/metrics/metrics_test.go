package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/model"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

type stubBinary struct{ err error }

func (s stubBinary) Predict(context.Context, model.Features) (int, error) { return 1, s.err }

func (s stubBinary) PredictProba(context.Context, model.Features) (float64, error) {
	return 0.7, s.err
}

func (stubBinary) Info() model.Info { return model.Info{Name: "binary", Backend: "artifact"} }

type stubMulti struct{}

func (stubMulti) Predict(context.Context, model.Features) (string, error) { return "dos", nil }

func (stubMulti) DecisionFunction(context.Context, model.Features) ([]float64, error) {
	return []float64{1, 0}, nil
}

func (stubMulti) Classes() []string { return []string{"dos", "probe"} }

var rec = features.Record{ProtocolType: "tcp", Service: "http", Flag: "SF"}

func TestObservePrediction(t *testing.T) {
	m := New()
	m.ObservePrediction(events.New(events.SourceAPI, rec,
		predict.Result{Prediction: predict.Attack, AttackType: "dos"}, "", 0))
	m.ObservePrediction(events.New(events.SourceBatch, rec,
		predict.Result{Prediction: predict.Normal}, "", 0))
	m.ObservePrediction(events.New(events.SourceBatch, rec,
		predict.Result{Prediction: predict.Normal}, "", 0))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("attack", "dos", "api")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("normal", "", "batch")))
}

func TestInstrumentedModels(t *testing.T) {
	m := New()
	ctx := context.Background()

	ok := m.InstrumentBinary(stubBinary{})
	_, err := ok.Predict(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "binary", model.Describe(ok).Name, "Info passes through the wrapper")

	bad := m.InstrumentBinary(stubBinary{err: errors.New("boom")})
	_, err = bad.PredictProba(ctx, rec)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageErrors.WithLabelValues(predict.StageBinary)))

	multi := m.InstrumentMulticlass(stubMulti{})
	_, err = multi.DecisionFunction(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"dos", "probe"}, multi.Classes())
	assert.Equal(t, "custom", model.Describe(multi).Backend)

	assert.Equal(t, 3, testutil.CollectAndCount(m.stageDuration))
	assert.Zero(t, testutil.ToFloat64(m.stageErrors.WithLabelValues(predict.StageMulticlass)))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveCache(CacheHit)
	m.ObserveBatch(42)
	m.ObserveRejected("rate_limited")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `anomaly_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, string(body), "anomaly_batch_rows_count 1")
	assert.Contains(t, string(body), `anomaly_rejected_requests_total{reason="rate_limited"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstrumentedScoreKeepsSingleCallPath(t *testing.T) {
	m := New()
	wrapped := m.InstrumentBinary(stubBinary{})

	_, ok := wrapped.(model.BinaryScorer)
	require.True(t, ok)
	label, p, err := model.ScoreBinary(context.Background(), wrapped, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, 0.7, p)

	multi := m.InstrumentMulticlass(stubMulti{})
	_, _, err = model.ScoreMulticlass(context.Background(), multi, rec)
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration), "one score series per stage")
}

func TestTrackClients(t *testing.T) {
	m := New()
	n := 3
	m.TrackClients("sse", func() int { return n })
	m.TrackClients("ws", func() int { return 1 })

	n = 5
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `anomaly_live_clients{transport="sse"} 5`)
	assert.Contains(t, rec.Body.String(), `anomaly_live_clients{transport="ws"} 1`)
}
