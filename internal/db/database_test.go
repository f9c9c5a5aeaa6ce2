package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

func TestNilDBReportsHistoryDisabled(t *testing.T) {
	var d *DB
	ctx := context.Background()

	_, err := d.RecentPredictions(ctx, 10, false)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = d.PredictionStats(ctx, 0)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = d.GetPrediction(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = d.PruneBefore(ctx, time.Now())
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	assert.ErrorIs(t, d.InsertPredictions(ctx, nil), ErrHistoryDisabled)
	assert.ErrorIs(t, d.PingContext(ctx), ErrHistoryDisabled)
	d.Close()
}

func TestMigrationIsEmbedded(t *testing.T) {
	sql, err := migrations.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), "CREATE TABLE IF NOT EXISTS predictions")
	assert.Contains(t, string(sql), "pg_notify('prediction_stream'")
}

func TestPredictionRowMatchesColumns(t *testing.T) {
	p := events.New(events.SourceAPI,
		features.Record{ProtocolType: "tcp", Service: "http", Flag: "SF", LoggedIn: 1},
		predict.Result{Prediction: predict.Normal, AttackProbability: 0.1}, "", 0)
	row := predictionRow(p)
	require.Len(t, row, len(predictionColumns))
	assert.Nil(t, row[13], "attack_type is NULL on normal rows")
	assert.Nil(t, row[15], "model_fingerprint is NULL when unknown")
	assert.Equal(t, int16(1), row[8])
}

func TestAnomalyRate(t *testing.T) {
	assert.Zero(t, anomalyRate(0, 0))
	assert.Equal(t, 25.0, anomalyRate(8, 2))
}

// TestRoundTrip runs against a real database when TEST_DATABASE_URL is set.
func TestRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Connect(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer d.Close()

	attack := events.New(events.SourceBatch,
		features.Record{ProtocolType: "tcp", Service: "private", Flag: "S0", Count: 300, SrvCount: 15},
		predict.Result{
			Prediction: predict.Attack, AttackProbability: 0.99, AttackType: "dos",
			AttackTypeConfidence: map[string]float64{"dos": 0.8, "probe": 0.2},
			Note:                 predict.ConfidenceNote,
		}, "fp", 3*time.Millisecond)
	require.NoError(t, d.InsertPredictions(ctx, []events.Prediction{attack}))

	got, err := d.GetPrediction(ctx, attack.ID)
	require.NoError(t, err)
	assert.Equal(t, attack.Result, got.Result)
	assert.Equal(t, attack.Input, got.Input)

	recent, err := d.RecentPredictions(ctx, 5, true)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, predict.Attack, recent[0].Prediction)

	stats, err := d.PredictionStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Attacks, int64(1))

	_, err = d.GetPrediction(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.PruneBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
}
