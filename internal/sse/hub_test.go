package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHubTopics(t *testing.T) {
	h := NewHub(discard())
	all, cancelAll := h.Subscribe(TopicPredictions)
	defer cancelAll()
	attacks, cancelAttacks := h.Subscribe(TopicAttacks)
	defer cancelAttacks()

	h.PublishPrediction("1", []byte(`{"n":1}`), false)
	h.PublishPrediction("2", []byte(`{"n":2}`), true)

	require.Len(t, all, 2)
	require.Len(t, attacks, 1)
	ev := <-attacks
	assert.Equal(t, "prediction", ev.Type)
	assert.Equal(t, "2", ev.ID)
	assert.JSONEq(t, `{"n":2}`, string(ev.Data))
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub(discard())
	ch, cancel := h.Subscribe(TopicPredictions)
	assert.Equal(t, 1, h.SubscriberCount(TopicPredictions))

	cancel()
	cancel()
	assert.Zero(t, h.SubscriberCount(TopicPredictions))
	_, open := <-ch
	assert.False(t, open)

	h.PublishPrediction("x", nil, true)
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := NewHub(discard())
	ch, cancel := h.Subscribe(TopicPredictions)
	defer cancel()

	for i := 0; i < 100; i++ {
		h.Publish(TopicPredictions, Event{Type: "prediction"})
	}
	assert.Len(t, ch, cap(ch))
}

func TestValidTopic(t *testing.T) {
	assert.True(t, ValidTopic(TopicAttacks))
	assert.True(t, ValidTopic(TopicPredictions))
	assert.False(t, ValidTopic("stats"))
}

func samplePrediction(attack bool) events.Prediction {
	res := predict.Result{Prediction: predict.Normal, AttackProbability: 0.2}
	if attack {
		res = predict.Result{Prediction: predict.Attack, AttackProbability: 0.9, AttackType: "probe"}
	}
	rec := features.Record{ProtocolType: "tcp", Service: "other", Flag: "REJ", Count: 2, SrvCount: 1}
	return events.New(events.SourceAPI, rec, res, "fp", 0)
}

func TestFeedPublishesEncodedPrediction(t *testing.T) {
	h := NewHub(discard())
	ch, cancel := h.Subscribe(TopicAttacks)
	defer cancel()

	p := samplePrediction(true)
	NewFeed(h, discard()).Publish(context.Background(), p)

	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, p.ID.String(), ev.ID)
	var got events.Prediction
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "probe", got.AttackType)
}

type mapLoader map[uuid.UUID]events.Prediction

func (m mapLoader) GetPrediction(_ context.Context, id uuid.UUID) (*events.Prediction, error) {
	p, ok := m[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &p, nil
}

func TestPGListenerDispatch(t *testing.T) {
	h := NewHub(discard())
	all, cancel := h.Subscribe(TopicPredictions)
	defer cancel()
	attacks, cancelAttacks := h.Subscribe(TopicAttacks)
	defer cancelAttacks()

	normal := samplePrediction(false)
	pl := NewPGListener(nil, mapLoader{normal.ID: normal}, h, discard())

	pl.dispatch(context.Background(), "not-a-uuid")
	pl.dispatch(context.Background(), uuid.NewString())
	assert.Empty(t, all)

	pl.dispatch(context.Background(), normal.ID.String())
	require.Len(t, all, 1)
	assert.Empty(t, attacks)
	assert.Equal(t, normal.ID.String(), (<-all).ID)
}
