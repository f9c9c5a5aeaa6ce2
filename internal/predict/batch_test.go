package predict

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/model"
)

// countBinary flags every record with more than 100 connections.
type countBinary struct{}

func (countBinary) Predict(_ context.Context, rec model.Features) (int, error) {
	n, _ := rec.Numeric(features.FieldCount)
	if n > 100 {
		return 1, nil
	}
	return 0, nil
}

func (countBinary) PredictProba(_ context.Context, rec model.Features) (float64, error) {
	n, _ := rec.Numeric(features.FieldCount)
	if n > 100 {
		return 0.9, nil
	}
	if p, _ := rec.Categorical(features.FieldProtocolType); p == "udp" {
		return 0, errors.New("udp unsupported")
	}
	return 0.1, nil
}

func fakeRecords(f *gofakeit.Faker, n int) []features.Row {
	rows := make([]features.Row, n)
	for i := range rows {
		rows[i] = features.Row{Index: i, Record: features.Record{
			ProtocolType: f.RandomString([]string{"tcp", "icmp"}),
			Service:      f.RandomString([]string{"http", "private", "ecr_i"}),
			Flag:         f.RandomString([]string{"SF", "S0", "REJ"}),
			SrcBytes:     float64(f.IntRange(0, 50000)),
			DstBytes:     float64(f.IntRange(0, 50000)),
			LoggedIn:     f.IntRange(0, 1),
			Count:        float64(f.IntRange(0, 511)),
			SrvCount:     float64(f.IntRange(0, 511)),
		}}
	}
	return rows
}

func TestPredictBatchKeepsOrderAndSummarizes(t *testing.T) {
	p := NewPredictor(countBinary{}, &fakeMulti{label: "dos", scores: []float64{3, 1, 0}, classes: threeClasses})
	rows := fakeRecords(gofakeit.New(42), 300)

	out := p.PredictBatch(context.Background(), rows, 4)
	require.Len(t, out.Items, len(rows))

	attacks := 0
	for i, it := range out.Items {
		assert.Equal(t, i, it.Index)
		require.NotNil(t, it.Result)
		if rows[i].Record.Count > 100 {
			attacks++
			assert.Equal(t, "dos", it.Result.AttackType)
		} else {
			assert.Equal(t, Normal, it.Result.Prediction)
		}
	}

	s := out.Summary
	assert.Equal(t, 300, s.Total)
	assert.Equal(t, attacks, s.Attacks)
	assert.Equal(t, 300-attacks, s.Normal)
	assert.Zero(t, s.Failed)
	assert.InDelta(t, float64(attacks)/3, s.AnomalyRate, 1e-6)
	assert.Equal(t, attacks, s.AttackTypes["dos"])
}

func TestPredictBatchRowFailures(t *testing.T) {
	p := NewPredictor(countBinary{}, &fakeMulti{label: "dos", scores: []float64{3, 1, 0}, classes: threeClasses})
	bad := errors.New("field \"srcbytes\" must be a number")
	rows := []features.Row{
		{Index: 0, Record: features.Record{ProtocolType: "tcp", Count: 500}},
		{Index: 1, Err: bad},
		{Index: 2, Record: features.Record{ProtocolType: "udp", Count: 1}},
		{Index: 3, Record: features.Record{ProtocolType: "tcp", Count: 1}},
	}

	out := p.PredictBatch(context.Background(), rows, 0)

	assert.Equal(t, Attack, out.Items[0].Result.Prediction)
	assert.Nil(t, out.Items[1].Result)
	assert.ErrorIs(t, out.Items[1].Err(), bad)
	assert.Contains(t, out.Items[2].Error, "udp unsupported")
	var ierr *InferenceError
	assert.True(t, errors.As(out.Items[2].Err(), &ierr))
	assert.Equal(t, Normal, out.Items[3].Result.Prediction)

	assert.Equal(t, BatchSummary{
		Total: 4, Normal: 1, Attacks: 1, Failed: 2, AnomalyRate: 50,
		AttackTypes: map[string]int{"dos": 1},
	}, out.Summary)
}

func TestPredictBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPredictor(countBinary{}, &fakeMulti{classes: threeClasses})
	out := p.PredictBatch(ctx, fakeRecords(gofakeit.New(1), 5), 2)

	for _, it := range out.Items {
		assert.Nil(t, it.Result)
		assert.ErrorIs(t, it.Err(), context.Canceled)
	}
	assert.Equal(t, 5, out.Summary.Failed)
	assert.Zero(t, out.Summary.AnomalyRate)
}

func TestPredictBatchEmpty(t *testing.T) {
	out := NewPredictor(countBinary{}, &fakeMulti{}).PredictBatch(context.Background(), nil, 2)
	assert.Empty(t, out.Items)
	assert.Equal(t, BatchSummary{}, out.Summary)
}

func TestBatchItemJSONInlinesResult(t *testing.T) {
	p := NewPredictor(countBinary{}, &fakeMulti{label: "dos", scores: []float64{3, 1, 0}, classes: threeClasses})
	rows := []features.Row{
		{Index: 0, Record: features.Record{ProtocolType: "tcp", Count: 1}},
		{Index: 1, Err: errors.New("missing field \"flag\"")},
	}

	body, err := json.Marshal(p.PredictBatch(context.Background(), rows, 1).Items)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"index":0,"prediction":"normal","attack_probability":0.1},
		{"index":1,"error":"missing field \"flag\""}
	]`, string(body))
}
