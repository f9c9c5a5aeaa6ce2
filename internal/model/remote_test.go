package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jsonRecord struct {
	ProtocolType string  `json:"protocoltype"`
	Count        float64 `json:"count"`
}

func (r jsonRecord) Categorical(name string) (string, bool) {
	return r.ProtocolType, name == "protocoltype"
}

func (r jsonRecord) Numeric(name string) (float64, bool) {
	return r.Count, name == "count"
}

func newScorer(t *testing.T, classes []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /multiclass/classes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"classes": classes})
	})
	mux.HandleFunc("POST /binary", func(w http.ResponseWriter, r *http.Request) {
		var in jsonRecord
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if in.ProtocolType == "bogus" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown protocol"})
			return
		}
		label, p := 0, 0.12
		if in.Count > 100 {
			label, p = 1, 0.91
		}
		json.NewEncoder(w).Encode(map[string]any{"label": label, "attack_probability": p})
	})
	mux.HandleFunc("POST /multiclass", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"label":   "dos",
			"scores":  []float64{2, 0, -1},
			"classes": []string{"dos", "probe", "r2l"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteBinary(t *testing.T) {
	srv := newScorer(t, []string{"dos", "probe", "r2l"})
	bin := NewRemote(srv.URL+"/", time.Second).Binary()
	ctx := context.Background()

	label, err := bin.Predict(ctx, jsonRecord{ProtocolType: "tcp", Count: 300})
	require.NoError(t, err)
	assert.Equal(t, 1, label)

	p, err := bin.PredictProba(ctx, jsonRecord{ProtocolType: "tcp", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, 0.12, p)

	_, err = bin.Predict(ctx, jsonRecord{ProtocolType: "bogus"})
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "unknown protocol")

	assert.Equal(t, "remote", bin.Info().Backend)
}

func TestRemoteMulticlass(t *testing.T) {
	srv := newScorer(t, []string{"dos", "probe", "r2l"})
	multi, err := NewRemote(srv.URL, time.Second).Multiclass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"dos", "probe", "r2l"}, multi.Classes())

	label, err := multi.Predict(context.Background(), jsonRecord{})
	require.NoError(t, err)
	assert.Equal(t, "dos", label)

	scores, err := multi.DecisionFunction(context.Background(), jsonRecord{})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0, -1}, scores)
}

func TestRemoteMulticlassClassDrift(t *testing.T) {
	srv := newScorer(t, []string{"dos", "probe", "u2r"})
	multi, err := NewRemote(srv.URL, time.Second).Multiclass(context.Background())
	require.NoError(t, err)

	_, err = multi.DecisionFunction(context.Background(), jsonRecord{})
	assert.ErrorIs(t, err, ErrRemote)
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemote(url, 200*time.Millisecond).Multiclass(context.Background())
	assert.ErrorIs(t, err, ErrRemote)
}

func TestRemoteScoresInOneRoundTrip(t *testing.T) {
	var binaryCalls, multiCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /multiclass/classes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"classes": []string{"dos", "probe"}, "version": "2024-06-01"})
	})
	mux.HandleFunc("POST /binary", func(w http.ResponseWriter, r *http.Request) {
		n := binaryCalls.Add(1)
		// Every response differs so a second call would be visible.
		json.NewEncoder(w).Encode(map[string]any{"label": 1, "attack_probability": 0.5 + float64(n)/10})
	})
	mux.HandleFunc("POST /multiclass", func(w http.ResponseWriter, r *http.Request) {
		multiCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"label": "probe", "scores": []float64{0, 1}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	remote := NewRemote(srv.URL, time.Second)
	multi, err := remote.Multiclass(ctx)
	require.NoError(t, err)

	label, p, err := ScoreBinary(ctx, remote.Binary(), jsonRecord{})
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.InDelta(t, 0.6, p, 1e-12)
	assert.Equal(t, int32(1), binaryCalls.Load())

	attackType, scores, err := ScoreMulticlass(ctx, multi, jsonRecord{})
	require.NoError(t, err)
	assert.Equal(t, "probe", attackType)
	assert.Equal(t, []float64{0, 1}, scores)
	assert.Equal(t, int32(1), multiCalls.Load())

	assert.Equal(t, "2024-06-01", multi.Info().Version)
	assert.False(t, remote.Binary().Info().Deterministic)
	assert.False(t, multi.Info().Deterministic)
}

func TestRemoteRejectsBadProbability(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /binary", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"label": 1, "attack_probability": 1.5})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, err := NewRemote(srv.URL, time.Second).Binary().Predict(context.Background(), jsonRecord{})
	assert.ErrorIs(t, err, ErrRemote)
}
