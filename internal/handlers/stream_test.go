package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-waf/veil-anomaly/internal/events"
)

// readEvent returns the next SSE event, skipping comments.
func readEvent(t *testing.T, sc *bufio.Scanner) (name, data string) {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return "", ""
}

func openStream(t *testing.T, srv *httptest.Server, query string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/events"+query, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body)
}

func TestStreamReplaysAndFollows(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	env.postJSON(t, "/predict", normalHTTP)

	sc := openStream(t, srv, "")
	name, data := readEvent(t, sc)
	require.Equal(t, "prediction", name)
	var replayed events.Prediction
	require.NoError(t, json.Unmarshal([]byte(data), &replayed))
	assert.Equal(t, "normal", replayed.Prediction)

	name, data = readEvent(t, sc)
	require.Equal(t, "stats", name)
	assert.Contains(t, data, `"total":1`)

	env.postJSON(t, "/predict", synFlood)

	name, data = readEvent(t, sc)
	require.Equal(t, "prediction", name)
	var live events.Prediction
	require.NoError(t, json.Unmarshal([]byte(data), &live))
	assert.Equal(t, "dos", live.AttackType)
	assert.Equal(t, events.SourceAPI, live.Source)
}

func TestStreamAttacksTopic(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	env.postJSON(t, "/predict", synFlood)
	env.postJSON(t, "/predict", normalHTTP)

	sc := openStream(t, srv, "?topic=attacks")
	name, data := readEvent(t, sc)
	require.Equal(t, "prediction", name)
	assert.Contains(t, data, `"prediction":"attack"`)

	name, _ = readEvent(t, sc)
	assert.Equal(t, "stats", name, "normal traffic is not replayed on the attacks topic")
}

func TestStreamUnknownTopic(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/api/stream/events?topic=everything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
