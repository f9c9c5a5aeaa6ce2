package tls

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainsNormalized(t *testing.T) {
	cm := NewCertManager([]string{" API.example.com", "api.example.com", "", "dash.example.com "}, "ops@example.com", false,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(t, []string{"api.example.com", "dash.example.com"}, cm.Domains())
	assert.True(t, cm.Allowed("Dash.Example.com"))
	assert.False(t, cm.Allowed("evil.example.com"))
}

func TestListenWithoutDomains(t *testing.T) {
	cm := NewCertManager(nil, "", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := cm.Listen(context.Background())
	require.Error(t, err)
}

func TestHTTPChallengeHandlerPassesThrough(t *testing.T) {
	cm := NewCertManager([]string{"api.example.com"}, "", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := cm.HTTPChallengeHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRedirectHTTPSOnlyForManagedDomains(t *testing.T) {
	cm := NewCertManager([]string{"api.example.com"}, "", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := cm.HTTPChallengeHandler(http.HandlerFunc(cm.RedirectHTTPS))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://API.example.com:80/api/history?limit=5", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://API.example.com/api/history?limit=5", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://attacker.example.net/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}
