package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPExporterPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/heartbeat", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))

		var data map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&data))
		assert.Equal(t, "dev-1", data["device_id"])

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exp := NewHTTPExporter(Config{ServerURL: server.URL + "/", AuthToken: "tok"}, zaptest.NewLogger(t))
	defer exp.Close()

	err := exp.Post(context.Background(), "/heartbeat", map[string]string{"device_id": "dev-1"})
	assert.NoError(t, err)
}

func TestHTTPExporterNon2xxIsSingleFailedAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	exp := NewHTTPExporter(Config{ServerURL: server.URL}, zaptest.NewLogger(t))
	err := exp.Post(context.Background(), "/alert", struct{}{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.EqualValues(t, 1, hits.Load())
}

func TestHTTPExporterTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	exp := NewHTTPExporter(Config{ServerURL: server.URL, Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	err := exp.Post(context.Background(), "/heartbeat", struct{}{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPExporterUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	exp := NewHTTPExporter(Config{ServerURL: url}, zaptest.NewLogger(t))
	err := exp.Post(context.Background(), "/heartbeat", struct{}{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exp := NewHTTPExporter(Config{ServerURL: server.URL}, zaptest.NewLogger(t))
	assert.NoError(t, exp.HealthCheck(context.Background()))

	bad := NewHTTPExporter(Config{ServerURL: server.URL + "/nested"}, zaptest.NewLogger(t))
	assert.ErrorIs(t, bad.HealthCheck(context.Background()), ErrDeliveryFailed)
}

func TestDefaults(t *testing.T) {
	exp := NewHTTPExporter(Config{ServerURL: "http://collector:8000//"}, nil)
	assert.Equal(t, DefaultTimeout, exp.config.Timeout)
	assert.Equal(t, "http://collector:8000", exp.config.ServerURL)
}
