package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/0xA1M/dashpro/internal/common"
	"github.com/0xA1M/dashpro/internal/exporter"
	"github.com/0xA1M/dashpro/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0h 0m 0s", FormatUptime(0))
	assert.Equal(t, "3h 42m 17s", FormatUptime(3*3600+42*60+17))
	assert.Equal(t, "49h 0m 1s", FormatUptime(49*3600+1))
}

func TestBytesToGB(t *testing.T) {
	assert.Equal(t, 16.0, bytesToGB(16<<30))
	assert.Equal(t, 1.5, bytesToGB(3<<29))
}

type recordingServer struct {
	mu         sync.Mutex
	heartbeats []common.Heartbeat
	status     int
}

func (rs *recordingServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, common.HeartbeatPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var hb common.Heartbeat
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&hb))

		rs.mu.Lock()
		rs.heartbeats = append(rs.heartbeats, hb)
		status := rs.status
		rs.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func TestReportSendsSnapshot(t *testing.T) {
	rs := &recordingServer{}
	srv := httptest.NewServer(rs.handler(t))
	defer srv.Close()

	host := "alpha"
	cpu := 12.5
	provider := ProviderFunc(func(context.Context) (models.Metrics, error) {
		return models.Metrics{Hostname: &host, CPUUsagePercent: &cpu}, nil
	})
	exp := exporter.NewHTTPExporter(exporter.Config{ServerURL: srv.URL, AuthToken: "secret"}, zaptest.NewLogger(t))
	r := NewReporter("dev-1", provider, exp, zaptest.NewLogger(t))

	require.NoError(t, r.Report(context.Background()))

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.heartbeats, 1)
	hb := rs.heartbeats[0]
	assert.Equal(t, "dev-1", hb.DeviceID)
	require.NotNil(t, hb.Hostname)
	assert.Equal(t, "alpha", *hb.Hostname)
	assert.Equal(t, 12.5, *hb.CPUUsagePercent)
	assert.Nil(t, hb.IP)
	assert.NotEmpty(t, hb.Timestamp)

	sent, failed := r.Stats()
	assert.EqualValues(t, 1, sent)
	assert.EqualValues(t, 0, failed)
}

func TestReportSendsPartialSnapshot(t *testing.T) {
	rs := &recordingServer{}
	srv := httptest.NewServer(rs.handler(t))
	defer srv.Close()

	host := "beta"
	provider := ProviderFunc(func(context.Context) (models.Metrics, error) {
		return models.Metrics{Hostname: &host}, errors.New("memory probe failed")
	})
	exp := exporter.NewHTTPExporter(exporter.Config{ServerURL: srv.URL, AuthToken: "secret"}, nil)
	r := NewReporter("dev-2", provider, exp, zaptest.NewLogger(t))

	require.NoError(t, r.Report(context.Background()))

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.heartbeats, 1)
	assert.Equal(t, "beta", *rs.heartbeats[0].Hostname)
	assert.Nil(t, rs.heartbeats[0].TotalMemoryGB)
}

func TestReportFailureIsReturned(t *testing.T) {
	rs := &recordingServer{status: http.StatusUnauthorized}
	srv := httptest.NewServer(rs.handler(t))
	defer srv.Close()

	provider := ProviderFunc(func(context.Context) (models.Metrics, error) { return models.Metrics{}, nil })
	exp := exporter.NewHTTPExporter(exporter.Config{ServerURL: srv.URL, AuthToken: "secret"}, nil)
	r := NewReporter("dev-3", provider, exp, zaptest.NewLogger(t))

	err := r.Report(context.Background())
	assert.ErrorIs(t, err, exporter.ErrDeliveryFailed)
	_, failed := r.Stats()
	assert.EqualValues(t, 1, failed)
}

func TestTrackFlagsFeedsHeartbeat(t *testing.T) {
	rs := &recordingServer{}
	srv := httptest.NewServer(rs.handler(t))
	defer srv.Close()

	provider := ProviderFunc(func(context.Context) (models.Metrics, error) { return models.Metrics{}, nil })
	exp := exporter.NewHTTPExporter(exporter.Config{ServerURL: srv.URL, AuthToken: "secret"}, nil)
	r := NewReporter("dev-4", provider, exp, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.TrackFlags(ctx)

	for i := 0; i < 3; i++ {
		r.Flags() <- struct{}{}
	}
	require.Eventually(t, func() bool { return r.FlagCount() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Report(context.Background()))
	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.EqualValues(t, 3, rs.heartbeats[0].Flags)
}

func TestSystemProviderSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("reads live host metrics")
	}
	p := &SystemProvider{CPUSample: 50 * time.Millisecond}
	m, _ := p.Snapshot(context.Background())
	require.NotNil(t, m.Hostname)
	assert.NotEmpty(t, *m.Hostname)
	require.NotNil(t, m.User)
}
