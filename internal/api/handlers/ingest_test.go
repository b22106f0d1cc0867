package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xA1M/dashpro/internal/common"
	"github.com/0xA1M/dashpro/internal/db"
	"github.com/0xA1M/dashpro/internal/db/migrations"
	"github.com/0xA1M/dashpro/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type countingRecorder struct {
	heartbeats map[string]int
	alerts     map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{heartbeats: map[string]int{}, alerts: map[string]int{}}
}

func (c *countingRecorder) Heartbeat(result string) { c.heartbeats[result]++ }
func (c *countingRecorder) Alert(result string)     { c.alerts[result]++ }

func newTestService(t *testing.T, opts store.Options) (*IngestService, *countingRecorder) {
	t.Helper()
	database, err := db.OpenSQLite(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, migrations.Migrate(database))
	t.Cleanup(func() { _ = db.Close(database) })

	opts.Location = time.UTC
	rec := newCountingRecorder()
	s := store.NewDeviceStore(database, zaptest.NewLogger(t), opts)
	return NewIngestService(s, zaptest.NewLogger(t), rec), rec
}

func post(t *testing.T, h http.HandlerFunc, body string) (int, common.Ack) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var ack common.Ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack), rec.Body.String())
	return rec.Code, ack
}

func TestHeartbeatHandler(t *testing.T) {
	svc, rec := newTestService(t, store.Options{})
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	h := HeartbeatHandler(svc)

	code, ack := post(t, h, `{"device_id":"dev-1","hostname":"alpha","cpu_usage_percent":3.5,"cpu_cores":8}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.Ack{Status: "success", Message: "Device created", Action: "created"}, ack)

	now = now.Add(time.Minute)
	code, ack = post(t, h, `{"device_id":"dev-1","hostname":"alpha"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "updated", ack.Action)

	device, err := svc.Store.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Nil(t, device.CPUCores)
	assert.True(t, device.LastSeen.Equal(now))

	// Same observation time again is stale.
	code, ack = post(t, h, `{"device_id":"dev-1","hostname":"beta"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", ack.Action)

	device, err = svc.Store.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", *device.Hostname)

	assert.Equal(t, 1, rec.heartbeats["created"])
	assert.Equal(t, 1, rec.heartbeats["updated"])
	assert.Equal(t, 1, rec.heartbeats["ignored"])
}

func TestHeartbeatHandlerRejectsBadInput(t *testing.T) {
	svc, rec := newTestService(t, store.Options{})
	h := HeartbeatHandler(svc)

	code, ack := post(t, h, `{"device_id":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", ack.Status)

	code, ack = post(t, h, `{"hostname":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing device_id", ack.Message)

	code, _ = post(t, h, `{"device_id":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, 3, rec.heartbeats["rejected"])
}

func TestAlertHandler(t *testing.T) {
	svc, _ := newTestService(t, store.Options{})
	ctx := context.Background()
	_, err := svc.Store.UpsertHeartbeat(ctx, "dev-1", common.Heartbeat{}.Metrics, time.Now())
	require.NoError(t, err)

	h := AlertHandler(svc)

	code, ack := post(t, h, `{"device_id":"dev-1","flag_type":"TROJAN","file_path":"/home/u/Downloads/x.exe"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "flagged", ack.Action)

	// Older agents send the flag type as "status".
	code, _ = post(t, h, `{"device_id":"dev-1","status":"WORM"}`)
	assert.Equal(t, http.StatusOK, code)

	device, err := svc.Store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, device.FlagCount)
	assert.Equal(t, "WORM", *device.LastFlagType)
	assert.Equal(t, "Unknown", *device.LastFlagFile)
}

func TestAlertHandlerGhostDevice(t *testing.T) {
	svc, rec := newTestService(t, store.Options{})

	code, ack := post(t, AlertHandler(svc), `{"device_id":"ghost","flag_type":"THREAT","file_path":"/tmp/x"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unresolved", ack.Action)
	assert.Equal(t, 1, rec.alerts["unresolved"])

	_, err := svc.Store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrDeviceNotFound)
}

func TestAlertHandlerGhostDeviceCreatesWhenConfigured(t *testing.T) {
	svc, _ := newTestService(t, store.Options{CreateOnUnknownAlert: true})

	code, ack := post(t, AlertHandler(svc), `{"device_id":"ghost"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "created", ack.Action)
}
