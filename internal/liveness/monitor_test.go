package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xA1M/dashpro/internal/db"
	"github.com/0xA1M/dashpro/internal/db/migrations"
	"github.com/0xA1M/dashpro/internal/models"
	"github.com/0xA1M/dashpro/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var t0 = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func newDeviceStore(t *testing.T) *store.DeviceStore {
	t.Helper()
	database, err := db.OpenSQLite(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, migrations.Migrate(database))
	t.Cleanup(func() { _ = db.Close(database) })
	return store.NewDeviceStore(database, zaptest.NewLogger(t), store.Options{Location: time.UTC, CreateOnUnknownAlert: true})
}

func statusOf(t *testing.T, s *store.DeviceStore, id string) models.DeviceStatus {
	t.Helper()
	device, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return device.Status
}

func TestEvaluateBoundary(t *testing.T) {
	timeout := 60 * time.Second
	assert.Equal(t, models.StatusOnline, Evaluate(t0, t0, timeout))
	assert.Equal(t, models.StatusOnline, Evaluate(t0, t0.Add(timeout), timeout))
	assert.Equal(t, models.StatusOffline, Evaluate(t0, t0.Add(timeout+time.Millisecond), timeout))
}

func TestSweepTimeline(t *testing.T) {
	s := newDeviceStore(t)
	ctx := context.Background()
	m := NewMonitor(s, 60*time.Second, zaptest.NewLogger(t), nil)

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, t0)
	require.NoError(t, err)

	m.now = func() time.Time { return t0.Add(30 * time.Second) }
	_, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, statusOf(t, s, "dev-1"))

	m.now = func() time.Time { return t0.Add(61 * time.Second) }
	_, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, statusOf(t, s, "dev-1"))

	_, err = s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, t0.Add(65*time.Second))
	require.NoError(t, err)

	m.now = func() time.Time { return t0.Add(70 * time.Second) }
	_, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, statusOf(t, s, "dev-1"))
}

func TestSweepIsIdempotent(t *testing.T) {
	s := newDeviceStore(t)
	ctx := context.Background()
	m := NewMonitor(s, time.Minute, zaptest.NewLogger(t), nil)
	m.now = func() time.Time { return t0.Add(2 * time.Minute) }

	_, err := s.UpsertHeartbeat(ctx, "stale", models.Metrics{}, t0)
	require.NoError(t, err)
	_, err = s.UpsertHeartbeat(ctx, "fresh", models.Metrics{}, t0.Add(90*time.Second))
	require.NoError(t, err)

	first, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Online)
	assert.Equal(t, 1, first.Offline)
	assert.Equal(t, 1, first.Changed, "only the fresh device leaves the initial offline state")

	for i := 0; i < 3; i++ {
		again, err := m.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Changed)
		assert.Equal(t, models.StatusOffline, statusOf(t, s, "stale"))
		assert.Equal(t, models.StatusOnline, statusOf(t, s, "fresh"))
	}
}

func TestSweepSkipsDevicesWithoutHeartbeat(t *testing.T) {
	s := newDeviceStore(t)
	ctx := context.Background()
	m := NewMonitor(s, time.Minute, zaptest.NewLogger(t), nil)

	_, err := s.UpsertAlert(ctx, "alert-only", "THREAT", "/tmp/x", t0)
	require.NoError(t, err)

	result, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Changed)
}

type flakyStore struct {
	records []store.LivenessRecord
	failFor string
	written map[string]models.DeviceStatus
}

func (f *flakyStore) ScanAll(context.Context) ([]store.LivenessRecord, error) {
	return f.records, nil
}

func (f *flakyStore) SetStatus(_ context.Context, id string, status models.DeviceStatus, _ time.Time) (bool, error) {
	if id == f.failFor {
		return false, errors.New("disk on fire")
	}
	f.written[id] = status
	return true, nil
}

type captureRecorder struct{ last SweepResult }

func (c *captureRecorder) ObserveSweep(result SweepResult, _ time.Duration) { c.last = result }

func TestSweepIsolatesRecordFailures(t *testing.T) {
	seen := t0
	fs := &flakyStore{
		records: []store.LivenessRecord{
			{DeviceID: "a", LastSeen: &seen, Status: models.StatusOnline},
			{DeviceID: "broken", LastSeen: &seen, Status: models.StatusOnline},
			{DeviceID: "c", LastSeen: &seen, Status: models.StatusOnline},
		},
		failFor: "broken",
		written: map[string]models.DeviceStatus{},
	}
	rec := &captureRecorder{}
	m := NewMonitor(fs, time.Minute, zaptest.NewLogger(t), rec)
	m.now = func() time.Time { return t0.Add(time.Hour) }

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Changed)
	assert.Equal(t, models.StatusOffline, fs.written["a"])
	assert.Equal(t, models.StatusOffline, fs.written["c"])
	assert.Equal(t, result, rec.last)
}
