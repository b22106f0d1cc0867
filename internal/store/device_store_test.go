package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/0xA1M/dashpro/internal/db"
	"github.com/0xA1M/dashpro/internal/db/migrations"
	"github.com/0xA1M/dashpro/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T, opts Options) *DeviceStore {
	t.Helper()

	database, err := db.OpenSQLite(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, migrations.Migrate(database))
	t.Cleanup(func() { _ = db.Close(database) })

	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return NewDeviceStore(database, zaptest.NewLogger(t), opts)
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

var base = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func TestUpsertHeartbeatCreatesThenUpdates(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	action, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{Hostname: strPtr("alpha")}, base)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatCreated, action)

	action, err = s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{Hostname: strPtr("beta"), CPUUsagePercent: floatPtr(12.5)}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, HeartbeatUpdated, action)

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, device.Hostname)
	assert.Equal(t, "beta", *device.Hostname)
	require.NotNil(t, device.CPUUsagePercent)
	assert.Equal(t, 12.5, *device.CPUUsagePercent)
	require.NotNil(t, device.LastSeen)
	assert.True(t, device.LastSeen.Equal(base.Add(time.Minute)))
	assert.Equal(t, "10/16/2026 12:01PM", device.Timestamp)
	assert.Equal(t, models.StatusOffline, device.Status)
}

func TestUpsertHeartbeatOverwritesMissingFieldsWithNull(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{Hostname: strPtr("alpha"), IP: strPtr("10.0.0.5")}, base)
	require.NoError(t, err)
	_, err = s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{Hostname: strPtr("alpha")}, base.Add(time.Second))
	require.NoError(t, err)

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, device.IP)
}

func TestUpsertHeartbeatSequenceTracksMaximum(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base)
	require.NoError(t, err)
	_, err = s.UpsertAlert(ctx, "dev-1", "THREAT", "/tmp/a.exe", base)
	require.NoError(t, err)

	last := base
	for i := 1; i <= 5; i++ {
		last = base.Add(time.Duration(i) * 90 * time.Millisecond)
		_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, last)
		require.NoError(t, err)
	}

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, device.LastSeen.Equal(last), "last_seen %v, want %v", device.LastSeen, last)
	assert.EqualValues(t, 1, device.FlagCount)
}

func TestUpsertHeartbeatRejectsStale(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{Hostname: strPtr("current")}, base)
	require.NoError(t, err)

	for _, observed := range []time.Time{base, base.Add(-time.Second), base.Add(-time.Hour)} {
		_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{Hostname: strPtr("stale")}, observed)
		assert.ErrorIs(t, err, ErrStaleHeartbeat)
	}

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "current", *device.Hostname)
	assert.True(t, device.LastSeen.Equal(base))
}

func TestUpsertAlertCountsEveryAlert(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base)
	require.NoError(t, err)

	const n = 7
	for i := 0; i < n; i++ {
		action, err := s.UpsertAlert(ctx, "dev-1", "THREAT", "/downloads/file.bin", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, AlertFlagged, action)
	}
	_, err = s.UpsertAlert(ctx, "dev-1", "TROJAN", "/downloads/last.exe", base.Add(time.Minute))
	require.NoError(t, err)

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.EqualValues(t, n+1, device.FlagCount)
	assert.Equal(t, "TROJAN", *device.LastFlagType)
	assert.Equal(t, "/downloads/last.exe", *device.LastFlagFile)

	// A later heartbeat never resets the counter.
	_, err = s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base.Add(2*time.Minute))
	require.NoError(t, err)
	device, err = s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.EqualValues(t, n+1, device.FlagCount)
}

func TestUpsertAlertDefaults(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base)
	require.NoError(t, err)
	_, err = s.UpsertAlert(ctx, "dev-1", "", "", base)
	require.NoError(t, err)

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultFlagType, *device.LastFlagType)
	assert.Equal(t, models.DefaultFlagFile, *device.LastFlagFile)
}

func TestUpsertAlertUnknownDeviceCreatesNothing(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertAlert(ctx, "ghost", "THREAT", "/tmp/x", base)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUpsertAlertUnknownDeviceCreatesWhenConfigured(t *testing.T) {
	s := newTestStore(t, Options{CreateOnUnknownAlert: true})
	ctx := context.Background()

	action, err := s.UpsertAlert(ctx, "ghost", "THREAT", "/tmp/x", base)
	require.NoError(t, err)
	assert.Equal(t, AlertCreated, action)

	device, err := s.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.EqualValues(t, 1, device.FlagCount)
	assert.Nil(t, device.LastSeen)

	// The first heartbeat fills in last_seen on the existing record.
	action2, err := s.UpsertHeartbeat(ctx, "ghost", models.Metrics{}, base)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatUpdated, action2)
}

func TestConcurrentAlertsAreNotLost(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base)
	require.NoError(t, err)
	_, err = s.UpsertAlert(ctx, "dev-1", "THREAT", "/seed", base)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.UpsertAlert(ctx, "dev-1", "THREAT", "/concurrent", base)
			errs <- err
		}()
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base.Add(time.Duration(i+1)*time.Second))
			if err == ErrStaleHeartbeat {
				err = nil
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.EqualValues(t, workers+1, device.FlagCount)
	assert.True(t, device.LastSeen.Equal(base.Add(workers*time.Second)))
}

func TestScanAllAndSetStatus(t *testing.T) {
	s := newTestStore(t, Options{CreateOnUnknownAlert: true})
	ctx := context.Background()

	_, err := s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base)
	require.NoError(t, err)
	_, err = s.UpsertAlert(ctx, "flag-only", "THREAT", "/x", base)
	require.NoError(t, err)

	records, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "dev-1", records[0].DeviceID)
	require.NotNil(t, records[0].LastSeen)
	assert.Nil(t, records[1].LastSeen)

	changed, err := s.SetStatus(ctx, "dev-1", models.StatusOnline, *records[0].LastSeen)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetStatus(ctx, "dev-1", models.StatusOnline, *records[0].LastSeen)
	require.NoError(t, err)
	assert.False(t, changed, "same status is a no-op")

	// A heartbeat after the read makes the sweep's write a no-op.
	_, err = s.UpsertHeartbeat(ctx, "dev-1", models.Metrics{}, base.Add(time.Minute))
	require.NoError(t, err)
	changed, err = s.SetStatus(ctx, "dev-1", models.StatusOffline, *records[0].LastSeen)
	require.NoError(t, err)
	assert.False(t, changed)

	device, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, device.Status)
}

func TestStats(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.UpsertHeartbeat(ctx, id, models.Metrics{}, base)
		require.NoError(t, err)
	}
	_, err := s.UpsertAlert(ctx, "a", "THREAT", "/x", base)
	require.NoError(t, err)
	_, err = s.UpsertAlert(ctx, "b", "THREAT", "/y", base)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "a", models.StatusOnline, base)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Online: 1, Offline: 2, TotalFlags: 2}, stats)

	devices, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}
