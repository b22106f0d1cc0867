// Package liveness derives each device's online/offline status from how long
// ago its last heartbeat was accepted.
package liveness

import (
	"context"
	"time"

	"github.com/0xA1M/dashpro/internal/models"
	"github.com/0xA1M/dashpro/internal/store"
	"go.uber.org/zap"
)

// DefaultTimeout is the reference heartbeat timeout.
const DefaultTimeout = 60 * time.Second

// Store is the part of the device store the sweep needs.
type Store interface {
	ScanAll(ctx context.Context) ([]store.LivenessRecord, error)
	SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus, lastSeen time.Time) (bool, error)
}

// Recorder receives the outcome of every sweep.
type Recorder interface {
	ObserveSweep(result SweepResult, duration time.Duration)
}

// SweepResult counts what one sweep saw and did.
type SweepResult struct {
	Checked int
	Skipped int
	Online  int
	Offline int
	Changed int
	Failed  int
}

// Monitor recomputes device status on demand.
type Monitor struct {
	store    Store
	timeout  time.Duration
	log      *zap.Logger
	recorder Recorder

	// now is swapped in tests
	now func() time.Time
}

// NewMonitor creates a liveness monitor
func NewMonitor(s Store, timeout time.Duration, log *zap.Logger, recorder Recorder) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		store:    s,
		timeout:  timeout,
		log:      log,
		recorder: recorder,
		now:      time.Now,
	}
}

// Evaluate returns offline when more than timeout has passed since lastSeen.
func Evaluate(lastSeen, now time.Time, timeout time.Duration) models.DeviceStatus {
	if now.Sub(lastSeen) > timeout {
		return models.StatusOffline
	}
	return models.StatusOnline
}

// Sweep recomputes every device's status from last_seen alone. Devices that
// never sent a heartbeat are skipped; a failure on one device is logged and
// does not stop the others.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	start := m.now()
	var result SweepResult

	records, err := m.store.ScanAll(ctx)
	if err != nil && len(records) == 0 {
		return result, err
	}
	if err != nil {
		m.log.Warn("Partial device scan", zap.Error(err), zap.Int("records", len(records)))
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		if rec.LastSeen == nil {
			result.Skipped++
			continue
		}

		status := Evaluate(*rec.LastSeen, start, m.timeout)
		if status == models.StatusOnline {
			result.Online++
		} else {
			result.Offline++
		}

		if status == rec.Status {
			continue
		}

		changed, err := m.store.SetStatus(ctx, rec.DeviceID, status, *rec.LastSeen)
		if err != nil {
			result.Failed++
			m.log.Error("Failed to update device status",
				zap.String("device_id", rec.DeviceID),
				zap.String("status", string(status)),
				zap.Error(err))
			continue
		}
		if changed {
			result.Changed++
			m.log.Info("Device status changed",
				zap.String("device_id", rec.DeviceID),
				zap.String("from", string(rec.Status)),
				zap.String("to", string(status)),
				zap.Time("last_seen", *rec.LastSeen))
		}
	}

	if m.recorder != nil {
		m.recorder.ObserveSweep(result, m.now().Sub(start))
	}

	m.log.Debug("Liveness sweep finished",
		zap.Int("checked", result.Checked),
		zap.Int("online", result.Online),
		zap.Int("offline", result.Offline),
		zap.Int("changed", result.Changed),
		zap.Int("failed", result.Failed))

	return result, nil
}
