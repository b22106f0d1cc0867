package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/0xA1M/dashpro/internal/common"
	"go.uber.org/zap"
)

// heartbeatTimeLayout is the agent-local stamp carried for display only.
const heartbeatTimeLayout = "03:04 PM"

// Sender posts one payload to the collector
type Sender interface {
	Post(ctx context.Context, path string, payload any) error
}

// Reporter builds and sends heartbeats. It also keeps the agent's advisory
// tally of delivered alerts, fed through the channel returned by Flags.
type Reporter struct {
	deviceID string
	provider Provider
	sender   Sender
	log      *zap.Logger

	flags  atomic.Int64
	flagCh chan struct{}
	sent   atomic.Int64
	failed atomic.Int64

	now func() time.Time
}

// NewReporter creates a heartbeat reporter for deviceID
func NewReporter(deviceID string, provider Provider, sender Sender, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		deviceID: deviceID,
		provider: provider,
		sender:   sender,
		log:      log,
		flagCh:   make(chan struct{}, 64),
		now:      time.Now,
	}
}

// Flags returns the channel delivered alerts are signalled on
func (r *Reporter) Flags() chan<- struct{} {
	return r.flagCh
}

// FlagCount returns the number of alerts counted so far
func (r *Reporter) FlagCount() int64 {
	return r.flags.Load()
}

// TrackFlags counts delivered-alert signals until ctx is done.
func (r *Reporter) TrackFlags(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.flagCh:
			r.flags.Add(1)
		}
	}
}

// Report sends one heartbeat. A partial snapshot is still sent.
func (r *Reporter) Report(ctx context.Context) error {
	metrics, err := r.provider.Snapshot(ctx)
	if err != nil {
		r.log.Warn("Incomplete metrics snapshot", zap.Error(err))
	}

	hb := common.Heartbeat{
		DeviceID:  r.deviceID,
		Metrics:   metrics,
		Flags:     r.flags.Load(),
		Timestamp: r.now().Format(heartbeatTimeLayout),
	}

	if err := r.sender.Post(ctx, common.HeartbeatPath, hb); err != nil {
		r.failed.Add(1)
		r.log.Warn("Failed to send heartbeat", zap.String("device_id", r.deviceID), zap.Error(err))
		return err
	}

	r.sent.Add(1)
	r.log.Debug("Heartbeat sent", zap.String("device_id", r.deviceID), zap.Int64("flags", hb.Flags))
	return nil
}

// Stats returns sent and failed heartbeat counts
func (r *Reporter) Stats() (sent, failed int64) {
	return r.sent.Load(), r.failed.Load()
}
