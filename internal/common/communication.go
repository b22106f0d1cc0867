// Package common holds the agent/collector wire types and the agent's alert client.
package common

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/0xA1M/dashpro/internal/exporter"
	"github.com/0xA1M/dashpro/internal/scanner"
	"go.uber.org/zap"
)

// DeliveryResult is the outcome of one alert send
type DeliveryResult string

const (
	Delivered DeliveryResult = "delivered"
	Failed    DeliveryResult = "failed"
)

// localTimeLayout is how agents stamp payloads.
const localTimeLayout = "03:04:05 PM"

// AlertClient handles alert delivery to the collector. Each alert gets one
// attempt; there is no retry and no queue.
type AlertClient struct {
	exporter exporter.Exporter
	log      *zap.Logger

	delivered atomic.Int64
	failed    atomic.Int64

	// notify receives one value per delivered alert; sends never block.
	notify chan<- struct{}
	now    func() time.Time
}

// NewAlertClient creates a new client for sending alerts to the collector
func NewAlertClient(exp exporter.Exporter, log *zap.Logger) *AlertClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertClient{exporter: exp, log: log, now: time.Now}
}

// NotifyDelivered registers a channel that is signalled after each
// successful delivery. Must be called before the first Send.
func (ac *AlertClient) NotifyDelivered(ch chan<- struct{}) {
	ac.notify = ch
}

// Send reports one classified file
func (ac *AlertClient) Send(ctx context.Context, deviceID string, outcome scanner.Outcome, path string) DeliveryResult {
	alert := Alert{
		DeviceID:  deviceID,
		FlagType:  strings.ToUpper(string(outcome)),
		FilePath:  path,
		Timestamp: ac.now().Format(localTimeLayout),
	}

	if err := ac.exporter.Post(ctx, AlertPath, alert); err != nil {
		ac.failed.Add(1)
		ac.log.Warn("Failed to send threat alert",
			zap.String("device_id", deviceID),
			zap.String("path", path),
			zap.Bool("timeout", exporter.IsTimeout(err)),
			zap.Error(err))
		return Failed
	}

	ac.delivered.Add(1)
	ac.log.Info("Threat alert sent",
		zap.String("device_id", deviceID),
		zap.String("flag_type", alert.FlagType),
		zap.String("path", path))

	if ac.notify != nil {
		select {
		case ac.notify <- struct{}{}:
		default:
			ac.log.Debug("Flag tally channel full, dropping signal")
		}
	}
	return Delivered
}

// Stats returns delivered and failed counts since start
func (ac *AlertClient) Stats() (delivered, failed int64) {
	return ac.delivered.Load(), ac.failed.Load()
}
