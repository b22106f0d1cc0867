// Package telemetry gathers host metrics and reports them as heartbeats.
package telemetry

import (
	"context"
	"fmt"
	"math"

	"github.com/0xA1M/dashpro/internal/models"
)

// Provider returns a snapshot of the host. On partial failure it returns the
// fields it could read together with an error describing the rest.
type Provider interface {
	Snapshot(ctx context.Context) (models.Metrics, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context) (models.Metrics, error)

func (f ProviderFunc) Snapshot(ctx context.Context) (models.Metrics, error) {
	return f(ctx)
}

// FormatUptime renders seconds as "3h 42m 17s"; hours are not folded into days.
func FormatUptime(seconds uint64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

func bytesToGB(b uint64) float64 {
	return round2(float64(b) / (1 << 30))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func ptr[T any](v T) *T { return &v }
