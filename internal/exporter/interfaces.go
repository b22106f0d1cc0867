package exporter

import (
	"context"
	"errors"
	"time"
)

// ErrDeliveryFailed wraps every failure to get a 2xx from the collector:
// connection errors, timeouts and non-2xx responses alike.
var ErrDeliveryFailed = errors.New("delivery failed")

// Exporter sends agent payloads to the collector
type Exporter interface {
	// Post sends payload as JSON to path. It makes exactly one attempt.
	Post(ctx context.Context, path string, payload any) error

	// HealthCheck checks if the collector is reachable
	HealthCheck(ctx context.Context) error

	// Close releases idle connections
	Close() error
}

// Config holds configuration for the exporter
type Config struct {
	ServerURL string        `json:"server_url"`
	AuthToken string        `json:"-"`
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}
