// Package exporter delivers agent payloads to the collector over HTTP.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultUserAgent = "DashPro-Agent/1.0"
)

// StatusError is returned (wrapped in ErrDeliveryFailed) when the collector
// answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned status %d: %s", e.Code, e.Body)
}

// HTTPExporter implements the Exporter interface using HTTP to send data to the server
type HTTPExporter struct {
	config Config
	client *http.Client
	log    *zap.Logger
}

// NewHTTPExporter creates a new HTTP exporter
func NewHTTPExporter(config Config, log *zap.Logger) *HTTPExporter {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")
	if log == nil {
		log = zap.NewNop()
	}

	return &HTTPExporter{
		config: config,
		client: &http.Client{},
		log:    log,
	}
}

// Post sends payload to ServerURL+path. The per-call timeout bounds the
// whole exchange; there is no retry.
func (he *HTTPExporter) Post(ctx context.Context, path string, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, he.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, he.config.ServerURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	he.setHeaders(req)

	start := time.Now()
	resp, err := he.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	he.log.Debug("Delivered payload",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (he *HTTPExporter) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", he.config.UserAgent)
	if he.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+he.config.AuthToken)
	}
}

// HealthCheck checks if the collector answers GET /health
func (he *HTTPExporter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, he.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, he.config.ServerURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	he.setHeaders(req)

	resp, err := he.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, &StatusError{Code: resp.StatusCode})
	}
	return nil
}

// Close shuts down idle connections
func (he *HTTPExporter) Close() error {
	he.client.CloseIdleConnections()
	return nil
}

// IsTimeout reports whether a delivery error was caused by the deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

var _ Exporter = (*HTTPExporter)(nil)
