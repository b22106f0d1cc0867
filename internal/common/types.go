package common

import (
	"strings"

	"github.com/0xA1M/dashpro/internal/models"
)

// Ingest paths on the collector.
const (
	HeartbeatPath = "/heartbeat"
	AlertPath     = "/alert"
)

// Heartbeat is the periodic liveness and telemetry report an agent sends
type Heartbeat struct {
	DeviceID string `json:"device_id"`
	models.Metrics
	// Flags is the agent's own tally of delivered alerts. It is advisory;
	// the collector counts alerts itself.
	Flags     int64  `json:"flags,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Alert reports one file an agent classified as a threat
type Alert struct {
	DeviceID string `json:"device_id"`
	FlagType string `json:"flag_type,omitempty"`
	// Status is the older agents' name for FlagType.
	Status    string `json:"status,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Kind returns the flag type, falling back to the legacy status key.
func (a Alert) Kind() string {
	if k := strings.TrimSpace(a.FlagType); k != "" {
		return k
	}
	return strings.TrimSpace(a.Status)
}

// Ack is the collector's reply to an ingest request
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}
