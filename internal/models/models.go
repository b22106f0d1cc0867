package models

import (
	"time"
)

// DeviceStatus is the liveness state derived by the collector.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// DisplayTimeLayout is the human-facing format of Device.Timestamp.
const DisplayTimeLayout = "01/02/2006 03:04PM"

// DefaultFlagType is recorded when an alert carries no flag type.
const DefaultFlagType = "THREAT"

// DefaultFlagFile is recorded when an alert carries no file path.
const DefaultFlagFile = "Unknown"

// Metrics is the host snapshot an agent attaches to every heartbeat.
// Every field is optional; a missing field is stored as NULL.
type Metrics struct {
	Hostname           *string  `json:"hostname" gorm:"column:hostname"`
	User               *string  `json:"user" gorm:"column:active_user"`
	OS                 *string  `json:"os" gorm:"column:os"`
	OSVersion          *string  `json:"os_version" gorm:"column:os_version"`
	Architecture       *string  `json:"architecture" gorm:"column:architecture"`
	IP                 *string  `json:"ip" gorm:"column:ip"`
	MAC                *string  `json:"mac" gorm:"column:mac"`
	CPUUsagePercent    *float64 `json:"cpu_usage_percent" gorm:"column:cpu_usage_percent"`
	CPUCores           *int     `json:"cpu_cores" gorm:"column:cpu_cores"`
	TotalMemoryGB      *float64 `json:"total_memory_gb" gorm:"column:total_memory_gb"`
	UsedMemoryGB       *float64 `json:"used_memory_gb" gorm:"column:used_memory_gb"`
	MemoryUsagePercent *float64 `json:"memory_usage_percent" gorm:"column:memory_usage_percent"`
	Uptime             *string  `json:"uptime" gorm:"column:uptime"`
}

// MetricsColumns lists the columns a heartbeat overwrites wholesale.
var MetricsColumns = []string{
	"hostname", "active_user", "os", "os_version", "architecture", "ip", "mac",
	"cpu_usage_percent", "cpu_cores", "total_memory_gb", "used_memory_gb",
	"memory_usage_percent", "uptime",
}

// Device is the collector's record for one endpoint, keyed by DeviceID.
type Device struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	DeviceID string `json:"device_id" gorm:"column:device_id;uniqueIndex;not null"`

	Metrics `gorm:"embedded"`

	Status       DeviceStatus `json:"status" gorm:"type:varchar(16);not null;default:'offline'"`
	LastSeen     *time.Time   `json:"last_seen" gorm:"index"`
	Timestamp    string       `json:"timestamp"`
	FlagCount    int64        `json:"flag_count" gorm:"not null;default:0"`
	LastFlagType *string      `json:"last_flag_type"`
	LastFlagFile *string      `json:"last_flag_file"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName pins the table name independently of struct naming.
func (Device) TableName() string {
	return "devices"
}
