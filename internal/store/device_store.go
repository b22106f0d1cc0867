package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xA1M/dashpro/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStaleHeartbeat is returned when a heartbeat would move last_seen backwards.
	ErrStaleHeartbeat = errors.New("heartbeat is not newer than last seen")
	// ErrUnknownDevice is returned when an alert names a device with no record.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceNotFound is returned by read lookups.
	ErrDeviceNotFound = errors.New("device not found")
)

// HeartbeatAction reports what an accepted heartbeat did to the store.
type HeartbeatAction string

const (
	HeartbeatCreated HeartbeatAction = "created"
	HeartbeatUpdated HeartbeatAction = "updated"
)

// AlertAction reports what an accepted alert did to the store.
type AlertAction string

const (
	AlertFlagged AlertAction = "flagged"
	AlertCreated AlertAction = "created"
)

// LivenessRecord is the slice of a device the liveness sweep needs.
type LivenessRecord struct {
	DeviceID string
	LastSeen *time.Time
	Status   models.DeviceStatus
}

// Stats summarizes the registry for the dashboard.
type Stats struct {
	Total      int64 `json:"total"`
	Online     int64 `json:"online"`
	Offline    int64 `json:"offline"`
	TotalFlags int64 `json:"total_flags"`
}

// Options tunes a DeviceStore.
type Options struct {
	// CreateOnUnknownAlert makes an alert for an unseen identity create a
	// minimal record instead of being dropped.
	CreateOnUnknownAlert bool
	// Location is used to render the display timestamp. Defaults to time.Local.
	Location *time.Location
}

// DeviceStore is the durable mapping from device identity to its latest record.
// Mutations for one identity are serialized; different identities proceed in parallel.
type DeviceStore struct {
	DB   *gorm.DB
	log  *zap.Logger
	opts Options

	locks sync.Map // device_id -> *sync.Mutex
}

// NewDeviceStore creates a new device store
func NewDeviceStore(db *gorm.DB, log *zap.Logger, opts Options) *DeviceStore {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceStore{DB: db, log: log, opts: opts}
}

func (s *DeviceStore) lock(deviceID string) func() {
	m, _ := s.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *DeviceStore) displayTime(t time.Time) string {
	return t.In(s.opts.Location).Format(models.DisplayTimeLayout)
}

// UpsertHeartbeat writes the metrics snapshot and advances last_seen to
// observedAt. It returns ErrStaleHeartbeat without touching the record when
// observedAt is not after the stored last_seen.
func (s *DeviceStore) UpsertHeartbeat(ctx context.Context, deviceID string, metrics models.Metrics, observedAt time.Time) (HeartbeatAction, error) {
	if deviceID == "" {
		return "", errors.New("device id is required")
	}
	observedAt = observedAt.UTC()

	unlock := s.lock(deviceID)
	defer unlock()

	now := time.Now().UTC()
	update := models.Device{
		Metrics:   metrics,
		LastSeen:  &observedAt,
		Timestamp: s.displayTime(observedAt),
		UpdatedAt: now,
	}
	columns := append(append([]string{}, models.MetricsColumns...), "last_seen", "timestamp", "updated_at")

	result := s.DB.WithContext(ctx).
		Model(&models.Device{}).
		Where("device_id = ? AND (last_seen IS NULL OR last_seen < ?)", deviceID, observedAt).
		Select(columns).
		Updates(&update)
	if result.Error != nil {
		return "", fmt.Errorf("failed to update device %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected > 0 {
		return HeartbeatUpdated, nil
	}

	device := models.Device{
		DeviceID:  deviceID,
		Metrics:   metrics,
		Status:    models.StatusOffline,
		LastSeen:  &observedAt,
		Timestamp: s.displayTime(observedAt),
	}
	result = s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "device_id"}}, DoNothing: true}).
		Create(&device)
	if result.Error != nil {
		return "", fmt.Errorf("failed to create device %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrStaleHeartbeat
	}

	return HeartbeatCreated, nil
}

// UpsertAlert increments the device's flag counter and records the latest
// flag. Unknown devices yield ErrUnknownDevice unless CreateOnUnknownAlert is set.
func (s *DeviceStore) UpsertAlert(ctx context.Context, deviceID, flagType, flagFile string, observedAt time.Time) (AlertAction, error) {
	if deviceID == "" {
		return "", errors.New("device id is required")
	}
	if flagType == "" {
		flagType = models.DefaultFlagType
	}
	if flagFile == "" {
		flagFile = models.DefaultFlagFile
	}

	unlock := s.lock(deviceID)
	defer unlock()

	result := s.DB.WithContext(ctx).
		Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		UpdateColumns(map[string]interface{}{
			"flag_count":     gorm.Expr("flag_count + ?", 1),
			"last_flag_type": flagType,
			"last_flag_file": flagFile,
			"timestamp":      s.displayTime(observedAt),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return "", fmt.Errorf("failed to flag device %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected > 0 {
		return AlertFlagged, nil
	}

	if !s.opts.CreateOnUnknownAlert {
		return "", ErrUnknownDevice
	}

	device := models.Device{
		DeviceID:     deviceID,
		Status:       models.StatusOffline,
		FlagCount:    1,
		LastFlagType: &flagType,
		LastFlagFile: &flagFile,
		Timestamp:    s.displayTime(observedAt),
	}
	if err := s.DB.WithContext(ctx).Create(&device).Error; err != nil {
		return "", fmt.Errorf("failed to create flagged device %s: %w", deviceID, err)
	}

	return AlertCreated, nil
}

// ScanAll reads the liveness columns of every device. The cursor is closed
// before returning so callers can write while iterating. Rows that fail to
// decode are logged and skipped.
func (s *DeviceStore) ScanAll(ctx context.Context) ([]LivenessRecord, error) {
	rows, err := s.DB.WithContext(ctx).
		Model(&models.Device{}).
		Select("device_id", "last_seen", "status").
		Order("id").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	defer rows.Close()

	var records []LivenessRecord
	for rows.Next() {
		var rec LivenessRecord
		if err := rows.Scan(&rec.DeviceID, &rec.LastSeen, &rec.Status); err != nil {
			s.log.Warn("Skipping unreadable device row", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return records, fmt.Errorf("device scan interrupted: %w", err)
	}

	return records, nil
}

// SetStatus writes status only if the device's last_seen still equals
// lastSeen and the status differs. A heartbeat that landed after the sweep
// read the row therefore wins. It reports whether a row changed.
func (s *DeviceStore) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus, lastSeen time.Time) (bool, error) {
	result := s.DB.WithContext(ctx).
		Model(&models.Device{}).
		Where("device_id = ? AND last_seen = ? AND status <> ?", deviceID, lastSeen.UTC(), status).
		UpdateColumn("status", status)
	if result.Error != nil {
		return false, fmt.Errorf("failed to set status for %s: %w", deviceID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Get returns one device by identity.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	err := s.DB.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// List returns every device ordered by most recent heartbeat.
func (s *DeviceStore) List(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := s.DB.WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "last_seen"}, Desc: true}).
		Order("device_id").
		Find(&devices).Error
	return devices, err
}

// Stats counts devices per status and sums flags.
func (s *DeviceStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.DB.WithContext(ctx).Model(&models.Device{})

	if err := db.Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := s.DB.WithContext(ctx).Model(&models.Device{}).Where("status = ?", models.StatusOnline).Count(&stats.Online).Error; err != nil {
		return stats, err
	}
	stats.Offline = stats.Total - stats.Online

	var flags struct{ Total int64 }
	if err := s.DB.WithContext(ctx).Model(&models.Device{}).Select("COALESCE(SUM(flag_count), 0) AS total").Scan(&flags).Error; err != nil {
		return stats, err
	}
	stats.TotalFlags = flags.Total

	return stats, nil
}
