package migrations

import (
	"fmt"

	"github.com/0xA1M/dashpro/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the devices table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Device{}); err != nil {
		return fmt.Errorf("failed to migrate device model: %w", err)
	}
	return nil
}
