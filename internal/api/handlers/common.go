package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/0xA1M/dashpro/internal/api/utils"
	"gorm.io/gorm"
)

// HealthHandler reports whether the collector and its database are up
func HealthHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "ok",
			"time":    time.Now().Format(time.RFC3339),
			"service": "dashpro-collector",
		}

		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Database unavailable", http.StatusServiceUnavailable))
			return
		}

		utils.SendSuccessResponse(w, resp)
	}
}
