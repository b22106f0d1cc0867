package handlers

import (
	"errors"
	"net/http"

	"github.com/0xA1M/dashpro/internal/api/utils"
	"github.com/0xA1M/dashpro/internal/store"
	"github.com/gorilla/mux"
)

// DeviceService serves the dashboard's read-only view of the registry
type DeviceService struct {
	Store *store.DeviceStore
}

// NewDeviceService creates a new device service
func NewDeviceService(s *store.DeviceStore) *DeviceService {
	return &DeviceService{Store: s}
}

// GetDevicesHandler returns all devices
func GetDevicesHandler(svc *DeviceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := svc.Store.List(r.Context())
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to retrieve devices", http.StatusInternalServerError))
			return
		}

		utils.SendSuccessResponse(w, devices)
	}
}

// GetDeviceHandler returns a specific device by identity
func GetDeviceHandler(svc *DeviceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, err := svc.Store.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			if errors.Is(err, store.ErrDeviceNotFound) {
				utils.SendErrorResponse(w, utils.NewAPIError("Device not found", http.StatusNotFound))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to retrieve device", http.StatusInternalServerError))
			return
		}

		utils.SendSuccessResponse(w, device)
	}
}

// GetDashboardStatsHandler returns device counts and the total flag count
func GetDashboardStatsHandler(svc *DeviceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Store.Stats(r.Context())
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to compute stats", http.StatusInternalServerError))
			return
		}

		utils.SendSuccessResponse(w, stats)
	}
}
