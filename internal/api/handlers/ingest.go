package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/0xA1M/dashpro/internal/api/utils"
	"github.com/0xA1M/dashpro/internal/common"
	"github.com/0xA1M/dashpro/internal/store"
	"go.uber.org/zap"
)

// IngestRecorder counts ingest outcomes
type IngestRecorder interface {
	Heartbeat(result string)
	Alert(result string)
}

type nopRecorder struct{}

func (nopRecorder) Heartbeat(string) {}
func (nopRecorder) Alert(string)     {}

// IngestService handles heartbeat and alert ingestion
type IngestService struct {
	Store    *store.DeviceStore
	log      *zap.Logger
	recorder IngestRecorder
	now      func() time.Time
}

// NewIngestService creates a new ingest service
func NewIngestService(s *store.DeviceStore, log *zap.Logger, recorder IngestRecorder) *IngestService {
	if log == nil {
		log = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &IngestService{Store: s, log: log, recorder: recorder, now: time.Now}
}

// HeartbeatHandler records a heartbeat. Authentication has already happened
// in middleware.
func HeartbeatHandler(svc *IngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req common.Heartbeat
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			svc.recorder.Heartbeat("rejected")
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}

		deviceID := strings.TrimSpace(req.DeviceID)
		if deviceID == "" {
			svc.recorder.Heartbeat("rejected")
			utils.SendErrorResponse(w, utils.NewAPIError("Missing device_id", http.StatusBadRequest))
			return
		}

		observedAt := svc.now()
		action, err := svc.Store.UpsertHeartbeat(r.Context(), deviceID, req.Metrics, observedAt)
		switch {
		case errors.Is(err, store.ErrStaleHeartbeat):
			svc.recorder.Heartbeat("ignored")
			svc.log.Info("Ignored stale heartbeat",
				zap.String("device_id", deviceID),
				zap.Time("observed_at", observedAt))
			utils.SendAck(w, "Heartbeat ignored", "ignored")
			return
		case err != nil:
			svc.recorder.Heartbeat("error")
			svc.log.Error("Failed to store heartbeat", zap.String("device_id", deviceID), zap.Error(err))
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to store heartbeat", http.StatusInternalServerError))
			return
		}

		svc.recorder.Heartbeat(string(action))
		svc.log.Debug("Heartbeat accepted",
			zap.String("device_id", deviceID),
			zap.String("action", string(action)),
			zap.Int64("agent_flags", req.Flags))

		if action == store.HeartbeatCreated {
			svc.log.Info("New device registered", zap.String("device_id", deviceID))
			utils.SendAck(w, "Device created", string(action))
			return
		}
		utils.SendAck(w, "Device updated", string(action))
	}
}

// AlertHandler records a flagged file
func AlertHandler(svc *IngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req common.Alert
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			svc.recorder.Alert("rejected")
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}

		deviceID := strings.TrimSpace(req.DeviceID)
		if deviceID == "" {
			svc.recorder.Alert("rejected")
			utils.SendErrorResponse(w, utils.NewAPIError("Missing device_id", http.StatusBadRequest))
			return
		}

		flagType := req.Kind()
		action, err := svc.Store.UpsertAlert(r.Context(), deviceID, flagType, strings.TrimSpace(req.FilePath), svc.now())
		switch {
		case errors.Is(err, store.ErrUnknownDevice):
			svc.recorder.Alert("unresolved")
			svc.log.Warn("Alert for unknown device",
				zap.String("device_id", deviceID),
				zap.String("flag_type", flagType),
				zap.String("file_path", req.FilePath))
			utils.SendAck(w, "Device not found", "unresolved")
			return
		case err != nil:
			svc.recorder.Alert("error")
			svc.log.Error("Failed to store alert", zap.String("device_id", deviceID), zap.Error(err))
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to store alert", http.StatusInternalServerError))
			return
		}

		svc.recorder.Alert(string(action))
		svc.log.Info("Device flagged",
			zap.String("device_id", deviceID),
			zap.String("flag_type", flagType),
			zap.String("file_path", req.FilePath),
			zap.String("action", string(action)))
		utils.SendAck(w, "Device flagged", string(action))
	}
}
