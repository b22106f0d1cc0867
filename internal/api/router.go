package api

import (
	"net/http"

	"github.com/0xA1M/dashpro/internal/api/handlers"
	utils "github.com/0xA1M/dashpro/internal/api/utils"
	"github.com/0xA1M/dashpro/internal/auth"
	"github.com/0xA1M/dashpro/internal/common"
	"github.com/0xA1M/dashpro/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	DB       *gorm.DB
	Store    *store.DeviceStore
	Auth     *auth.Service
	Limiter  *utils.RateLimiter
	Recorder handlers.IngestRecorder
	Metrics  http.Handler
	Log      *zap.Logger
}

// Router sets up the main API router with all routes
func Router(deps Deps) *mux.Router {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.SendErrorResponse(w, utils.NewAPIError("Not found", http.StatusNotFound))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.SendErrorResponse(w, utils.NewAPIError("Method not allowed", http.StatusMethodNotAllowed))
	})

	router.Use(utils.RequestLogger(log))
	router.Use(utils.InputValidationMiddleware)

	ingestService := handlers.NewIngestService(deps.Store, log, deps.Recorder)
	deviceService := handlers.NewDeviceService(deps.Store)

	// Public routes
	router.HandleFunc("/health", handlers.HealthHandler(deps.DB)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	// Agent ingest, authenticated with the shared secret. Served both at the
	// root and under /api for older agents.
	ingest := router.NewRoute().Subrouter()
	if deps.Limiter != nil {
		ingest.Use(utils.RateLimitMiddleware(deps.Limiter))
	}
	ingest.Use(deps.Auth.IngestAuthMiddleware(log))
	for _, prefix := range []string{"", "/api"} {
		ingest.HandleFunc(prefix+common.HeartbeatPath, handlers.HeartbeatHandler(ingestService)).Methods(http.MethodPost)
		ingest.HandleFunc(prefix+common.AlertPath, handlers.AlertHandler(ingestService)).Methods(http.MethodPost)
	}

	// Dashboard read API, authenticated with viewer JWTs
	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(deps.Auth.ViewerAuthMiddleware)
	protected.HandleFunc("/devices", handlers.GetDevicesHandler(deviceService)).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{id}", handlers.GetDeviceHandler(deviceService)).Methods(http.MethodGet)
	protected.HandleFunc("/dashboard/stats", handlers.GetDashboardStatsHandler(deviceService)).Methods(http.MethodGet)

	return router
}
