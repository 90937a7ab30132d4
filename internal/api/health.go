package api

import (
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
)

// HealthHandler answers liveness probes. It sits outside the API key
// group so load balancers can poll it unauthenticated.
type HealthHandler struct {
	db     *gorm.DB
	hub    *hub.Hub
	events *events.Hub
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(database *gorm.DB, agentHub *hub.Hub, eventsHub *events.Hub, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     database,
		hub:    agentHub,
		events: eventsHub,
		logger: logger.Named("health_handler"),
	}
}

type healthResponse struct {
	Status             string `json:"status"`
	Database           string `json:"database"`
	AgentsConnected    int    `json:"agents_connected"`
	OperatorsConnected int    `json:"operators_connected"`
}

// Healthz handles GET /healthz. A reachable database answers 200; anything
// else answers 503 so orchestrators stop routing traffic here.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:             "ok",
		Database:           "ok",
		AgentsConnected:    h.hub.Len(),
		OperatorsConnected: h.events.ConnectedCount(),
	}

	if err := db.Ping(r.Context(), h.db); err != nil {
		h.logger.Warn("health check database ping failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unreachable"
		JSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	JSON(w, http.StatusOK, resp)
}
