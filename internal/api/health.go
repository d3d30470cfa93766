package api

import (
	"net/http"
	"time"

	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/session"
)

type HealthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	ActiveSessions int               `json:"active_sessions"`
	DBErrors       int64             `json:"db_errors"`
	Checks         map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *database.DB
	store     *session.Store
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, store *session.Store, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, store: store, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		ActiveSessions: h.store.ActiveCount(),
		DBErrors:       h.store.DBErrorCount(),
		Checks:         map[string]string{"database": "ok"},
	}

	status := http.StatusOK
	if err := h.db.HealthCheck(r.Context()); err != nil {
		// The cache keeps live calls working; report degraded, not down.
		resp.Status = "degraded"
		resp.Checks["database"] = err.Error()
	}
	WriteJSON(w, status, resp)
}
