package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := map[string]string{
		"status": "ok",
	}

	for name, check := range h.healthChecks {
		if err := check(ctx); err != nil {
			health[name] = "down"
			health["status"] = "degraded"
		} else {
			health[name] = "up"
		}
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}
