package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	connectors []ConnectorSource
	now        func() time.Time
}

// NewHealthHandler creates a HealthHandler over the running connectors.
func NewHealthHandler(connectors []ConnectorSource) *HealthHandler {
	return &HealthHandler{connectors: connectors, now: time.Now}
}

// HealthCheck reports "ok" when every book and order poller is healthy and
// "degraded" with a 503 when any has hit its failure threshold.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var degraded []string
	for _, c := range h.connectors {
		st := c.Stats()
		for _, b := range st.Books {
			if b.Degraded {
				degraded = append(degraded, c.Name()+"/"+string(b.TradingPair))
			}
		}
		if st.OrdersDegraded {
			degraded = append(degraded, c.Name()+"/orders")
		}
	}

	status, code := "ok", http.StatusOK
	if len(degraded) > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"degraded":  degraded,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
