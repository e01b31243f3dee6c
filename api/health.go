package api

import (
	"context"
	"net/http"
	"time"
)

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readinessResponse struct {
	Status         string            `json:"status"`
	Checks         map[string]string `json:"checks"`
	Reconciliation *reconcileSummary `json:"reconciliation,omitempty"`
}

type reconcileSummary struct {
	CheckedAt     string `json:"checked_at"`
	OK            bool   `json:"ok"`
	Discrepancies int    `json:"discrepancies"`
	NextRun       string `json:"next_run"`
}

// Healthz handles GET /healthz. It only reports that the process is serving.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. The store is always probed; Checks adds the
// optional dependencies (redis, ...).
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := append([]ReadinessCheck{{Name: "store", Check: h.Store.Ping}}, h.Checks...)
	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	status := http.StatusOK
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	if h.Scheduler != nil {
		if report, ok := h.Scheduler.LastReport(); ok {
			resp.Reconciliation = &reconcileSummary{
				CheckedAt:     report.CheckedAt.Format(time.RFC3339),
				OK:            report.OK() && h.Scheduler.LastError() == nil,
				Discrepancies: len(report.Discrepancies),
				NextRun:       h.Scheduler.NextRunTime().UTC().Format(time.RFC3339),
			}
		}
	}
	writeJSON(w, status, resp)
}
