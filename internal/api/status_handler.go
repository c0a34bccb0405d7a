package api

import (
	"log/slog"
	"net/http"

	"github.com/kirychukyurii/loadgen-manager/internal/model"
)

type healthResponse struct {
	Status string `json:"status"`
}

// statusResponse summarizes the node registry
type statusResponse struct {
	Total    int                  `json:"total"`
	ByStatus map[model.Status]int `json:"by_status"`

	// consecutive failed in-progress sweeps
	ReconcileFailures int `json:"reconcile_failures"`
}

// Health handles GET /healthz. It fails when the node registry is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.nodes.Total(r.Context(), model.NodeFilter{}); err != nil {
		h.logger.Error("health check failed",
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusServiceUnavailable, "node registry unavailable")
		return
	}

	h.respondJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// GetStatus handles GET /status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context(), model.NodeFilter{})
	if err != nil {
		h.logger.Error("failed to list nodes",
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusInternalServerError, "failed to get node status")
		return
	}

	resp := statusResponse{
		Total: len(nodes),
		ByStatus: map[model.Status]int{
			model.StatusDisabled:   0,
			model.StatusEnabled:    0,
			model.StatusInProgress: 0,
			model.StatusError:      0,
		},
	}
	for _, n := range nodes {
		resp.ByStatus[n.Status]++
	}
	if h.reconciler != nil {
		resp.ReconcileFailures = h.reconciler.Failures()
	}

	h.respondJSON(w, http.StatusOK, resp)
}
