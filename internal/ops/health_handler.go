package ops

import (
	"encoding/json"
	"net/http"

	"dockwatch.citycycles.org/internal/logging"
)

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// healthHandler verifies the shared store is open and reachable.
// It returns 503 Service Unavailable until the process can serve.
func (api *OpsAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// 1. Liveness check: is the basic infrastructure initialized?
	if api.Application == nil || api.Store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Detail: "shared store not initialized",
		})
		return
	}

	// 2. Connectivity check: is the store file actually reachable?
	if err := api.Store.DB().PingContext(r.Context()); err != nil {
		if api.Logger != nil {
			logging.LogError(api.Logger, "store ping failed", err)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Role:   string(api.Config.Role),
			Detail: "store connection failed",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status: "ok",
		Role:   string(api.Config.Role),
	})
}
