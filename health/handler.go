package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the monitor's aggregate status as JSON. Unhealthy
// aggregates answer 503 so orchestrator probes fail; degraded stays
// 200 since the bridge is still doing useful work.
func Handler(monitor *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		aggregate := monitor.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if aggregate.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(aggregate)
	})
}
