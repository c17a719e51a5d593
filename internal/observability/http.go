package observability

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Handler serves the metrics snapshot as JSON. A "prefix" query parameter narrows the
// counters, e.g. ?prefix=saga. for saga outcomes only.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := metrics.Snapshot()
		if prefix := r.URL.Query().Get("prefix"); prefix != "" {
			for name := range snap.Counters {
				if !strings.HasPrefix(name, prefix) {
					delete(snap.Counters, name)
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}
