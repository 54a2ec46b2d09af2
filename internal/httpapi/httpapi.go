// Package httpapi exposes the minimal operator-facing HTTP surface: health
// and aggregate stats only. Administrative UI, authentication, and
// subscription CRUD are out of scope per spec §1 — this mirrors
// backend/router/router.go's health()/getDiagnostics() shape without the
// rest of that router's admin surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/whisper-darkly/sticky-dispatch/internal/worker"
)

// StatsProvider is satisfied by the supervisor: it knows every worker it
// started.
type StatsProvider interface {
	Workers() []*worker.Worker
}

// New builds the HTTP handler for /healthz and /stats.
func New(sp StatsProvider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz(sp))
	mux.HandleFunc("GET /stats", stats(sp))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func healthz(sp StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// stats fans out over every worker concurrently (sync.WaitGroup), the same
// aggregation shape router.go's getDiagnostics() uses for its subsystems,
// and assembles one JSON response.
func stats(sp StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers := sp.Workers()
		out := make([]worker.Snapshot, len(workers))

		var wg sync.WaitGroup
		for i, wk := range workers {
			wg.Add(1)
			go func(i int, wk *worker.Worker) {
				defer wg.Done()
				out[i] = wk.Snapshot()
			}(i, wk)
		}
		wg.Wait()

		totalPending, totalInFlight := 0, 0
		for _, s := range out {
			totalPending += s.Pending
			totalInFlight += s.InFlightConc
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"services":        out,
			"total_pending":   totalPending,
			"total_in_flight": totalInFlight,
		})
	}
}
