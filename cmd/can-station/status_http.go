package main

import (
	"encoding/json"
	"net/http"

	"github.com/kstaniek/go-can-station/internal/station"
)

// statusHandler serves the station snapshot as JSON.
func statusHandler(st *station.State, busUp func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(st.Snapshot().Report(busUp()))
	})
}
