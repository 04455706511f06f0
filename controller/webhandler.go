package controller

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// StatusHandler serves the latest controller Snapshot as JSON on GET.
func StatusHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			slog.Error("Failed to encode status to JSON", "error", err)
			http.Error(w, "Failed to serialize status", http.StatusInternalServerError)
		}
	}
}

// NewStatusServer returns a server exposing /api/status on addr.
func NewStatusServer(addr string, c *Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/api/status", StatusHandler(c))
	return &http.Server{Addr: addr, Handler: mux}
}
