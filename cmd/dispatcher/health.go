package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

const readinessTimeout = 3 * time.Second

// newHealthServer serves /health, /ready and /metrics. /ready runs every
// dependency check and answers 503 when one fails.
func newHealthServer(addr string, checks []readinessCheck) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		status, code := "ready", http.StatusOK
		failures := map[string]string{}
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				failures[c.name] = err.Error()
			}
		}
		if len(failures) > 0 {
			status, code = "not_ready", http.StatusServiceUnavailable
		}

		body := map[string]interface{}{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		}
		if len(failures) > 0 {
			body["failures"] = failures
		}
		writeJSON(w, code, body)
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
