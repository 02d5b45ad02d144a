package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rickgao/gatesync/internal/connection"
	"github.com/rickgao/gatesync/internal/metrics"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/netstate"
	"github.com/rickgao/gatesync/internal/router"
)

// statusSource is the part of the registry the handlers read.
type statusSource interface {
	Stats() connection.RegistryStats
}

type healthResponse struct {
	Status    model.Status `json:"status"`
	LatencyMS int64        `json:"latency_ms"`
	Connected int          `json:"connected"`
	Servers   int          `json:"servers"`
}

// newHandler serves health, metrics and debug endpoints. The environment
// endpoints let a network manager hook report reachability changes.
func newHandler(reg statusSource, rt router.Router, rec *metrics.Recorder, env *netstate.State, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stats := reg.Stats()
		resp := healthResponse{
			Status:    stats.Status,
			LatencyMS: stats.Latency.Milliseconds(),
			Connected: stats.ConnectedCount,
			Servers:   len(stats.Connections),
		}

		w.Header().Set("Content-Type", "application/json")
		if len(stats.Connections) > 0 && stats.Status == model.StatusDisconnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("GET "+metricsPath, rec.Handler())

	mux.HandleFunc("GET /debug/connections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"registry": reg.Stats(),
			"router":   rt.Stats(),
		})
	})

	mux.HandleFunc("POST /debug/online", envSetter(env.SetOnline))
	mux.HandleFunc("POST /debug/foreground", envSetter(env.SetForeground))

	return mux
}

// envSetter reads ?value=true|false and applies it.
func envSetter(set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := strconv.ParseBool(r.URL.Query().Get("value"))
		if err != nil {
			http.Error(w, "value must be true or false", http.StatusBadRequest)
			return
		}
		set(v)
		w.WriteHeader(http.StatusNoContent)
	}
}
