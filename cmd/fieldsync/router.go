package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitesafe/fieldsync/cmd/fieldsync/handlers"
	"github.com/sitesafe/fieldsync/internal/metrics"
	syncpkg "github.com/sitesafe/fieldsync/internal/sync"
)

// newRouter builds the local API served to UI components.
func newRouter(svc syncpkg.SyncService, remote handlers.RemoteStatusChecker, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/api/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", HandleWebSocket(hub))

	r.Route("/local", handlers.NewLocalHandler(svc).Routes)
	r.Route("/sync", handlers.NewSyncHandler(svc, remote).Routes)
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "fieldsync"})
}
