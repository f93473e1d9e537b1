package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nvmepf "github.com/ehrlich-b/go-nvmepf"
)

type statusResponse struct {
	Endpoint nvmepf.EndpointInfo    `json:"endpoint"`
	Metrics  nvmepf.MetricsSnapshot `json:"metrics"`
}

// newRouter serves /metrics, /status and /healthz.
func newRouter(ep *nvmepf.Endpoint, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Endpoint: ep.Info(),
			Metrics:  ep.MetricsSnapshot(),
		})
	})

	// Healthy once the host has enabled the controller.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ep.IsReady() {
			http.Error(w, string(ep.State()), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	return r
}
