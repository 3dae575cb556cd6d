// Package httpapi wires the node's admin HTTP surface: liveness/readiness
// probes, Prometheus metrics, and read-only grid status/trace endpoints,
// behind a middleware stack that records every request into the metrics
// package's http_* vectors.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.nodegrid.dev/nodegrid/internal/health"
	"go.nodegrid.dev/nodegrid/internal/metrics"
	"go.nodegrid.dev/nodegrid/internal/scheduler"
	"go.nodegrid.dev/nodegrid/internal/warning"
)

// New builds the chi router serving health, metrics, and grid status
// endpoints for sched, behind checker's liveness/readiness aggregation.
// warnings may be nil, in which case /grid/warnings always reports an
// empty list.
func New(sched *scheduler.Scheduler, checker *health.Checker, warnings warning.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))
	r.Use(metricsMiddleware)

	r.Get("/health", checker.HandleHealth)
	r.Get("/healthz", checker.HandleHealth)
	r.Get("/livez", checker.HandleLive)
	r.Get("/readyz", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/grid/status", statusHandler(sched))
	r.Get("/grid/trace", traceHandler(sched))
	r.Get("/grid/warnings", warningsHandler(warnings))

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		metrics.HTTPActiveConnections.Inc()
		defer metrics.HTTPActiveConnections.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := chi.RouteContext(req.Context()).RoutePattern()
		if route == "" {
			route = req.URL.Path
		}
		metrics.HTTPRequestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(req.Method, route, strconv.Itoa(ww.Status())).Inc()
	})
}

type statusBody struct {
	Node      string   `json:"node"`
	Status    string   `json:"status"`
	TaskCount int      `json:"task_count"`
	Tasks     []string `json:"tasks"`
}

func statusHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := statusBody{
			Node:      sched.Name(),
			Status:    sched.Status().String(),
			TaskCount: sched.TaskCount(),
			Tasks:     sched.TaskNames(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func traceHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sched.TraceSnapshot())
	}
}

// warningsHandler serves the unacknowledged operator warnings accumulated
// by squeue bookkeeping and registry expiry, newest first; ?all=1 returns
// every stored warning instead of only the unacknowledged ones.
func warningsHandler(warnings warning.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if warnings == nil {
			_ = json.NewEncoder(w).Encode([]*warning.Warning{})
			return
		}
		if r.URL.Query().Get("all") == "1" {
			_ = json.NewEncoder(w).Encode(warnings.GetAllWarnings())
			return
		}
		_ = json.NewEncoder(w).Encode(warnings.GetUnacknowledgedWarnings())
	}
}
