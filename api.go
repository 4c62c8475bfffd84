package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// gzipHandler wraps an http.HandlerFunc with gzip compression
func gzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		fn(gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// APIHandler serves the read-only HTTP views of the pileup
type APIHandler struct {
	hub       *Hub
	config    *Config
	limiter   *IPRateLimiter
	metrics   *PrometheusMetrics
	loadAvg   func() (*load.AvgStat, error)
	cpuCounts func(logical bool) (int, error)
}

// NewAPIHandler creates the handler set for /api/state, /health and /metrics
func NewAPIHandler(hub *Hub, config *Config, limiter *IPRateLimiter, metrics *PrometheusMetrics) *APIHandler {
	return &APIHandler{
		hub:       hub,
		config:    config,
		limiter:   limiter,
		metrics:   metrics,
		loadAvg:   load.Avg,
		cpuCounts: cpu.Counts,
	}
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status     string   `json:"status"`
	Sessions   int      `json:"sessions"`
	Backlog    int      `json:"backlog"`
	AudioOwned bool     `json:"audio_owned"`
	Uptime     string   `json:"uptime"`
	Goroutines int      `json:"goroutines"`
	CPUCores   int      `json:"cpu_cores,omitempty"`
	Load1      *float64 `json:"load_1,omitempty"`
	Load5      *float64 `json:"load_5,omitempty"`
	Load15     *float64 `json:"load_15,omitempty"`
}

// HandleState serves the current snapshot as JSON
func (a *APIHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	if a.limiter != nil {
		clientIP := getClientIP(r, &a.config.Server)
		if !a.limiter.Allow(clientIP) {
			a.metrics.RecordRateLimitError("api")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "Rate limit exceeded",
			})
			return
		}
	}

	snap, err := a.hub.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("Error encoding pileup state: %v", err)
	}
}

// HandleHealth reports liveness and host load. Load figures are omitted
// where the platform does not provide them.
func (a *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Status:     "ok",
		Uptime:     a.hub.Uptime().Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	snap, err := a.hub.Snapshot()
	if err != nil {
		resp.Status = "stopping"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.Sessions = snap.ConnectedClients
		resp.Backlog = len(snap.Backlog)
		resp.AudioOwned = snap.AudioClientID != nil
	}

	if n, err := a.cpuCounts(true); err == nil {
		resp.CPUCores = n
	}
	if avg, err := a.loadAvg(); err == nil && avg != nil {
		resp.Load1, resp.Load5, resp.Load15 = &avg.Load1, &avg.Load5, &avg.Load15
	} else if DebugMode && err != nil {
		log.Printf("DEBUG: load average unavailable: %v", err)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// HandleMetrics serves Prometheus metrics with IP-based access control
func (a *APIHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r, &a.config.Server)

	if !a.config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}

	a.metrics.Handler().ServeHTTP(w, r)
}
