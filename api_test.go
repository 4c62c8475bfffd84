package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/shirou/gopsutil/v3/load"
)

func testAPI(t *testing.T, yaml string) (*APIHandler, *testHub) {
	t.Helper()
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHub(t, 10)
	api := NewAPIHandler(h.Hub, cfg, nil, NewPrometheusMetrics())
	api.loadAvg = func() (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 0.5, Load5: 0.25, Load15: 0.125}, nil
	}
	api.cpuCounts = func(bool) (int, error) { return 4, nil }
	return api, h
}

func TestGetClientIP(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  trusted_proxy_ips: [\"10.0.0.1\"]\n"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"direct", "192.0.2.7:5555", nil, "192.0.2.7"},
		{"real ip from trusted proxy", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.9"}, "198.51.100.9"},
		{"real ip from untrusted peer", "192.0.2.7:5555", map[string]string{"X-Real-IP": "198.51.100.9"}, "192.0.2.7"},
		{"forwarded for from trusted proxy", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "203.0.113.5"},
		{"forwarded for with port", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.5:999"}, "203.0.113.5"},
		{"forwarded for from untrusted peer", "192.0.2.7:5555", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := getClientIP(r, &cfg.Server); got != tt.want {
				t.Fatalf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleMetricsIgnoresSpoofedForwardedFor(t *testing.T) {
	api, _ := testAPI(t, "prometheus:\n  enabled: true\n  allowed_hosts: [\"127.0.0.1\"]\n")

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "203.0.113.66:40000"
	r.Header.Set("X-Forwarded-For", "127.0.0.1")
	w := httptest.NewRecorder()
	api.HandleMetrics(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("spoofed X-Forwarded-For got status %d, want 403", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "127.0.0.1:40000"
	w = httptest.NewRecorder()
	api.HandleMetrics(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("allowed host got status %d", w.Code)
	}
}

func TestHandleStateGzip(t *testing.T) {
	api, h := testAPI(t, "")
	s, _ := h.connect()
	h.send(s, `{"type":"addCallsign","callsign":"dl1abc"}`)

	r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	gzipHandler(api.HandleState)(w, r)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("response not gzipped: %v", w.Header())
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Backlog) != 1 || snap.Backlog[0].Callsign != "DL1ABC" || snap.ConnectedClients != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.AudioClientID != nil {
		t.Fatalf("audio owner = %v", *snap.AudioClientID)
	}
}

func TestHandleStateRateLimited(t *testing.T) {
	api, _ := testAPI(t, "")
	api.limiter = NewIPRateLimiter(1, 0)

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		api.HandleState(w, httptest.NewRequest(http.MethodGet, "/api/state", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v", codes)
	}
}

func TestHandleHealth(t *testing.T) {
	api, h := testAPI(t, "")
	s, _ := h.connect()
	h.send(s, `{"type":"claimAudio"}`)

	w := httptest.NewRecorder()
	api.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Sessions != 1 || !resp.AudioOwned || resp.CPUCores != 4 {
		t.Fatalf("health = %+v", resp)
	}
	if resp.Load1 == nil || *resp.Load1 != 0.5 {
		t.Fatalf("load1 = %v", resp.Load1)
	}

	// Load figures are optional
	api.loadAvg = func() (*load.AvgStat, error) { return nil, errors.New("not supported") }
	w = httptest.NewRecorder()
	api.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if strings.Contains(w.Body.String(), "load_1") {
		t.Fatalf("load reported without data: %s", w.Body)
	}
}

func TestHandleMetricsAllowList(t *testing.T) {
	api, h := testAPI(t, "prometheus:\n  enabled: true\n  allowed_hosts: [\"127.0.0.1\"]\n")
	h.connect()

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	api.HandleMetrics(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("outsider got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "127.0.0.1:1234"
	w = httptest.NewRecorder()
	api.HandleMetrics(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("allowed host got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pileup_websocket_connections_total") {
		t.Fatal("metrics body missing pileup counters")
	}
}

func TestCORSPreflight(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	corsMiddleware(&ServerConfig{EnableCORS: true}, next).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/state", nil))
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", w.Code, w.Header())
	}

	w = httptest.NewRecorder()
	corsMiddleware(&ServerConfig{}, next).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/state", nil))
	if w.Code != http.StatusTeapot || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("CORS applied while disabled: %d %v", w.Code, w.Header())
	}
}
