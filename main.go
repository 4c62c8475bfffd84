package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cwsl/cwpileup/pileup"
)

// DebugMode enables verbose per-message logging
var DebugMode bool

func main() {
	configDir := flag.String("config-dir", ".", "Directory containing configuration files")
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	configPath := *configFile
	if *configDir != "." && !filepath.IsAbs(configPath) {
		configPath = filepath.Join(*configDir, configPath)
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := NewPrometheusMetrics()

	store := pileup.NewStore(config.Pileup.InitialConfig(), pileup.WithBounds(config.Pileup.Bounds))
	limiters := NewSessionRateLimiters(config.Server.CmdRateLimit, config.Server.FrameRateLimit)
	hub := NewHub(store, limiters, metrics, config.Server.MaxSessions)

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT, metrics)
		if err != nil {
			// MQTT is optional; the pileup runs without it
			log.Printf("Warning: MQTT disabled: %v", err)
		} else {
			hub.AddObserver(mqttPublisher)
			go mqttPublisher.StartPublisher(ctx)
		}
	}

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	log.Printf("Pileup: %d WPM, %d ms between items, dit %d Hz, dah %d Hz",
		config.Pileup.WPM, *config.Pileup.DelayBetweenItems, config.Pileup.DitFrequency, config.Pileup.DahFrequency)

	connLimiter := NewIPRateLimiter(config.Server.ConnRateLimit, 5*time.Minute)
	apiLimiter := NewIPRateLimiter(config.Server.APIRateLimit, 5*time.Minute)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				connLimiter.Cleanup()
				apiLimiter.Cleanup()
				if DebugMode {
					log.Printf("DEBUG: rate limiters tracking %d connection IPs, %d API IPs, %d sessions",
						connLimiter.GetStats(), apiLimiter.GetStats(), limiters.GetStats())
				}
			}
		}
	}()

	api := NewAPIHandler(hub, config, apiLimiter, metrics)

	mux := http.NewServeMux()
	mux.Handle("/ws", NewPileupWebSocketHandler(hub, &config.Server, connLimiter, metrics))
	mux.HandleFunc("/api/state", gzipHandler(api.HandleState))
	mux.HandleFunc("/health", api.HandleHealth)

	if config.Prometheus.Enabled {
		mux.HandleFunc("/metrics", api.HandleMetrics)
		log.Printf("Prometheus metrics enabled at /metrics (%d allowed hosts)", len(config.Prometheus.AllowedHosts))
	}

	if config.MCP.Enabled {
		mcpServer := NewMCPServer(hub)
		mux.HandleFunc("/mcp", mcpServer.HandleMCP)
		log.Println("MCP endpoint enabled at /mcp")
	}

	if config.Server.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(config.Server.StaticDir)))
		log.Printf("Serving static files from %s", config.Server.StaticDir)
	}

	server := &http.Server{
		Handler:           corsMiddleware(&config.Server, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := listenTCP(ctx, config.Server.Listen, config.Server.ReuseAddr)
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are closed by the hub, not Shutdown
		<-hubDone
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error closing server: %v", err)
		}
		if mqttPublisher != nil {
			mqttPublisher.Disconnect()
		}
	}()

	log.Printf("CW pileup server listening on %s", ln.Addr())
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	<-shutdownDone
	log.Println("Server stopped")
}
