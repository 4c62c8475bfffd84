package main

import (
	"fmt"
	"net"
	"os"

	"github.com/cwsl/cwpileup/pileup"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pileup     PileupConfig     `yaml:"pileup"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ServerConfig contains HTTP and WebSocket settings
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	StaticDir       string   `yaml:"static_dir"`        // Directory served at / (empty = no static files)
	MaxSessions     int      `yaml:"max_sessions"`      // Maximum concurrent participants
	CmdRateLimit    int      `yaml:"cmd_rate_limit"`    // State commands per second per session (-1 = unlimited)
	FrameRateLimit  int      `yaml:"frame_rate_limit"`  // Waterfall frames per second per session (-1 = unlimited)
	ConnRateLimit   int      `yaml:"conn_rate_limit"`   // WebSocket connections per second per IP (-1 = unlimited)
	APIRateLimit    int      `yaml:"api_rate_limit"`    // /api/state requests per second per IP (-1 = unlimited)
	SendBuffer      int      `yaml:"send_buffer"`       // Outbound messages queued per session before dropping
	MaxMessageSize  int64    `yaml:"max_message_size"`  // Largest inbound WebSocket message in bytes
	PingInterval    int      `yaml:"ping_interval"`     // WebSocket keepalive ping interval in seconds
	ReuseAddr       bool     `yaml:"reuse_addr"`        // Set SO_REUSEADDR on the listener
	EnableCORS      bool     `yaml:"enable_cors"`
	TrustedProxyIPs []string `yaml:"trusted_proxy_ips"` // List of IPs/CIDRs to trust X-Real-IP header from

	trustedProxyNets []*net.IPNet // Parsed CIDR networks for trusted proxies (internal use)
}

// PileupConfig contains the starting transmission settings and the bounds
// enforced on every update
type PileupConfig struct {
	WPM               int           `yaml:"wpm"`
	DelayBetweenItems *int          `yaml:"delay_between_items"` // milliseconds; 0 is valid so nil means unset
	DitFrequency      int           `yaml:"dit_frequency"`
	DahFrequency      int           `yaml:"dah_frequency"`
	Bounds            pileup.Bounds `yaml:"bounds"`
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool     `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT event publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all events
	PublishInterval int           `yaml:"publish_interval"` // Publishing interval for metrics in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// MCPConfig contains Model Context Protocol settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"` // Enable/disable MCP endpoint
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse trusted proxy IPs/CIDRs
	nets, err := parseIPList(config.Server.TrustedProxyIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted_proxy_ips: %w", err)
	}
	config.Server.trustedProxyNets = nets

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		nets, err := parseIPList(config.Prometheus.AllowedHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
		config.Prometheus.allowedNets = nets
	}

	config.applyDefaults()
	return &config, nil
}

// applyDefaults fills every field YAML left at its zero value
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 200
	}
	if c.Server.CmdRateLimit == 0 {
		c.Server.CmdRateLimit = 20 // Default 20 commands/sec per session
	}
	if c.Server.FrameRateLimit == 0 {
		c.Server.FrameRateLimit = 20 // Gate sends 10/sec; allow some jitter
	}
	if c.Server.ConnRateLimit == 0 {
		c.Server.ConnRateLimit = 2 // Default 2 connections/sec per IP
	}
	if c.Server.APIRateLimit == 0 {
		c.Server.APIRateLimit = 5
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 64
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 64 * 1024
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30
	}

	defaults := pileup.DefaultConfig()
	if c.Pileup.WPM == 0 {
		c.Pileup.WPM = defaults.WPM
	}
	if c.Pileup.DelayBetweenItems == nil {
		delay := defaults.DelayBetweenItems
		c.Pileup.DelayBetweenItems = &delay
	}
	if c.Pileup.DitFrequency == 0 {
		c.Pileup.DitFrequency = defaults.DitFrequency
	}
	if c.Pileup.DahFrequency == 0 {
		c.Pileup.DahFrequency = defaults.DahFrequency
	}

	bounds := pileup.DefaultBounds()
	if c.Pileup.Bounds.WPM == (pileup.Range{}) {
		c.Pileup.Bounds.WPM = bounds.WPM
	}
	if c.Pileup.Bounds.Delay == (pileup.Range{}) {
		c.Pileup.Bounds.Delay = bounds.Delay
	}
	if c.Pileup.Bounds.Frequency == (pileup.Range{}) {
		c.Pileup.Bounds.Frequency = bounds.Frequency
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "cwpileup"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}
}

// InitialConfig returns the transmission settings a fresh store starts with
func (pc *PileupConfig) InitialConfig() pileup.Config {
	cfg := pileup.Config{
		WPM:          pc.WPM,
		DitFrequency: pc.DitFrequency,
		DahFrequency: pc.DahFrequency,
	}
	if pc.DelayBetweenItems != nil {
		cfg.DelayBetweenItems = *pc.DelayBetweenItems
	}
	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be at least 1")
	}
	if c.Server.SendBuffer < 1 {
		return fmt.Errorf("server.send_buffer must be at least 1")
	}
	if c.Server.MaxMessageSize < 1024 {
		return fmt.Errorf("server.max_message_size must be at least 1024")
	}
	if c.Server.StaticDir != "" {
		info, err := os.Stat(c.Server.StaticDir)
		if err != nil {
			return fmt.Errorf("server.static_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("server.static_dir %s is not a directory", c.Server.StaticDir)
		}
	}

	b := c.Pileup.Bounds
	for name, r := range map[string]pileup.Range{"wpm": b.WPM, "delay_between_items": b.Delay, "frequency": b.Frequency} {
		if r.Min > r.Max {
			return fmt.Errorf("pileup.bounds.%s: min %d exceeds max %d", name, r.Min, r.Max)
		}
	}
	if b.WPM.Min < 1 {
		return fmt.Errorf("pileup.bounds.wpm.min must be at least 1")
	}
	if b.Delay.Min < 0 {
		return fmt.Errorf("pileup.bounds.delay_between_items.min must not be negative")
	}
	if initial := c.Pileup.InitialConfig(); !b.Valid(initial) {
		return fmt.Errorf("pileup defaults %+v are outside the configured bounds", initial)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	return nil
}

// parseIPList parses a list of IPs and CIDRs into networks
func parseIPList(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))

	for _, ipStr := range entries {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			nets = append(nets, ipNet)
			continue
		}

		// Try parsing as a single IP address
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		// Convert single IP to CIDR (/32 for IPv4, /128 for IPv6)
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nets, nil
}

// ipInNets reports whether ipStr falls in any of nets
func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if len(nets) == 0 {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range nets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}

// IsTrustedProxy checks if an IP address is in the trusted proxy list
func (sc *ServerConfig) IsTrustedProxy(ipStr string) bool {
	return ipInNets(ipStr, sc.trustedProxyNets)
}

// IsIPAllowed checks if an IP address is in the allowed hosts list
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	return ipInNets(ipStr, pc.allowedNets)
}
