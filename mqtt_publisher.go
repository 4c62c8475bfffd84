package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cwsl/cwpileup/pileup"
)

// MQTTPublisher mirrors pileup events and periodic metrics to a broker.
// It is registered as a HubObserver, so event methods run on the hub loop
// and never wait for the broker.
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	gatherer prometheus.Gatherer
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// BacklogPayload is published on every queue change
type BacklogPayload struct {
	Timestamp int64          `json:"timestamp"`
	Length    int            `json:"length"`
	Backlog   []pileup.Entry `json:"backlog"`
}

// AudioOwnerPayload is published, retained, when the audio token moves
type AudioOwnerPayload struct {
	Timestamp     int64             `json:"timestamp"`
	AudioClientID *pileup.SessionID `json:"audioClientId"`
}

// PlayedPayload is published when the audio owner reports an entry played
type PlayedPayload struct {
	Timestamp int64        `json:"timestamp"`
	Entry     pileup.Entry `json:"entry"`
}

// generateClientID creates a unique client ID for the MQTT connection
func generateClientID() string {
	return "cwpileup_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker. With connect retry enabled the
// client keeps trying in the background, so a broker that is down at
// startup does not stop the server.
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Publishing to %s under %s/", config.Broker, config.TopicPrefix)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: metrics.Gatherer(),
	}, nil
}

// StartPublisher publishes metrics every PublishInterval seconds until ctx is done
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

	mp.publishMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			return
		case <-ticker.C:
			mp.publishMetrics()
		}
	}
}

func (mp *MQTTPublisher) topic(name string) string {
	return mp.config.TopicPrefix + "/" + name
}

// publish sends payload and checks the result in the background
func (mp *MQTTPublisher) publish(name string, retained bool, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal %s: %v", name, err)
		return
	}

	topic := mp.topic(name)
	token := mp.client.Publish(topic, mp.config.QoS, retained, data)

	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to publish to %s: %v", topic, token.Error())
		}
	}()

	if DebugMode {
		log.Printf("MQTT DEBUG: Published %d bytes to %s", len(data), topic)
	}
}

func (mp *MQTTPublisher) publishMetrics() {
	payload, err := gatherMetricPayload(mp.gatherer, time.Now())
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}
	mp.publish("metrics", false, payload)
}

// BacklogChanged implements HubObserver
func (mp *MQTTPublisher) BacklogChanged(backlog []pileup.Entry) {
	mp.publish("backlog", true, BacklogPayload{
		Timestamp: time.Now().Unix(),
		Length:    len(backlog),
		Backlog:   backlog,
	})
}

// ConfigChanged implements HubObserver
func (mp *MQTTPublisher) ConfigChanged(cfg pileup.Config) {
	mp.publish("config", true, cfg)
}

// AudioOwnerChanged implements HubObserver
func (mp *MQTTPublisher) AudioOwnerChanged(owner *pileup.SessionID) {
	mp.publish("audio_owner", true, AudioOwnerPayload{
		Timestamp:     time.Now().Unix(),
		AudioClientID: owner,
	})
}

// EntryPlayed implements HubObserver
func (mp *MQTTPublisher) EntryPlayed(entry pileup.Entry) {
	mp.publish("played", false, PlayedPayload{
		Timestamp: time.Now().Unix(),
		Entry:     entry,
	})
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}

// gatherMetricPayload flattens the pileup_ metric families into one map.
// Labelled series get a composite key with the labels sorted by name.
func gatherMetricPayload(g prometheus.Gatherer, now time.Time) (MetricPayload, error) {
	metricFamilies, err := g.Gather()
	if err != nil {
		return MetricPayload{}, err
	}

	payload := MetricPayload{
		Timestamp: now.Unix(),
		Metrics:   make(map[string]float64),
	}

	for _, mf := range metricFamilies {
		metricName := mf.GetName()
		if !strings.HasPrefix(metricName, "pileup_") {
			continue
		}

		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			payload.Metrics[metricKey(metricName, m.GetLabel())] = value
		}
	}

	return payload, nil
}

func metricKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"_"+l.GetValue())
	}
	sort.Strings(parts)
	return name + "_" + strings.Join(parts, "_")
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}
