package mqtt

import (
	"errors"
	"strings"
	"testing"

	"github.com/hortiva/hortiva-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "hortiva-test",
			TLS:      false,
		},
		Auth: config.MQTTAuthConfig{
			Username: "",
			Password: "",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "hortiva/test", qos: 3, wantErr: ErrInvalidQoS},
		{name: "not connected", topic: "hortiva/test", qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, []byte("{}"), tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Subscribe("", 1, func(string, []byte) error { return nil }); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: err = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("hortiva/test", 5, func(string, []byte) error { return nil }); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos: err = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("hortiva/test", 1, nil); err == nil {
		t.Error("nil handler: expected error")
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name     string
		build    func() string
		expected string
	}{
		{
			name:     "DeviceTelemetry",
			build:    func() string { return topics.DeviceTelemetry("fert-gw-01", "dosing-pump-3") },
			expected: "hortiva/telemetry/fert-gw-01/dosing-pump-3",
		},
		{
			name:     "DeviceCommand",
			build:    func() string { return topics.DeviceCommand("fert-gw-01", "dosing-pump-3") },
			expected: "hortiva/command/fert-gw-01/dosing-pump-3",
		},
		{
			name:     "DeviceAck",
			build:    func() string { return topics.DeviceAck("fert-gw-01", "dosing-pump-3") },
			expected: "hortiva/ack/fert-gw-01/dosing-pump-3",
		},
		{
			name:     "DeviceHeartbeat",
			build:    func() string { return topics.DeviceHeartbeat("irr-gw-02", "valve-7") },
			expected: "hortiva/heartbeat/irr-gw-02/valve-7",
		},
		{
			name:     "GatewayHealth",
			build:    func() string { return topics.GatewayHealth("fert-gw-01") },
			expected: "hortiva/health/fert-gw-01",
		},
		{
			name:     "SystemStatus",
			build:    func() string { return topics.SystemStatus() },
			expected: "hortiva/system/status",
		},
		{
			name:     "AllTelemetry",
			build:    func() string { return topics.AllTelemetry() },
			expected: "hortiva/telemetry/+/+",
		},
		{
			name:     "AllHeartbeats",
			build:    func() string { return topics.AllHeartbeats() },
			expected: "hortiva/heartbeat/+/+",
		},
		{
			name:     "AllGatewayHealth",
			build:    func() string { return topics.AllGatewayHealth() },
			expected: "hortiva/health/+",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.build(); got != tt.expected {
				t.Errorf("topic = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "hub"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("broker URL = %q, want tcp://127.0.0.1:1883", got)
	}
	if opts.ClientID != "hortiva-test" {
		t.Errorf("client ID = %q", opts.ClientID)
	}
	if opts.Username != "hub" {
		t.Errorf("username = %q", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("expected auto-reconnect enabled")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].Scheme; got != "ssl" {
		t.Errorf("scheme = %q, want ssl", got)
	}
	if opts.TLSConfig == nil {
		t.Fatal("expected TLS config")
	}
	if opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("TLS min version = %d", opts.TLSConfig.MinVersion)
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("hortiva-hub")
	if !strings.Contains(online, `"status":"online"`) || !strings.Contains(online, "hortiva-hub") {
		t.Errorf("online payload = %s", online)
	}

	offline := buildOfflinePayload("hortiva-hub")
	if !strings.Contains(offline, `"status":"offline"`) || !strings.Contains(offline, "graceful_shutdown") {
		t.Errorf("offline payload = %s", offline)
	}
}

func TestSubscriptionTracking(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if c.SubscriptionCount() != 0 {
		t.Errorf("count = %d, want 0", c.SubscriptionCount())
	}
	if c.HasSubscription("hortiva/telemetry/+/+") {
		t.Error("unexpected subscription")
	}

	c.subscriptions["hortiva/telemetry/+/+"] = subscription{topic: "hortiva/telemetry/+/+", qos: 1}
	if c.SubscriptionCount() != 1 {
		t.Errorf("count = %d, want 1", c.SubscriptionCount())
	}
	if !c.HasSubscription("hortiva/telemetry/+/+") {
		t.Error("expected subscription present")
	}
}
