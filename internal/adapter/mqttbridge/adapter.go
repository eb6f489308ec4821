// Package mqttbridge implements the protocol adapter for devices
// reachable through vendor gateways on the MQTT bus.
//
// The gateway publishes telemetry and heartbeats on its own cadence;
// the adapter caches the latest sample per point and answers Read and
// Poll from that cache. Writes are request/response: the hub publishes
// a command with a correlation ID and waits for the gateway's ack on
// the device's ack topic.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hortiva/hortiva-core/internal/adapter"
	"github.com/hortiva/hortiva-core/internal/device"
	"github.com/hortiva/hortiva-core/internal/infrastructure/mqtt"
)

const (
	defaultTimeout = 10 * time.Second

	// staleAfter bounds how old a cached sample may be before Read
	// refuses to serve it.
	staleAfter = 5 * time.Minute

	commandQoS = 1
)

// Bus is the slice of the MQTT client the adapter needs. *mqtt.Client
// satisfies it; tests substitute an in-process fake.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Adapter implements adapter.Adapter for gateway-bridged MQTT devices.
type Adapter struct {
	bus     Bus
	timeout time.Duration
}

// New creates an MQTT bridge adapter on top of an established bus
// connection. timeout bounds command acknowledgement waits; zero means
// the default of 10s.
func New(bus Bus, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{bus: bus, timeout: timeout}
}

// Protocol returns the protocol tag this adapter serves.
func (a *Adapter) Protocol() device.Protocol {
	return device.ProtocolMQTT
}

// Connect subscribes to the device's telemetry and ack topics.
//
// Address fields: gateway (required). The device slug names the device
// on the bus.
func (a *Adapter) Connect(_ context.Context, dev *device.Device) (adapter.Conn, error) {
	gateway, ok := dev.Address["gateway"].(string)
	if !ok || gateway == "" {
		return nil, fmt.Errorf("%w: mqtt address requires gateway", adapter.ErrUnsupported)
	}
	if !a.bus.IsConnected() {
		return nil, fmt.Errorf("%w: broker unavailable", adapter.ErrConnectionRefused)
	}

	topics := mqtt.Topics{}
	c := &conn{
		bus:            a.bus,
		timeout:        a.timeout,
		telemetryTopic: topics.DeviceTelemetry(gateway, dev.Slug),
		commandTopic:   topics.DeviceCommand(gateway, dev.Slug),
		ackTopic:       topics.DeviceAck(gateway, dev.Slug),
		latest:         make(map[string]adapter.Sample),
		pending:        make(map[string]chan ackMessage),
	}

	if err := a.bus.Subscribe(c.telemetryTopic, commandQoS, c.handleTelemetry); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrConnectionRefused, err)
	}
	if err := a.bus.Subscribe(c.ackTopic, commandQoS, c.handleAck); err != nil {
		_ = a.bus.Unsubscribe(c.telemetryTopic)
		return nil, fmt.Errorf("%w: %v", adapter.ErrConnectionRefused, err)
	}

	return c, nil
}

// telemetryMessage is what gateways publish on the telemetry topic.
// Either a single reading or a batch.
type telemetryMessage struct {
	Point    string             `json:"point,omitempty"`
	Value    float64            `json:"value,omitempty"`
	Unit     string             `json:"unit,omitempty"`
	TS       string             `json:"ts,omitempty"`
	Readings []telemetryReading `json:"readings,omitempty"`
}

type telemetryReading struct {
	Point string  `json:"point"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	TS    string  `json:"ts,omitempty"`
}

// commandMessage is published to the gateway's command topic.
type commandMessage struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ackMessage is the gateway's answer on the ack topic.
type ackMessage struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// conn is a live gateway session for a single device.
type conn struct {
	bus     Bus
	timeout time.Duration

	telemetryTopic string
	commandTopic   string
	ackTopic       string

	mu      sync.Mutex
	latest  map[string]adapter.Sample
	pending map[string]chan ackMessage
	closed  bool
}

// Read returns the latest cached sample for a point. Samples older than
// the staleness bound are treated as missing.
func (c *conn) Read(_ context.Context, point string) (adapter.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return adapter.Sample{}, adapter.ErrNotConnected
	}
	sample, ok := c.latest[point]
	if !ok {
		return adapter.Sample{}, fmt.Errorf("%w: no telemetry yet for %q", adapter.ErrTimeout, point)
	}
	if time.Since(sample.At) > staleAfter {
		return adapter.Sample{}, fmt.Errorf("%w: telemetry for %q is stale", adapter.ErrTimeout, point)
	}
	return sample, nil
}

// Write publishes a command and waits for the gateway's acknowledgement.
func (c *conn) Write(ctx context.Context, point string, value float64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return adapter.ErrNotConnected
	}
	id := uuid.New().String()
	ackCh := make(chan ackMessage, 1)
	c.pending[id] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(commandMessage{ID: id, Name: point, Value: value})
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}
	if err := c.bus.Publish(c.commandTopic, payload, commandQoS, false); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnectionRefused, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if !ack.OK {
			return fmt.Errorf("%w: gateway rejected %q: %s", adapter.ErrProtocolViolation, point, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no ack for %q", adapter.ErrTimeout, point)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", adapter.ErrTimeout, ctx.Err())
	}
}

// Poll returns every cached sample that is still fresh.
func (c *conn) Poll(_ context.Context) ([]adapter.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, adapter.ErrNotConnected
	}
	samples := make([]adapter.Sample, 0, len(c.latest))
	for _, sample := range c.latest {
		if time.Since(sample.At) <= staleAfter {
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

// Close unsubscribes from the device topics. Safe to call more than once.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.bus.Unsubscribe(c.telemetryTopic)
	_ = c.bus.Unsubscribe(c.ackTopic)
	return nil
}

// handleTelemetry caches incoming samples. Invoked from the MQTT
// client's handler goroutines.
func (c *conn) handleTelemetry(_ string, payload []byte) error {
	var msg telemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing telemetry: %w", err)
	}

	now := time.Now().UTC()
	readings := msg.Readings
	if len(readings) == 0 && msg.Point != "" {
		readings = []telemetryReading{{Point: msg.Point, Value: msg.Value, Unit: msg.Unit, TS: msg.TS}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for _, r := range readings {
		at := now
		if r.TS != "" {
			if parsed, err := time.Parse(time.RFC3339, r.TS); err == nil {
				at = parsed.UTC()
			}
		}
		c.latest[r.Point] = adapter.Sample{
			Point: r.Point,
			Value: r.Value,
			Unit:  r.Unit,
			At:    at,
		}
	}
	return nil
}

// handleAck routes an acknowledgement to the waiting Write call.
func (c *conn) handleAck(_ string, payload []byte) error {
	var ack ackMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("parsing ack: %w", err)
	}

	c.mu.Lock()
	ch, ok := c.pending[ack.ID]
	c.mu.Unlock()
	if !ok {
		// Late ack for a command that already timed out; drop it.
		return nil
	}

	select {
	case ch <- ack:
	default:
	}
	return nil
}
