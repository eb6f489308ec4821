package mqtt

import "fmt"

// Topic prefixes for the Hortiva Hub message bus.
//
// Gateway topics use the flat scheme: hortiva/{category}/{gateway}/{device}
// where gateway is the gateway identifier from the device address and
// device is the device slug.
const (
	// TopicPrefix is the base for all hub topics.
	TopicPrefix = "hortiva"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "hortiva/system"
)

// Topics provides builders for Hortiva MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("fert-gw-01", "dosing-pump-3")
//	// Returns: "hortiva/command/fert-gw-01/dosing-pump-3"
type Topics struct{}

// DeviceTelemetry returns the topic a gateway publishes sensor readings on.
//
// Example: hortiva/telemetry/fert-gw-01/dosing-pump-3
func (Topics) DeviceTelemetry(gateway, deviceSlug string) string {
	return fmt.Sprintf("%s/telemetry/%s/%s", TopicPrefix, gateway, deviceSlug)
}

// DeviceCommand returns the topic the hub publishes commands on.
//
// Example: hortiva/command/fert-gw-01/dosing-pump-3
func (Topics) DeviceCommand(gateway, deviceSlug string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, gateway, deviceSlug)
}

// DeviceAck returns the topic a gateway acknowledges commands on.
//
// Example: hortiva/ack/fert-gw-01/dosing-pump-3
func (Topics) DeviceAck(gateway, deviceSlug string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, gateway, deviceSlug)
}

// DeviceHeartbeat returns the topic a gateway publishes liveness beacons on.
//
// Example: hortiva/heartbeat/fert-gw-01/dosing-pump-3
func (Topics) DeviceHeartbeat(gateway, deviceSlug string) string {
	return fmt.Sprintf("%s/heartbeat/%s/%s", TopicPrefix, gateway, deviceSlug)
}

// GatewayHealth returns the topic for gateway-level health status.
//
// Example: hortiva/health/fert-gw-01
func (Topics) GatewayHealth(gateway string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, gateway)
}

// SystemStatus returns the hub's own status topic, used for the online
// announcement and the Last Will message.
//
// Example: hortiva/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllTelemetry returns a pattern matching telemetry from every gateway.
//
// Pattern: hortiva/telemetry/+/+
func (Topics) AllTelemetry() string {
	return fmt.Sprintf("%s/telemetry/+/+", TopicPrefix)
}

// AllHeartbeats returns a pattern matching heartbeats from every gateway.
//
// Pattern: hortiva/heartbeat/+/+
func (Topics) AllHeartbeats() string {
	return fmt.Sprintf("%s/heartbeat/+/+", TopicPrefix)
}

// AllGatewayHealth returns a pattern matching every gateway health topic.
//
// Pattern: hortiva/health/+
func (Topics) AllGatewayHealth() string {
	return fmt.Sprintf("%s/health/+", TopicPrefix)
}
