package device

import "time"

// Device represents a registered facility device: a sensor, controller or
// actuator reachable through one of the hub's protocol adapters.
// This matches the devices table in migrations/20260301_120000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	// Placement
	FacilityID string  `json:"facility_id"`
	Zone       *string `json:"zone,omitempty"`

	// Classification
	Kind Kind `json:"kind"`

	// Protocol information. Address is an opaque per-protocol connection
	// descriptor; Mapping translates command and sensor names to
	// protocol-level address specs. Both are interpreted only by the
	// matching adapter.
	Protocol Protocol `json:"protocol"`
	Address  Address  `json:"address"`
	Mapping  Mapping  `json:"mapping"`

	// Connectivity state
	Status          Status     `json:"status"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`
	Enabled         bool       `json:"enabled"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`

	// Metadata (descriptive only, never behavioral)
	Manufacturer    *string `json:"manufacturer,omitempty"`
	Model           *string `json:"model,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`

	// Tags are free-form string labels for filtering.
	// Example: ["propagation", "zone-a", "critical"]
	Tags []string `json:"tags,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. Essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields

	cpy.Address = deepCopyMap(d.Address)
	cpy.Mapping = deepCopyMap(d.Mapping)

	if d.Tags != nil {
		cpy.Tags = make([]string, len(d.Tags))
		copy(cpy.Tags, d.Tags)
	}

	// Pointer fields (*string, *time.Time) don't need deep copy
	// because strings and time.Time are immutable in Go.

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives are safe to copy by value
		return v
	}
}

// Address holds the protocol-specific connection descriptor as a JSON map.
//
// Examples:
//
//	Modbus/TCP: {"host": "10.4.2.17", "port": 502, "unit_id": 3}
//	MQTT:       {"gateway": "fert-gw-01", "command_topic": "vendors/x/cmd", "reply_topic": "vendors/x/reply"}
type Address map[string]any

// Mapping translates hub-level command and sensor names to protocol
// address specs. Stored as a JSON map and interpreted only by the adapter.
//
// Example (Modbus):
//
//	{
//	  "commands": {
//	    "set_temperature":    {"register": 40021, "scale": 10},
//	    "enable_irrigation":  {"register": 40030}
//	  },
//	  "sensors": {
//	    "air_temperature":    {"register": 30001, "scale": 10}
//	  }
//	}
type Mapping map[string]any

// Protocol represents the wire protocol a device speaks.
type Protocol string

// Protocol constants. An adapter implementation must be registered for a
// protocol before devices carrying its tag can be registered.
const (
	ProtocolModbusTCP  Protocol = "modbus_tcp"
	ProtocolMQTT       Protocol = "mqtt"
	ProtocolBACnetIP   Protocol = "bacnet_ip"
	ProtocolOPCUA      Protocol = "opcua"
	ProtocolVendorREST Protocol = "vendor_rest"
)

// AllProtocols returns all valid protocol values.
func AllProtocols() []Protocol {
	return []Protocol{
		ProtocolModbusTCP, ProtocolMQTT, ProtocolBACnetIP,
		ProtocolOPCUA, ProtocolVendorREST,
	}
}

// Kind represents the functional classification of a device.
type Kind string

// Sensor kinds.
const (
	KindClimateSensor      Kind = "climate_sensor"
	KindSoilMoistureSensor Kind = "soil_moisture_sensor"
	KindCO2Sensor          Kind = "co2_sensor"
	KindPHSensor           Kind = "ph_sensor"
	KindECSensor           Kind = "ec_sensor"
	KindLightSensor        Kind = "light_sensor"
	KindFlowMeter          Kind = "flow_meter"
	KindEnergyMeter        Kind = "energy_meter"
)

// Controller and actuator kinds.
const (
	KindClimateController    Kind = "climate_controller"
	KindFertigationUnit      Kind = "fertigation_unit"
	KindIrrigationValve      Kind = "irrigation_valve"
	KindDosingPump           Kind = "dosing_pump"
	KindGrowLightController  Kind = "grow_light_controller"
	KindVentActuator         Kind = "vent_actuator"
	KindScreenActuator       Kind = "screen_actuator"
	KindCirculationFan       Kind = "circulation_fan"
	KindCO2Generator         Kind = "co2_generator"
	KindHumidifier           Kind = "humidifier"
	KindHeatingCircuit       Kind = "heating_circuit"
	KindWeatherStation       Kind = "weather_station"
	KindGateway              Kind = "gateway"
)

// AllKinds returns all valid device kind values.
func AllKinds() []Kind {
	return []Kind{
		KindClimateSensor, KindSoilMoistureSensor, KindCO2Sensor,
		KindPHSensor, KindECSensor, KindLightSensor, KindFlowMeter,
		KindEnergyMeter,
		KindClimateController, KindFertigationUnit, KindIrrigationValve,
		KindDosingPump, KindGrowLightController, KindVentActuator,
		KindScreenActuator, KindCirculationFan, KindCO2Generator,
		KindHumidifier, KindHeatingCircuit, KindWeatherStation,
		KindGateway,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	FacilityID string
	Zone       string
	Protocol   Protocol
	Status     Status
	Kind       Kind
	Tag        string
	Enabled    *bool
}

// Matches reports whether the device satisfies every set filter field.
func (f Filter) Matches(d *Device) bool {
	if f.FacilityID != "" && d.FacilityID != f.FacilityID {
		return false
	}
	if f.Zone != "" && (d.Zone == nil || *d.Zone != f.Zone) {
		return false
	}
	if f.Protocol != "" && d.Protocol != f.Protocol {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.Enabled != nil && d.Enabled != *f.Enabled {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range d.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// StatusSnapshot is the externally visible connectivity state of a device,
// combining registry status with connection statistics supplied by the
// connection manager.
type StatusSnapshot struct {
	DeviceID        string     `json:"device_id"`
	Status          Status     `json:"status"`
	Enabled         bool       `json:"enabled"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`

	// Connection statistics for the current retry window.
	ConnectAttempts int    `json:"connect_attempts"`
	WindowFailures  int    `json:"window_failures"`
	LastError       string `json:"last_error,omitempty"`
}
