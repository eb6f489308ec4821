// Package mqtt provides MQTT client connectivity for Hortiva Hub.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The hub uses MQTT to reach devices behind vendor gateways: fertigation
// controllers, dosing systems and other equipment that cannot be polled
// directly. The gateway bridges its proprietary link to the broker and
// the hub's mqttbridge adapter speaks to it over the topics in this
// package.
//
//	Hortiva Hub ↔ MQTT Broker ↔ Vendor Gateways
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all gateway telemetry
//	err = client.Subscribe(mqtt.Topics{}.AllTelemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command
//	topic := mqtt.Topics{}.DeviceCommand("fert-gw-01", "dosing-pump-3")
//	client.Publish(topic, []byte(`{"name":"start_dosing"}`), 1, false)
package mqtt
