// Package mqtt provides MQTT client connectivity for Gray Logic bridges.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) so the server sees a crashed bridge as offline
//
// # Architecture
//
// Every bridge owns one transport and talks to the coordination server only
// through the broker:
//
//	Server ↔ MQTT Broker ↔ Bridge (bluetooth | zigbee | lora | http)
//
// Commands arrive on {bridge}/devices/{command}; events leave on
// server/devices/{event}. The retained server/bridge/status topic carries
// each bridge's online/offline state. The client only ever writes offline
// there (LWT and Close); the bridge router publishes its own state from the
// SetOnConnect callback.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, "zigbee")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBridgeCommands("zigbee"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
