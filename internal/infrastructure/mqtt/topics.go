package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the bridge bus.
//
// Bridges listen on their own tag ({bridge}/devices/...) and publish every
// event under the server prefix, which the coordination server consumes.
const (
	// TopicPrefixServer is the base for all events addressed to the server.
	TopicPrefixServer = "server"

	// devicesSegment is the second level of every device topic.
	devicesSegment = "devices"
)

// Inbound command suffixes, relative to {bridge}/devices/.
const (
	CommandScan       = "scan"
	CommandScanCancel = "scan/cancel"
	CommandConnect    = "connect"
	CommandReconnect  = "reconnect"
	CommandRemove     = "remove"
	CommandDisconnect = "disconnect"
	CommandValuesSet  = "values/set"
	CommandValuesGet  = "values/get"
	CommandRefresh    = "refresh"
	CommandList       = "list"
	CommandCreate     = "create"
	CommandUpdate     = "update"
)

// Outbound event suffixes, relative to server/devices/.
const (
	EventDiscover   = "discover"
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventCreate     = "create"
	EventRemove     = "remove"
	EventUpdate     = "update"
	EventValuesGet  = "values/get"
	EventList       = "list"
	EventScanStatus = "scan/status"
)

// Topics provides builders for bridge bus topics.
// Using these helpers keeps topic naming consistent across bridges.
//
//	topics := mqtt.Topics{}
//	topics.BridgeCommand("zigbee", mqtt.CommandScan) // "zigbee/devices/scan"
//	topics.ServerEvent(mqtt.EventDiscover)           // "server/devices/discover"
type Topics struct{}

// BridgeCommand returns the inbound command topic for a bridge.
//
// Example: zigbee/devices/values/set
func (Topics) BridgeCommand(bridge, command string) string {
	return fmt.Sprintf("%s/%s/%s", bridge, devicesSegment, command)
}

// AllBridgeCommands returns the wildcard covering every command for a bridge.
//
// Example: lora/devices/#
func (Topics) AllBridgeCommands(bridge string) string {
	return fmt.Sprintf("%s/%s/#", bridge, devicesSegment)
}

// ServerEvent returns the outbound event topic.
//
// Example: server/devices/scan/status
func (Topics) ServerEvent(event string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixServer, devicesSegment, event)
}

// BridgeStatus returns the shared online/offline status topic.
// Retained, and also used as the LWT topic.
//
// Example: server/bridge/status
func (Topics) BridgeStatus() string {
	return TopicPrefixServer + "/bridge/status"
}

// CommandOf extracts the command suffix from an inbound topic.
// It returns false when the topic does not belong to the bridge.
//
// Example: CommandOf("zigbee", "zigbee/devices/values/get") = "values/get", true
func (Topics) CommandOf(bridge, topic string) (string, bool) {
	prefix := bridge + "/" + devicesSegment + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	cmd := strings.TrimPrefix(topic, prefix)
	if cmd == "" {
		return "", false
	}
	return cmd, true
}
