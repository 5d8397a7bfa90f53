package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the daemon uses.
const TopicPrefix = "graylogic"

// Topics builds MQTT topic names.
//
//	mqtt.Topics{}.BridgeState("dali", "light-hall")
//	// graylogic/state/dali/light-hall
type Topics struct{}

// BridgeCommand is where commands for a device arrive.
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, address)
}

// BridgeCommands matches every command topic of a protocol.
func (Topics) BridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, protocol)
}

// BridgeAck is where command acknowledgements go.
func (Topics) BridgeAck(protocol, address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, address)
}

// BridgeState is where device state goes.
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, address)
}

// BridgeHealth is where bridge health goes.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// BridgeDiscovery is where bus scan results go.
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, protocol)
}

// DaemonStatus carries the online/offline status of one daemon instance.
// It is also the LWT topic.
func (Topics) DaemonStatus(clientID string) string {
	return fmt.Sprintf("%s/system/status/%s", TopicPrefix, clientID)
}

// AddressFromTopic returns the last level of a bridge topic, or "" when
// topic does not have the graylogic/{category}/{protocol}/{address} shape.
func AddressFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] == "" || parts[2] == "" {
		return ""
	}
	return parts[3]
}
