package dali

import (
	"time"

	"github.com/icecap85/vdcd/internal/infrastructure/mqtt"
)

// Protocol is the protocol segment of the DALI topics.
const Protocol = "dali"

// Commands accepted on graylogic/command/dali/{device_id}.
const (
	CommandOn            = "on"
	CommandOff           = "off"
	CommandDim           = "dim"
	CommandSetLevel      = "set_level"
	CommandQuery         = "query"
	CommandCheckPresence = "check_presence"
	CommandRemove        = "remove"
	CommandScan          = "scan"
)

// CommandMessage is a device command.
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the bridge confirmed the command on the bus.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout means the bridge did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError details a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for failed commands.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
	ErrCodeDevicePresent     = "DEVICE_PRESENT"
)

// StateMessage carries device state. Retained.
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status. Retained.
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Queue          *QueueStatistics  `json:"queue,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	DevicesPresent int               `json:"devices_present"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the bus port.
type ConnectionStatus struct {
	Status       string     `json:"status"`
	Address      string     `json:"address"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	BytesTx      uint64     `json:"bytes_tx"`
	BytesRx      uint64     `json:"bytes_rx"`
	Opens        uint64     `json:"opens"`
	Errors       uint64     `json:"errors"`
}

// QueueStatistics are the counters of the bus operation queue.
type QueueStatistics struct {
	Pending        int    `json:"pending"`
	Enqueued       uint64 `json:"enqueued"`
	Completed      uint64 `json:"completed"`
	Aborted        uint64 `json:"aborted"`
	TimedOut       uint64 `json:"timed_out"`
	BytesUnclaimed uint64 `json:"bytes_unclaimed"`
}

// DiscoveryMessage lists gear found by a bus scan.
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice is one gear that answered the scan.
type DiscoveredDevice struct {
	Address  string  `json:"address"`
	DeviceID string  `json:"device_id,omitempty"`
	Level    float64 `json:"level"`
}

// CommandSubscribeTopic matches all DALI command topics.
func CommandSubscribeTopic() string { return mqtt.Topics{}.BridgeCommands(Protocol) }

// AckTopic is the ack topic of a device.
func AckTopic(deviceID string) string { return mqtt.Topics{}.BridgeAck(Protocol, deviceID) }

// StateTopic is the state topic of a device.
func StateTopic(deviceID string) string { return mqtt.Topics{}.BridgeState(Protocol, deviceID) }

// HealthTopic is the bridge health topic.
func HealthTopic() string { return mqtt.Topics{}.BridgeHealth(Protocol) }

// DiscoveryTopic is where scan results go.
func DiscoveryTopic() string { return mqtt.Topics{}.BridgeDiscovery(Protocol) }

func newAck(cmd CommandMessage, address string, at time.Time) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: at.UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
		Protocol:  Protocol,
		Address:   address,
	}
}

func newAckError(cmd CommandMessage, address, code, message string, at time.Time) AckMessage {
	ack := newAck(cmd, address, at)
	ack.Status = AckFailed
	if code == ErrCodeTimeout {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}
