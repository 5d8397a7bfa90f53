package dali

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/icecap85/vdcd/internal/infrastructure/mqtt"
	"github.com/icecap85/vdcd/internal/operation"
	"github.com/icecap85/vdcd/internal/serialqueue"
	"github.com/icecap85/vdcd/internal/transport"
)

const (
	defaultHealthInterval = 30 * time.Second
	registryTimeout       = 2 * time.Second

	// scanAddress is the ack address of bus-wide commands.
	scanAddress = "bus"
)

// MQTTClient is the part of the MQTT client the bridge uses.
// *mqtt.Client implements it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Poster runs functions on the main loop. *mainloop.Loop implements it.
type Poster interface {
	Post(fn func()) error
}

// Metrics receives telemetry. *influxdb.Client implements it.
type Metrics interface {
	WriteLevel(bridgeID, deviceID string, level float64)
	WriteQueueStats(bridgeID string, fields map[string]interface{})
	WriteBusError(bridgeID, deviceID, command, code string)
}

// QueueStatsSource exposes the bus queue counters.
type QueueStatsSource interface {
	Stats() serialqueue.Stats
}

// PortStatsSource exposes the bus port counters.
type PortStatsSource interface {
	Stats() transport.Stats
	Endpoint() transport.Endpoint
}

// Options configures a Bridge.
type Options struct {
	// BridgeID names the bridge in health messages. Default: "dali".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Comm talks to the bus. Required.
	Comm *Comm

	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Loop runs command handling on the main loop. Required.
	Loop Poster

	// Clock supplies timestamps. Default: operation.SystemClock.
	Clock operation.Clock

	// Devices are the gear declared in the device file.
	Devices []DeviceConfig

	// Registry persists devices. Optional.
	Registry DeviceRegistry

	// Metrics receives telemetry. Optional.
	Metrics Metrics

	// Queue and Port feed health statistics. Optional.
	Queue QueueStatsSource
	Port  PortStatsSource

	// HealthInterval is the period of health messages. Default: 30s.
	HealthInterval time.Duration

	// PresenceInterval is the period of presence checks. 0 disables.
	PresenceInterval time.Duration

	// Logger is optional.
	Logger Logger
}

// Bridge translates MQTT device commands into DALI bus requests and
// reports acks, state and health.
//
// Thread Safety: Start, Tick, Stop and all bus callbacks run on the main
// loop goroutine. Only the MQTT handler runs elsewhere, and it does nothing
// but decode and Post.
type Bridge struct {
	opts    Options
	comm    *Comm
	mqtt    MQTTClient
	loop    Poster
	clock   operation.Clock
	logger  Logger
	started time.Time

	devices   map[string]*Device
	byAddress map[ShortAddress]*Device

	nextHealth     time.Time
	nextPresence   time.Time
	presencePolls  int
	stopped        bool
	commandsTotal  uint64
	commandsFailed uint64
}

// NewBridge creates a bridge. Call Start on the main loop to bring it up.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Comm == nil {
		return nil, fmt.Errorf("dali comm is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Loop == nil {
		return nil, fmt.Errorf("main loop is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.Clock == nil {
		opts.Clock = operation.SystemClock{}
	}

	return &Bridge{
		opts:      opts,
		comm:      opts.Comm,
		mqtt:      opts.MQTT,
		loop:      opts.Loop,
		clock:     opts.Clock,
		logger:    opts.Logger,
		devices:   make(map[string]*Device),
		byAddress: make(map[ShortAddress]*Device),
	}, nil
}

// Start loads the devices, resets the bus bridge, initialises every
// device and subscribes to commands. Must run on the main loop.
func (b *Bridge) Start(ctx context.Context) error {
	b.started = b.clock.Now()
	b.publishHealth(HealthStarting, "")

	if err := b.loadDevices(ctx); err != nil {
		return err
	}

	b.comm.Reset(func(err error) {
		if err != nil {
			b.logWarn("bridge reset failed", "error", err)
		}
	})
	for _, d := range b.sortedDevices() {
		d.Initialize(b.comm, b.clock.Now, func(err error) {
			if err != nil {
				b.logWarn("device initialisation incomplete", "device_id", d.ID, "address", d.Address.String(), "error", err)
			}
			b.publishState(d)
			b.saveState(d)
		})
	}

	if err := b.mqtt.Subscribe(CommandSubscribeTopic(), 1, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	now := b.clock.Now()
	b.nextHealth = now
	if b.opts.PresenceInterval > 0 {
		b.nextPresence = now.Add(b.opts.PresenceInterval)
	}

	b.logInfo("dali bridge started", "bridge_id", b.opts.BridgeID, "devices", len(b.devices))
	return nil
}

// loadDevices merges the registry with the device file. The file wins for
// names and addresses; the registry supplies the last known state.
func (b *Bridge) loadDevices(ctx context.Context) error {
	persisted := make(map[string]DeviceRecord)
	if b.opts.Registry != nil {
		for _, dc := range b.opts.Devices {
			rec := DeviceRecord{
				DeviceID:     dc.DeviceID,
				BridgeID:     b.opts.BridgeID,
				Name:         dc.Name,
				ShortAddress: ShortAddress(dc.ShortAddress), // #nosec G115 -- validated 0-63
			}
			if err := b.opts.Registry.EnsureDevice(ctx, rec); err != nil {
				return fmt.Errorf("registering device %s: %w", dc.DeviceID, err)
			}
		}
		recs, err := b.opts.Registry.ListDevices(ctx, b.opts.BridgeID)
		if err != nil {
			return fmt.Errorf("loading devices: %w", err)
		}
		for _, rec := range recs {
			persisted[rec.DeviceID] = rec
		}
	} else {
		for _, dc := range b.opts.Devices {
			persisted[dc.DeviceID] = DeviceRecord{
				DeviceID:     dc.DeviceID,
				Name:         dc.Name,
				ShortAddress: ShortAddress(dc.ShortAddress), // #nosec G115 -- validated 0-63
				FadeTime:     fadeUnknown,
			}
		}
	}

	for _, rec := range persisted {
		if err := rec.ShortAddress.Validate(); err != nil {
			return fmt.Errorf("device %s: %w", rec.DeviceID, err)
		}
		d := NewDevice(rec.DeviceID, rec.Name, rec.ShortAddress)
		// The gear may have been power cycled, so the fade time is sent
		// again on first use.
		d.restore(rec.Level, rec.MinLevel, fadeUnknown, rec.Present, rec.LastSeen)
		b.devices[d.ID] = d
		b.byAddress[d.Address] = d
	}
	return nil
}

// Tick publishes health and starts presence checks when due. Must run on
// the main loop.
func (b *Bridge) Tick(now time.Time) {
	if b.stopped {
		return
	}
	if !now.Before(b.nextHealth) {
		b.nextHealth = now.Add(b.opts.HealthInterval)
		b.publishHealth(b.determineStatus())
		b.writeQueueMetrics()
	}
	if b.opts.PresenceInterval > 0 && !now.Before(b.nextPresence) {
		b.nextPresence = now.Add(b.opts.PresenceInterval)
		b.pollPresence()
	}
}

// Stop publishes the stopping status. Outstanding bus requests are aborted
// by closing the queue afterwards. Must run on the main loop.
func (b *Bridge) Stop() {
	if b.stopped {
		return
	}
	b.stopped = true
	b.publishHealth(HealthStopping, "")
	b.logInfo("dali bridge stopped")
}

// Device returns a managed device by id.
func (b *Bridge) Device(id string) (*Device, bool) {
	d, ok := b.devices[id]
	return d, ok
}

// DeviceCount returns the number of managed devices.
func (b *Bridge) DeviceCount() int { return len(b.devices) }

// handleMessage runs on an MQTT goroutine.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parsing command on %s: %w", topic, err)
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = mqtt.AddressFromTopic(topic)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	if err := b.loop.Post(func() { b.execute(cmd) }); err != nil {
		b.publishAck(newAckError(cmd, "", ErrCodeBridgeError, "bridge is shutting down", b.clock.Now()))
		return fmt.Errorf("queueing command %s: %w", cmd.ID, err)
	}
	return nil
}

// execute runs on the main loop.
func (b *Bridge) execute(cmd CommandMessage) {
	b.commandsTotal++
	b.logDebug("received command", "command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command)

	if b.stopped {
		b.fail(cmd, nil, ErrCodeBridgeError, "bridge is stopped")
		return
	}
	if cmd.Command == CommandScan {
		b.scan(cmd)
		return
	}

	d, ok := b.devices[cmd.DeviceID]
	if !ok {
		b.fail(cmd, nil, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", cmd.DeviceID))
		return
	}

	switch cmd.Command {
	case CommandOn, CommandOff, CommandDim, CommandSetLevel:
		level, transition, err := levelParameters(cmd)
		if err != nil {
			b.fail(cmd, d, ErrCodeInvalidParameters, err.Error())
			return
		}
		d.SetLevel(b.comm, level, transition, func(err error) { b.finish(cmd, d, err) })

	case CommandQuery:
		d.QueryLevel(b.comm, b.clock.Now, func(err error) { b.finish(cmd, d, err) })

	case CommandCheckPresence:
		d.CheckPresence(b.comm, b.clock.Now, func(bool) { b.finish(cmd, d, nil) })

	case CommandRemove:
		b.remove(cmd, d)

	default:
		b.fail(cmd, d, ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

// levelParameters derives the target level and transition of a level
// command.
func levelParameters(cmd CommandMessage) (float64, time.Duration, error) {
	var level float64
	switch cmd.Command {
	case CommandOn:
		level = 100
		if v, ok := cmd.Parameters["level"]; ok {
			l, err := toFloat(v)
			if err != nil {
				return 0, 0, fmt.Errorf("level: %w", err)
			}
			level = l
		}
	case CommandOff:
		level = 0
	default:
		v, ok := cmd.Parameters["level"]
		if !ok {
			return 0, 0, fmt.Errorf("level parameter is required")
		}
		l, err := toFloat(v)
		if err != nil {
			return 0, 0, fmt.Errorf("level: %w", err)
		}
		level = l
	}
	if math.IsNaN(level) || level < 0 || level > 100 {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidLevel, level)
	}

	var transition time.Duration
	if v, ok := cmd.Parameters["transition_ms"]; ok {
		ms, err := toFloat(v)
		if err != nil || ms < 0 {
			return 0, 0, fmt.Errorf("transition_ms must be a non-negative number")
		}
		transition = time.Duration(ms * float64(time.Millisecond))
	}
	return level, transition, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// remove forgets a device that no longer answers. Present gear is kept.
func (b *Bridge) remove(cmd CommandMessage, d *Device) {
	d.CheckPresence(b.comm, b.clock.Now, func(present bool) {
		if present {
			b.fail(cmd, d, ErrCodeDevicePresent, "device still answers on the bus")
			return
		}
		delete(b.devices, d.ID)
		if b.byAddress[d.Address] == d {
			delete(b.byAddress, d.Address)
		}
		if b.opts.Registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
			defer cancel()
			if err := b.opts.Registry.DeleteDevice(ctx, d.ID); err != nil {
				b.logError("failed to delete device", err, "device_id", d.ID)
			}
		}
		// Clear the retained state.
		if err := b.mqtt.Publish(StateTopic(d.ID), nil, 1, true); err != nil {
			b.logError("failed to clear state", err, "device_id", d.ID)
		}
		b.publishAck(newAck(cmd, d.Address.String(), b.clock.Now()))
	})
}

// scan queries every short address and publishes the gear that answer.
func (b *Bridge) scan(cmd CommandMessage) {
	found := make([]DiscoveredDevice, 0)
	remaining := MaxShortAddress + 1
	for a := 0; a <= MaxShortAddress; a++ {
		addr := ShortAddress(a) // #nosec G115 -- 0-63
		b.comm.SendQuery(addr, CmdQueryActualLevel, func(ans Answer, err error) {
			if err == nil && !ans.NoAnswer {
				dd := DiscoveredDevice{Address: addr.String(), Level: roundLevel(ArcPowerToLevel(ans.Value))}
				if d, ok := b.byAddress[addr]; ok {
					dd.DeviceID = d.ID
				}
				found = append(found, dd)
			}
			remaining--
			if remaining > 0 {
				return
			}
			b.publishJSON(DiscoveryTopic(), DiscoveryMessage{
				Timestamp: b.clock.Now().UTC(),
				Bridge:    b.opts.BridgeID,
				Devices:   found,
			}, false)
			b.publishAck(newAck(cmd, scanAddress, b.clock.Now()))
		})
	}
}

// pollPresence checks every device, one round at a time.
func (b *Bridge) pollPresence() {
	if b.presencePolls > 0 {
		return
	}
	for _, d := range b.sortedDevices() {
		was := d.Present()
		b.presencePolls++
		d.CheckPresence(b.comm, b.clock.Now, func(present bool) {
			b.presencePolls--
			if present != was {
				b.logInfo("device presence changed", "device_id", d.ID, "present", present)
				b.publishState(d)
				b.saveState(d)
			}
		})
	}
}

// finish reports the outcome of a device command.
func (b *Bridge) finish(cmd CommandMessage, d *Device, err error) {
	if err != nil {
		b.fail(cmd, d, errorCode(err), err.Error())
		b.recordError(cmd, d, err)
		return
	}
	b.publishAck(newAck(cmd, d.Address.String(), b.clock.Now()))
	b.publishState(d)
	b.saveState(d)
	if b.opts.Metrics != nil {
		b.opts.Metrics.WriteLevel(b.opts.BridgeID, d.ID, d.Level())
	}
}

func (b *Bridge) fail(cmd CommandMessage, d *Device, code, message string) {
	b.commandsFailed++
	address := ""
	if d != nil {
		address = d.Address.String()
	}
	b.logWarn("command failed", "command_id", cmd.ID, "device_id", cmd.DeviceID, "code", code, "message", message)
	b.publishAck(newAckError(cmd, address, code, message, b.clock.Now()))
	if b.opts.Metrics != nil {
		b.opts.Metrics.WriteBusError(b.opts.BridgeID, cmd.DeviceID, cmd.Command, code)
	}
}

// errorCode maps a bus error to an ack error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, operation.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, serialqueue.ErrTransport), errors.Is(err, serialqueue.ErrTransmit):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrFrame), errors.Is(err, ErrBridgeRejected), errors.Is(err, ErrBadAnswer):
		return ErrCodeProtocolError
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) recordError(cmd CommandMessage, d *Device, err error) {
	if b.opts.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if rerr := b.opts.Registry.RecordError(ctx, b.opts.BridgeID, d.ID, cmd.Command, err); rerr != nil {
		b.logError("failed to record bus error", rerr)
	}
}

func (b *Bridge) saveState(d *Device) {
	if b.opts.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	err := b.opts.Registry.SaveState(ctx, DeviceRecord{
		DeviceID:     d.ID,
		BridgeID:     b.opts.BridgeID,
		Name:         d.Name,
		ShortAddress: d.Address,
		Level:        d.Level(),
		MinLevel:     d.MinLevel(),
		FadeTime:     d.FadeTime(),
		Present:      d.Present(),
		LastSeen:     d.LastSeen(),
	})
	if err != nil {
		b.logError("failed to save device state", err, "device_id", d.ID)
	}
}

func (b *Bridge) publishState(d *Device) {
	b.publishJSON(StateTopic(d.ID), StateMessage{
		DeviceID:  d.ID,
		Timestamp: b.clock.Now().UTC(),
		State:     d.State(),
		Protocol:  Protocol,
		Address:   d.Address.String(),
	}, true)
}

func (b *Bridge) publishAck(ack AckMessage) {
	topicID := ack.DeviceID
	if topicID == "" {
		topicID = scanAddress
	}
	b.publishJSON(AckTopic(topicID), ack, false)
}

// determineStatus evaluates bridge health from MQTT and port state.
func (b *Bridge) determineStatus() (HealthStatus, string) {
	if !b.mqtt.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if b.opts.Port != nil {
		st := b.opts.Port.Stats()
		if st.Errors > 0 && !st.Connected && st.Opens == 0 {
			return HealthDegraded, "bus port cannot be opened"
		}
	}
	return HealthHealthy, ""
}

func (b *Bridge) publishHealth(status HealthStatus, reason string) {
	now := b.clock.Now()
	msg := HealthMessage{
		Bridge:         b.opts.BridgeID,
		Timestamp:      now.UTC(),
		Status:         status,
		Version:        b.opts.Version,
		DevicesManaged: len(b.devices),
		Reason:         reason,
	}
	if !b.started.IsZero() {
		msg.UptimeSeconds = int64(now.Sub(b.started).Seconds())
	}
	for _, d := range b.devices {
		if d.Present() {
			msg.DevicesPresent++
		}
	}
	if b.opts.Port != nil {
		st := b.opts.Port.Stats()
		conn := &ConnectionStatus{
			Status:  "idle",
			Address: b.opts.Port.Endpoint().String(),
			BytesTx: st.BytesTx,
			BytesRx: st.BytesRx,
			Opens:   st.Opens,
			Errors:  st.Errors,
		}
		if st.Connected {
			conn.Status = "connected"
		}
		if !st.LastActivity.IsZero() {
			last := st.LastActivity.UTC()
			conn.LastActivity = &last
		}
		msg.Connection = conn
	}
	if b.opts.Queue != nil {
		qs := b.opts.Queue.Stats()
		msg.Queue = &QueueStatistics{
			Pending:        qs.Pending,
			Enqueued:       qs.Enqueued,
			Completed:      qs.Completed,
			Aborted:        qs.Aborted,
			TimedOut:       qs.TimedOut,
			BytesUnclaimed: qs.BytesUnclaimed,
		}
	}
	b.publishJSON(HealthTopic(), msg, true)
}

func (b *Bridge) writeQueueMetrics() {
	if b.opts.Metrics == nil || b.opts.Queue == nil {
		return
	}
	qs := b.opts.Queue.Stats()
	b.opts.Metrics.WriteQueueStats(b.opts.BridgeID, map[string]interface{}{
		"pending":         qs.Pending,
		"enqueued":        qs.Enqueued,
		"completed":       qs.Completed,
		"aborted":         qs.Aborted,
		"timed_out":       qs.TimedOut,
		"bytes_received":  qs.BytesReceived,
		"bytes_unclaimed": qs.BytesUnclaimed,
		"commands":        b.commandsTotal,
		"commands_failed": b.commandsFailed,
	})
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to encode message", err, "topic", topic)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish", err, "topic", topic)
	}
}

func (b *Bridge) sortedDevices() []*Device {
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
