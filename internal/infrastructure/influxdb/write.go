package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementLevel    = "dali_level"
	MeasurementQueue    = "bus_queue"
	MeasurementBusError = "bus_error"
)

// WriteLevel records the level (0-100 %) of a device.
func (c *Client) WriteLevel(bridgeID, deviceID string, level float64) {
	c.WritePoint(MeasurementLevel,
		map[string]string{"bridge": bridgeID, "device_id": deviceID},
		map[string]interface{}{"level": level},
	)
}

// WriteQueueStats records counters of a bridge's operation queue and port.
func (c *Client) WriteQueueStats(bridgeID string, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	c.WritePoint(MeasurementQueue, map[string]string{"bridge": bridgeID}, fields)
}

// WriteBusError records a failed bus command.
func (c *Client) WriteBusError(bridgeID, deviceID, command, code string) {
	tags := map[string]string{"bridge": bridgeID, "command": command, "code": code}
	if deviceID != "" {
		tags["device_id"] = deviceID
	}
	c.WritePoint(MeasurementBusError, tags, map[string]interface{}{"count": 1})
}

// WritePoint writes a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
