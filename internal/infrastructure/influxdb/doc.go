// Package influxdb records bus telemetry in InfluxDB.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// The bridges write:
//   - dali_level: the level of each DALI device after every change
//   - bus_queue: operation queue and port counters of a bridge
//   - bus_error: failed bus commands
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteLevel("dali", "light-hall", 42.5)
//
// Writes on a nil or closed client are dropped.
package influxdb
