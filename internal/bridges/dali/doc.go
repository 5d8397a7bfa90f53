// Package dali bridges DALI lighting control gear to MQTT.
//
// The bus is reached through a serial DALI bridge that speaks a small
// request/answer protocol: every request is three bytes
// [command, data1, data2] and every request is answered with two bytes
// [response, data]. All requests go through one serialqueue.Queue, so
// requests are strictly sequential and each answer is matched to the
// request that caused it.
//
// Layers:
//   - Comm: bridge protocol (reset, send, double send, query, DTR + config)
//   - Device: one control gear at a DALI short address (level, fade time,
//     presence)
//   - Bridge: MQTT commands in, acks, state and health out, with the device
//     registry in SQLite and levels and queue counters in InfluxDB
//
// Everything except MQTT message decoding runs on the main loop goroutine.
//
// # MQTT Topics
//
//	graylogic/command/dali/{device_id}   on, off, dim, query, check_presence, remove
//	graylogic/ack/dali/{device_id}       command outcome
//	graylogic/state/dali/{device_id}     {"on":true,"level":42.5,"present":true}
//	graylogic/health/dali                bridge health with queue statistics
//
// # Levels
//
// Levels are 0-100 %. DALI arc power follows the logarithmic dimming
// curve: arc = 254 * log10(1 + 9 * level/100).
package dali
