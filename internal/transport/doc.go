// Package transport provides the byte-stream connection to a bus bridge.
//
// A bridge is reached either through a local serial device or through a
// TCP serial proxy (ser2net and similar). The connection string decides:
//
//	/dev/ttyUSB0              serial device
//	serial:///dev/ttyUSB0     serial device, explicit
//	tcp://192.168.1.20:2101   TCP proxy
//	192.168.1.20              TCP proxy on the default port
//	unix:///run/dali.sock     unix socket proxy
//
// Ports open lazily: the first Transmit opens the connection, and a port
// idle for longer than the configured idle timeout is closed again so
// other tools can use the device in between.
//
// Received bytes are collected by a reader goroutine and handed out with
// Receive, which never blocks. The notify function set with SetNotify is
// called from the reader goroutine whenever new data (or an error) is
// available; it is expected to hand off to the main loop.
//
// # Thread Safety
//
// All Port methods are safe for concurrent use.
package transport
