// Package mainloop runs the daemon's cooperative scheduling goroutine.
//
// All operation queues, bus bridges and device state are owned by the
// goroutine running Loop.Run. Other goroutines (MQTT handlers, transport
// readers, signal handling) hand work to it with Post or Call and never
// touch that state directly.
//
// # Ticks
//
// Handlers registered with OnTick run at the configured interval. They
// are where queue deadlines are evaluated, so the interval bounds the
// timeout resolution of every queue driven by the loop.
//
// # Thread Safety
//
//   - Post, Call, Now and Stats are safe for concurrent use.
//   - OnTick may be called before Run or from within the loop.
//   - Run must be called exactly once.
package mainloop
