// Package network emulates the ethernet interface.
package network

// Transport moves frames between the network agent and the outside world.
// Enqueue and Dequeue never block. The notifier runs on the transport's own
// goroutine whenever a received frame becomes available.
type Transport interface {
	// Enqueue hands over a frame for sending; false means it was dropped.
	Enqueue(frame []byte) bool
	// Dequeue copies the oldest received frame into buf and returns its
	// full length, which may exceed len(buf).
	Dequeue(buf []byte) (int, bool)
	SetNotifier(fn func())
	Close() error
}
