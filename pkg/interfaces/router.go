package interfaces

import "context"

// EventHandler consumes raw inbound client events for one connection.
// The hub serializes calls, so one connection's events are handled in arrival order.
type EventHandler interface {
	// HandleEvent decodes and applies one inbound message
	HandleEvent(ctx context.Context, connectionID string, data []byte)

	// Disconnect removes the connection and notifies the rest of its session
	Disconnect(connectionID string, reason string)
}
