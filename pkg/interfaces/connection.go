package interfaces

// Transport is the delivery side of a client link, addressed by connection id.
// Implementations must allow concurrent Send calls for different connections
// and serialize writes to the same connection.
type Transport interface {
	// Send queues one encoded event for the connection. A non-nil error means
	// the connection should be treated as gone.
	Send(connectionID string, data []byte) error

	// Close severs the link. Closing an unknown or already closed connection
	// is not an error.
	Close(connectionID string, reason string) error
}
