package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrWriteTimeout       = errors.New("write queue timeout")
	ErrConnectionNotFound = errors.New("connection not found")
)
