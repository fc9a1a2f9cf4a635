package websocket

import (
	"fmt"
	"sync"
)

// Transport maps registry connection ids to live sockets and satisfies
// interfaces.Transport for the broadcast engine.
type Transport struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewTransport creates an empty transport
func NewTransport() *Transport {
	return &Transport{conns: make(map[string]*Connection)}
}

// Attach makes a connection addressable by its id
func (t *Transport) Attach(c *Connection) {
	t.mu.Lock()
	t.conns[c.ID()] = c
	t.mu.Unlock()
}

// Send queues data on the connection
func (t *Transport) Send(connectionID string, data []byte) error {
	t.mu.RLock()
	c, ok := t.conns[connectionID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", connectionID, ErrConnectionNotFound)
	}
	return c.Write(data)
}

// Close detaches and closes a connection. Unknown ids are ignored.
func (t *Transport) Close(connectionID, reason string) error {
	t.mu.Lock()
	c, ok := t.conns[connectionID]
	delete(t.conns, connectionID)
	t.mu.Unlock()

	if ok {
		c.Close(reason)
	}
	return nil
}

// Count returns the number of attached sockets
func (t *Transport) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CloseAll closes every socket, used at shutdown
func (t *Transport) CloseAll(reason string) {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*Connection)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
