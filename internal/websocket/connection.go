package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxCloseReason keeps the close frame payload inside the 125 byte control limit
const maxCloseReason = 123

// Connection wraps one gorilla connection with a single writer goroutine.
// Writes are queued; Close flushes the queue before sending the close frame.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	closeCh      chan struct{}
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu          sync.Mutex
	closeReason string
}

// NewConnection starts the writer for an upgraded socket
func NewConnection(id string, conn *websocket.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           id,
		conn:         conn,
		writeCh:      make(chan []byte, queueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the registry connection id
func (c *Connection) ID() string {
	return c.id
}

// Done is closed once the socket is fully shut down
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Write queues one text frame. It fails if the connection is closing or the
// queue stays full for the write timeout.
func (c *Connection) Write(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.closeCh:
		return ErrConnectionClosed
	}
}

// Close asks the writer to flush queued frames, send a close frame carrying
// reason and release the socket. Safe to call more than once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closeCh)
	})
}

func (c *Connection) writeLoop() {
	defer func() {
		_ = c.conn.Close()
		c.cancel()
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data); err != nil {
				c.Close("write failed")
				return
			}
		case <-c.closeCh:
			c.flush()
			return
		}
	}
}

// flush drains whatever is queued, then says goodbye
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data); err != nil {
				return
			}
		default:
			c.mu.Lock()
			reason := c.closeReason
			c.mu.Unlock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *Connection) writeFrame(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
