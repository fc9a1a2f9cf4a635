package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Close reasons reported to the hub when the read side ends
const (
	ReasonClientClosed = "client closed"
	ReasonReadError    = "read error"
)

// Admitter registers new connections and records liveness
type Admitter interface {
	Admit() string
	Touch(connectionID string)
}

// Dispatcher receives inbound frames and disconnect notices, in order
type Dispatcher interface {
	Dispatch(connectionID string, data []byte) error
	Disconnect(connectionID, reason string)
}

// Options configures socket handling
type Options struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	QueueSize       int
	MaxMessageBytes int64
}

// DefaultOptions mirrors the config defaults
func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		QueueSize:       100,
		MaxMessageBytes: 64 * 1024,
	}
}

// Handler upgrades HTTP requests and pumps frames between the socket and the hub
type Handler struct {
	admitter   Admitter
	dispatcher Dispatcher
	transport  *Transport
	opts       Options
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHandler creates the /ws handler
func NewHandler(admitter Admitter, dispatcher Dispatcher, transport *Transport, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		admitter:   admitter,
		dispatcher: dispatcher,
		transport:  transport,
		opts:       opts,
		upgrader: websocket.Upgrader{
			// session codes are the only gate; origin policy belongs to the deployment
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := h.admitter.Admit()
	conn := NewConnection(id, ws, h.opts.QueueSize, h.opts.WriteTimeout)
	h.transport.Attach(conn)

	h.logger.Debug().Str("connection_id", id).Str("remote", r.RemoteAddr).Msg("connection opened")

	go h.pingLoop(conn)
	go h.readLoop(conn, ws)
}

func (h *Handler) readLoop(conn *Connection, ws *websocket.Conn) {
	reason := ReasonClientClosed
	defer func() {
		h.dispatcher.Disconnect(conn.ID(), reason)
		conn.Close(reason)
	}()

	if h.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.opts.MaxMessageBytes)
	}
	h.extendDeadline(ws)
	ws.SetPongHandler(func(string) error {
		h.admitter.Touch(conn.ID())
		h.extendDeadline(ws)
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				reason = ReasonReadError
				h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("websocket read error")
			}
			return
		}
		h.extendDeadline(ws)

		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.dispatcher.Dispatch(conn.ID(), data); err != nil {
			h.logger.Warn().Err(err).Str("connection_id", conn.ID()).Msg("inbound event dropped")
		}
	}
}

func (h *Handler) extendDeadline(ws *websocket.Conn) {
	if h.opts.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	}
}

// pingLoop sends control pings; WriteControl is safe alongside the writer goroutine
func (h *Handler) pingLoop(conn *Connection) {
	if h.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
