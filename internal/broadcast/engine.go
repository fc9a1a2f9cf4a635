package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/registry"
	"quizcast/internal/telemetry"
	"quizcast/pkg/interfaces"
	"quizcast/pkg/types"
)

// ReasonDeliveryFailed is the close reason for connections dropped by a failed write
const ReasonDeliveryFailed = "delivery failed"

// DeliveryReport summarizes one fan-out round. It is diagnostic only.
type DeliveryReport struct {
	Attempted           int      `json:"attempted"`
	Succeeded           int      `json:"succeeded"`
	FailedConnectionIDs []string `json:"failedConnectionIds"`
}

// DropFunc is told about every connection removed because delivery to it failed
type DropFunc func(conn types.Connection)

// Engine fans events out to session groups over a Transport.
// Delivery failures are cleanup triggers: the connection is removed from the
// registry and closed, and the round carries on for everyone else.
type Engine struct {
	registry  *registry.Registry
	transport interfaces.Transport
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	onDrop DropFunc
}

// NewEngine creates a broadcast engine
func NewEngine(reg *registry.Registry, transport interfaces.Transport, logger zerolog.Logger) *Engine {
	return &Engine{
		registry:  reg,
		transport: transport,
		logger:    logger.With().Str("component", "broadcast").Logger(),
		now:       time.Now,
	}
}

// OnDrop installs the hook invoked after a round for each dropped connection
func (e *Engine) OnDrop(fn DropFunc) {
	e.mu.Lock()
	e.onDrop = fn
	e.mu.Unlock()
}

// Broadcast delivers to every member of the session group
func (e *Engine) Broadcast(sessionID, eventName string, payload any) DeliveryReport {
	return e.deliver(sessionID, e.registry.Members(sessionID), eventName, payload)
}

// Unicast delivers to the connections of one participant within a session.
// No matching connection is an empty report, not an error.
func (e *Engine) Unicast(sessionID, participantID, eventName string, payload any) DeliveryReport {
	return e.deliver(sessionID, e.registry.FindParticipant(sessionID, participantID), eventName, payload)
}

// BroadcastExcludingRole delivers to members whose role differs from role
func (e *Engine) BroadcastExcludingRole(sessionID string, role types.Role, eventName string, payload any) DeliveryReport {
	conns := e.registry.SessionConnections(sessionID)
	ids := make([]string, 0, len(conns))
	for _, conn := range conns {
		if conn.Role != role {
			ids = append(ids, conn.ID)
		}
	}
	return e.deliver(sessionID, ids, eventName, payload)
}

// BroadcastExcept delivers to every member except the given connection
func (e *Engine) BroadcastExcept(sessionID, exceptConnectionID, eventName string, payload any) DeliveryReport {
	members := e.registry.Members(sessionID)
	ids := members[:0]
	for _, id := range members {
		if id != exceptConnectionID {
			ids = append(ids, id)
		}
	}
	return e.deliver(sessionID, ids, eventName, payload)
}

// SendTo delivers to a single connection, joined or not
func (e *Engine) SendTo(connectionID, eventName string, payload any) DeliveryReport {
	sessionID := ""
	if conn := e.registry.Get(connectionID); conn != nil {
		sessionID = conn.SessionID
	}
	return e.deliver(sessionID, []string{connectionID}, eventName, payload)
}

// Disconnect removes a connection from the registry and closes its transport.
// It returns the removed record, or nil when the connection was already gone.
func (e *Engine) Disconnect(connectionID, reason string) *types.Connection {
	conn := e.registry.Remove(connectionID)
	if err := e.transport.Close(connectionID, reason); err != nil {
		e.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("transport close failed")
	}
	return conn
}

// deliver encodes once and writes to every target concurrently
func (e *Engine) deliver(sessionID string, ids []string, eventName string, payload any) DeliveryReport {
	report := DeliveryReport{FailedConnectionIDs: []string{}}
	if len(ids) == 0 {
		return report
	}

	data, err := json.Marshal(types.Event{
		Type:      eventName,
		SessionID: sessionID,
		Data:      payload,
		Timestamp: e.now(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("event", eventName).Msg("failed to encode event")
		return report
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.transport.Send(id, data); err != nil {
				e.logger.Debug().Err(err).
					Str("connection_id", id).
					Str("event", eventName).
					Msg("delivery failed")
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	report.Attempted = len(ids)
	report.Succeeded = len(ids) - len(failed)
	report.FailedConnectionIDs = append(report.FailedConnectionIDs, failed...)

	telemetry.Deliveries.WithLabelValues("success").Add(float64(report.Succeeded))
	if len(failed) > 0 {
		telemetry.Deliveries.WithLabelValues("failure").Add(float64(len(failed)))
		e.drop(failed)
	}

	return report
}

// drop removes failed connections once the round is over
func (e *Engine) drop(ids []string) {
	e.mu.RLock()
	onDrop := e.onDrop
	e.mu.RUnlock()

	for _, id := range ids {
		conn := e.Disconnect(id, ReasonDeliveryFailed)
		if conn != nil && onDrop != nil {
			onDrop(*conn)
		}
	}
}
