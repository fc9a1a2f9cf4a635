package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quizcast/pkg/types"
)

// Latency thresholds for connection quality buckets
const (
	GoodLatency = 150 * time.Millisecond
	FairLatency = 500 * time.Millisecond
)

// Registry tracks live client connections and the session groups they belong to.
// Connection records and group membership are only ever changed together under mu,
// so every group member resolves to a record carrying the same session id.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*types.Connection // connectionID -> record
	groups      *GroupIndex
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRegistry creates an empty connection registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		connections: make(map[string]*types.Connection),
		groups:      NewGroupIndex(),
		logger:      logger.With().Str("component", "registry").Logger(),
		now:         time.Now,
	}
}

// Admit registers a new connection shell with no session or participant bound
func (r *Registry) Admit() string {
	id := uuid.New().String()
	now := r.now()

	r.mu.Lock()
	r.connections[id] = &types.Connection{
		ID:             id,
		JoinedAt:       now,
		LastActivityAt: now,
		Quality:        types.QualityGood,
	}
	r.mu.Unlock()

	return id
}

// BindIdentity attaches a session, participant and role to a connection and adds
// it to the session group. Rebinding to another session moves the connection.
func (r *Registry) BindIdentity(connectionID, sessionID, participantID string, role types.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connectionID]
	if !exists {
		return fmt.Errorf("connection %s: %w", connectionID, types.ErrNotFound)
	}

	if conn.SessionID == sessionID && conn.ParticipantID == participantID && conn.Role == role {
		return nil
	}

	if conn.SessionID != "" && conn.SessionID != sessionID {
		r.logger.Warn().
			Str("connection_id", connectionID).
			Str("from_session", conn.SessionID).
			Str("to_session", sessionID).
			Msg("connection rebound to a different session")
		r.groups.Remove(conn.SessionID, connectionID)
	}

	conn.SessionID = sessionID
	conn.ParticipantID = participantID
	conn.Role = role
	conn.LastActivityAt = r.now()
	r.groups.Add(sessionID, connectionID)

	return nil
}

// Touch refreshes a connection's last activity time.
// Unknown ids are ignored; callers race with cleanup.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.connections[connectionID]; exists {
		conn.LastActivityAt = r.now()
	}
}

// RecordLatency touches the connection and reclassifies its quality from rtt
func (r *Registry) RecordLatency(connectionID string, rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connectionID]
	if !exists {
		return
	}
	conn.LastActivityAt = r.now()
	conn.LatencyMS = rtt.Milliseconds()
	conn.Quality = ClassifyLatency(rtt)
}

// Remove deletes a connection and its group membership.
// It returns the removed record, or nil if it was already gone.
func (r *Registry) Remove(connectionID string) *types.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connectionID]
	if !exists {
		return nil
	}

	delete(r.connections, connectionID)
	if conn.SessionID != "" {
		r.groups.Remove(conn.SessionID, connectionID)
	}

	removed := *conn
	return &removed
}

// Get returns a copy of the connection record, or nil
func (r *Registry) Get(connectionID string) *types.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connectionID]
	if !exists {
		return nil
	}
	c := *conn
	return &c
}

// Members returns the connection ids joined to a session (empty for unknown sessions)
func (r *Registry) Members(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups.Members(sessionID)
}

// Size returns the number of connections joined to a session
func (r *Registry) Size(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups.Size(sessionID)
}

// Sessions lists the sessions that currently have connections
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups.Sessions()
}

// SessionConnections returns copies of every connection record in a session
func (r *Registry) SessionConnections(sessionID string) []types.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.groups.Members(sessionID)
	conns := make([]types.Connection, 0, len(ids))
	for _, id := range ids {
		if conn, exists := r.connections[id]; exists {
			conns = append(conns, *conn)
		}
	}
	return conns
}

// FindParticipant returns the connection ids in a session bound to participantID.
// A participant may hold more than one connection (several tabs or devices).
func (r *Registry) FindParticipant(sessionID, participantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.groups.Members(sessionID) {
		if conn, exists := r.connections[id]; exists && conn.ParticipantID == participantID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns copies of all connection records, joined or not.
// Safe to iterate while the registry keeps changing.
func (r *Registry) Snapshot() []types.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]types.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, *conn)
	}
	return conns
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := 0
	for _, conn := range r.connections {
		if conn.SessionID != "" {
			joined++
		}
	}

	return map[string]int{
		"total_connections":  len(r.connections),
		"joined_connections": joined,
		"active_sessions":    r.groups.Len(),
	}
}

// ClassifyLatency buckets a round-trip time into a connection quality
func ClassifyLatency(rtt time.Duration) types.Quality {
	switch {
	case rtt <= GoodLatency:
		return types.QualityGood
	case rtt <= FairLatency:
		return types.QualityFair
	default:
		return types.QualityPoor
	}
}
