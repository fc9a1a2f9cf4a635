package router

import (
	"fmt"
	"sort"
	"time"

	"quizcast/internal/analytics"
	"quizcast/pkg/types"
)

// SessionInfo describes one session for administrative callers
type SessionInfo struct {
	SessionID         string                 `json:"sessionId"`
	ConnectionCount   int                    `json:"connectionCount"`
	Connections       []types.Connection     `json:"connections"`
	CurrentActivityID string                 `json:"currentActivityId,omitempty"`
	Activities        []*types.ActivityState `json:"activities"`
	LastAnalytics     *analytics.Snapshot    `json:"lastAnalytics,omitempty"`
}

// SessionSummary is one row of the session listing
type SessionSummary struct {
	SessionID       string `json:"sessionId"`
	ConnectionCount int    `json:"connectionCount"`
	ActivityCount   int    `json:"activityCount"`
}

// Stats is the process-wide view returned by GetEnhancedStats
type Stats struct {
	TotalConnections   int                   `json:"totalConnections"`
	JoinedConnections  int                   `json:"joinedConnections"`
	ActiveSessions     int                   `json:"activeSessions"`
	ActivityRecords    int                   `json:"activityRecords"`
	CachedSnapshots    int                   `json:"cachedSnapshots"`
	RateLimitedClients int                   `json:"rateLimitedClients"`
	QualityHistogram   map[types.Quality]int `json:"connectionQuality"`
	LatePolicy         string                `json:"latePolicy"`
	GeneratedAt        time.Time             `json:"generatedAt"`
}

// ClearReport summarizes ClearSessionData
type ClearReport struct {
	SessionID          string `json:"sessionId"`
	ActivitiesRemoved  int    `json:"activitiesRemoved"`
	ConnectionsRemoved int    `json:"connectionsRemoved"`
}

// GetSessionInfo returns the live view of a session; ErrNotFound when the
// session has neither connections nor activity state.
func (r *Router) GetSessionInfo(sessionID string) (*SessionInfo, error) {
	conns := r.registry.SessionConnections(sessionID)
	activities := r.store.ListSession(sessionID)
	if len(conns) == 0 && len(activities) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if activities == nil {
		activities = []*types.ActivityState{}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].JoinedAt.Before(conns[j].JoinedAt) })
	sort.Slice(activities, func(i, j int) bool { return activities[i].ActivityID < activities[j].ActivityID })

	info := &SessionInfo{
		SessionID:         sessionID,
		ConnectionCount:   len(conns),
		Connections:       conns,
		CurrentActivityID: r.store.Current(sessionID),
		Activities:        activities,
	}
	if snap, ok := r.cache.Get(sessionID, r.now()); ok {
		info.LastAnalytics = &snap
	}
	return info, nil
}

// ListSessions returns every session known to the registry or the activity store
func (r *Router) ListSessions() []SessionSummary {
	rows := make(map[string]*SessionSummary)
	row := func(id string) *SessionSummary {
		if s, ok := rows[id]; ok {
			return s
		}
		s := &SessionSummary{SessionID: id}
		rows[id] = s
		return s
	}

	for _, id := range r.registry.Sessions() {
		row(id).ConnectionCount = r.registry.Size(id)
	}
	for _, id := range r.store.Sessions() {
		row(id).ActivityCount = len(r.store.ListSession(id))
	}

	out := make([]SessionSummary, 0, len(rows))
	for _, s := range rows {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetActivity returns one activity record
func (r *Router) GetActivity(sessionID, activityID string) (*types.ActivityState, error) {
	state := r.store.Get(sessionID, activityID)
	if state == nil {
		return nil, fmt.Errorf("activity %s in session %s: %w", activityID, sessionID, types.ErrNotFound)
	}
	return state, nil
}

// GetEnhancedStats summarizes the whole process
func (r *Router) GetEnhancedStats() Stats {
	registryStats := r.registry.GetStats()
	stats := Stats{
		TotalConnections:   registryStats["total_connections"],
		JoinedConnections:  registryStats["joined_connections"],
		ActiveSessions:     registryStats["active_sessions"],
		ActivityRecords:    r.store.Count(),
		CachedSnapshots:    r.cache.Len(),
		RateLimitedClients: r.limiter.Len(),
		QualityHistogram: map[types.Quality]int{
			types.QualityGood: 0,
			types.QualityFair: 0,
			types.QualityPoor: 0,
		},
		LatePolicy:  string(r.store.Policy()),
		GeneratedAt: r.now(),
	}
	for _, conn := range r.registry.Snapshot() {
		stats.QualityHistogram[conn.Quality]++
	}
	return stats
}

// ForceDisconnectParticipant tells every connection of a participant why it is
// being removed, then severs it. It returns the number of connections closed.
func (r *Router) ForceDisconnectParticipant(sessionID, participantID, reason string) (int, error) {
	if reason == "" {
		reason = ReasonForced
	}
	ids := r.registry.FindParticipant(sessionID, participantID)
	if len(ids) == 0 {
		return 0, fmt.Errorf("participant %s in session %s: %w", participantID, sessionID, types.ErrNotFound)
	}

	for _, id := range ids {
		r.engine.SendTo(id, types.EventForceDisconnect, forceDisconnectPayload{Reason: reason})
	}
	var removed []types.Connection
	for _, id := range ids {
		r.limiter.Forget(id)
		if conn := r.engine.Disconnect(id, reason); conn != nil {
			removed = append(removed, *conn)
		}
	}
	for _, conn := range removed {
		r.announceDeparture(conn, reason)
	}
	r.refreshGauges()

	r.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("reason", reason).
		Int("connections", len(ids)).
		Msg("participant force-disconnected")
	return len(ids), nil
}

// ClearSessionData purges a session's activity state and analytics and
// force-disconnects every member.
func (r *Router) ClearSessionData(sessionID string) (ClearReport, error) {
	members := r.registry.Members(sessionID)
	removed := r.store.DeleteSession(sessionID)
	r.cache.Delete(sessionID)

	if len(members) == 0 && removed == 0 {
		return ClearReport{}, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}

	// tell everyone first so nobody sees departures of the others
	report := r.engine.Broadcast(sessionID, types.EventForceDisconnect, forceDisconnectPayload{Reason: ReasonSessionCleared})
	closed := len(report.FailedConnectionIDs)
	for _, id := range members {
		r.limiter.Forget(id)
		if r.engine.Disconnect(id, ReasonSessionCleared) != nil {
			closed++
		}
	}
	r.refreshGauges()

	r.logger.Info().
		Str("session_id", sessionID).
		Int("activities", removed).
		Int("connections", closed).
		Msg("session data cleared")
	return ClearReport{SessionID: sessionID, ActivitiesRemoved: removed, ConnectionsRemoved: closed}, nil
}
