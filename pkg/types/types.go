package types

import (
	"encoding/json"
	"time"
)

// Role identifies what a connection is allowed to drive inside a session
type Role string

const (
	RoleParticipant Role = "participant"
	RolePresenter   Role = "presenter"
)

// Quality is the connection classification derived from the latest round-trip sample
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// Phase is the lifecycle position of one activity within a session
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseActive    Phase = "active"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
)

// Inbound client -> server event names
const (
	EventJoinSession          = "join_session"
	EventLeaveSession         = "leave_session"
	EventActivityResponse     = "activity_response"
	EventPresenterCommand     = "presenter_command"
	EventHeartbeat            = "heartbeat"
	EventActivityStateRequest = "activity_state_request"
	EventBatchResponses       = "batch_responses"
	EventAnalyticsRequest     = "analytics_request"
)

// Outbound server -> client event names
const (
	EventSessionJoined       = "session_joined"
	EventParticipantJoined   = "participant_joined"
	EventParticipantLeft     = "participant_left"
	EventResponseReceived    = "response_received"
	EventResponseConfirmed   = "response_confirmed"
	EventActivityStarted     = "activity_started"
	EventActivityPaused      = "activity_paused"
	EventActivityResumed     = "activity_resumed"
	EventActivityEnded       = "activity_ended"
	EventQuestionChanged     = "question_changed"
	EventResultsDisplay      = "results_display"
	EventActivityStateUpdate = "activity_state_update"
	EventAnalyticsUpdate     = "analytics_update"
	EventForceDisconnect     = "force_disconnect"
	EventHeartbeatRequest    = "heartbeat_request"
	EventError               = "error"
)

// Presenter commands carried by presenter_command
const (
	CommandStartActivity  = "start_activity"
	CommandPauseActivity  = "pause_activity"
	CommandResumeActivity = "resume_activity"
	CommandEndActivity    = "end_activity"
	CommandNextQuestion   = "next_question"
	CommandShowResults    = "show_results"
)

// Connection is one live transport link from a client.
// SessionID and ParticipantID stay empty until the client joins a session.
type Connection struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId,omitempty"`
	ParticipantID  string    `json:"participantId,omitempty"`
	Role           Role      `json:"role,omitempty"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Quality        Quality   `json:"connectionQuality"`
	LatencyMS      int64     `json:"latencyMs"`
}

// Response is one raw answer event as it arrived from a participant
type Response struct {
	ParticipantID string          `json:"participantId"`
	ActivityType  string          `json:"activityType,omitempty"`
	QuestionIndex int             `json:"questionIndex"`
	Value         json.RawMessage `json:"value"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	Late          bool            `json:"late,omitempty"`
}

// ActivityState is the mutable progress record of one activity in one session
type ActivityState struct {
	SessionID            string                `json:"sessionId"`
	ActivityID           string                `json:"activityId"`
	ActivityType         string                `json:"activityType,omitempty"`
	Phase                Phase                 `json:"phase"`
	CurrentQuestionIndex int                   `json:"currentQuestionIndex"`
	Responses            map[string][]Response `json:"responsesByParticipant"`
	ParticipantCount     int                   `json:"participantCount"`
	Config               json.RawMessage       `json:"config,omitempty"`
	StartTime            *time.Time            `json:"startTime,omitempty"`
	EndTime              *time.Time            `json:"endTime,omitempty"`
	UpdatedAt            time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of a locked store
func (s *ActivityState) Clone() *ActivityState {
	if s == nil {
		return nil
	}
	c := *s
	c.Responses = make(map[string][]Response, len(s.Responses))
	for participantID, responses := range s.Responses {
		c.Responses[participantID] = append([]Response(nil), responses...)
	}
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// ResponseCount returns the total number of recorded responses
func (s *ActivityState) ResponseCount() int {
	total := 0
	for _, responses := range s.Responses {
		total += len(responses)
	}
	return total
}

// Event is the outbound envelope written to every recipient
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InboundEvent is the envelope every client message must decode into
type InboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuditRecord is the persisted form of one recorded response
type AuditRecord struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	ActivityID    string          `json:"activityId"`
	ParticipantID string          `json:"participantId"`
	ActivityType  string          `json:"activityType,omitempty"`
	QuestionIndex int             `json:"questionIndex"`
	Value         json.RawMessage `json:"value"`
	Late          bool            `json:"late"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}
