package router

import (
	"encoding/json"
	"time"

	"quizcast/internal/analytics"
	"quizcast/pkg/types"
)

// Inbound payloads

type joinPayload struct {
	SessionID     string     `json:"sessionId"`
	ParticipantID string     `json:"participantId"`
	Role          types.Role `json:"role,omitempty"`
}

type responsePayload struct {
	ActivityID    string          `json:"activityId"`
	ActivityType  string          `json:"activityType,omitempty"`
	QuestionIndex *int            `json:"questionIndex,omitempty"`
	Response      json.RawMessage `json:"response"`
}

type batchPayload struct {
	Responses []responsePayload `json:"responses"`
}

type commandPayload struct {
	Command string      `json:"command"`
	Data    commandData `json:"data"`
}

type commandData struct {
	ActivityID   string          `json:"activityId,omitempty"`
	ActivityType string          `json:"activityType,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Index        *int            `json:"index,omitempty"`
}

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"` // client clock, unix milliseconds
}

type stateRequestPayload struct {
	SessionID  string `json:"sessionId,omitempty"`
	ActivityID string `json:"activityId,omitempty"`
}

// Outbound payloads

type sessionJoinedPayload struct {
	SessionID        string                 `json:"sessionId"`
	ParticipantID    string                 `json:"participantId"`
	ConnectionID     string                 `json:"connectionId"`
	Role             types.Role             `json:"role"`
	ParticipantCount int                    `json:"participantCount"`
	CurrentActivity  *types.ActivityState   `json:"currentActivity,omitempty"`
	Activities       []*types.ActivityState `json:"activities"`
}

type participantPayload struct {
	ParticipantID    string     `json:"participantId"`
	Role             types.Role `json:"role"`
	ParticipantCount int        `json:"participantCount"`
	Reason           string     `json:"reason,omitempty"`
}

type responseReceivedPayload struct {
	ParticipantID string `json:"participantId"`
	ActivityID    string `json:"activityId"`
	QuestionIndex int    `json:"questionIndex"`
	ResponseCount int    `json:"responseCount"`
	Late          bool   `json:"late,omitempty"`
}

type responseConfirmedPayload struct {
	ActivityID    string    `json:"activityId"`
	QuestionIndex int       `json:"questionIndex"`
	ReceivedAt    time.Time `json:"receivedAt"`
	Late          bool      `json:"late,omitempty"`
	Count         int       `json:"count"`
}

type statePayload struct {
	ActivityID string               `json:"activityId"`
	State      *types.ActivityState `json:"state"`
}

type endedPayload struct {
	ActivityID string               `json:"activityId"`
	FinalState *types.ActivityState `json:"finalState"`
}

type questionChangedPayload struct {
	ActivityID    string               `json:"activityId"`
	QuestionIndex int                  `json:"questionIndex"`
	State         *types.ActivityState `json:"state"`
}

type resultsPayload struct {
	ActivityID string               `json:"activityId"`
	State      *types.ActivityState `json:"state"`
	Analytics  analytics.Snapshot   `json:"analytics"`
}

type forceDisconnectPayload struct {
	Reason string `json:"reason"`
}

type heartbeatRequestPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
