package analytics

import (
	"sort"
	"time"

	"quizcast/internal/activity"
	"quizcast/internal/registry"
	"quizcast/pkg/types"
)

// ActivitySummary condenses one activity's progress
type ActivitySummary struct {
	ActivityID            string      `json:"activityId"`
	ActivityType          string      `json:"activityType,omitempty"`
	Phase                 types.Phase `json:"phase"`
	CurrentQuestionIndex  int         `json:"currentQuestionIndex"`
	RespondedParticipants int         `json:"respondedParticipants"`
	ResponseCount         int         `json:"responseCount"`
	LateResponses         int         `json:"lateResponses"`
	ResponseRate          float64     `json:"responseRate"`
}

// Snapshot is a derived view of one session. It can be discarded and
// recomputed at any time.
type Snapshot struct {
	SessionID           string                `json:"sessionId"`
	GeneratedAt         time.Time             `json:"generatedAt"`
	ConnectionCount     int                   `json:"connectionCount"`
	ParticipantCount    int                   `json:"participantCount"`
	PresenterCount      int                   `json:"presenterCount"`
	QualityHistogram    map[types.Quality]int `json:"connectionQuality"`
	AverageLatencyMS    float64               `json:"averageLatencyMs"`
	Activities          []ActivitySummary     `json:"activities"`
	ActiveActivities    int                   `json:"activeActivities"`
	CompletedActivities int                   `json:"completedActivities"`
	TotalResponses      int                   `json:"totalResponses"`
}

// Aggregator computes snapshots from the registry and activity store.
// It never mutates either.
type Aggregator struct {
	registry *registry.Registry
	store    *activity.Store
	now      func() time.Time
}

// NewAggregator creates an aggregator over the given sources
func NewAggregator(reg *registry.Registry, store *activity.Store) *Aggregator {
	return &Aggregator{registry: reg, store: store, now: time.Now}
}

// ComputeSnapshot derives the current analytics for a session.
// Unknown sessions produce a zero-valued snapshot.
func (a *Aggregator) ComputeSnapshot(sessionID string) Snapshot {
	snap := Snapshot{
		SessionID:   sessionID,
		GeneratedAt: a.now(),
		QualityHistogram: map[types.Quality]int{
			types.QualityGood: 0,
			types.QualityFair: 0,
			types.QualityPoor: 0,
		},
		Activities: []ActivitySummary{},
	}

	participants := make(map[string]struct{})
	var latencyTotal int64
	for _, conn := range a.registry.SessionConnections(sessionID) {
		snap.ConnectionCount++
		snap.QualityHistogram[conn.Quality]++
		latencyTotal += conn.LatencyMS

		switch conn.Role {
		case types.RolePresenter:
			snap.PresenterCount++
		default:
			participants[conn.ParticipantID] = struct{}{}
		}
	}
	snap.ParticipantCount = len(participants)
	if snap.ConnectionCount > 0 {
		snap.AverageLatencyMS = float64(latencyTotal) / float64(snap.ConnectionCount)
	}

	for _, state := range a.store.ListSession(sessionID) {
		summary := summarize(state, snap.ParticipantCount)
		snap.Activities = append(snap.Activities, summary)
		snap.TotalResponses += summary.ResponseCount

		switch state.Phase {
		case types.PhaseActive, types.PhasePaused:
			snap.ActiveActivities++
		case types.PhaseCompleted:
			snap.CompletedActivities++
		}
	}
	sort.Slice(snap.Activities, func(i, j int) bool {
		return snap.Activities[i].ActivityID < snap.Activities[j].ActivityID
	})

	return snap
}

func summarize(state *types.ActivityState, participants int) ActivitySummary {
	summary := ActivitySummary{
		ActivityID:           state.ActivityID,
		ActivityType:         state.ActivityType,
		Phase:                state.Phase,
		CurrentQuestionIndex: state.CurrentQuestionIndex,
	}
	for _, responses := range state.Responses {
		if len(responses) > 0 {
			summary.RespondedParticipants++
		}
		summary.ResponseCount += len(responses)
		for _, r := range responses {
			if r.Late {
				summary.LateResponses++
			}
		}
	}
	if participants > 0 {
		summary.ResponseRate = float64(summary.RespondedParticipants) / float64(participants)
	}
	return summary
}
