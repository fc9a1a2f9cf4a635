package activity

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quizcast/pkg/types"
)

// LatePolicy decides what happens to a response that no longer matches the
// activity's current question or arrives while the activity is not active.
type LatePolicy string

const (
	// LatePolicyRecord keeps late responses, tagged, for the audit trail
	LatePolicyRecord LatePolicy = "record"
	// LatePolicyReject refuses late responses with ErrStaleResponse
	LatePolicyReject LatePolicy = "reject"
)

// ParseLatePolicy maps a config string to a policy; empty means record
func ParseLatePolicy(s string) (LatePolicy, error) {
	switch LatePolicy(s) {
	case "", LatePolicyRecord:
		return LatePolicyRecord, nil
	case LatePolicyReject:
		return LatePolicyReject, nil
	default:
		return "", fmt.Errorf("late policy %q: %w", s, types.ErrValidation)
	}
}

// SizeFunc reports the current size of a session group
type SizeFunc func(sessionID string) int

// Submission is one response aimed at a specific activity, used for batches
type Submission struct {
	ActivityID string
	Response   types.Response
}

type key struct {
	sessionID  string
	activityID string
}

// Store owns every ActivityState record. State outlives the connections that
// drive it; only DeleteSession removes records.
type Store struct {
	mu      sync.Mutex
	states  map[key]*types.ActivityState
	current map[string]string // sessionID -> most recently started activityID
	sizeFn  SizeFunc
	policy  LatePolicy
	now     func() time.Time
}

// NewStore creates an empty store. sizeFn may be nil, in which case
// participant counts stay zero.
func NewStore(sizeFn SizeFunc, policy LatePolicy) *Store {
	if sizeFn == nil {
		sizeFn = func(string) int { return 0 }
	}
	if policy == "" {
		policy = LatePolicyRecord
	}
	return &Store{
		states:  make(map[key]*types.ActivityState),
		current: make(map[string]string),
		sizeFn:  sizeFn,
		policy:  policy,
		now:     time.Now,
	}
}

// Policy returns the configured late policy
func (s *Store) Policy() LatePolicy {
	return s.policy
}

// touch stamps a mutation. Caller holds mu.
func (s *Store) touch(state *types.ActivityState) {
	state.ParticipantCount = s.sizeFn(state.SessionID)
	state.UpdatedAt = s.now()
}

// Start creates or overwrites an activity and makes it active at question 0.
// A completed activity cannot be restarted.
func (s *Store) Start(sessionID, activityID, activityType string, config json.RawMessage) (*types.ActivityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sessionID, activityID}
	if existing, ok := s.states[k]; ok && existing.Phase == types.PhaseCompleted {
		return nil, fmt.Errorf("start activity %s: %w", activityID, types.ErrInvalidState)
	}

	now := s.now()
	state := &types.ActivityState{
		SessionID:            sessionID,
		ActivityID:           activityID,
		ActivityType:         activityType,
		Phase:                types.PhaseActive,
		CurrentQuestionIndex: 0,
		Responses:            make(map[string][]types.Response),
		Config:               append(json.RawMessage(nil), config...),
		StartTime:            &now,
	}
	s.states[k] = state
	s.current[sessionID] = activityID
	s.touch(state)

	return state.Clone(), nil
}

// Pause moves an active activity to paused. Missing or non-active records
// yield nil without error.
func (s *Store) Pause(sessionID, activityID string) (*types.ActivityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key{sessionID, activityID}]
	if !ok {
		return nil, nil
	}
	if state.Phase == types.PhaseCompleted {
		return nil, fmt.Errorf("pause activity %s: %w", activityID, types.ErrInvalidState)
	}
	if state.Phase != types.PhaseActive {
		return nil, nil
	}

	state.Phase = types.PhasePaused
	s.touch(state)
	return state.Clone(), nil
}

// Resume returns a paused activity to active without touching the question
// index or responses.
func (s *Store) Resume(sessionID, activityID string) (*types.ActivityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key{sessionID, activityID}]
	if !ok {
		return nil, nil
	}
	if state.Phase == types.PhaseCompleted {
		return nil, fmt.Errorf("resume activity %s: %w", activityID, types.ErrInvalidState)
	}
	if state.Phase != types.PhasePaused {
		return nil, nil
	}

	state.Phase = types.PhaseActive
	s.touch(state)
	return state.Clone(), nil
}

// AdvanceQuestion moves to question index (or current+1 when index < 0) and
// clears responses. Phase is preserved, so presenters can skip ahead while paused.
func (s *Store) AdvanceQuestion(sessionID, activityID string, index int) (*types.ActivityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key{sessionID, activityID}]
	if !ok {
		return nil, nil
	}
	switch state.Phase {
	case types.PhaseCompleted:
		return nil, fmt.Errorf("advance activity %s: %w", activityID, types.ErrInvalidState)
	case types.PhaseWaiting:
		return nil, nil
	}

	if index < 0 {
		index = state.CurrentQuestionIndex + 1
	}
	state.CurrentQuestionIndex = index
	state.Responses = make(map[string][]types.Response)
	s.touch(state)
	return state.Clone(), nil
}

// End completes an activity. Completed is terminal.
func (s *Store) End(sessionID, activityID string) (*types.ActivityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key{sessionID, activityID}]
	if !ok {
		return nil, fmt.Errorf("activity %s in session %s: %w", activityID, sessionID, types.ErrNotFound)
	}
	if state.Phase == types.PhaseCompleted {
		return nil, fmt.Errorf("end activity %s: already completed: %w", activityID, types.ErrInvalidState)
	}

	now := s.now()
	state.Phase = types.PhaseCompleted
	state.EndTime = &now
	s.touch(state)
	return state.Clone(), nil
}

// RecordResponse appends one response and returns the stored copy with its
// arrival time, question index and late flag filled in.
func (s *Store) RecordResponse(sessionID, activityID string, resp types.Response) (types.Response, error) {
	stored, err := s.RecordResponses(sessionID, []Submission{{ActivityID: activityID, Response: resp}})
	if err != nil {
		return types.Response{}, err
	}
	return stored[0], nil
}

// RecordResponses applies a batch in one locked pass. Under the reject policy a
// single stale entry rejects the whole batch and nothing is stored.
func (s *Store) RecordResponses(sessionID string, batch []Submission) ([]types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prepared := make([]types.Response, len(batch))
	targets := make([]*types.ActivityState, len(batch))
	created := make(map[key]*types.ActivityState)

	for i, sub := range batch {
		k := key{sessionID, sub.ActivityID}
		state, ok := s.states[k]
		if !ok {
			state, ok = created[k]
		}
		if !ok {
			// first reference creates the record lazily
			state = &types.ActivityState{
				SessionID:  sessionID,
				ActivityID: sub.ActivityID,
				Phase:      types.PhaseWaiting,
				Responses:  make(map[string][]types.Response),
			}
			if sub.Response.ActivityType != "" {
				state.ActivityType = sub.Response.ActivityType
			}
			created[k] = state
		}

		resp := sub.Response
		resp.ReceivedAt = now
		if resp.QuestionIndex < 0 {
			resp.QuestionIndex = state.CurrentQuestionIndex
		}
		resp.Late = state.Phase != types.PhaseActive || resp.QuestionIndex != state.CurrentQuestionIndex

		if resp.Late && s.policy == LatePolicyReject {
			return nil, fmt.Errorf("activity %s question %d: %w", sub.ActivityID, resp.QuestionIndex, types.ErrStaleResponse)
		}

		prepared[i] = resp
		targets[i] = state
	}

	for i, state := range targets {
		s.states[key{state.SessionID, state.ActivityID}] = state
		resp := prepared[i]
		state.Responses[resp.ParticipantID] = append(state.Responses[resp.ParticipantID], resp)
		s.touch(state)
	}

	return prepared, nil
}

// Current returns the most recently started activity of a session, or ""
func (s *Store) Current(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[sessionID]
}

// Get returns a copy of the record, or nil
func (s *Store) Get(sessionID, activityID string) *types.ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key{sessionID, activityID}].Clone()
}

// ListSession returns copies of every activity recorded for a session
func (s *Store) ListSession(sessionID string) []*types.ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var states []*types.ActivityState
	for k, state := range s.states {
		if k.sessionID == sessionID {
			states = append(states, state.Clone())
		}
	}
	return states
}

// DeleteSession drops every activity of a session and returns how many were removed
func (s *Store) DeleteSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.current, sessionID)
	removed := 0
	for k := range s.states {
		if k.sessionID == sessionID {
			delete(s.states, k)
			removed++
		}
	}
	return removed
}

// Sessions lists session ids that have at least one activity record
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var ids []string
	for k := range s.states {
		if _, ok := seen[k.sessionID]; !ok {
			seen[k.sessionID] = struct{}{}
			ids = append(ids, k.sessionID)
		}
	}
	return ids
}

// Count returns the number of activity records
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
