package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quizcast/internal/activity"
	"quizcast/internal/analytics"
	"quizcast/internal/broadcast"
	"quizcast/internal/registry"
	"quizcast/internal/telemetry"
	"quizcast/pkg/interfaces"
	"quizcast/pkg/types"
)

// Close and departure reasons
const (
	ReasonLeft           = "left session"
	ReasonConnectionLost = "connection lost"
	ReasonForced         = "removed by presenter"
	ReasonSessionCleared = "session cleared"
)

var errProbeUndelivered = errors.New("heartbeat probe could not be delivered")

// Options tunes router behavior
type Options struct {
	EventsPerMinute int
}

// Router applies inbound client events to the registry and activity store
// and fans the resulting server events out through the broadcast engine.
type Router struct {
	registry   *registry.Registry
	store      *activity.Store
	engine     *broadcast.Engine
	aggregator *analytics.Aggregator
	cache      *analytics.Cache
	audit      interfaces.AuditStore
	limiter    *RateLimiter
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRouter wires a router. audit may be nil to disable the response audit trail.
func NewRouter(
	reg *registry.Registry,
	store *activity.Store,
	engine *broadcast.Engine,
	cache *analytics.Cache,
	audit interfaces.AuditStore,
	opts Options,
	logger zerolog.Logger,
) *Router {
	r := &Router{
		registry:   reg,
		store:      store,
		engine:     engine,
		aggregator: analytics.NewAggregator(reg, store),
		cache:      cache,
		audit:      audit,
		limiter:    NewRateLimiter(opts.EventsPerMinute),
		logger:     logger.With().Str("component", "router").Logger(),
		now:        time.Now,
	}
	engine.OnDrop(r.handleDrop)
	return r
}

// Admit registers a freshly opened transport connection
func (r *Router) Admit() string {
	id := r.registry.Admit()
	r.refreshGauges()
	return id
}

// Touch records liveness for a connection (pong frames, any inbound traffic)
func (r *Router) Touch(connectionID string) {
	r.registry.Touch(connectionID)
}

// Limiter exposes the rate limiter for periodic cleanup
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

// HandleEvent decodes one raw client message and applies it. Rejections are
// reported to the sender as an error event; the connection stays open.
func (r *Router) HandleEvent(ctx context.Context, connectionID string, data []byte) {
	conn := r.registry.Get(connectionID)
	if conn == nil {
		// already reclaimed; nobody to answer
		return
	}
	r.registry.Touch(connectionID)

	var evt types.InboundEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
		r.reject(connectionID, "", ErrMalformedEvent)
		return
	}

	if !r.limiter.Allow(connectionID) {
		r.reject(connectionID, evt.Type, types.ErrRateLimited)
		return
	}

	var err error
	switch evt.Type {
	case types.EventJoinSession:
		err = r.handleJoin(conn, evt.Data)
	case types.EventLeaveSession:
		err = r.handleLeave(conn)
	case types.EventActivityResponse:
		err = r.handleResponse(ctx, conn, evt.Data)
	case types.EventBatchResponses:
		err = r.handleBatch(ctx, conn, evt.Data)
	case types.EventPresenterCommand:
		err = r.handleCommand(conn, evt.Data)
	case types.EventHeartbeat:
		err = r.handleHeartbeat(conn, evt.Data)
	case types.EventActivityStateRequest:
		err = r.handleStateRequest(conn, evt.Data)
	case types.EventAnalyticsRequest:
		err = r.handleAnalyticsRequest(conn)
	default:
		err = fmt.Errorf("%q: %w", evt.Type, ErrUnknownEventType)
	}

	if err != nil {
		r.reject(connectionID, evt.Type, err)
		return
	}
	telemetry.EventsReceived.WithLabelValues(evt.Type, "ok").Inc()
}

// Disconnect handles a transport close: the connection is removed and the
// rest of its session is told.
func (r *Router) Disconnect(connectionID, reason string) {
	r.limiter.Forget(connectionID)
	if conn := r.engine.Disconnect(connectionID, reason); conn != nil {
		r.announceDeparture(*conn, reason)
	}
	r.refreshGauges()
}

// Reclaim removes a connection the heartbeat monitor found silent
func (r *Router) Reclaim(connectionID, reason string) {
	r.Disconnect(connectionID, reason)
}

// Probe sends a heartbeat_request; a failed write has already dropped the connection
func (r *Router) Probe(connectionID string) error {
	report := r.engine.SendTo(connectionID, types.EventHeartbeatRequest, heartbeatRequestPayload{
		Timestamp: r.now().UnixMilli(),
	})
	if report.Succeeded == 0 {
		return errProbeUndelivered
	}
	return nil
}

func (r *Router) handleJoin(conn *types.Connection, raw json.RawMessage) error {
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := types.ValidateIdentifier("sessionId", p.SessionID); err != nil {
		return err
	}
	if err := types.ValidateIdentifier("participantId", p.ParticipantID); err != nil {
		return err
	}
	if p.Role == "" {
		p.Role = types.RoleParticipant
	}
	if !types.IsValidRole(p.Role) {
		return fmt.Errorf("role %q: %w", p.Role, types.ErrValidation)
	}

	previous := conn.SessionID
	if err := r.registry.BindIdentity(conn.ID, p.SessionID, p.ParticipantID, p.Role); err != nil {
		return err
	}
	if previous != "" && previous != p.SessionID {
		r.announceDeparture(*conn, ReasonLeft)
	}

	count := r.registry.Size(p.SessionID)
	joined := sessionJoinedPayload{
		SessionID:        p.SessionID,
		ParticipantID:    p.ParticipantID,
		ConnectionID:     conn.ID,
		Role:             p.Role,
		ParticipantCount: count,
		Activities:       r.store.ListSession(p.SessionID),
	}
	if joined.Activities == nil {
		joined.Activities = []*types.ActivityState{}
	}
	if current := r.store.Current(p.SessionID); current != "" {
		joined.CurrentActivity = r.store.Get(p.SessionID, current)
	}

	r.engine.SendTo(conn.ID, types.EventSessionJoined, joined)
	r.engine.BroadcastExcept(p.SessionID, conn.ID, types.EventParticipantJoined, participantPayload{
		ParticipantID:    p.ParticipantID,
		Role:             p.Role,
		ParticipantCount: count,
	})

	r.logger.Info().
		Str("connection_id", conn.ID).
		Str("session_id", p.SessionID).
		Str("participant_id", p.ParticipantID).
		Str("role", string(p.Role)).
		Msg("participant joined")
	r.refreshGauges()
	return nil
}

func (r *Router) handleLeave(conn *types.Connection) error {
	if conn.SessionID == "" {
		return ErrNotJoined
	}
	r.Disconnect(conn.ID, ReasonLeft)
	return nil
}

func (r *Router) handleResponse(ctx context.Context, conn *types.Connection, raw json.RawMessage) error {
	if conn.SessionID == "" {
		return ErrNotJoined
	}
	var p responsePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	sub, err := r.submission(conn, p)
	if err != nil {
		return err
	}

	stored, err := r.store.RecordResponse(conn.SessionID, sub.ActivityID, sub.Response)
	if err != nil {
		return err
	}
	r.afterResponses(ctx, conn, []activity.Submission{sub}, []types.Response{stored})
	return nil
}

func (r *Router) handleBatch(ctx context.Context, conn *types.Connection, raw json.RawMessage) error {
	if conn.SessionID == "" {
		return ErrNotJoined
	}
	var p batchPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if len(p.Responses) == 0 {
		return ErrEmptyBatch
	}

	// validate everything before the store sees any of it
	batch := make([]activity.Submission, 0, len(p.Responses))
	for i, item := range p.Responses {
		sub, err := r.submission(conn, item)
		if err != nil {
			return fmt.Errorf("responses[%d]: %w", i, err)
		}
		batch = append(batch, sub)
	}

	stored, err := r.store.RecordResponses(conn.SessionID, batch)
	if err != nil {
		return err
	}
	r.afterResponses(ctx, conn, batch, stored)
	return nil
}

func (r *Router) submission(conn *types.Connection, p responsePayload) (activity.Submission, error) {
	if p.ActivityID == "" {
		p.ActivityID = r.store.Current(conn.SessionID)
	}
	if err := types.ValidateIdentifier("activityId", p.ActivityID); err != nil {
		return activity.Submission{}, err
	}
	if err := types.ValidateResponseValue(p.Response); err != nil {
		return activity.Submission{}, err
	}

	questionIndex := -1
	if p.QuestionIndex != nil {
		if *p.QuestionIndex < 0 {
			return activity.Submission{}, fmt.Errorf("questionIndex %d: %w", *p.QuestionIndex, types.ErrValidation)
		}
		questionIndex = *p.QuestionIndex
	}

	return activity.Submission{
		ActivityID: p.ActivityID,
		Response: types.Response{
			ParticipantID: conn.ParticipantID,
			ActivityType:  p.ActivityType,
			QuestionIndex: questionIndex,
			Value:         p.Response,
		},
	}, nil
}

// afterResponses audits, announces and confirms a set of stored responses
func (r *Router) afterResponses(ctx context.Context, conn *types.Connection, batch []activity.Submission, stored []types.Response) {
	for i, resp := range stored {
		activityID := batch[i].ActivityID
		telemetry.ResponsesRecorded.WithLabelValues(strconv.FormatBool(resp.Late)).Inc()
		r.recordAudit(ctx, conn.SessionID, activityID, resp)

		count := 0
		if state := r.store.Get(conn.SessionID, activityID); state != nil {
			count = state.ResponseCount()
		}
		r.engine.BroadcastExcept(conn.SessionID, conn.ID, types.EventResponseReceived, responseReceivedPayload{
			ParticipantID: conn.ParticipantID,
			ActivityID:    activityID,
			QuestionIndex: resp.QuestionIndex,
			ResponseCount: count,
			Late:          resp.Late,
		})
	}

	last := stored[len(stored)-1]
	r.engine.SendTo(conn.ID, types.EventResponseConfirmed, responseConfirmedPayload{
		ActivityID:    batch[len(batch)-1].ActivityID,
		QuestionIndex: last.QuestionIndex,
		ReceivedAt:    last.ReceivedAt,
		Late:          last.Late,
		Count:         len(stored),
	})
}

func (r *Router) recordAudit(ctx context.Context, sessionID, activityID string, resp types.Response) {
	if r.audit == nil {
		return
	}
	record := &types.AuditRecord{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		ActivityID:    activityID,
		ParticipantID: resp.ParticipantID,
		ActivityType:  resp.ActivityType,
		QuestionIndex: resp.QuestionIndex,
		Value:         resp.Value,
		Late:          resp.Late,
		ReceivedAt:    resp.ReceivedAt,
	}
	if err := r.audit.RecordResponse(ctx, record); err != nil {
		r.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("activity_id", activityID).
			Msg("failed to queue audit record")
	}
}

func (r *Router) handleCommand(conn *types.Connection, raw json.RawMessage) error {
	if conn.SessionID == "" {
		return ErrNotJoined
	}
	if conn.Role != types.RolePresenter {
		return ErrPresenterOnly
	}
	var p commandPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if !types.IsValidCommand(p.Command) {
		return fmt.Errorf("%q: %w", p.Command, ErrUnknownCommand)
	}

	sessionID := conn.SessionID
	activityID := p.Data.ActivityID
	if activityID == "" && p.Command != types.CommandStartActivity {
		activityID = r.store.Current(sessionID)
		if activityID == "" {
			return ErrNoActivity
		}
	}
	if err := types.ValidateIdentifier("activityId", activityID); err != nil {
		return err
	}

	log := r.logger.With().
		Str("session_id", sessionID).
		Str("activity_id", activityID).
		Str("command", p.Command).
		Logger()

	switch p.Command {
	case types.CommandStartActivity:
		state, err := r.store.Start(sessionID, activityID, p.Data.ActivityType, p.Data.Config)
		if err != nil {
			return err
		}
		r.engine.Broadcast(sessionID, types.EventActivityStarted, statePayload{ActivityID: activityID, State: state})

	case types.CommandPauseActivity:
		state, err := r.store.Pause(sessionID, activityID)
		if err != nil {
			return err
		}
		if state == nil {
			return r.noTransition(sessionID, activityID, types.PhaseActive)
		}
		r.engine.Broadcast(sessionID, types.EventActivityPaused, statePayload{ActivityID: activityID, State: state})

	case types.CommandResumeActivity:
		state, err := r.store.Resume(sessionID, activityID)
		if err != nil {
			return err
		}
		if state == nil {
			return r.noTransition(sessionID, activityID, types.PhasePaused)
		}
		r.engine.Broadcast(sessionID, types.EventActivityResumed, statePayload{ActivityID: activityID, State: state})

	case types.CommandNextQuestion:
		index := -1
		if p.Data.Index != nil {
			if *p.Data.Index < 0 {
				return fmt.Errorf("index %d: %w", *p.Data.Index, types.ErrValidation)
			}
			index = *p.Data.Index
		}
		state, err := r.store.AdvanceQuestion(sessionID, activityID, index)
		if err != nil {
			return err
		}
		if state == nil {
			return r.noTransition(sessionID, activityID, types.PhaseActive)
		}
		r.engine.Broadcast(sessionID, types.EventQuestionChanged, questionChangedPayload{
			ActivityID:    activityID,
			QuestionIndex: state.CurrentQuestionIndex,
			State:         state,
		})

	case types.CommandEndActivity:
		state, err := r.store.End(sessionID, activityID)
		if err != nil {
			return err
		}
		r.engine.Broadcast(sessionID, types.EventActivityEnded, endedPayload{ActivityID: activityID, FinalState: state})

	case types.CommandShowResults:
		state := r.store.Get(sessionID, activityID)
		if state == nil {
			return fmt.Errorf("activity %s: %w", activityID, types.ErrNotFound)
		}
		r.engine.Broadcast(sessionID, types.EventResultsDisplay, resultsPayload{
			ActivityID: activityID,
			State:      state,
			Analytics:  r.Analytics(sessionID),
		})
	}

	log.Info().Msg("presenter command applied")
	return nil
}

// noTransition explains why a pause, resume or advance changed nothing
func (r *Router) noTransition(sessionID, activityID string, want types.Phase) error {
	state := r.store.Get(sessionID, activityID)
	if state == nil {
		return fmt.Errorf("activity %s: %w", activityID, types.ErrNotFound)
	}
	return fmt.Errorf("activity %s is %s, not %s: %w", activityID, state.Phase, want, types.ErrInvalidState)
}

func (r *Router) handleHeartbeat(conn *types.Connection, raw json.RawMessage) error {
	var p heartbeatPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.Timestamp <= 0 {
		// liveness only; Touch already ran
		return nil
	}
	rtt := r.now().Sub(time.UnixMilli(p.Timestamp))
	r.registry.RecordLatency(conn.ID, rtt)
	return nil
}

func (r *Router) handleStateRequest(conn *types.Connection, raw json.RawMessage) error {
	if conn.SessionID == "" {
		return ErrNotJoined
	}
	var p stateRequestPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.SessionID != "" && p.SessionID != conn.SessionID {
		return ErrSessionMismatch
	}
	if p.ActivityID == "" {
		p.ActivityID = r.store.Current(conn.SessionID)
	}

	r.engine.SendTo(conn.ID, types.EventActivityStateUpdate, statePayload{
		ActivityID: p.ActivityID,
		State:      r.store.Get(conn.SessionID, p.ActivityID),
	})
	return nil
}

func (r *Router) handleAnalyticsRequest(conn *types.Connection) error {
	if conn.SessionID == "" {
		return ErrNotJoined
	}
	if conn.Role != types.RolePresenter {
		return ErrPresenterOnly
	}
	r.engine.SendTo(conn.ID, types.EventAnalyticsUpdate, r.Analytics(conn.SessionID))
	return nil
}

// Analytics computes a fresh snapshot and keeps it as the session's latest
func (r *Router) Analytics(sessionID string) analytics.Snapshot {
	snap := r.aggregator.ComputeSnapshot(sessionID)
	r.cache.Put(snap)
	return snap
}

// handleDrop announces connections lost to failed deliveries
func (r *Router) handleDrop(conn types.Connection) {
	r.limiter.Forget(conn.ID)
	r.logger.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Msg("connection dropped after failed delivery")
	r.announceDeparture(conn, ReasonConnectionLost)
	r.refreshGauges()
}

func (r *Router) announceDeparture(conn types.Connection, reason string) {
	if conn.SessionID == "" {
		return
	}
	r.engine.Broadcast(conn.SessionID, types.EventParticipantLeft, participantPayload{
		ParticipantID:    conn.ParticipantID,
		Role:             conn.Role,
		ParticipantCount: r.registry.Size(conn.SessionID),
		Reason:           reason,
	})
}

func (r *Router) reject(connectionID, eventType string, err error) {
	code := ErrorCode(err)
	telemetry.EventsReceived.WithLabelValues(metricEventType(eventType), code).Inc()

	event := r.logger.Debug()
	if code == CodeInternal || code == CodeUnauthorized || code == CodeRateLimited {
		event = r.logger.Warn()
	}
	event.Err(err).
		Str("connection_id", connectionID).
		Str("event", eventType).
		Str("code", code).
		Msg("event rejected")

	r.engine.SendTo(connectionID, types.EventError, errorPayload{
		Code:    code,
		Message: err.Error(),
		Event:   eventType,
	})
}

func (r *Router) refreshGauges() {
	telemetry.ConnectionsActive.Set(float64(r.registry.Count()))
	telemetry.SessionsActive.Set(float64(len(r.registry.Sessions())))
}

// metricEventType keeps client-controlled strings out of label values
func metricEventType(eventType string) string {
	switch eventType {
	case types.EventJoinSession, types.EventLeaveSession, types.EventActivityResponse,
		types.EventPresenterCommand, types.EventHeartbeat, types.EventActivityStateRequest,
		types.EventBatchResponses, types.EventAnalyticsRequest:
		return eventType
	case "":
		return "malformed"
	default:
		return "unknown"
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
