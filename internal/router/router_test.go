package router

import (
	"testing"
	"time"

	"quizcast/internal/activity"
	"quizcast/pkg/types"
)

func TestRouter_EndToEndScenario(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("ABC123", "host", types.RolePresenter)
	f.drain(presenter)

	// P1 joins
	p1 := f.connect("ABC123", "P1", types.RoleParticipant)
	joined := only(t, f.transport.take(p1), types.EventSessionJoined)
	if joined["sessionId"] != "ABC123" || joined["participantCount"] != float64(2) {
		t.Errorf("unexpected session_joined payload: %v", joined)
	}
	announced := only(t, f.transport.take(presenter), types.EventParticipantJoined)
	if announced["participantId"] != "P1" {
		t.Errorf("unexpected participant_joined payload: %v", announced)
	}

	// presenter starts q1
	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "q1", "activityType": "quiz"})
	only(t, f.transport.take(presenter), types.EventActivityStarted)
	started := only(t, f.transport.take(p1), types.EventActivityStarted)
	if state, _ := started["state"].(map[string]any); state["phase"] != string(types.PhaseActive) {
		t.Errorf("activity_started should carry the active state: %v", started)
	}
	if st := f.store.Get("ABC123", "q1"); st.Phase != types.PhaseActive || st.CurrentQuestionIndex != 0 {
		t.Fatalf("unexpected state after start: %+v", st)
	}

	// P1 answers
	f.send(p1, types.EventActivityResponse, map[string]any{"activityId": "q1", "response": "B"})
	only(t, f.transport.take(p1), types.EventResponseConfirmed)
	received := only(t, f.transport.take(presenter), types.EventResponseReceived)
	if received["participantId"] != "P1" || received["responseCount"] != float64(1) {
		t.Errorf("unexpected response_received payload: %v", received)
	}
	st := f.store.Get("ABC123", "q1")
	if len(st.Responses["P1"]) != 1 || string(st.Responses["P1"][0].Value) != `"B"` {
		t.Fatalf("response not recorded: %+v", st.Responses)
	}

	// next question
	f.command(presenter, types.CommandNextQuestion, map[string]any{"index": 1})
	changed := only(t, f.transport.take(p1), types.EventQuestionChanged)
	if changed["questionIndex"] != float64(1) {
		t.Errorf("unexpected question_changed payload: %v", changed)
	}
	only(t, f.transport.take(presenter), types.EventQuestionChanged)
	st = f.store.Get("ABC123", "q1")
	if st.CurrentQuestionIndex != 1 || len(st.Responses) != 0 {
		t.Errorf("expected index 1 with cleared responses, got %+v", st)
	}

	// end
	f.command(presenter, types.CommandEndActivity, nil)
	ended := only(t, f.transport.take(p1), types.EventActivityEnded)
	final, _ := ended["finalState"].(map[string]any)
	if final["phase"] != string(types.PhaseCompleted) || final["endTime"] == nil {
		t.Errorf("activity_ended should carry the final state: %v", ended)
	}
	only(t, f.transport.take(presenter), types.EventActivityEnded)

	if st := f.store.Get("ABC123", "q1"); st.Phase != types.PhaseCompleted || st.EndTime == nil {
		t.Errorf("unexpected final state: %+v", st)
	}
	if len(f.audit.records) != 1 || f.audit.records[0].ParticipantID != "P1" {
		t.Errorf("expected one audit record for P1, got %+v", f.audit.records)
	}
}

func TestRouter_PauseResumeAndResults(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("S1", "host", types.RolePresenter)
	p1 := f.connect("S1", "p1", types.RoleParticipant)

	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "poll", "activityType": "poll"})
	f.command(presenter, types.CommandPauseActivity, nil)
	f.command(presenter, types.CommandResumeActivity, nil)
	f.command(presenter, types.CommandShowResults, map[string]any{"activityId": "poll"})

	got := eventTypes(f.transport.take(p1))
	want := []string{
		types.EventSessionJoined,
		types.EventActivityStarted,
		types.EventActivityPaused,
		types.EventActivityResumed,
		types.EventResultsDisplay,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	info, err := f.router.GetSessionInfo("S1")
	if err != nil {
		t.Fatal(err)
	}
	if info.LastAnalytics == nil {
		t.Error("show_results should leave a cached snapshot")
	}
}

func TestRouter_RejectionsBecomeErrorEvents(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	unjoined := f.router.Admit()
	participant := f.connect("S1", "p1", types.RoleParticipant)
	presenter := f.connect("S1", "host", types.RolePresenter)
	f.drain(participant, presenter)

	tests := []struct {
		name  string
		from  string
		event string
		data  any
		code  string
	}{
		{"missing participant id", unjoined, types.EventJoinSession, map[string]string{"sessionId": "S1"}, CodeValidation},
		{"bad session id", unjoined, types.EventJoinSession, map[string]string{"sessionId": "no spaces", "participantId": "x"}, CodeValidation},
		{"bad role", unjoined, types.EventJoinSession, map[string]string{"sessionId": "S1", "participantId": "x", "role": "admin"}, CodeValidation},
		{"response before join", unjoined, types.EventActivityResponse, map[string]any{"activityId": "q1", "response": 1}, CodeInvalidState},
		{"unknown event", participant, "do_magic", nil, CodeValidation},
		{"participant command", participant, types.EventPresenterCommand, map[string]any{"command": "start_activity", "data": map[string]any{"activityId": "q1"}}, CodeUnauthorized},
		{"unknown command", presenter, types.EventPresenterCommand, map[string]any{"command": "explode"}, CodeValidation},
		{"pause without activity", presenter, types.EventPresenterCommand, map[string]any{"command": "pause_activity"}, CodeNotFound},
		{"end unknown activity", presenter, types.EventPresenterCommand, map[string]any{"command": "end_activity", "data": map[string]any{"activityId": "nope"}}, CodeNotFound},
		{"empty response", participant, types.EventActivityResponse, map[string]any{"activityId": "q1"}, CodeValidation},
		{"empty batch", participant, types.EventBatchResponses, map[string]any{"responses": []any{}}, CodeValidation},
		{"foreign state request", participant, types.EventActivityStateRequest, map[string]any{"sessionId": "OTHER"}, CodeUnauthorized},
		{"participant analytics", participant, types.EventAnalyticsRequest, nil, CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessionsBefore := len(f.registry.Sessions())
			f.send(tt.from, tt.event, tt.data)

			data := only(t, f.transport.take(tt.from), types.EventError)
			if data["code"] != tt.code {
				t.Errorf("expected code %s, got %v (%v)", tt.code, data["code"], data["message"])
			}
			if len(f.registry.Sessions()) != sessionsBefore {
				t.Error("rejected event changed the registry")
			}
		})
	}

	if f.registry.Get(unjoined) == nil || f.registry.Get(participant) == nil {
		t.Error("rejections must not drop connections")
	}
}

func TestRouter_MalformedMessage(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	id := f.router.Admit()

	f.router.HandleEvent(t.Context(), id, []byte("{not json"))

	data := only(t, f.transport.take(id), types.EventError)
	if data["code"] != CodeValidation {
		t.Errorf("expected validation code, got %v", data["code"])
	}
}

func TestRouter_CompletedActivityRejectsCommands(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("S1", "host", types.RolePresenter)
	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "q1"})
	f.command(presenter, types.CommandEndActivity, nil)
	f.drain(presenter)

	for _, cmd := range []string{types.CommandPauseActivity, types.CommandResumeActivity, types.CommandNextQuestion, types.CommandEndActivity} {
		f.command(presenter, cmd, nil)
		data := only(t, f.transport.take(presenter), types.EventError)
		if data["code"] != CodeInvalidState {
			t.Errorf("%s after end: expected invalid_state, got %v", cmd, data["code"])
		}
	}
}

func TestRouter_StaleResponsesUnderRejectPolicy(t *testing.T) {
	f := newFixture(t, activity.LatePolicyReject)
	presenter := f.connect("S1", "host", types.RolePresenter)
	p1 := f.connect("S1", "p1", types.RoleParticipant)
	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "q1"})
	f.command(presenter, types.CommandNextQuestion, map[string]any{"index": 2})
	f.drain(presenter, p1)

	f.send(p1, types.EventActivityResponse, map[string]any{"activityId": "q1", "questionIndex": 1, "response": "A"})

	data := only(t, f.transport.take(p1), types.EventError)
	if data["code"] != CodeStale {
		t.Errorf("expected stale_response, got %v", data["code"])
	}
	if len(f.transport.take(presenter)) != 0 {
		t.Error("rejected response was announced")
	}
}

func TestRouter_BatchResponses(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("S1", "host", types.RolePresenter)
	p1 := f.connect("S1", "p1", types.RoleParticipant)
	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "q1"})
	f.drain(presenter, p1)

	f.send(p1, types.EventBatchResponses, map[string]any{
		"responses": []map[string]any{
			{"activityId": "q1", "response": "A"},
			{"activityId": "q1", "response": "C"},
		},
	})

	confirmed := only(t, f.transport.take(p1), types.EventResponseConfirmed)
	if confirmed["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", confirmed["count"])
	}
	if got := len(f.transport.take(presenter)); got != 2 {
		t.Errorf("expected 2 response_received events, got %d", got)
	}
	if f.store.Get("S1", "q1").ResponseCount() != 2 {
		t.Error("batch not stored")
	}

	// one invalid entry rejects the whole batch
	f.send(p1, types.EventBatchResponses, map[string]any{
		"responses": []map[string]any{
			{"activityId": "q1", "response": "A"},
			{"activityId": "bad id!", "response": "B"},
		},
	})
	only(t, f.transport.take(p1), types.EventError)
	if f.store.Get("S1", "q1").ResponseCount() != 2 {
		t.Error("invalid batch was partially applied")
	}
}

func TestRouter_HeartbeatQuality(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.router.now = func() time.Time { return now }
	id := f.connect("S1", "p1", types.RoleParticipant)

	f.send(id, types.EventHeartbeat, map[string]int64{"timestamp": now.Add(-300 * time.Millisecond).UnixMilli()})

	conn := f.registry.Get(id)
	if conn.Quality != types.QualityFair || conn.LatencyMS != 300 {
		t.Errorf("expected fair quality at 300ms, got %s %dms", conn.Quality, conn.LatencyMS)
	}
}

func TestRouter_StateRequest(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("S1", "host", types.RolePresenter)
	p1 := f.connect("S1", "p1", types.RoleParticipant)
	other := f.connect("S1", "p2", types.RoleParticipant)
	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "q1"})
	f.drain(presenter, p1, other)

	f.send(p1, types.EventActivityStateRequest, map[string]any{"sessionId": "S1", "activityId": "q1"})

	data := only(t, f.transport.take(p1), types.EventActivityStateUpdate)
	state, _ := data["state"].(map[string]any)
	if state["activityId"] != "q1" || state["phase"] != string(types.PhaseActive) {
		t.Errorf("unexpected state update: %v", data)
	}
	if len(f.transport.take(other)) != 0 || len(f.transport.take(presenter)) != 0 {
		t.Error("state update must only go to the requester")
	}
}

func TestRouter_AnalyticsRequest(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("S1", "host", types.RolePresenter)
	f.connect("S1", "p1", types.RoleParticipant)
	f.drain(presenter)

	f.send(presenter, types.EventAnalyticsRequest, nil)

	data := only(t, f.transport.take(presenter), types.EventAnalyticsUpdate)
	if data["participantCount"] != float64(1) || data["presenterCount"] != float64(1) {
		t.Errorf("unexpected analytics: %v", data)
	}
}

func TestRouter_LeaveAnnouncesDeparture(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	p1 := f.connect("S1", "p1", types.RoleParticipant)
	p2 := f.connect("S1", "p2", types.RoleParticipant)
	f.drain(p1, p2)

	f.send(p1, types.EventLeaveSession, nil)

	left := only(t, f.transport.take(p2), types.EventParticipantLeft)
	if left["participantId"] != "p1" || left["participantCount"] != float64(1) {
		t.Errorf("unexpected participant_left payload: %v", left)
	}
	if f.registry.Get(p1) != nil {
		t.Error("leaving connection still registered")
	}
	if reason, _ := f.transport.closeReason(p1); reason != ReasonLeft {
		t.Errorf("expected close reason %q, got %q", ReasonLeft, reason)
	}
}

func TestRouter_DeliveryFailureAnnouncesDrop(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	presenter := f.connect("S1", "host", types.RolePresenter)
	p1 := f.connect("S1", "p1", types.RoleParticipant)
	p2 := f.connect("S1", "p2", types.RoleParticipant)
	f.drain(presenter, p1, p2)
	f.transport.failOn[p2] = true

	f.command(presenter, types.CommandStartActivity, map[string]any{"activityId": "q1"})

	got := eventTypes(f.transport.take(p1))
	if len(got) != 2 || got[0] != types.EventActivityStarted || got[1] != types.EventParticipantLeft {
		t.Errorf("expected activity_started then participant_left, got %v", got)
	}
	if f.registry.Get(p2) != nil {
		t.Error("failed connection still registered")
	}
	if f.store.Get("S1", "q1").ParticipantCount != 3 {
		t.Error("state participant count is taken before the drop")
	}
}

func TestRouter_RejoinAnotherSession(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	mover := f.connect("OLD", "p1", types.RoleParticipant)
	stayer := f.connect("OLD", "p2", types.RoleParticipant)
	f.drain(mover, stayer)

	f.send(mover, types.EventJoinSession, map[string]string{"sessionId": "NEW", "participantId": "p1"})

	left := only(t, f.transport.take(stayer), types.EventParticipantLeft)
	if left["participantId"] != "p1" {
		t.Errorf("unexpected departure payload: %v", left)
	}
	if f.registry.Size("OLD") != 1 || f.registry.Size("NEW") != 1 {
		t.Errorf("unexpected group sizes OLD=%d NEW=%d", f.registry.Size("OLD"), f.registry.Size("NEW"))
	}
}

func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	f.router.limiter = NewRateLimiter(2)
	id := f.connect("S1", "p1", types.RoleParticipant)
	f.drain(id)

	f.send(id, types.EventHeartbeat, map[string]int64{})
	f.send(id, types.EventHeartbeat, map[string]int64{})

	data := only(t, f.transport.take(id), types.EventError)
	if data["code"] != CodeRateLimited {
		t.Errorf("expected rate_limited, got %v", data["code"])
	}
}

func TestRouter_ProbeAndReclaim(t *testing.T) {
	f := newFixture(t, activity.LatePolicyRecord)
	p1 := f.connect("S1", "p1", types.RoleParticipant)
	p2 := f.connect("S1", "p2", types.RoleParticipant)
	f.drain(p1, p2)

	if err := f.router.Probe(p1); err != nil {
		t.Fatalf("probe of live connection failed: %v", err)
	}
	only(t, f.transport.take(p1), types.EventHeartbeatRequest)

	f.transport.failOn[p1] = true
	if err := f.router.Probe(p1); err == nil {
		t.Error("expected probe failure")
	}
	only(t, f.transport.take(p2), types.EventParticipantLeft)

	// the monitor reclaims after a failed probe; nothing is announced twice
	f.router.Reclaim(p1, "probe failed")
	if len(f.transport.take(p2)) != 0 {
		t.Error("reclaiming an already dropped connection announced it again")
	}
}
