package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/activity"
	"quizcast/internal/analytics"
	"quizcast/internal/broadcast"
	"quizcast/internal/registry"
	"quizcast/pkg/types"
)

// recordingTransport captures every delivery per connection
type recordingTransport struct {
	mu     sync.Mutex
	sent   map[string][]types.Event
	closed map[string]string
	failOn map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		sent:   make(map[string][]types.Event),
		closed: make(map[string]string),
		failOn: make(map[string]bool),
	}
}

func (rt *recordingTransport) Send(connectionID string, data []byte) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.failOn[connectionID] {
		return errors.New("write: broken pipe")
	}
	if _, gone := rt.closed[connectionID]; gone {
		return errors.New("connection closed")
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	rt.sent[connectionID] = append(rt.sent[connectionID], evt)
	return nil
}

func (rt *recordingTransport) Close(connectionID, reason string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closed[connectionID] = reason
	return nil
}

// take returns and clears the events delivered to a connection
func (rt *recordingTransport) take(connectionID string) []types.Event {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	events := rt.sent[connectionID]
	delete(rt.sent, connectionID)
	return events
}

func (rt *recordingTransport) closeReason(connectionID string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	reason, ok := rt.closed[connectionID]
	return reason, ok
}

// memoryAudit keeps audit records in memory
type memoryAudit struct {
	mu      sync.Mutex
	records []*types.AuditRecord
}

func (m *memoryAudit) RecordResponse(_ context.Context, rec *types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryAudit) ListResponses(_ context.Context, sessionID, activityID string) ([]*types.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditRecord
	for _, rec := range m.records {
		if rec.SessionID == sessionID && rec.ActivityID == activityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryAudit) HealthCheck(context.Context) error { return nil }
func (m *memoryAudit) Close() error                      { return nil }

type fixture struct {
	t         *testing.T
	registry  *registry.Registry
	store     *activity.Store
	transport *recordingTransport
	audit     *memoryAudit
	router    *Router
}

func newFixture(t *testing.T, policy activity.LatePolicy) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	reg := registry.NewRegistry(logger)
	store := activity.NewStore(reg.Size, policy)
	transport := newRecordingTransport()
	engine := broadcast.NewEngine(reg, transport, logger)
	audit := &memoryAudit{}
	r := NewRouter(reg, store, engine, analytics.NewCache(time.Hour), audit, Options{}, logger)

	return &fixture{t: t, registry: reg, store: store, transport: transport, audit: audit, router: r}
}

// send delivers one inbound event from a connection
func (f *fixture) send(connectionID, eventType string, data any) {
	f.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		f.t.Fatal(err)
	}
	msg, err := json.Marshal(types.InboundEvent{Type: eventType, Data: raw})
	if err != nil {
		f.t.Fatal(err)
	}
	f.router.HandleEvent(context.Background(), connectionID, msg)
}

// connect admits a connection and joins it to a session, discarding the join traffic
func (f *fixture) connect(sessionID, participantID string, role types.Role) string {
	f.t.Helper()
	id := f.router.Admit()
	f.send(id, types.EventJoinSession, map[string]string{
		"sessionId":     sessionID,
		"participantId": participantID,
		"role":          string(role),
	})
	if f.registry.Get(id).SessionID != sessionID {
		f.t.Fatalf("join of %s to %s failed: %v", participantID, sessionID, f.transport.take(id))
	}
	return id
}

func (f *fixture) drain(ids ...string) {
	for _, id := range ids {
		f.transport.take(id)
	}
}

func (f *fixture) command(presenterID, command string, data map[string]any) {
	f.t.Helper()
	f.send(presenterID, types.EventPresenterCommand, map[string]any{"command": command, "data": data})
}

func eventTypes(events []types.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = evt.Type
	}
	return out
}

// only asserts that exactly one event of the given type arrived and returns its data
func only(t *testing.T, events []types.Event, eventType string) map[string]any {
	t.Helper()
	if len(events) != 1 || events[0].Type != eventType {
		t.Fatalf("expected one %s event, got %v", eventType, eventTypes(events))
	}
	data, _ := events[0].Data.(map[string]any)
	return data
}
