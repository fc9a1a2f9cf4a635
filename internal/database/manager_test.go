package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quizcast/pkg/interfaces"
	"quizcast/pkg/types"
)

var _ interfaces.AuditStore = (*Manager)(nil)

func setupTestDB(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	cfg := DefaultConfig(path)
	cfg.RetryDelay = 0

	m, err := NewManager(cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func record(id, participant string, index int, late bool) *types.AuditRecord {
	return &types.AuditRecord{
		ID:            id,
		SessionID:     "ABC123",
		ActivityID:    "poll-1",
		ParticipantID: participant,
		ActivityType:  "poll",
		QuestionIndex: index,
		Value:         json.RawMessage(`{"choice":"B"}`),
		Late:          late,
		ReceivedAt:    time.Date(2026, 3, 1, 10, 0, index, 0, time.UTC),
	}
}

func TestManager_RecordAndList(t *testing.T) {
	m, _ := setupTestDB(t)
	ctx := context.Background()

	for i, rec := range []*types.AuditRecord{
		record("r1", "P1", 0, false),
		record("r2", "P2", 0, false),
		record("r3", "P1", 1, true),
	} {
		if err := m.RecordResponse(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := m.ListResponses(ctx, "ABC123", "poll-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, want := range []string{"r1", "r2", "r3"} {
		if got[i].ID != want {
			t.Errorf("record %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
	last := got[2]
	if !last.Late || last.QuestionIndex != 1 || last.ParticipantID != "P1" || last.ActivityType != "poll" {
		t.Errorf("fields not preserved: %+v", last)
	}
	if string(last.Value) != `{"choice":"B"}` {
		t.Errorf("value not preserved: %s", last.Value)
	}
	if !last.ReceivedAt.Equal(time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)) {
		t.Errorf("received time not preserved: %v", last.ReceivedAt)
	}

	other, err := m.ListResponses(ctx, "ABC123", "quiz-9")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("expected no records for another activity, got %d", len(other))
	}
}

func TestManager_DuplicateIDIgnored(t *testing.T) {
	m, _ := setupTestDB(t)
	ctx := context.Background()

	_ = m.RecordResponse(ctx, record("dup", "P1", 0, false))
	_ = m.RecordResponse(ctx, record("dup", "P1", 0, false))
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := m.ListResponses(ctx, "ABC123", "poll-1")
	if len(got) != 1 {
		t.Errorf("expected duplicate id to be stored once, got %d", len(got))
	}
}

func TestManager_CloseDrainsQueue(t *testing.T) {
	m, path := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := m.RecordResponse(ctx, record(fmt.Sprintf("r%02d", i), "P1", 0, false)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := m.RecordResponse(ctx, record("late", "P1", 0, false)); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}

	cfg := DefaultConfig(path)
	reopened, err := NewManager(cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.ListResponses(ctx, "ABC123", "poll-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Fatalf("expected all 50 queued records persisted, got %d", len(got))
	}

	// sequence continues after reopen
	_ = reopened.RecordResponse(ctx, record("after", "P1", 0, false))
	_ = reopened.Flush(ctx)
	got, _ = reopened.ListResponses(ctx, "ABC123", "poll-1")
	if got[len(got)-1].ID != "after" {
		t.Errorf("expected newest record last, got %s", got[len(got)-1].ID)
	}
}

func TestManager_HealthCheck(t *testing.T) {
	m, _ := setupTestDB(t)
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestManager_Validation(t *testing.T) {
	if _, err := NewManager(Config{}, zerolog.New(io.Discard)); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for empty path, got %v", err)
	}

	m, _ := setupTestDB(t)
	if err := m.RecordResponse(context.Background(), nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for nil record, got %v", err)
	}
}
