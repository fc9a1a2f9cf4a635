package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"quizcast/pkg/types"
)

//go:embed schema.sql
var schema string

var (
	// ErrManagerClosed is returned for writes after Close
	ErrManagerClosed = errors.New("audit store is closed")
	// ErrQueueFull is returned when the write queue cannot take another record
	ErrQueueFull = errors.New("audit write queue is full")
)

// Config holds audit store settings
type Config struct {
	Path           string
	MaxConnections int
	QueueSize      int
	RetryDelay     time.Duration
}

// DefaultConfig returns settings sized for a handful of concurrent sessions
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		MaxConnections: 10,
		QueueSize:      1000,
		RetryDelay:     5 * time.Second,
	}
}

// Manager is the sqlite response audit trail. All writes go through one
// goroutine; reads use the pool directly.
type Manager struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger

	writeCh  chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	seq    int64
}

type writeOperation struct {
	operation func(*sql.DB) error
	done      chan error // nil for fire-and-forget writes
}

// NewManager opens the database, applies pragmas and schema, and starts the writer
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit path: %w", types.ErrValidation)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	m := &Manager{
		db:       db,
		cfg:      cfg,
		logger:   logger.With().Str("component", "audit").Logger(),
		writeCh:  make(chan writeOperation, cfg.QueueSize),
		shutdown: make(chan struct{}),
	}
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM response_audit").Scan(&m.seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read audit sequence: %w", err)
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeCh:
			m.apply(op)
		case <-m.shutdown:
			// drain what was accepted before Close
			for {
				select {
				case op := <-m.writeCh:
					m.apply(op)
				default:
					return
				}
			}
		}
	}
}

// apply runs one write, retrying once after RetryDelay
func (m *Manager) apply(op writeOperation) {
	err := op.operation(m.db)
	if err != nil && m.cfg.RetryDelay > 0 {
		m.logger.Warn().Err(err).Dur("retry_in", m.cfg.RetryDelay).Msg("audit write failed, retrying")
		time.Sleep(m.cfg.RetryDelay)
		err = op.operation(m.db)
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("audit write failed")
	}
	if op.done != nil {
		op.done <- err
	}
}

// enqueue hands an operation to the writer without blocking
func (m *Manager) enqueue(op writeOperation) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	select {
	case m.writeCh <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

// RecordResponse queues one record. It returns once the record is accepted,
// not once it is on disk.
func (m *Manager) RecordResponse(ctx context.Context, record *types.AuditRecord) error {
	if record == nil {
		return fmt.Errorf("nil audit record: %w", types.ErrValidation)
	}
	rec := *record

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	value := string(rec.Value)
	if value == "" {
		value = "null"
	}

	return m.enqueue(writeOperation{operation: func(db *sql.DB) error {
		_, err := db.ExecContext(context.Background(), `
			INSERT OR IGNORE INTO response_audit
				(id, seq, session_id, activity_id, participant_id, activity_type, question_index, value, late, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID, seq, rec.SessionID, rec.ActivityID, rec.ParticipantID,
			rec.ActivityType, rec.QuestionIndex, value, rec.Late, rec.ReceivedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
		return nil
	}})
}

// Flush waits until every record queued before the call has been written
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := m.enqueue(writeOperation{operation: func(*sql.DB) error { return nil }, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListResponses returns the persisted records of one activity in arrival order
func (m *Manager) ListResponses(ctx context.Context, sessionID, activityID string) ([]*types.AuditRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, activity_id, participant_id, activity_type, question_index, value, late, received_at
		FROM response_audit
		WHERE session_id = ? AND activity_id = ?
		ORDER BY seq ASC
	`, sessionID, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.AuditRecord
	for rows.Next() {
		var rec types.AuditRecord
		var value string
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.ActivityID,
			&rec.ParticipantID,
			&rec.ActivityType,
			&rec.QuestionIndex,
			&value,
			&rec.Late,
			&rec.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		rec.Value = []byte(value)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return records, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM response_audit LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops accepting records, writes everything already queued and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
