package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/registry"
	"quizcast/internal/telemetry"
)

// Close reasons used when reclaiming connections
const (
	ReasonTimeout     = "heartbeat timeout"
	ReasonProbeFailed = "probe failed"
)

var (
	ErrMonitorAlreadyRunning = errors.New("heartbeat monitor is already running")
	ErrMonitorNotRunning     = errors.New("heartbeat monitor is not running")
	ErrInvalidInterval       = errors.New("heartbeat interval must be positive")
)

// Reclaimer removes a silent connection and everything hanging off it
type Reclaimer interface {
	Reclaim(connectionID, reason string)
}

// Prober sends a liveness probe to a quiet connection
type Prober interface {
	Probe(connectionID string) error
}

// Config controls sweep timing
type Config struct {
	Interval   time.Duration // time between sweeps
	Timeout    time.Duration // idle time after which a connection is reclaimed
	ProbeAfter time.Duration // idle time after which a connection is probed; zero disables probing
}

// SweepReport lists what one sweep did
type SweepReport struct {
	Scanned   int      `json:"scanned"`
	Probed    []string `json:"probed"`
	Reclaimed []string `json:"reclaimed"`
}

// Monitor periodically reclaims connections that have gone silent
type Monitor struct {
	registry  *registry.Registry
	reclaimer Reclaimer
	prober    Prober
	cfg       Config
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a stopped monitor. prober may be nil.
func NewMonitor(reg *registry.Registry, reclaimer Reclaimer, prober Prober, cfg Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		registry:  reg,
		reclaimer: reclaimer,
		prober:    prober,
		cfg:       cfg,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Start launches the sweep loop. It stops on Stop or when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cfg.Interval <= 0 {
		return ErrInvalidInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrMonitorAlreadyRunning
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(ctx, m.stop, m.done)

	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("timeout", m.cfg.Timeout).
		Msg("heartbeat monitor started")
	return nil
}

// Stop halts the sweep loop and waits for it to exit
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMonitorNotRunning
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info().Msg("heartbeat monitor stopped")
	return nil
}

// IsRunning reports whether the sweep loop is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-stop:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep examines a snapshot of all connections, reclaiming those idle past
// the timeout and probing those idle past ProbeAfter.
func (m *Monitor) Sweep(now time.Time) SweepReport {
	conns := m.registry.Snapshot()
	report := SweepReport{
		Scanned:   len(conns),
		Probed:    []string{},
		Reclaimed: []string{},
	}

	for _, conn := range conns {
		idle := now.Sub(conn.LastActivityAt)

		if idle > m.cfg.Timeout {
			m.reclaim(conn.ID, ReasonTimeout, idle)
			report.Reclaimed = append(report.Reclaimed, conn.ID)
			continue
		}

		if m.prober == nil || m.cfg.ProbeAfter <= 0 || idle <= m.cfg.ProbeAfter {
			continue
		}
		report.Probed = append(report.Probed, conn.ID)
		if err := m.prober.Probe(conn.ID); err != nil {
			m.reclaim(conn.ID, ReasonProbeFailed, idle)
			report.Reclaimed = append(report.Reclaimed, conn.ID)
		}
	}

	if len(report.Reclaimed) > 0 {
		m.logger.Debug().
			Int("scanned", report.Scanned).
			Int("reclaimed", len(report.Reclaimed)).
			Msg("sweep complete")
	}
	return report
}

func (m *Monitor) reclaim(connectionID, reason string, idle time.Duration) {
	m.logger.Info().
		Str("connection_id", connectionID).
		Str("reason", reason).
		Dur("idle", idle).
		Msg("reclaiming connection")
	telemetry.Reclaims.WithLabelValues(reason).Inc()
	m.reclaimer.Reclaim(connectionID, reason)
}
