package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quizcast/pkg/interfaces"
)

// DefaultInboxSize buffers bursts of inbound events
const DefaultInboxSize = 1000

// Service is a background component whose lifecycle the hub owns
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

// Task is periodic housekeeping run on the maintenance ticker
type Task func(now time.Time)

// inbound is one unit of work for the processing goroutine
type inbound struct {
	connectionID string
	data         []byte
	disconnect   bool
	reason       string
}

// Hub serializes all inbound client traffic onto a single goroutine, so the
// events of one connection are handled in arrival order. It also runs the
// background services and housekeeping tasks.
type Hub struct {
	handler  interfaces.EventHandler
	services []Service
	tasks    []Task
	interval time.Duration
	logger   zerolog.Logger

	inbox chan inbound

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHub creates a stopped hub. maintenanceInterval <= 0 disables the task ticker.
func NewHub(handler interfaces.EventHandler, maintenanceInterval time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		handler:  handler,
		interval: maintenanceInterval,
		logger:   logger.With().Str("component", "hub").Logger(),
		inbox:    make(chan inbound, DefaultInboxSize),
	}
}

// AddService registers a background service started and stopped with the hub.
// Call before Start.
func (h *Hub) AddService(s Service) {
	h.services = append(h.services, s)
}

// AddTask registers a housekeeping task. Call before Start.
func (h *Hub) AddTask(t Task) {
	h.tasks = append(h.tasks, t)
}

// Start launches the processing loop and every registered service
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	for i, s := range h.services {
		if err := s.Start(ctx); err != nil {
			for _, started := range h.services[:i] {
				_ = started.Stop()
			}
			return err
		}
	}

	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(ctx, h.stop, h.done)

	h.logger.Info().Int("services", len(h.services)).Msg("hub started")
	return nil
}

// Stop halts processing and the background services. Queued work is dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.stop)
	done := h.done
	h.mu.Unlock()

	<-done

	for _, s := range h.services {
		if err := s.Stop(); err != nil {
			h.logger.Debug().Err(err).Msg("service stop")
		}
	}
	h.logger.Info().Msg("hub stopped")
	return nil
}

// IsRunning reports whether the processing loop is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Dispatch queues one raw client message. It never blocks: a full inbox
// returns ErrInboxFull and the message is dropped.
func (h *Hub) Dispatch(connectionID string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.inbox <- inbound{connectionID: connectionID, data: data}:
		return nil
	default:
		return ErrInboxFull
	}
}

// Disconnect queues connection cleanup behind the connection's pending events.
// When the hub is not running the cleanup happens inline so it is never lost.
func (h *Hub) Disconnect(connectionID, reason string) {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		h.handler.Disconnect(connectionID, reason)
		return
	}
	stop := h.stop
	h.mu.RUnlock()

	select {
	case h.inbox <- inbound{connectionID: connectionID, disconnect: true, reason: reason}:
	case <-stop:
		h.handler.Disconnect(connectionID, reason)
	}
}

// Reclaim lets the heartbeat monitor remove idle connections through the
// same queue as client traffic.
func (h *Hub) Reclaim(connectionID, reason string) {
	h.Disconnect(connectionID, reason)
}

func (h *Hub) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if h.interval > 0 && len(h.tasks) > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case item := <-h.inbox:
			h.process(ctx, item)
		case now := <-tick:
			for _, task := range h.tasks {
				task(now)
			}
		case <-stop:
			return
		case <-ctx.Done():
			h.logger.Info().Msg("hub context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.stop)
			}
			h.mu.Unlock()
			return
		}
	}
}

// process handles one item, keeping the loop alive if a handler panics
func (h *Hub) process(ctx context.Context, item inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error().
				Interface("panic", rec).
				Str("connection_id", item.connectionID).
				Msg("event handler panicked")
		}
	}()

	if item.disconnect {
		h.handler.Disconnect(item.connectionID, item.reason)
		return
	}
	h.handler.HandleEvent(ctx, item.connectionID, item.data)
}
