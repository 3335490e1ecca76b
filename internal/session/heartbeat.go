package session

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Heartbeat probes a connected session's transport at a fixed interval
// and logs when the protocol client claims connected but the transport
// is not actually open. It observes only; forcing a reconnect stays with
// the state machine, so two components never race to reconnect the same
// session.
type Heartbeat struct {
	sessionID string
	interval  time.Duration
	probe     func() bool
	logger    *zap.Logger

	mu     sync.Mutex
	stop   chan struct{}
	misses atomic.Int64
}

// NewHeartbeat creates a heartbeat monitor. probe reports transport
// readiness.
func NewHeartbeat(sessionID string, interval time.Duration, probe func() bool, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		sessionID: sessionID,
		interval:  interval,
		probe:     probe,
		logger:    logger,
	}
}

// Start launches the recurring probe. Calling Start on a running
// heartbeat is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	h.stop = make(chan struct{})
	go h.loop(h.stop)
}

// Stop cancels the recurring probe. Safe to call when not running.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.stop = nil
}

// Misses returns how many probes found a non-open transport.
func (h *Heartbeat) Misses() int64 { return h.misses.Load() }

func (h *Heartbeat) loop(stop chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !h.probe() {
				h.misses.Add(1)
				h.logger.Warn("heartbeat: transport not open",
					zap.String("session", h.sessionID),
					zap.Int64("misses", h.misses.Load()))
			}
		case <-stop:
			return
		}
	}
}
