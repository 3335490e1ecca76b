package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidehub/wagate/internal/bus"
	"github.com/tidehub/wagate/internal/contacts"
	"github.com/tidehub/wagate/internal/ingest"
	"github.com/tidehub/wagate/internal/media"
	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/store"
	"go.uber.org/zap"
)

// ErrUnknownSession is returned for operations on a session id the
// registry has never started.
var ErrUnknownSession = fmt.Errorf("unknown session")

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = fmt.Errorf("session not connected")

// Registry owns every session runtime in the process. All lifecycle
// operations go through it, and Shutdown drains timers and handles so
// nothing leaks past the daemon's stop hook.
type Registry struct {
	dialer    protocol.Dialer
	db        *store.DB
	media     *media.Store
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options
	chunkSize int

	mu       sync.Mutex
	runtimes map[string]*Runtime

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(dialer protocol.Dialer, db *store.DB, mediaStore *media.Store, b *bus.Bus, logger *zap.Logger, opts Options, chunkSize int) *Registry {
	return &Registry{
		dialer:    dialer,
		db:        db,
		media:     mediaStore,
		bus:       b,
		logger:    logger,
		opts:      opts,
		chunkSize: chunkSize,
		runtimes:  make(map[string]*Runtime),
	}
}

// ensure returns the runtime for a session, creating and warming it on
// first use.
func (g *Registry) ensure(id string) (*Runtime, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rt, ok := g.runtimes[id]; ok {
		return rt, nil
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	logger := g.logger.With(zap.String("session", id))
	cache := contacts.NewCache(id, g.db, logger)
	if err := cache.WarmLoad(); err != nil {
		return nil, fmt.Errorf("warm contact cache: %w", err)
	}
	cache.Start()

	pipeline := ingest.NewPipeline(id, g.db, g.media, cache, g.bus, logger, g.chunkSize)
	rt := NewRuntime(id, g.dialer, g.db, cache, pipeline, g.bus, logger, g.opts)
	g.runtimes[id] = rt
	return rt, nil
}

// Get returns an existing runtime.
func (g *Registry) Get(id string) (*Runtime, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rt, ok := g.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return rt, nil
}

// Start starts (or no-ops on) a session.
func (g *Registry) Start(ctx context.Context, id string) error {
	rt, err := g.ensure(id)
	if err != nil {
		return err
	}
	return rt.Start(ctx)
}

// Restart gracefully recycles a session's protocol handle.
func (g *Registry) Restart(ctx context.Context, id string) error {
	rt, err := g.Get(id)
	if err != nil {
		return err
	}
	return rt.Restart(ctx)
}

// Logout logs a session out and marks it terminal.
func (g *Registry) Logout(ctx context.Context, id string) error {
	rt, err := g.Get(id)
	if err != nil {
		return err
	}
	return rt.Logout(ctx)
}

// Status returns a session snapshot.
func (g *Registry) Status(id string) (Snapshot, error) {
	rt, err := g.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return rt.Status(), nil
}

// List returns snapshots of every known session.
func (g *Registry) List() []Snapshot {
	g.mu.Lock()
	runtimes := make([]*Runtime, 0, len(g.runtimes))
	for _, rt := range g.runtimes {
		runtimes = append(runtimes, rt)
	}
	g.mu.Unlock()

	snaps := make([]Snapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		snaps = append(snaps, rt.Status())
	}
	return snaps
}

// SendHandle returns the live connection and write-back pipeline for a
// connected session. The broadcast scheduler pushes outbound sends
// through the same handle the state machine owns.
func (g *Registry) SendHandle(id string) (protocol.Conn, *ingest.Pipeline, error) {
	rt, err := g.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if rt.State() != Connected {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, id, rt.State())
	}
	conn := rt.Conn()
	if conn == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return conn, rt.Pipeline(), nil
}

// BootPersisted starts every session the store knows about that was not
// explicitly logged out, so a daemon restart resumes where it left off.
func (g *Registry) BootPersisted(ctx context.Context) {
	rows, err := g.db.ListSessions()
	if err != nil {
		g.logger.Error("list persisted sessions failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		if row.Status == string(LoggedOut) {
			continue
		}
		if err := g.Start(ctx, row.SessionID); err != nil {
			g.logger.Error("boot session failed",
				zap.String("session", row.SessionID), zap.Error(err))
		}
	}
}

// StartSweeper launches the periodic supervisor sweep that re-starts
// sessions stuck in disconnected or failed, resetting their attempt
// counters. This bounds how long a session stays down after the retry
// ceiling or a supervisor restart.
func (g *Registry) StartSweeper(interval time.Duration) {
	g.mu.Lock()
	if g.sweepStop != nil {
		g.mu.Unlock()
		return
	}
	g.sweepStop = make(chan struct{})
	g.sweepDone = make(chan struct{})
	stop, done := g.sweepStop, g.sweepDone
	g.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sweep(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// Sweep re-invokes Start for any session stuck in Disconnected or
// Failed.
func (g *Registry) Sweep(ctx context.Context) {
	g.mu.Lock()
	stuck := make([]*Runtime, 0)
	for _, rt := range g.runtimes {
		if state := rt.State(); state == Disconnected || state == Failed {
			stuck = append(stuck, rt)
		}
	}
	g.mu.Unlock()

	for _, rt := range stuck {
		rt.ResetAttempts()
		if err := rt.Start(ctx); err != nil {
			g.logger.Error("sweep restart failed",
				zap.String("session", rt.id), zap.Error(err))
		} else {
			g.logger.Info("sweep restarted session", zap.String("session", rt.id))
		}
	}
}

// Shutdown stops the sweeper and releases every runtime.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	stop, done := g.sweepStop, g.sweepDone
	g.sweepStop, g.sweepDone = nil, nil
	runtimes := make([]*Runtime, 0, len(g.runtimes))
	for _, rt := range g.runtimes {
		runtimes = append(runtimes, rt)
	}
	g.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, rt := range runtimes {
		rt.Shutdown()
	}
	g.logger.Info("session registry shut down", zap.Int("sessions", len(runtimes)))
}
