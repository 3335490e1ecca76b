package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidehub/wagate/internal/bus"
	"github.com/tidehub/wagate/internal/contacts"
	"github.com/tidehub/wagate/internal/ingest"
	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/store"
	"go.uber.org/zap"
)

// Options tunes the per-session lifecycle policy.
type Options struct {
	Backoff           Backoff
	MaxAttempts       int
	HeartbeatInterval time.Duration
	SettleDelay       time.Duration
}

// Snapshot is a point-in-time view of a session for external callers.
type Snapshot struct {
	SessionID         string
	State             State
	ReconnectAttempts int
	SelfJID           string
	LastSyncedAt      time.Time
	PairingCode       string
	PairingPNG        []byte
	HistoryComplete   bool
}

// Runtime owns one session: its protocol-client handle, state machine,
// contact cache, heartbeat and ingestion pipeline. A single goroutine
// consumes the handle's event stream; external operations only touch
// the handle under the runtime mutex.
type Runtime struct {
	id       string
	dialer   protocol.Dialer
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	machine  *Machine
	cache    *contacts.Cache
	pipeline *ingest.Pipeline
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         protocol.Conn
	starting     bool
	attempts     int
	selfJID      string
	lastSyncedAt time.Time
	pairingCode  string
	pairingPNG   []byte
	heartbeat    *Heartbeat
	retryTimer   *time.Timer
	loopDone     chan struct{}
}

// NewRuntime assembles a session runtime. The caller starts it explicitly.
func NewRuntime(id string, dialer protocol.Dialer, db *store.DB, cache *contacts.Cache, pipeline *ingest.Pipeline, b *bus.Bus, logger *zap.Logger, opts Options) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		id:       id,
		dialer:   dialer,
		db:       db,
		bus:      b,
		logger:   logger,
		machine:  NewMachine(id, b),
		cache:    cache,
		pipeline: pipeline,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.heartbeat = NewHeartbeat(id, opts.HeartbeatInterval, r.probeTransport, logger)
	return r
}

// State returns the session's current lifecycle state.
func (r *Runtime) State() State { return r.machine.Current() }

// Pipeline returns the session's ingestion pipeline (outbound write-back).
func (r *Runtime) Pipeline() *ingest.Pipeline { return r.pipeline }

// Conn returns the live protocol handle, or nil when not connected.
func (r *Runtime) Conn() protocol.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Runtime) probeTransport() bool {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	return conn != nil && conn.IsAlive()
}

// Start acquires a protocol handle and begins connecting. Idempotent: a
// session that is already connected, mid-connect, or mid-start is left
// alone. The starting flag is held across the dial so a retry timer and
// a supervisor sweep firing together can never produce two live handles
// on the same credential store.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.starting {
		r.mu.Unlock()
		return nil
	}
	switch r.machine.Current() {
	case Connected:
		r.mu.Unlock()
		return nil
	case Initializing, AwaitingPairing:
		if r.conn != nil {
			r.mu.Unlock()
			return nil
		}
	}
	r.starting = true
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	staleConn, staleDone := r.conn, r.loopDone
	r.conn, r.loopDone = nil, nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
	}()

	if staleConn != nil {
		staleConn.Disconnect()
		if staleDone != nil {
			<-staleDone
		}
	}

	if err := r.machine.Transition(Initializing); err != nil {
		return err
	}
	r.mirror()

	conn, err := r.dialer.Dial(ctx, r.id)
	if err != nil {
		r.logger.Error("dial failed", zap.Error(err))
		r.handleDrop(nil, protocol.DropUnknown, err.Error())
		return fmt.Errorf("dial session %s: %w", r.id, err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.conn = conn
	r.loopDone = done
	r.mu.Unlock()

	go r.eventLoop(conn, done)
	go func() {
		if err := conn.Connect(r.ctx); err != nil {
			r.logger.Error("connect failed", zap.Error(err))
			r.handleDrop(conn, protocol.DropNetwork, err.Error())
		}
	}()
	return nil
}

// Restart tears down the current handle gracefully, waits a short settle
// interval so the credential store is fully released, then starts again.
func (r *Runtime) Restart(ctx context.Context) error {
	r.teardown()
	select {
	case <-time.After(r.opts.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.Start(ctx)
}

// Logout requests a protocol-level logout and marks the session logged
// out regardless of whether the protocol call succeeded.
func (r *Runtime) Logout(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			r.logger.Warn("protocol logout failed, marking logged out anyway", zap.Error(err))
		}
	}
	r.teardown()
	r.clearPairing()
	if err := r.machine.Transition(LoggedOut); err != nil {
		r.logger.Warn("logout transition", zap.Error(err))
	}
	r.mirror()
	return nil
}

// ResetAttempts zeroes the reconnect counter. Used by the supervisor
// sweep before re-starting a stuck session.
func (r *Runtime) ResetAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Status returns a snapshot for external callers. The pairing code is
// only exposed while the session is actually awaiting pairing.
func (r *Runtime) Status() Snapshot {
	state := r.machine.Current()
	r.mu.Lock()
	snap := Snapshot{
		SessionID:         r.id,
		State:             state,
		ReconnectAttempts: r.attempts,
		SelfJID:           r.selfJID,
		LastSyncedAt:      r.lastSyncedAt,
	}
	if state == AwaitingPairing {
		snap.PairingCode = r.pairingCode
		snap.PairingPNG = r.pairingPNG
	}
	r.mu.Unlock()

	if done, err := r.db.GetCheckpoint(r.id, store.CheckpointHistoryComplete); err == nil {
		snap.HistoryComplete = done == "1"
	}
	return snap
}

// Shutdown releases everything the runtime owns: the retry timer, the
// heartbeat, the protocol handle and the contact cache flush worker.
func (r *Runtime) Shutdown() {
	r.cancel()
	r.teardown()
	r.cache.Stop()
}

// teardown disconnects the current handle and waits for the event loop
// to drain, leaving the session in Disconnected unless it already
// reached a terminal state.
func (r *Runtime) teardown() {
	r.mu.Lock()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	conn, done := r.conn, r.loopDone
	r.conn, r.loopDone = nil, nil
	r.mu.Unlock()

	r.heartbeat.Stop()
	if conn == nil {
		return
	}
	conn.Disconnect()
	if done != nil {
		<-done
	}
	if r.machine.Current() == Connected {
		_ = r.machine.Transition(Disconnected)
		r.mirror()
	}
}

func (r *Runtime) eventLoop(conn protocol.Conn, done chan struct{}) {
	defer close(done)
	for ev := range conn.Events() {
		r.dispatch(conn, ev)
	}
}

// dispatch routes one protocol event. Panics are contained here so one
// malformed event cannot take down the process or the session loop.
func (r *Runtime) dispatch(conn protocol.Conn, ev protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in event handler",
				zap.String("session", r.id), zap.Any("panic", rec))
		}
	}()

	switch e := ev.(type) {
	case protocol.PairingCode:
		r.onPairingCode(e)
	case protocol.Connected:
		r.onConnected(conn, e)
	case protocol.Disconnected:
		r.handleDrop(conn, e.Reason, e.Detail)
	case protocol.ContactsUpsert:
		for _, sig := range e.Contacts {
			r.cache.ApplyContact(sig)
		}
	case protocol.ContactUpdate:
		r.cache.ApplyContact(e.Contact)
	case protocol.GroupUpdate:
		r.cache.ApplyGroupSubject(e.JID, e.Subject)
	case protocol.HistoryBatch:
		r.pipeline.HandleHistoryBatch(r.ctx, conn, e)
	case protocol.MessageEvent:
		r.pipeline.HandleMessage(r.ctx, conn, e.Message)
	case protocol.MessageUpdate:
		r.pipeline.HandleUpdate(e)
	}
}

func (r *Runtime) onPairingCode(e protocol.PairingCode) {
	r.mu.Lock()
	r.pairingCode = e.Code
	r.pairingPNG = e.PNG
	r.mu.Unlock()

	if err := r.machine.Transition(AwaitingPairing); err != nil {
		r.logger.Warn("pairing transition", zap.Error(err))
		return
	}
	r.mirror()
	r.logger.Info("pairing code issued")
}

func (r *Runtime) onConnected(conn protocol.Conn, e protocol.Connected) {
	self := protocol.StripDevice(e.SelfJID)

	r.mu.Lock()
	r.attempts = 0
	r.selfJID = self
	r.lastSyncedAt = time.Now()
	r.pairingCode = ""
	r.pairingPNG = nil
	r.mu.Unlock()

	if err := r.machine.Transition(Connected); err != nil {
		r.logger.Warn("connected transition", zap.Error(err))
		return
	}
	r.mirror()
	r.cache.SetSelf(self)
	r.heartbeat.Start()
	r.logger.Info("session connected", zap.String("self", self))

	go r.reconcileMetadata(conn)
}

// reconcileMetadata ensures the self party and every group the session
// participates in exist as contacts after a successful handshake.
func (r *Runtime) reconcileMetadata(conn protocol.Conn) {
	ctx, cancelCtx := context.WithTimeout(r.ctx, 2*time.Minute)
	defer cancelCtx()

	subjects, err := conn.GroupSubjects(ctx)
	if err != nil {
		r.logger.Warn("group reconciliation failed", zap.Error(err))
		return
	}
	for jid, subject := range subjects {
		r.cache.ApplyGroupSubject(jid, subject)
	}
	if len(subjects) > 0 {
		r.logger.Info("group subjects reconciled", zap.Int("groups", len(subjects)))
	}
}

// handleDrop classifies a link drop: the distinguished logout reason is
// terminal and clears pairing material; everything else schedules a
// reconnect with exponential backoff until the attempt ceiling.
func (r *Runtime) handleDrop(conn protocol.Conn, reason protocol.DropReason, detail string) {
	r.heartbeat.Stop()
	if conn != nil {
		// Closes the event stream; the session loop drains and exits.
		conn.Disconnect()
	}
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if reason.Terminal() {
		r.clearPairing()
		_ = r.machine.Transition(LoggedOut)
		r.mirror()
		r.logger.Warn("session logged out by server", zap.String("detail", detail))
		return
	}

	if err := r.machine.Transition(Disconnected); err != nil {
		// Already logged_out or failed; nothing to schedule.
		return
	}

	r.mu.Lock()
	r.attempts++
	attempts := r.attempts
	r.mu.Unlock()

	if attempts > r.opts.MaxAttempts {
		_ = r.machine.Transition(Failed)
		r.mirror()
		r.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", attempts-1), zap.String("reason", reason.String()))
		return
	}

	delay := r.opts.Backoff.Delay(attempts)
	r.mirror()
	r.logger.Warn("link dropped, reconnect scheduled",
		zap.String("reason", reason.String()),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))

	r.mu.Lock()
	r.retryTimer = time.AfterFunc(delay, func() {
		if err := r.Start(r.ctx); err != nil {
			r.logger.Error("scheduled reconnect failed", zap.Error(err))
		}
	})
	r.mu.Unlock()
}

func (r *Runtime) clearPairing() {
	r.mu.Lock()
	r.pairingCode = ""
	r.pairingPNG = nil
	r.mu.Unlock()
}

// mirror writes the runtime state into the durable session row.
func (r *Runtime) mirror() {
	r.mu.Lock()
	row := &store.Session{
		SessionID:         r.id,
		Status:            string(r.machine.Current()),
		ReconnectAttempts: r.attempts,
		SelfJID:           r.selfJID,
	}
	if !r.lastSyncedAt.IsZero() {
		row.LastSyncedAt = r.lastSyncedAt.UnixMilli()
	}
	r.mu.Unlock()

	if err := r.db.UpsertSession(row); err != nil {
		r.logger.Error("session mirror write failed", zap.Error(err))
	}
}
