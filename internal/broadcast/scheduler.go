// Package broadcast implements the rate-limited outbound fan-out. A
// fixed daily cap per session is enforced synchronously at submission;
// accepted jobs execute asynchronously with randomized inter-send
// delays so fan-out traffic does not look like a burst.
package broadcast

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidehub/wagate/internal/bus"
	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/store"
	"go.uber.org/zap"
)

// QuotaExceededError rejects a request that would exceed the remaining
// daily quota. Remaining reports how many sends are still allowed today.
type QuotaExceededError struct {
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily send quota exceeded: %d remaining", e.Remaining)
}

// Recorder persists a successful send through the same idempotent path
// as inbound messages.
type Recorder interface {
	RecordSent(ctx context.Context, partyJID string, out protocol.Outbound, receipt protocol.SendReceipt) error
}

// SessionSource resolves a connected session to its send handle.
type SessionSource interface {
	SendConn(sessionID string) (protocol.Conn, error)
	Recorder(sessionID string) (Recorder, error)
}

// Request is a broadcast submission.
type Request struct {
	SessionID  string
	Recipients []string
	Text       string
	Attachment string // optional local file path
}

// Job is an accepted broadcast.
type Job struct {
	ID         string
	SessionID  string
	Recipients int
}

// Scheduler enforces the daily cap and executes accepted jobs. Quota
// accounting is the ledger count plus in-flight reservations, taken
// under one mutex, so concurrent submissions cannot overshoot the cap.
type Scheduler struct {
	db       *store.DB
	sessions SessionSource
	bus      *bus.Bus
	logger   *zap.Logger

	dailyCap int
	minDelay time.Duration
	maxDelay time.Duration

	mu       sync.Mutex
	reserved map[string]int

	wg sync.WaitGroup
}

// NewScheduler creates a broadcast scheduler.
func NewScheduler(db *store.DB, sessions SessionSource, b *bus.Bus, logger *zap.Logger, dailyCap int, minDelay, maxDelay time.Duration) *Scheduler {
	return &Scheduler{
		db:       db,
		sessions: sessions,
		bus:      b,
		logger:   logger,
		dailyCap: dailyCap,
		minDelay: minDelay,
		maxDelay: maxDelay,
		reserved: make(map[string]int),
	}
}

// Remaining returns the session's remaining daily quota, accounting for
// sends already in flight.
func (s *Scheduler) Remaining(sessionID string) (int, error) {
	sent, err := s.db.SentTodayCount(sessionID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("rate ledger: %w", err)
	}
	s.mu.Lock()
	remaining := s.dailyCap - sent - s.reserved[sessionID]
	s.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Submit validates a request against the remaining quota and, when it
// fits, acknowledges immediately and executes asynchronously. Requests
// that would exceed the quota fail with QuotaExceededError.
func (s *Scheduler) Submit(ctx context.Context, req Request) (Job, error) {
	if len(req.Recipients) == 0 {
		return Job{}, fmt.Errorf("no recipients")
	}
	if req.Text == "" && req.Attachment == "" {
		return Job{}, fmt.Errorf("nothing to send")
	}

	conn, err := s.sessions.SendConn(req.SessionID)
	if err != nil {
		return Job{}, err
	}
	recorder, err := s.sessions.Recorder(req.SessionID)
	if err != nil {
		return Job{}, err
	}

	sent, err := s.db.SentTodayCount(req.SessionID, time.Now())
	if err != nil {
		return Job{}, fmt.Errorf("rate ledger: %w", err)
	}

	s.mu.Lock()
	remaining := s.dailyCap - sent - s.reserved[req.SessionID]
	if remaining < 0 {
		remaining = 0
	}
	if len(req.Recipients) > remaining {
		s.mu.Unlock()
		return Job{}, &QuotaExceededError{Remaining: remaining}
	}
	s.reserved[req.SessionID] += len(req.Recipients)
	s.mu.Unlock()

	job := Job{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		Recipients: len(req.Recipients),
	}
	s.wg.Add(1)
	go s.run(job, req, conn, recorder)
	return job, nil
}

// Wait blocks until all in-flight jobs finish. Used on shutdown and in
// tests.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(job Job, req Request, conn protocol.Conn, recorder Recorder) {
	defer s.wg.Done()
	ctx := context.Background()

	out := protocol.Outbound{Text: req.Text}
	if req.Attachment != "" {
		out.Attachment = &protocol.OutboundAttachment{Path: req.Attachment}
	}

	delivered := 0
	for _, recipient := range req.Recipients {
		// Randomized inter-send delay; a hard burst of protocol sends is
		// both detectable and throttle-prone.
		time.Sleep(s.jitter())

		to := protocol.NormalizeRecipient(recipient)
		receipt, err := conn.Send(ctx, to, out)
		if err != nil {
			s.release(req.SessionID, 1)
			s.logger.Warn("broadcast send failed, continuing",
				zap.String("job", job.ID), zap.String("to", to), zap.Error(err))
			continue
		}
		if err := recorder.RecordSent(ctx, to, out, receipt); err != nil {
			s.logger.Error("broadcast write-back failed",
				zap.String("job", job.ID), zap.String("msg_id", receipt.ID), zap.Error(err))
		}
		// The send is in the ledger now; the reservation slot retires
		// only after the write-back so a concurrent submit never sees
		// the quota double-freed.
		s.release(req.SessionID, 1)
		delivered++
		s.bus.Publish(bus.Event{
			Kind: "broadcast.sent", Session: req.SessionID, Timestamp: time.Now(),
			Payload: map[string]string{"job": job.ID, "to": to, "msg_id": receipt.ID},
		})
	}

	s.logger.Info("broadcast job finished",
		zap.String("job", job.ID),
		zap.Int("recipients", len(req.Recipients)),
		zap.Int("delivered", delivered))
	s.bus.Publish(bus.Event{
		Kind: "broadcast.job_done", Session: req.SessionID, Timestamp: time.Now(),
		Payload: map[string]int{"recipients": len(req.Recipients), "delivered": delivered},
	})
}

// release returns reservation slots once a send attempt resolved. A
// successful send is now visible in the ledger; a failed one restores
// quota.
func (s *Scheduler) release(sessionID string, n int) {
	s.mu.Lock()
	s.reserved[sessionID] -= n
	if s.reserved[sessionID] <= 0 {
		delete(s.reserved, sessionID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) jitter() time.Duration {
	spread := s.maxDelay - s.minDelay
	if spread <= 0 {
		return s.minDelay
	}
	return s.minDelay + rand.N(spread)
}
