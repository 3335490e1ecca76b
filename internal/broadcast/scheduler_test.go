package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidehub/wagate/internal/bus"
	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/store"
	"go.uber.org/zap"
)

// sendingConn counts sends and can fail specific recipients.
type sendingConn struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]bool
	seq    int
}

func (c *sendingConn) Send(ctx context.Context, toJID string, out protocol.Outbound) (protocol.SendReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTo[toJID] {
		return protocol.SendReceipt{}, fmt.Errorf("recipient rejected")
	}
	c.seq++
	c.sent = append(c.sent, toJID)
	return protocol.SendReceipt{ID: fmt.Sprintf("srv-%d", c.seq), Timestamp: time.Now()}, nil
}

func (c *sendingConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *sendingConn) sentTo() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *sendingConn) Events() <-chan protocol.Event          { return nil }
func (c *sendingConn) Connect(ctx context.Context) error      { return nil }
func (c *sendingConn) Disconnect()                            {}
func (c *sendingConn) Logout(ctx context.Context) error       { return nil }
func (c *sendingConn) IsLoggedIn() bool                       { return true }
func (c *sendingConn) IsAlive() bool                          { return true }
func (c *sendingConn) SelfJID() string                        { return "me@s.whatsapp.net" }
func (c *sendingConn) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	return nil, nil
}
func (c *sendingConn) GroupSubjects(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

// ledgerRecorder writes sends straight into the store, mimicking the
// ingestion write-back.
type ledgerRecorder struct {
	db        *store.DB
	sessionID string
}

func (r *ledgerRecorder) RecordSent(ctx context.Context, partyJID string, out protocol.Outbound, receipt protocol.SendReceipt) error {
	return r.db.UpsertMessage(&store.Message{
		SessionID: r.sessionID,
		MsgID:     receipt.ID,
		PartyJID:  partyJID,
		FromMe:    true,
		MsgType:   "text",
		Body:      out.Text,
		SentAt:    receipt.Timestamp.UnixMilli(),
	})
}

type fixedSource struct {
	conn     protocol.Conn
	recorder Recorder
	err      error
}

func (f *fixedSource) SendConn(sessionID string) (protocol.Conn, error) {
	return f.conn, f.err
}

func (f *fixedSource) Recorder(sessionID string) (Recorder, error) {
	return f.recorder, f.err
}

func testScheduler(t *testing.T, conn *sendingConn, dailyCap int) (*Scheduler, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	src := &fixedSource{conn: conn, recorder: &ledgerRecorder{db: db, sessionID: "s1"}}
	// Zero jitter keeps tests fast; jitter bounds are tested separately.
	s := NewScheduler(db, src, bus.New(), zap.NewNop(), dailyCap, 0, 0)
	return s, db
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("55119%05d", i)
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	s, _ := testScheduler(t, &sendingConn{}, 50)

	if _, err := s.Submit(context.Background(), Request{SessionID: "s1", Text: "hi"}); err == nil {
		t.Error("expected error for empty recipients")
	}
	if _, err := s.Submit(context.Background(), Request{SessionID: "s1", Recipients: []string{"a"}}); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestSubmitSessionUnavailable(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	src := &fixedSource{err: fmt.Errorf("session not connected")}
	s := NewScheduler(db, src, bus.New(), zap.NewNop(), 50, 0, 0)

	if _, err := s.Submit(context.Background(), Request{SessionID: "s1", Recipients: []string{"a"}, Text: "hi"}); err == nil {
		t.Error("expected error when session source fails")
	}
}

func TestBroadcastDeliversAndRecords(t *testing.T) {
	conn := &sendingConn{}
	s, db := testScheduler(t, conn, 50)

	job, err := s.Submit(context.Background(), Request{
		SessionID:  "s1",
		Recipients: []string{"5511999000001", "group@g.us"},
		Text:       "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Recipients != 2 {
		t.Errorf("job recipients = %d, want 2", job.Recipients)
	}
	s.Wait()

	// Bare phone numbers are normalized to full JIDs; JIDs pass through.
	to := conn.sentTo()
	if len(to) != 2 || to[0] != "5511999000001@s.whatsapp.net" || to[1] != "group@g.us" {
		t.Errorf("sent to %v", to)
	}

	n, err := db.SentTodayCount("s1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ledger = %d, want 2", n)
	}
}

func TestQuotaRejectsOversizedRequest(t *testing.T) {
	conn := &sendingConn{}
	s, db := testScheduler(t, conn, 50)

	// 47 sends already on today's ledger.
	now := time.Now()
	for i := 0; i < 47; i++ {
		if err := db.UpsertMessage(&store.Message{
			SessionID: "s1", MsgID: fmt.Sprintf("old-%d", i), PartyJID: "x@s",
			FromMe: true, MsgType: "text", SentAt: now.UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := s.Submit(context.Background(), Request{SessionID: "s1", Recipients: recipients(5), Text: "hi"})
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if quotaErr.Remaining != 3 {
		t.Errorf("remaining = %d, want 3", quotaErr.Remaining)
	}

	// A request that fits the remainder is accepted and lands exactly at
	// the cap.
	if _, err := s.Submit(context.Background(), Request{SessionID: "s1", Recipients: recipients(3), Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	n, _ := db.SentTodayCount("s1", time.Now())
	if n != 50 {
		t.Errorf("ledger = %d, want exactly 50", n)
	}
	remaining, err := s.Remaining("s1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestConcurrentSubmitsNeverOvershoot(t *testing.T) {
	conn := &sendingConn{}
	s, db := testScheduler(t, conn, 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), Request{SessionID: "s1", Recipients: recipients(3), Text: "hi"})
		}()
	}
	wg.Wait()
	s.Wait()

	n, err := db.SentTodayCount("s1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n > 10 {
		t.Errorf("ledger = %d, cap is 10: concurrent submits overshot", n)
	}
	// 8 submissions of 3 against cap 10: exactly three fit.
	if n != 9 {
		t.Errorf("ledger = %d, want 9 (three accepted jobs)", n)
	}
}

func TestFailedRecipientRestoresQuota(t *testing.T) {
	conn := &sendingConn{failTo: map[string]bool{"bad@s.whatsapp.net": true}}
	s, db := testScheduler(t, conn, 50)

	_, err := s.Submit(context.Background(), Request{
		SessionID:  "s1",
		Recipients: []string{"good1@s.whatsapp.net", "bad@s.whatsapp.net", "good2@s.whatsapp.net"},
		Text:       "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	// One failure must not stop the rest of the fan-out.
	if got := conn.sentCount(); got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}
	n, _ := db.SentTodayCount("s1", time.Now())
	if n != 2 {
		t.Errorf("ledger = %d, want 2 (failed send must not consume quota)", n)
	}
	remaining, _ := s.Remaining("s1")
	if remaining != 48 {
		t.Errorf("remaining = %d, want 48", remaining)
	}
}

func TestQuotaScopedPerSession(t *testing.T) {
	conn := &sendingConn{}
	s, db := testScheduler(t, conn, 5)

	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := db.UpsertMessage(&store.Message{
			SessionID: "other", MsgID: fmt.Sprintf("o-%d", i), PartyJID: "x@s",
			FromMe: true, MsgType: "text", SentAt: now.UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Another session's traffic must not eat s1's quota.
	remaining, err := s.Remaining("s1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 5 {
		t.Errorf("remaining = %d, want 5", remaining)
	}
}

func TestJitterWithinBounds(t *testing.T) {
	s := &Scheduler{minDelay: 2 * time.Second, maxDelay: 5 * time.Second}
	for i := 0; i < 1000; i++ {
		d := s.jitter()
		if d < 2*time.Second || d >= 5*time.Second {
			t.Fatalf("jitter = %v, want [2s, 5s)", d)
		}
	}
}
