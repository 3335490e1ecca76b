package session

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHeartbeatCountsMisses(t *testing.T) {
	h := NewHeartbeat("s1", 5*time.Millisecond, func() bool { return false }, zap.NewNop())
	h.Start()
	defer h.Stop()

	deadline := time.After(2 * time.Second)
	for h.Misses() < 3 {
		select {
		case <-deadline:
			t.Fatalf("misses = %d after 2s, want >= 3", h.Misses())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatHealthyProbe(t *testing.T) {
	var probes atomic.Int64
	h := NewHeartbeat("s1", 5*time.Millisecond, func() bool {
		probes.Add(1)
		return true
	}, zap.NewNop())
	h.Start()

	deadline := time.After(2 * time.Second)
	for probes.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("probes = %d after 2s, want >= 3", probes.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.Stop()

	if h.Misses() != 0 {
		t.Errorf("misses = %d, want 0 for healthy transport", h.Misses())
	}
}

func TestHeartbeatStartIdempotent(t *testing.T) {
	h := NewHeartbeat("s1", time.Hour, func() bool { return true }, zap.NewNop())
	h.Start()
	h.Start() // second start must not spawn a second loop
	h.Stop()
	h.Stop() // second stop must not panic
}

func TestHeartbeatStopWithoutStart(t *testing.T) {
	h := NewHeartbeat("s1", time.Hour, func() bool { return true }, zap.NewNop())
	h.Stop() // must be safe
}
