package wa

import (
	"sync"
	"testing"
	"time"

	"github.com/tidehub/wagate/internal/protocol"
	"go.uber.org/zap"
)

func streamConn(buf int) *Conn {
	return &Conn{
		sessionID: "s1",
		logger:    zap.NewNop(),
		events:    make(chan protocol.Event, buf),
		done:      make(chan struct{}),
	}
}

// Teardown is triggered from the runtime's own event loop, so nothing
// drains the stream while Disconnect runs. With the buffer full and
// emitters parked mid-send, closing must still complete.
func TestCloseStreamUnblocksFullBuffer(t *testing.T) {
	c := streamConn(1)
	c.emit(protocol.Connected{SelfJID: "me@s.whatsapp.net"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.emit(protocol.Disconnected{Reason: protocol.DropNetwork})
		}()
	}
	// Let the emitters park on the full buffer.
	time.Sleep(20 * time.Millisecond)

	finished := make(chan struct{})
	go func() {
		c.closeStream()
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown deadlocked behind a full event buffer")
	}

	// Late emits after close are no-ops, and the stream drains to a close.
	c.emit(protocol.Connected{})
	for range c.events {
	}
}

func TestCloseStreamIdempotent(t *testing.T) {
	c := streamConn(4)
	if !c.closeStream() {
		t.Fatal("first close reported already closed")
	}
	if c.closeStream() {
		t.Fatal("second close must report already closed")
	}
	c.emit(protocol.Connected{})
}
