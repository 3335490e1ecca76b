package session

import (
	"testing"
	"time"

	"github.com/tidehub/wagate/internal/bus"
)

func TestMachineInitialState(t *testing.T) {
	m := NewMachine("s1", nil)
	if m.Current() != Initializing {
		t.Errorf("initial state = %s, want initializing", m.Current())
	}
}

func TestMachineValidTransitions(t *testing.T) {
	steps := []State{AwaitingPairing, Connected, Disconnected, Initializing, Connected, LoggedOut, Initializing}

	m := NewMachine("s1", nil)
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.Current() != Initializing {
		t.Errorf("final state = %s, want initializing", m.Current())
	}
}

func TestMachineInvalidTransition(t *testing.T) {
	m := NewMachine("s1", nil)
	if err := m.Transition(Connected); err != nil {
		t.Fatal(err)
	}
	// connected cannot go back to awaiting_pairing.
	if err := m.Transition(AwaitingPairing); err == nil {
		t.Error("expected error for connected -> awaiting_pairing")
	}
	if m.Current() != Connected {
		t.Errorf("state after rejected transition = %s, want connected", m.Current())
	}
}

func TestMachineSameStateNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 8)
	defer unsub()

	m := NewMachine("s1", b)
	if err := m.Transition(Initializing); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		t.Errorf("same-state transition should publish nothing, got %s", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMachinePublishesStatusChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 8)
	defer unsub()

	m := NewMachine("s1", b)
	if err := m.Transition(Connected); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != "session.status_changed" {
			t.Errorf("kind = %q", ev.Kind)
		}
		if ev.Session != "s1" {
			t.Errorf("session = %q, want s1", ev.Session)
		}
		change, ok := ev.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if change.From != Initializing || change.To != Connected {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}

func TestFailedRecoverableByRestart(t *testing.T) {
	m := NewMachine("s1", nil)
	_ = m.Transition(Disconnected)
	_ = m.Transition(Failed)
	if err := m.Transition(Initializing); err != nil {
		t.Errorf("failed -> initializing should be allowed: %v", err)
	}
}

func TestValidateID(t *testing.T) {
	good := []string{"a", "tenant-1", "user_42", "ABC-def_123"}
	for _, id := range good {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}

	bad := []string{"", "has space", "slash/y", "dot.dot", "../../etc", "x@y", string(make([]byte, 65))}
	for _, id := range bad {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
}
