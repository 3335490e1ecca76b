package bus

import "time"

// Event represents a domain event published on the bus. Session carries
// the owning session id for session-scoped events, empty otherwise.
type Event struct {
	Kind      string
	Session   string
	Timestamp time.Time
	Payload   any
}
