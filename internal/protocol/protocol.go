// Package protocol defines the boundary between the session engine and
// the underlying chat-protocol client. The engine only ever sees these
// types, so the whole core is testable against a fake implementation.
package protocol

import (
	"context"
	"time"
)

// Conn is one live protocol-client handle for one session.
type Conn interface {
	// Events returns the connection's event stream. The channel is
	// closed when the handle is torn down.
	Events() <-chan Event

	// Connect initiates the connection (and the pairing flow when no
	// credentials exist yet). Progress is reported through Events.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection and closes the event stream.
	Disconnect()

	// Logout invalidates the credentials on the protocol side.
	Logout(ctx context.Context) error

	// IsLoggedIn reports whether pairing credentials exist.
	IsLoggedIn() bool

	// IsAlive reports whether the underlying transport is actually open.
	// Used by the heartbeat monitor; a false reading with a connected
	// session indicates a silently-dead connection.
	IsAlive() bool

	// SelfJID returns the session's own identity once paired, else "".
	SelfJID() string

	// Send delivers an outbound payload to a party.
	Send(ctx context.Context, toJID string, out Outbound) (SendReceipt, error)

	// Download fetches the full binary content behind a media reference.
	Download(ctx context.Context, ref *MediaRef) ([]byte, error)

	// GroupSubjects returns the subjects of all groups the session
	// participates in, keyed by group JID.
	GroupSubjects(ctx context.Context) (map[string]string, error)
}

// Dialer acquires a protocol-client handle for a session. Dialing loads
// (or creates) the session's credential material; it does not connect.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// Outbound is a payload to send: text, an attachment, or both.
type Outbound struct {
	Text       string
	Attachment *OutboundAttachment
}

// OutboundAttachment points at a local file to upload and send.
type OutboundAttachment struct {
	Path     string
	FileName string
}

// SendReceipt identifies a successfully sent message.
type SendReceipt struct {
	ID        string
	Timestamp time.Time
}
