package store

// Session is the durable mirror of a session's runtime state.
type Session struct {
	SessionID         string
	Status            string
	ReconnectAttempts int
	LastSyncedAt      int64
	SelfJID           string
}

// Contact represents a resolved chat counterpart (individual or group).
type Contact struct {
	SessionID   string
	JID         string
	DisplayName string
	PushName    string
	IsGroup     bool
	NameTier    int
	UnreadCount int
	UpdatedAt   int64
}

// Message represents a stored message. Timestamps are unix milliseconds.
type Message struct {
	SessionID   string
	MsgID       string
	PartyJID    string
	SenderJID   string
	SenderLabel string
	FromMe      bool
	MsgType     string
	Body        string
	MediaPath   string
	RawPayload  []byte
	SentAt      int64
}
