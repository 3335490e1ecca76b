package protocol

import "time"

// Event is the closed set of things a protocol connection can report.
// The unexported marker keeps the variant set sealed so routing code can
// switch exhaustively.
type Event interface {
	isEvent()
}

// DropReason classifies a link drop.
type DropReason int

const (
	DropUnknown DropReason = iota
	DropNetwork
	DropStream
	DropLoggedOut
)

// Terminal reports whether the drop invalidates the pairing. A terminal
// drop must not be retried; everything else is transient.
func (r DropReason) Terminal() bool { return r == DropLoggedOut }

func (r DropReason) String() string {
	switch r {
	case DropNetwork:
		return "network"
	case DropStream:
		return "stream"
	case DropLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// PairingCode carries a pairing code and its rendered QR image.
type PairingCode struct {
	Code string
	PNG  []byte
}

// Connected signals a successful handshake.
type Connected struct {
	SelfJID string
}

// Disconnected signals a link drop with its classified reason.
type Disconnected struct {
	Reason DropReason
	Detail string
}

// ContactSignal is one identity signal for a party. Push distinguishes a
// bare push-name signal from an explicit contact-book name.
type ContactSignal struct {
	JID     string
	Name    string
	Push    bool
	IsGroup bool
}

// ContactsUpsert carries a bulk contact sync.
type ContactsUpsert struct {
	Contacts []ContactSignal
}

// ContactUpdate carries one incremental contact change.
type ContactUpdate struct {
	Contact ContactSignal
}

// GroupUpdate carries a group subject change.
type GroupUpdate struct {
	JID     string
	Subject string
}

// ChatInfo is chat-level metadata from a history batch.
type ChatInfo struct {
	JID         string
	Name        string
	IsGroup     bool
	UnreadCount int
}

// HistoryBatch is one paginated bulk-history delivery.
type HistoryBatch struct {
	Chats    []ChatInfo
	Contacts []ContactSignal
	Messages []Message
	IsFinal  bool
}

// MessageEvent is one inbound message. Live discriminates realtime
// delivery from offline catch-up.
type MessageEvent struct {
	Message Message
	Live    bool
}

// MessageUpdate is an edit or similar refinement of an existing message.
type MessageUpdate struct {
	MsgID    string
	PartyJID string
	Body     string
}

func (PairingCode) isEvent()    {}
func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (ContactsUpsert) isEvent() {}
func (ContactUpdate) isEvent()  {}
func (GroupUpdate) isEvent()    {}
func (HistoryBatch) isEvent()   {}
func (MessageEvent) isEvent()   {}
func (MessageUpdate) isEvent()  {}

// Kind enumerates message content kinds after envelope unwrapping.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindVideo       Kind = "video"
	KindDocument    Kind = "document"
	KindAudio       Kind = "audio"
	KindVoice       Kind = "voice"
	KindSticker     Kind = "sticker"
	KindContact     Kind = "contact"
	KindLocation    Kind = "location"
	KindPoll        Kind = "poll"
	KindUnsupported Kind = "unsupported"
)

// HasMedia reports whether the kind carries downloadable binary content.
func (k Kind) HasMedia() bool {
	switch k {
	case KindImage, KindVideo, KindDocument, KindAudio, KindVoice, KindSticker:
		return true
	}
	return false
}

// Message is a normalized inbound message, unwrapped and classified.
type Message struct {
	ID        string
	PartyJID  string
	SenderJID string
	PushName  string
	FromSelf  bool
	SentAt    time.Time
	Kind      Kind
	Body      string
	Media     *MediaRef
	Raw       []byte
}

// MediaRef describes downloadable content attached to a message. Handle
// is an implementation-owned token the dialer's Download understands.
type MediaRef struct {
	Mime      string
	FileName  string
	Thumbnail []byte
	Handle    any
}
