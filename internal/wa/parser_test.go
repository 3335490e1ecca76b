package wa

import (
	"testing"
	"time"

	"github.com/tidehub/wagate/internal/protocol"
	"go.mau.fi/whatsmeow/proto/waCommon"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func liveEvent(msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "chat", Server: types.DefaultUserServer},
				Sender: types.JID{User: "sender", Device: 7, Server: types.DefaultUserServer},
			},
			ID:        "MSG123",
			PushName:  "Alice",
			Timestamp: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantKind protocol.Kind
		wantBody string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, protocol.KindText, "hi"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("long")}}, protocol.KindText, "long"},
		{"image with caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, protocol.KindImage, "look"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, protocol.KindVideo, ""},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, protocol.KindAudio, ""},
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}, protocol.KindVoice, ""},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("report")}}, protocol.KindDocument, "report"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, protocol.KindSticker, ""},
		{"contact card", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{DisplayName: proto.String("Bob")}}, protocol.KindContact, "Bob"},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude: proto.Float64(-23.55052), DegreesLongitude: proto.Float64(-46.633308),
		}}, protocol.KindLocation, "-23.550520,-46.633308"},
		{"poll", &waE2E.Message{PollCreationMessageV3: &waE2E.PollCreationMessage{Name: proto.String("lunch?")}}, protocol.KindPoll, "lunch?"},
		{"reaction", &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("x")}}, protocol.KindUnsupported, ""},
		{"empty", &waE2E.Message{}, protocol.KindUnsupported, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, body, _ := classify(tt.msg)
			if kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", kind, tt.wantKind)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestClassifyMediaRef(t *testing.T) {
	img := &waE2E.ImageMessage{
		Mimetype:      proto.String("image/jpeg"),
		JPEGThumbnail: []byte{1, 2, 3},
	}
	kind, _, ref := classify(&waE2E.Message{ImageMessage: img})
	if kind != protocol.KindImage {
		t.Fatalf("kind = %s", kind)
	}
	if ref == nil {
		t.Fatal("media ref missing")
	}
	if ref.Mime != "image/jpeg" {
		t.Errorf("mime = %q", ref.Mime)
	}
	if len(ref.Thumbnail) != 3 {
		t.Errorf("thumbnail = %v", ref.Thumbnail)
	}
	if ref.Handle != img {
		t.Error("handle must carry the downloadable message")
	}

	doc := &waE2E.DocumentMessage{FileName: proto.String("report.pdf"), Mimetype: proto.String("application/pdf")}
	_, _, ref = classify(&waE2E.Message{DocumentMessage: doc})
	if ref.FileName != "report.pdf" {
		t.Errorf("filename = %q", ref.FileName)
	}

	// Text carries no media ref.
	_, _, ref = classify(&waE2E.Message{Conversation: proto.String("hi")})
	if ref != nil {
		t.Error("text should have no media ref")
	}
}

func TestUnwrapEnvelopes(t *testing.T) {
	inner := &waE2E.Message{Conversation: proto.String("wrapped")}

	tests := []struct {
		name string
		msg  *waE2E.Message
	}{
		{"plain", inner},
		{"ephemeral", &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{Message: inner}}},
		{"view once", &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{Message: inner}}},
		{"view once v2", &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: inner}}},
		{"device sent", &waE2E.Message{DeviceSentMessage: &waE2E.DeviceSentMessage{Message: inner}}},
		{"ephemeral inside device sent", &waE2E.Message{DeviceSentMessage: &waE2E.DeviceSentMessage{
			Message: &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{Message: inner}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unwrap(tt.msg)
			if got == nil || got.GetConversation() != "wrapped" {
				t.Errorf("unwrap() = %v, want the inner conversation", got)
			}
		})
	}

	if unwrap(nil) != nil {
		t.Error("unwrap(nil) should be nil")
	}
}

func TestUnwrapDocumentWithCaption(t *testing.T) {
	msg := &waE2E.Message{DocumentWithCaptionMessage: &waE2E.FutureProofMessage{
		Message: &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("inside")}},
	}}

	kind, body, _ := classify(unwrap(msg))
	if kind != protocol.KindDocument || body != "inside" {
		t.Errorf("got %s/%q, want document/inside", kind, body)
	}
}

func TestParseMessage(t *testing.T) {
	evt := liveEvent(&waE2E.Message{Conversation: proto.String("hello world")})
	msg, ok := parseMessage(evt)
	if !ok {
		t.Fatal("expected parse to succeed")
	}

	if msg.ID != "MSG123" {
		t.Errorf("id = %q", msg.ID)
	}
	if msg.PartyJID != "chat@s.whatsapp.net" {
		t.Errorf("party = %q", msg.PartyJID)
	}
	// The sender device suffix must not leak into the normalized JID.
	if msg.SenderJID != "sender@s.whatsapp.net" {
		t.Errorf("sender = %q, want device stripped", msg.SenderJID)
	}
	if msg.PushName != "Alice" {
		t.Errorf("push name = %q", msg.PushName)
	}
	if msg.Kind != protocol.KindText || msg.Body != "hello world" {
		t.Errorf("content = %s/%q", msg.Kind, msg.Body)
	}
	if len(msg.Raw) == 0 {
		t.Error("raw payload missing")
	}
}

func TestParseMessageDropsUnsupported(t *testing.T) {
	evt := liveEvent(&waE2E.Message{})
	if _, ok := parseMessage(evt); ok {
		t.Error("empty message must be dropped")
	}

	evt = liveEvent(nil)
	if _, ok := parseMessage(evt); ok {
		t.Error("nil message must be dropped")
	}
}

func TestParseEdit(t *testing.T) {
	evt := liveEvent(&waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
		Type: waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
		Key:  &waCommon.MessageKey{ID: proto.String("ORIGINAL")},
		EditedMessage: &waE2E.Message{
			Conversation: proto.String("corrected text"),
		},
	}})

	upd, ok := parseEdit(evt)
	if !ok {
		t.Fatal("expected edit to parse")
	}
	if upd.MsgID != "ORIGINAL" {
		t.Errorf("msg id = %q, want the edited message's id", upd.MsgID)
	}
	if upd.Body != "corrected text" {
		t.Errorf("body = %q", upd.Body)
	}
	if upd.PartyJID != "chat@s.whatsapp.net" {
		t.Errorf("party = %q", upd.PartyJID)
	}

	// Ordinary messages are not edits.
	if _, ok := parseEdit(liveEvent(&waE2E.Message{Conversation: proto.String("hi")})); ok {
		t.Error("plain message must not parse as an edit")
	}
}
