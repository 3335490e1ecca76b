package wa

import (
	"fmt"

	"github.com/tidehub/wagate/internal/protocol"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// parseMessage normalizes one whatsmeow message event into a protocol
// message. Returns false for content kinds the pipeline does not
// persist.
func parseMessage(evt *events.Message) (protocol.Message, bool) {
	inner := unwrap(evt.Message)
	if inner == nil {
		return protocol.Message{}, false
	}

	kind, body, ref := classify(inner)
	if kind == protocol.KindUnsupported {
		return protocol.Message{}, false
	}

	raw, err := proto.Marshal(inner)
	if err != nil {
		raw = nil
	}

	return protocol.Message{
		ID:        evt.Info.ID,
		PartyJID:  evt.Info.Chat.ToNonAD().String(),
		SenderJID: evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		FromSelf:  evt.Info.IsFromMe,
		SentAt:    evt.Info.Timestamp,
		Kind:      kind,
		Body:      body,
		Media:     ref,
		Raw:       raw,
	}, true
}

// parseEdit detects an edit envelope and returns the correction as an
// update targeting the original message ID.
func parseEdit(evt *events.Message) (protocol.MessageUpdate, bool) {
	pm := evt.Message.GetProtocolMessage()
	if pm == nil || pm.GetType() != waE2E.ProtocolMessage_MESSAGE_EDIT {
		return protocol.MessageUpdate{}, false
	}
	edited := unwrap(pm.GetEditedMessage())
	if edited == nil {
		return protocol.MessageUpdate{}, false
	}
	_, body, _ := classify(edited)
	if body == "" {
		return protocol.MessageUpdate{}, false
	}
	return protocol.MessageUpdate{
		MsgID:    pm.GetKey().GetID(),
		PartyJID: evt.Info.Chat.ToNonAD().String(),
		Body:     body,
	}, true
}

// unwrap strips nesting envelopes (ephemeral, view-once, device-sent,
// captioned document) until the content message is reached.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetDeviceSentMessage().GetMessage() != nil:
			msg = msg.GetDeviceSentMessage().GetMessage()
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return nil
}

// classify maps an unwrapped message to its kind, text body, and media
// reference.
func classify(msg *waE2E.Message) (protocol.Kind, string, *protocol.MediaRef) {
	if t := msg.GetConversation(); t != "" {
		return protocol.KindText, t, nil
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return protocol.KindText, ext.GetText(), nil
	}
	if img := msg.GetImageMessage(); img != nil {
		return protocol.KindImage, img.GetCaption(), &protocol.MediaRef{
			Mime:      img.GetMimetype(),
			Thumbnail: img.GetJPEGThumbnail(),
			Handle:    img,
		}
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return protocol.KindVideo, vid.GetCaption(), &protocol.MediaRef{
			Mime:      vid.GetMimetype(),
			Thumbnail: vid.GetJPEGThumbnail(),
			Handle:    vid,
		}
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		kind := protocol.KindAudio
		if aud.GetPTT() {
			kind = protocol.KindVoice
		}
		return kind, "", &protocol.MediaRef{
			Mime:   aud.GetMimetype(),
			Handle: aud,
		}
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return protocol.KindDocument, doc.GetCaption(), &protocol.MediaRef{
			Mime:      doc.GetMimetype(),
			FileName:  doc.GetFileName(),
			Thumbnail: doc.GetJPEGThumbnail(),
			Handle:    doc,
		}
	}
	if stk := msg.GetStickerMessage(); stk != nil {
		return protocol.KindSticker, "", &protocol.MediaRef{
			Mime:   stk.GetMimetype(),
			Handle: stk,
		}
	}
	if cm := msg.GetContactMessage(); cm != nil {
		return protocol.KindContact, cm.GetDisplayName(), nil
	}
	if ca := msg.GetContactsArrayMessage(); ca != nil {
		return protocol.KindContact, ca.GetDisplayName(), nil
	}
	if loc := msg.GetLocationMessage(); loc != nil {
		return protocol.KindLocation,
			fmt.Sprintf("%.6f,%.6f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude()),
			nil
	}
	if live := msg.GetLiveLocationMessage(); live != nil {
		return protocol.KindLocation,
			fmt.Sprintf("%.6f,%.6f", live.GetDegreesLatitude(), live.GetDegreesLongitude()),
			nil
	}
	if poll := pollCreation(msg); poll != nil {
		return protocol.KindPoll, poll.GetName(), nil
	}
	// Reactions, receipts and other protocol-level messages carry no
	// persistable content.
	return protocol.KindUnsupported, "", nil
}

func pollCreation(msg *waE2E.Message) *waE2E.PollCreationMessage {
	if p := msg.GetPollCreationMessage(); p != nil {
		return p
	}
	if p := msg.GetPollCreationMessageV2(); p != nil {
		return p
	}
	return msg.GetPollCreationMessageV3()
}
