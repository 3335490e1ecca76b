package wa

import (
	"context"
	"fmt"
	"time"

	"github.com/tidehub/wagate/internal/protocol"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

const contactSyncTimeout = time.Minute

// handleEvent translates raw whatsmeow events into protocol events.
// It runs on whatsmeow's dispatch goroutines.
func (c *Conn) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.emit(protocol.Connected{SelfJID: c.SelfJID()})
		go c.emitContactSync()
	case *events.Disconnected:
		c.emit(protocol.Disconnected{Reason: protocol.DropNetwork})
	case *events.StreamReplaced:
		c.emit(protocol.Disconnected{Reason: protocol.DropStream, Detail: "stream replaced by another client"})
	case *events.TemporaryBan:
		c.emit(protocol.Disconnected{
			Reason: protocol.DropStream,
			Detail: fmt.Sprintf("temporary ban, code %d", int(evt.Code)),
		})
	case *events.LoggedOut:
		c.emit(protocol.Disconnected{Reason: protocol.DropLoggedOut, Detail: evt.Reason.String()})
	case *events.Message:
		c.handleMessage(evt)
	case *events.HistorySync:
		batch := c.parseHistorySync(evt)
		if len(batch.Chats) > 0 || len(batch.Contacts) > 0 || len(batch.Messages) > 0 || batch.IsFinal {
			c.emit(batch)
		}
	case *events.Contact:
		c.emit(protocol.ContactUpdate{Contact: protocol.ContactSignal{
			JID:  evt.JID.ToNonAD().String(),
			Name: evt.Action.GetFullName(),
		}})
	case *events.PushName:
		c.emit(protocol.ContactUpdate{Contact: protocol.ContactSignal{
			JID:  evt.JID.ToNonAD().String(),
			Name: evt.NewPushName,
			Push: true,
		}})
	case *events.GroupInfo:
		if evt.Name != nil {
			c.emit(protocol.GroupUpdate{JID: evt.JID.String(), Subject: evt.Name.Name})
		}
	}
}

func (c *Conn) handleMessage(evt *events.Message) {
	if upd, ok := parseEdit(evt); ok {
		c.emit(upd)
		return
	}
	msg, ok := parseMessage(evt)
	if !ok {
		return
	}
	c.emit(protocol.MessageEvent{Message: msg, Live: true})
}

// emitContactSync pushes the device's full contact book as one bulk
// upsert. The credential store holds it after pairing.
func (c *Conn) emitContactSync() {
	ctx, cancel := context.WithTimeout(context.Background(), contactSyncTimeout)
	defer cancel()

	all, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		c.logger.Warn("contact sync failed", zap.Error(err))
		return
	}

	signals := make([]protocol.ContactSignal, 0, len(all))
	for jid, info := range all {
		name := info.FullName
		if name == "" {
			name = info.BusinessName
		}
		if name != "" {
			signals = append(signals, protocol.ContactSignal{
				JID:  jid.ToNonAD().String(),
				Name: name,
			})
		}
		if info.PushName != "" {
			signals = append(signals, protocol.ContactSignal{
				JID:  jid.ToNonAD().String(),
				Name: info.PushName,
				Push: true,
			})
		}
	}
	if len(signals) > 0 {
		c.emit(protocol.ContactsUpsert{Contacts: signals})
	}
}

// parseHistorySync flattens one history sync payload into a batch of
// chat metadata, push names, and parsed messages. A progress value of
// 100 marks the final payload of the initial sync.
func (c *Conn) parseHistorySync(evt *events.HistorySync) protocol.HistoryBatch {
	var batch protocol.HistoryBatch
	data := evt.Data
	if data == nil {
		return batch
	}

	for _, pn := range data.GetPushnames() {
		if pn.GetID() == "" || pn.GetPushname() == "" {
			continue
		}
		batch.Contacts = append(batch.Contacts, protocol.ContactSignal{
			JID:  pn.GetID(),
			Name: pn.GetPushname(),
			Push: true,
		})
	}

	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			c.logger.Debug("skipping conversation with invalid JID", zap.String("jid", conv.GetID()))
			continue
		}

		name := conv.GetDisplayName()
		if name == "" {
			name = conv.GetName()
		}
		batch.Chats = append(batch.Chats, protocol.ChatInfo{
			JID:         chatJID.ToNonAD().String(),
			Name:        name,
			IsGroup:     chatJID.Server == types.GroupServer,
			UnreadCount: int(conv.GetUnreadCount()),
		})

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil {
				continue
			}
			parsed, err := c.client.ParseWebMessage(chatJID, wmsg)
			if err != nil {
				c.logger.Debug("unparseable history message",
					zap.String("chat", chatJID.String()), zap.Error(err))
				continue
			}
			msg, ok := parseMessage(parsed)
			if !ok {
				continue
			}
			batch.Messages = append(batch.Messages, msg)
		}
	}

	batch.IsFinal = data.GetProgress() >= 100
	return batch
}
