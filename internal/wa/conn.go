package wa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/skip2/go-qrcode"
	"github.com/tidehub/wagate/internal/protocol"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Conn adapts one whatsmeow client to the protocol.Conn surface.
// whatsmeow dispatches events on its own goroutines; emit serializes
// them into a single channel the session runtime drains.
type Conn struct {
	sessionID string
	client    *whatsmeow.Client
	logger    *zap.Logger

	events    chan protocol.Event
	done      chan struct{}
	doneOnce  sync.Once
	mu        sync.RWMutex
	closed    bool
	handlerID uint32
}

func newConn(sessionID string, client *whatsmeow.Client, logger *zap.Logger) *Conn {
	c := &Conn{
		sessionID: sessionID,
		client:    client,
		logger:    logger,
		events:    make(chan protocol.Event, 256),
		done:      make(chan struct{}),
	}
	c.handlerID = client.AddEventHandler(c.handleEvent)
	return c
}

// Events returns the translated event stream. The channel closes when
// the connection is torn down.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// emit blocks when the buffer is full so a slow consumer backpressures
// into whatsmeow instead of losing events. Teardown may begin while an
// emitter is parked on a full buffer (the runtime disconnects from
// inside its own event loop, so nothing is draining); the done channel
// wakes those emitters so closeStream can take the write lock.
func (c *Conn) emit(ev protocol.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Connect starts the websocket. For unpaired devices it first arms the
// QR channel so pairing codes flow out as events.
func (c *Conn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			if !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
				return fmt.Errorf("qr channel: %w", err)
			}
		} else {
			go c.pumpQR(qrChan)
		}
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch {
		case item.Event == "code":
			png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
			if err != nil {
				c.logger.Warn("failed to render pairing code", zap.Error(err))
				png = nil
			}
			c.emit(protocol.PairingCode{Code: item.Code, PNG: png})
		case item.Event == "success":
			// Connected event follows from the client.
			return
		case item.Event == "timeout":
			c.emit(protocol.Disconnected{Reason: protocol.DropNetwork, Detail: "pairing timed out"})
			return
		case item.Error != nil:
			c.emit(protocol.Disconnected{Reason: protocol.DropNetwork, Detail: item.Error.Error()})
			return
		}
	}
}

// closeStream unblocks any parked emitter, then closes the event
// channel. The channel close happens under the write lock, after every
// emitter has left its send, so it can never race a send on a closed
// channel. Returns false if the stream was already closed.
func (c *Conn) closeStream() bool {
	c.doneOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.events)
	return true
}

// Disconnect tears the socket down and closes the event stream.
// Idempotent.
func (c *Conn) Disconnect() {
	if !c.closeStream() {
		return
	}
	c.client.RemoveEventHandler(c.handlerID)
	c.client.Disconnect()
}

// Logout invalidates the pairing on the server side.
func (c *Conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// IsLoggedIn reports whether the device holds pairing credentials.
func (c *Conn) IsLoggedIn() bool {
	return c.client.Store.ID != nil
}

// IsAlive reports whether the websocket is currently open.
func (c *Conn) IsAlive() bool {
	return c.client.IsConnected()
}

// SelfJID returns the account's own JID without the device suffix, or
// "" before pairing completes.
func (c *Conn) SelfJID() string {
	id := c.client.Store.ID
	if id == nil {
		return ""
	}
	return id.ToNonAD().String()
}

// Send delivers one outbound message, uploading the attachment first
// when present.
func (c *Conn) Send(ctx context.Context, toJID string, out protocol.Outbound) (protocol.SendReceipt, error) {
	to, err := types.ParseJID(toJID)
	if err != nil {
		return protocol.SendReceipt{}, fmt.Errorf("parse recipient %q: %w", toJID, err)
	}

	msg, err := c.buildMessage(ctx, out)
	if err != nil {
		return protocol.SendReceipt{}, err
	}

	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return protocol.SendReceipt{}, fmt.Errorf("send to %s: %w", toJID, err)
	}
	return protocol.SendReceipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *Conn) buildMessage(ctx context.Context, out protocol.Outbound) (*waE2E.Message, error) {
	if out.Attachment == nil {
		return &waE2E.Message{Conversation: proto.String(out.Text)}, nil
	}

	data, err := os.ReadFile(out.Attachment.Path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	mime := mimetype.Detect(data).String()

	var mediaType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(mime, "image/"):
		mediaType = whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		mediaType = whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		mediaType = whatsmeow.MediaAudio
	default:
		mediaType = whatsmeow.MediaDocument
	}

	up, err := c.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	length := proto.Uint64(uint64(len(data)))
	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(out.Text),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(out.Text),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(out.Text),
			FileName:      proto.String(out.Attachment.FileName),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	}
}

// Download fetches the full media blob referenced by an ingested
// message.
func (c *Conn) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	dl, ok := ref.Handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("media reference carries no downloadable handle")
	}
	return c.client.Download(ctx, dl)
}

// GroupSubjects lists the subjects of all joined groups.
func (c *Conn) GroupSubjects(ctx context.Context) (map[string]string, error) {
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("joined groups: %w", err)
	}
	subjects := make(map[string]string, len(groups))
	for _, g := range groups {
		subjects[g.JID.String()] = g.Name
	}
	return subjects, nil
}
