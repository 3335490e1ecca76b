// Package ingest turns protocol events into durable rows: paginated
// bulk-history batches and realtime messages both land through the same
// idempotent persistence path.
package ingest

import (
	"context"
	"time"

	"github.com/tidehub/wagate/internal/bus"
	"github.com/tidehub/wagate/internal/contacts"
	"github.com/tidehub/wagate/internal/media"
	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pipeline ingests one session's inbound traffic.
type Pipeline struct {
	sessionID string
	db        *store.DB
	media     *media.Store
	cache     *contacts.Cache
	bus       *bus.Bus
	logger    *zap.Logger
	chunkSize int
}

// NewPipeline creates an ingestion pipeline for a session.
func NewPipeline(sessionID string, db *store.DB, mediaStore *media.Store, cache *contacts.Cache, b *bus.Bus, logger *zap.Logger, chunkSize int) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	return &Pipeline{
		sessionID: sessionID,
		db:        db,
		media:     mediaStore,
		cache:     cache,
		bus:       b,
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// HandleHistoryBatch ingests one bulk-history delivery. Chat metadata
// and contact signals are applied first so message sender labels have
// names to fall back on; messages are then processed in bounded chunks,
// parallel within a chunk, serialized across chunks.
func (p *Pipeline) HandleHistoryBatch(ctx context.Context, dl media.Downloader, batch protocol.HistoryBatch) {
	for _, chat := range batch.Chats {
		p.cache.ApplyChatName(chat)
		p.cache.SetUnread(chat.JID, chat.UnreadCount)
	}
	for _, sig := range batch.Contacts {
		p.cache.ApplyContact(sig)
	}

	for start := 0; start < len(batch.Messages); start += p.chunkSize {
		end := min(start+p.chunkSize, len(batch.Messages))
		p.ingestChunk(ctx, dl, batch.Messages[start:end])
	}

	if batch.IsFinal {
		if err := p.db.SetCheckpoint(p.sessionID, store.CheckpointHistoryComplete, "1"); err != nil {
			p.logger.Error("checkpoint write failed", zap.Error(err))
		}
		p.bus.Publish(bus.Event{
			Kind: "ingest.history_complete", Session: p.sessionID, Timestamp: time.Now(),
		})
		p.logger.Info("history sync complete")
	}
}

// ingestChunk prepares every message of one chunk concurrently (name
// resolution, media download), then writes the chunk as a single batch
// upsert and bumps per-party activity timestamps.
func (p *Pipeline) ingestChunk(ctx context.Context, dl media.Downloader, msgs []protocol.Message) {
	rows := make([]*store.Message, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	for i := range msgs {
		g.Go(func() error {
			rows[i] = p.prepare(gctx, dl, &msgs[i])
			return nil
		})
	}
	_ = g.Wait()

	batch := make([]*store.Message, 0, len(rows))
	for _, row := range rows {
		if row != nil {
			batch = append(batch, row)
		}
	}
	if len(batch) == 0 {
		return
	}

	if err := p.db.BatchUpsertMessages(batch); err != nil {
		// Idempotent writes make a dropped chunk safe to replay later.
		p.logger.Error("chunk write failed", zap.Int("messages", len(batch)), zap.Error(err))
		return
	}

	// Bulk delivery is not chronological; recompute the newest activity
	// per party touched by this chunk only after its writes landed.
	latest := make(map[string]int64)
	for _, row := range batch {
		if row.SentAt > latest[row.PartyJID] {
			latest[row.PartyJID] = row.SentAt
		}
	}
	for party, ts := range latest {
		p.cache.Touch(party, time.UnixMilli(ts))
	}

	p.bus.Publish(bus.Event{
		Kind: "ingest.chunk", Session: p.sessionID, Timestamp: time.Now(),
		Payload: len(batch),
	})
}

// HandleMessage ingests one realtime message through the same
// persistence path as bulk history.
func (p *Pipeline) HandleMessage(ctx context.Context, dl media.Downloader, msg protocol.Message) {
	row := p.prepare(ctx, dl, &msg)
	if row == nil {
		return
	}
	if err := p.db.UpsertMessage(row); err != nil {
		p.logger.Error("message write failed", zap.String("msg_id", row.MsgID), zap.Error(err))
		return
	}
	p.cache.Touch(row.PartyJID, time.UnixMilli(row.SentAt))
	p.bus.Publish(bus.Event{
		Kind: "ingest.message", Session: p.sessionID, Timestamp: time.Now(),
		Payload: row.MsgID,
	})
}

// HandleUpdate applies an edit to an already stored message. The upsert
// only refines; an update for an unseen id creates a skeleton row that a
// later replay fills in. The row carries no msg_type so editing the
// caption of a media message never rewrites its kind.
func (p *Pipeline) HandleUpdate(upd protocol.MessageUpdate) {
	if upd.MsgID == "" || upd.Body == "" {
		return
	}
	err := p.db.UpsertMessage(&store.Message{
		SessionID: p.sessionID,
		MsgID:     upd.MsgID,
		PartyJID:  protocol.StripDevice(upd.PartyJID),
		Body:      upd.Body,
		SentAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Error("message update failed", zap.String("msg_id", upd.MsgID), zap.Error(err))
	}
}

// RecordSent persists an outbound send through the same idempotent path
// as inbound traffic, so sent messages appear in history and count
// toward the rate ledger.
func (p *Pipeline) RecordSent(ctx context.Context, partyJID string, out protocol.Outbound, receipt protocol.SendReceipt) error {
	row := &store.Message{
		SessionID:   p.sessionID,
		MsgID:       receipt.ID,
		PartyJID:    protocol.StripDevice(partyJID),
		SenderLabel: contacts.SelfLabel,
		FromMe:      true,
		MsgType:     string(protocol.KindText),
		Body:        out.Text,
		SentAt:      receipt.Timestamp.UnixMilli(),
	}
	if out.Attachment != nil {
		row.MsgType = string(media.KindForFile(out.Attachment.Path))
		row.MediaPath = out.Attachment.Path
	}
	if err := p.db.UpsertMessage(row); err != nil {
		return err
	}
	p.cache.Touch(row.PartyJID, receipt.Timestamp)
	return nil
}

// prepare resolves one message into a store row: sender label through
// the contact cache, media through the acquisition fallback chain.
// Unsupported content yields no row.
func (p *Pipeline) prepare(ctx context.Context, dl media.Downloader, msg *protocol.Message) *store.Message {
	if msg.Kind == protocol.KindUnsupported {
		return nil
	}

	sender := msg.SenderJID
	if sender == "" {
		sender = msg.PartyJID
	}
	if msg.PushName != "" {
		p.cache.ApplyPushName(sender, msg.PushName)
	}
	label := p.cache.Resolve(sender)
	if msg.FromSelf {
		label = contacts.SelfLabel
	}

	var mediaPath string
	if msg.Kind.HasMedia() && dl != nil {
		path, err := p.media.Fetch(ctx, dl, p.sessionID, msg)
		if err != nil {
			p.logger.Warn("attachment unavailable, keeping message without media",
				zap.String("msg_id", msg.ID), zap.Error(err))
		}
		mediaPath = path
	}

	return &store.Message{
		SessionID:   p.sessionID,
		MsgID:       msg.ID,
		PartyJID:    protocol.StripDevice(msg.PartyJID),
		SenderJID:   protocol.StripDevice(sender),
		SenderLabel: label,
		FromMe:      msg.FromSelf,
		MsgType:     string(msg.Kind),
		Body:        msg.Body,
		MediaPath:   mediaPath,
		RawPayload:  msg.Raw,
		SentAt:      msg.SentAt.UnixMilli(),
	}
}
