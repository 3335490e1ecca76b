// Package contacts owns per-session contact identity: a fast in-memory
// cache consulted synchronously on every signal, mirrored asynchronously
// into the durable store. Within a process lifetime the cache is the
// source of truth for read-after-write.
package contacts

import (
	"sync"
	"time"

	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/store"
	"go.uber.org/zap"
)

type entry struct {
	name      string
	tier      Tier
	pushName  string
	isGroup   bool
	unread    int
	updatedAt int64
}

// Cache is one session's contact map. All mutation funnels through
// apply, which enforces the precedence policy before anything is
// flushed to the store.
type Cache struct {
	sessionID string
	db        *store.DB
	logger    *zap.Logger

	mu      sync.Mutex
	selfJID string
	entries map[string]*entry

	flushMu sync.Mutex
	stopped bool
	flush   chan store.Contact
	done    chan struct{}
}

// NewCache creates an empty cache for a session.
func NewCache(sessionID string, db *store.DB, logger *zap.Logger) *Cache {
	return &Cache{
		sessionID: sessionID,
		db:        db,
		logger:    logger,
		entries:   make(map[string]*entry),
		flush:     make(chan store.Contact, 1024),
		done:      make(chan struct{}),
	}
}

// Start launches the store flush worker.
func (c *Cache) Start() {
	go c.flushLoop()
}

// Stop closes the flush channel and waits for pending writes to land.
// Idempotent, and safe against late signals: background reconciliation
// may still apply names during shutdown, so enqueue checks the stopped
// flag under the same mutex that orders the close.
func (c *Cache) Stop() {
	c.flushMu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.flush)
	}
	c.flushMu.Unlock()
	<-c.done
}

func (c *Cache) flushLoop() {
	defer close(c.done)
	for contact := range c.flush {
		if err := c.db.UpsertContact(&contact); err != nil {
			c.logger.Error("contact flush failed",
				zap.String("jid", contact.JID), zap.Error(err))
		}
	}
}

// WarmLoad seeds the cache from the durable store, restoring the
// precedence tier each name was resolved at.
func (c *Cache) WarmLoad() error {
	rows, err := c.db.ListContacts(c.sessionID, 100000, 0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		c.entries[row.JID] = &entry{
			name:      row.DisplayName,
			tier:      Tier(row.NameTier),
			pushName:  row.PushName,
			isGroup:   row.IsGroup,
			unread:    row.UnreadCount,
			updatedAt: row.UpdatedAt,
		}
	}
	return nil
}

func (c *Cache) enqueue(jid string, e *entry) {
	contact := store.Contact{
		SessionID:   c.sessionID,
		JID:         jid,
		DisplayName: e.name,
		PushName:    e.pushName,
		IsGroup:     e.isGroup,
		NameTier:    int(e.tier),
		UnreadCount: e.unread,
		UpdatedAt:   e.updatedAt,
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.flush <- contact:
	default:
		c.logger.Warn("contact flush queue full, dropping update",
			zap.String("jid", jid))
	}
}

func (c *Cache) ensure(jid string) *entry {
	e, ok := c.entries[jid]
	if !ok {
		e = &entry{tier: TierFallback, isGroup: protocol.IsGroupJID(jid)}
		c.entries[jid] = e
	}
	return e
}

// Touch bumps a party's activity timestamp. updatedAt is monotonically
// non-decreasing per party; stale bumps are ignored.
func (c *Cache) Touch(jid string, at time.Time) {
	jid = protocol.StripDevice(jid)
	ts := at.UnixMilli()

	c.mu.Lock()
	e := c.ensure(jid)
	if ts <= e.updatedAt {
		c.mu.Unlock()
		return
	}
	e.updatedAt = ts
	snapshot := *e
	c.mu.Unlock()

	c.enqueue(jid, &snapshot)
}

// SetUnread refreshes a party's unread count from chat metadata.
func (c *Cache) SetUnread(jid string, unread int) {
	if unread <= 0 {
		return
	}
	jid = protocol.StripDevice(jid)
	c.mu.Lock()
	e := c.ensure(jid)
	e.unread = unread
	snapshot := *e
	c.mu.Unlock()
	c.enqueue(jid, &snapshot)
}
