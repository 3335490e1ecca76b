package contacts

import (
	"github.com/tidehub/wagate/internal/protocol"
)

// Tier orders name signals by authority; lower wins. A signal only takes
// effect when its tier is at least as strong as what is already on
// record, so a bare push name never clobbers an explicit contact name.
type Tier int

const (
	TierSelf     Tier = 1
	TierContact  Tier = 2
	TierGroup    Tier = 3
	TierPush     Tier = 4
	TierFallback Tier = 5
)

// SelfLabel is the fixed display name for the session owner's own
// identity. It overrides every other signal for the self party.
const SelfLabel = "Me"

// SetSelf records the session's own identity and forces its entry to the
// self label.
func (c *Cache) SetSelf(jid string) {
	jid = protocol.StripDevice(jid)

	c.mu.Lock()
	c.selfJID = jid
	e := c.ensure(jid)
	e.name = SelfLabel
	e.tier = TierSelf
	snapshot := *e
	c.mu.Unlock()

	c.enqueue(jid, &snapshot)
}

// apply runs one name signal through the precedence policy. Returns the
// authoritative name after the signal and whether anything changed.
func (c *Cache) apply(jid, name string, tier Tier) (string, bool) {
	jid = protocol.StripDevice(jid)

	c.mu.Lock()
	if c.selfJID != "" && jid == c.selfJID {
		name, tier = SelfLabel, TierSelf
	}
	e := c.ensure(jid)
	if tier == TierPush && name != "" {
		e.pushName = name
	}
	changed := name != "" && tier <= e.tier && (e.name != name || e.tier != tier)
	if changed {
		e.name = name
		e.tier = tier
	}
	resolved := e.name
	if resolved == "" {
		resolved = jid
	}
	snapshot := *e
	c.mu.Unlock()

	if changed {
		c.enqueue(jid, &snapshot)
	}
	return resolved, changed
}

// ApplyContact applies a contact-sync or contact-update signal.
func (c *Cache) ApplyContact(sig protocol.ContactSignal) (string, bool) {
	tier := TierContact
	if sig.Push {
		tier = TierPush
	}
	return c.apply(sig.JID, sig.Name, tier)
}

// ApplyGroupSubject applies a group-metadata subject for a group party.
func (c *Cache) ApplyGroupSubject(jid, subject string) (string, bool) {
	return c.apply(jid, subject, TierGroup)
}

// ApplyPushName applies the push name carried on an inbound message.
// It only fills gaps; tier-1/2/3 names on record are untouched.
func (c *Cache) ApplyPushName(jid, pushName string) (string, bool) {
	return c.apply(jid, pushName, TierPush)
}

// ApplyChatName seeds a name from chat-level metadata in a history
// batch: a subject for groups, an explicit name otherwise.
func (c *Cache) ApplyChatName(info protocol.ChatInfo) (string, bool) {
	if info.IsGroup || protocol.IsGroupJID(info.JID) {
		return c.ApplyGroupSubject(info.JID, info.Name)
	}
	return c.apply(info.JID, info.Name, TierContact)
}

// Resolve returns the authoritative display name for a party, falling
// back to the raw identifier when no signal has named it.
func (c *Cache) Resolve(jid string) string {
	jid = protocol.StripDevice(jid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selfJID != "" && jid == c.selfJID {
		return SelfLabel
	}
	if e, ok := c.entries[jid]; ok && e.name != "" {
		return e.name
	}
	return jid
}
