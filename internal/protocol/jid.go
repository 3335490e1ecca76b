package protocol

import "strings"

// JID server suffixes used by the wire protocol.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
)

// NormalizeRecipient turns a bare identifier into a one-to-one chat
// address. Identifiers that already carry a domain pass through.
func NormalizeRecipient(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	return id + "@" + DefaultUserServer
}

// StripDevice removes the device suffix from a JID's user part, so
// "1234:17@s.whatsapp.net" and "1234@s.whatsapp.net" compare equal.
func StripDevice(jid string) string {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return jid
	}
	user := jid[:at]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user + jid[at:]
}

// SameParty reports whether two JIDs address the same party once device
// suffixes are normalized away.
func SameParty(a, b string) bool {
	return StripDevice(a) == StripDevice(b)
}

// IsGroupJID reports whether the JID addresses a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}
