package protocol

import "testing"

func TestNormalizeRecipient(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"5511999000001", "5511999000001@s.whatsapp.net"},
		{" 5511999000001 ", "5511999000001@s.whatsapp.net"},
		{"5511999000001@s.whatsapp.net", "5511999000001@s.whatsapp.net"},
		{"12345@g.us", "12345@g.us"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRecipient(tc.in); got != tc.want {
			t.Errorf("NormalizeRecipient(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStripDevice(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"1234:17@s.whatsapp.net", "1234@s.whatsapp.net"},
		{"1234@s.whatsapp.net", "1234@s.whatsapp.net"},
		{"1234:0@s.whatsapp.net", "1234@s.whatsapp.net"},
		{"bare", "bare"},
		{"g@g.us", "g@g.us"},
	}
	for _, tc := range cases {
		if got := StripDevice(tc.in); got != tc.want {
			t.Errorf("StripDevice(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSameParty(t *testing.T) {
	if !SameParty("1234:17@s.whatsapp.net", "1234:3@s.whatsapp.net") {
		t.Error("same user on different devices must be the same party")
	}
	if SameParty("1234@s.whatsapp.net", "5678@s.whatsapp.net") {
		t.Error("different users must not be the same party")
	}
}

func TestIsGroupJID(t *testing.T) {
	if !IsGroupJID("123456@g.us") {
		t.Error("g.us jid should be a group")
	}
	if IsGroupJID("123456@s.whatsapp.net") {
		t.Error("user jid must not be a group")
	}
}

func TestDropReasonTerminal(t *testing.T) {
	if !DropLoggedOut.Terminal() {
		t.Error("logged_out must be terminal")
	}
	for _, r := range []DropReason{DropUnknown, DropNetwork, DropStream} {
		if r.Terminal() {
			t.Errorf("%s must be transient", r)
		}
	}
}

func TestKindHasMedia(t *testing.T) {
	media := []Kind{KindImage, KindVideo, KindDocument, KindAudio, KindVoice, KindSticker}
	for _, k := range media {
		if !k.HasMedia() {
			t.Errorf("%s should carry media", k)
		}
	}
	for _, k := range []Kind{KindText, KindContact, KindLocation, KindUnsupported} {
		if k.HasMedia() {
			t.Errorf("%s should not carry media", k)
		}
	}
}
