package email

import (
	"strings"
	"testing"
)

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{"simple", "user@example.com", "example.com"},
		{"with name", "User Name <user@example.com>", "example.com"},
		{"uppercase", "user@EXAMPLE.COM", "example.com"},
		{"invalid no at", "invalid", ""},
		{"invalid empty before at", "@example.com", ""},
		{"invalid empty after at", "user@", ""},
		{"empty", "", ""},
		{"subdomain", "user@mail.example.com", "mail.example.com"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractDomain(tc.email); got != tc.expected {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tc.email, got, tc.expected)
			}
		})
	}
}

func TestFormatAddress(t *testing.T) {
	if got := FormatAddress("Acme Team", "team@acme.test"); got != `"Acme Team" <team@acme.test>` {
		t.Errorf("unexpected address %s", got)
	}
	if got := FormatAddress("", "team@acme.test"); got != "<team@acme.test>" {
		t.Errorf("unexpected bare address %s", got)
	}
	if got := FormatAddress("Zoë\r\nBcc: x@y.z", "team@acme.test"); strings.ContainsAny(got, "\r\n") {
		t.Errorf("display name must not break the header: %q", got)
	}
	if got := FormatAddress("Zoë", "team@acme.test"); !strings.HasPrefix(got, "=?utf-8?") {
		t.Errorf("non-ascii name should be encoded: %s", got)
	}
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("news@acme.test")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@acme.test>") {
		t.Errorf("unexpected message id %s", id)
	}
	if NewMessageID("news@acme.test") == id {
		t.Error("message ids should be unique")
	}
	if !strings.HasSuffix(NewMessageID("bad"), "@localhost>") {
		t.Error("invalid sender should fall back to localhost")
	}
}
