// Package email holds address helpers shared by the transport and the quota.
package email

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// ExtractDomain returns the lower-cased domain of an address, or "" when
// the address has no usable domain part
func ExtractDomain(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// FormatAddress renders a display name and address for a header,
// RFC 2047 encoding the name when needed
func FormatAddress(name, address string) string {
	return (&mail.Address{Name: sanitizeHeader(name), Address: address}).String()
}

// NewMessageID returns a unique Message-ID in the sender's domain
func NewMessageID(sender string) string {
	domain := ExtractDomain(sender)
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.New().String() + "@" + domain + ">"
}

func sanitizeHeader(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
