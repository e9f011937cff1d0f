package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are the campaign message headers covered by the signature
var signedHeaders = []string{
	"From", "To", "Reply-To", "Subject", "Date", "Message-ID",
	"MIME-Version", "Content-Type", "List-Unsubscribe",
}

// Config contains DKIM settings for the sending domain
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// Signer signs outgoing campaign messages for one domain
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a signer for domain using selector
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     strings.ToLower(domain),
		selector:   selector,
	}
}

// FromConfig builds a signer from configuration.
// Returns nil without error when signing is disabled.
func FromConfig(cfg Config) (*Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	key, err := LoadPrivateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewSigner(key, cfg.Domain, cfg.Selector), nil
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             presentHeaders(message),
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}

// Covers reports whether the signer's domain aligns with a sender address
func (s *Signer) Covers(sender string) bool {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(sender[at+1:])
	return domain == s.domain || strings.HasSuffix(domain, "."+s.domain)
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DNS selector
func (s *Signer) Selector() string {
	return s.selector
}

// presentHeaders picks the signedHeaders found in the message header block.
// From is always included because DKIM requires it.
func presentHeaders(message []byte) []string {
	end := bytes.Index(message, []byte("\r\n\r\n"))
	if end < 0 {
		end = bytes.Index(message, []byte("\n\n"))
	}
	if end < 0 {
		end = len(message)
	}
	header := strings.ToLower(string(message[:end]))

	keys := []string{"From"}
	for _, h := range signedHeaders[1:] {
		prefix := strings.ToLower(h) + ":"
		if strings.HasPrefix(header, prefix) || strings.Contains(header, "\n"+prefix) {
			keys = append(keys, h)
		}
	}
	return keys
}
