package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: Acme <news@acme.test>\r\n" +
	"To: ann@example.com\r\n" +
	"Subject: Spring news\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"Message-ID: <1@acme.test>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello Ann.\r\n"

func newTestKey(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKey("acme.test", "mail", 1024)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestSignVerifies(t *testing.T) {
	kp := newTestKey(t)
	signer := NewSigner(kp.PrivateKey, "ACME.test", "mail")

	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatal("signature header should be prepended")
	}

	record, err := kp.DNSRecord()
	if err != nil {
		t.Fatal(err)
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				t.Errorf("unexpected lookup %s", domain)
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(verifications) != 1 {
		t.Fatalf("expected 1 verification, got %d", len(verifications))
	}
	if verifications[0].Err != nil {
		t.Errorf("signature invalid: %v", verifications[0].Err)
	}
	if verifications[0].Domain != "acme.test" {
		t.Errorf("unexpected domain %s", verifications[0].Domain)
	}
}

func TestPresentHeaders(t *testing.T) {
	keys := presentHeaders([]byte(testMessage))
	joined := strings.Join(keys, ",")

	for _, want := range []string{"From", "To", "Subject", "Message-ID", "Content-Type"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %s in %s", want, joined)
		}
	}
	if strings.Contains(joined, "Reply-To") || strings.Contains(joined, "List-Unsubscribe") {
		t.Errorf("absent headers should not be signed: %s", joined)
	}
}

func TestCovers(t *testing.T) {
	signer := NewSigner(newTestKey(t).PrivateKey, "acme.test", "mail")

	tests := []struct {
		sender string
		want   bool
	}{
		{"news@acme.test", true},
		{"news@ACME.TEST", true},
		{"news@mail.acme.test", true},
		{"news@notacme.test", false},
		{"news@other.test", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		if got := signer.Covers(tt.sender); got != tt.want {
			t.Errorf("Covers(%q) = %v, want %v", tt.sender, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	signer, err := FromConfig(Config{Enabled: false})
	if err != nil || signer != nil {
		t.Fatalf("disabled config should yield nil signer, got %v %v", signer, err)
	}

	kp := newTestKey(t)
	path := filepath.Join(t.TempDir(), "keys", "mail.key")
	if err := kp.SavePrivateKey(path); err != nil {
		t.Fatal(err)
	}

	signer, err = FromConfig(Config{Enabled: true, Domain: "acme.test", Selector: "mail", KeyFile: path})
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if signer.Domain() != "acme.test" || signer.Selector() != "mail" {
		t.Errorf("unexpected signer %s/%s", signer.Domain(), signer.Selector())
	}

	if _, err := FromConfig(Config{Enabled: true, KeyFile: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing key file should fail")
	}
}
