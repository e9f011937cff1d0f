package dkim

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateKeyDefaultBits(t *testing.T) {
	kp, err := GenerateKey("acme.test", "mail", 0)
	if err != nil {
		t.Fatal(err)
	}
	if kp.PrivateKey.N.BitLen() != DefaultKeyBits {
		t.Errorf("expected %d bits, got %d", DefaultKeyBits, kp.PrivateKey.N.BitLen())
	}
}

func TestDNSNameAndRecord(t *testing.T) {
	kp, err := GenerateKey("acme.test", "news", 1024)
	if err != nil {
		t.Fatal(err)
	}

	if got := kp.DNSName(); got != "news._domainkey.acme.test" {
		t.Errorf("unexpected DNS name %s", got)
	}

	record, err := kp.DNSRecord()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("unexpected record %s", record)
	}
}

func TestSaveAndLoadPrivateKey(t *testing.T) {
	kp, err := GenerateKey("acme.test", "mail", 1024)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "nested", "mail.key")
	if err := kp.SavePrivateKey(path); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if !loaded.Equal(kp.PrivateKey) {
		t.Error("loaded key differs from saved key")
	}
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	kp, err := GenerateKey("acme.test", "mail", 1024)
	if err != nil {
		t.Fatal(err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}

	key, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if !key.Equal(kp.PrivateKey) {
		t.Error("parsed key differs")
	}
}

func TestParsePrivateKeyErrors(t *testing.T) {
	if _, err := ParsePrivateKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM data")
	}

	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1}})
	if _, err := ParsePrivateKey(block); err == nil {
		t.Error("expected error for unsupported key type")
	}
}
