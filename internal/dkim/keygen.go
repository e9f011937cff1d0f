package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultKeyBits is the RSA key size used by GenerateKey
const DefaultKeyBits = 2048

// KeyPair is a generated DKIM key with the DNS record that publishes it
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	Domain     string
	Selector   string
}

// GenerateKey creates an RSA key pair for domain and selector.
// bits below 1024 fall back to DefaultKeyBits.
func GenerateKey(domain, selector string, bits int) (*KeyPair, error) {
	if bits < 1024 {
		bits = DefaultKeyBits
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyPair{PrivateKey: privateKey, Domain: domain, Selector: selector}, nil
}

// SavePrivateKey writes the key as PKCS#1 PEM with owner-only permissions
func (kp *KeyPair) SavePrivateKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// DNSName returns the TXT record name, e.g. mail._domainkey.example.com
func (kp *KeyPair) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", kp.Selector, kp.Domain)
}

// DNSRecord returns the TXT record value publishing the public key
func (kp *KeyPair) DNSRecord() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&kp.PrivateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der), nil
}

// LoadPrivateKey reads an RSA key in PKCS#1 or PKCS#8 PEM form
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey decodes an RSA key from PEM data
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
