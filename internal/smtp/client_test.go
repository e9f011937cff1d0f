package smtp

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/dkim"
	"github.com/foxzi/mailpace/internal/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSink(t *testing.T, cfg *sink.Config) *sink.Server {
	t.Helper()

	srv := sink.NewServer(cfg, nil, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("sink listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialerFor(srv *sink.Server, user, pass string) *Dialer {
	return NewDialer(Options{
		Host:     "127.0.0.1",
		Port:     srv.Addr().Port,
		Username: user,
		Password: pass,
		Security: SecurityNone,
		Hostname: "mailpace.test",
		Timeout:  5 * time.Second,
	}, testLogger())
}

func testMessage(to string) *Message {
	return &Message{
		FromName: "Acme Team",
		From:     "news@acme.test",
		To:       to,
		Subject:  "Spring news",
		Text:     "Hello",
	}
}

func TestSendDelivers(t *testing.T) {
	srv := startSink(t, &sink.Config{Users: map[string]string{"relay": "secret"}, AuthRequired: true})
	ctx := context.Background()

	s, err := dialerFor(srv, "relay", "secret").Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for _, to := range []string{"ann@example.com", "bob@example.com"} {
		if err := s.Send(ctx, testMessage(to)); err != nil {
			t.Fatalf("Send to %s failed: %v", to, err)
		}
	}

	msgs := srv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[1].HasRecipient("bob@example.com") || msgs[1].Subject != "Spring news" {
		t.Errorf("unexpected second message %+v", msgs[1])
	}
	if msgs[0].AuthUser != "relay" {
		t.Errorf("session should be authenticated, got %q", msgs[0].AuthUser)
	}
}

func TestOpenAuthFailureIsPermanent(t *testing.T) {
	srv := startSink(t, &sink.Config{Users: map[string]string{"relay": "secret"}, AuthRequired: true})

	_, err := dialerFor(srv, "relay", "wrong").Open(context.Background())
	if err == nil {
		t.Fatal("expected auth failure")
	}

	class, code := Classify(err)
	if class != campaign.ClassPermanent || code != 535 {
		t.Errorf("expected permanent 535, got %s %d", class, code)
	}
}

func TestOpenConnectionRefusedIsTransient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	d := NewDialer(Options{Host: "127.0.0.1", Port: port, Security: SecurityNone, Timeout: time.Second}, testLogger())
	_, err = d.Open(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !IsTemporaryError(err) {
		t.Errorf("connection refused should be temporary: %v", err)
	}
}

func TestOpenRequiresStartTLS(t *testing.T) {
	srv := startSink(t, &sink.Config{})

	d := NewDialer(Options{Host: "127.0.0.1", Port: srv.Addr().Port, Timeout: time.Second}, testLogger())
	_, err := d.Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "STARTTLS") {
		t.Fatalf("expected STARTTLS error, got %v", err)
	}
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestOpenStartTLS(t *testing.T) {
	srv := startSink(t, &sink.Config{
		Users:        map[string]string{"relay": "secret"},
		AuthRequired: true,
		TLSConfig:    selfSignedTLS(t),
	})

	d := NewDialer(Options{
		Host:               "127.0.0.1",
		Port:               srv.Addr().Port,
		Username:           "relay",
		Password:           "secret",
		Security:           SecurityStartTLS,
		Hostname:           "mailpace.test",
		Timeout:            5 * time.Second,
		InsecureSkipVerify: true,
	}, testLogger())

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	session := s.(*Session)
	if _, ok := session.client.TLSConnectionState(); !ok {
		t.Fatal("session should run over TLS after STARTTLS")
	}

	if err := s.Send(ctx, testMessage("ann@example.com")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msgs := srv.Messages()
	if len(msgs) != 1 || msgs[0].AuthUser != "relay" {
		t.Fatalf("expected one authenticated message, got %+v", msgs)
	}
}

func TestPermanentRejectionKeepsSession(t *testing.T) {
	srv := startSink(t, &sink.Config{
		Rules: []sink.Rule{{Pattern: "bounce@*", Code: 550, Message: "No such user"}},
	})
	ctx := context.Background()

	s, err := dialerFor(srv, "", "").Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Send(ctx, testMessage("bounce@example.com"))
	class, code := Classify(err)
	if class != campaign.ClassPermanent || code != 550 {
		t.Fatalf("expected permanent 550, got %s %d (%v)", class, code, err)
	}

	if err := s.Send(ctx, testMessage("ann@example.com")); err != nil {
		t.Fatalf("session should remain usable after a rejection: %v", err)
	}
	if len(srv.Messages()) != 1 {
		t.Errorf("expected 1 captured message, got %d", len(srv.Messages()))
	}
}

func TestTransientRejection(t *testing.T) {
	srv := startSink(t, &sink.Config{
		Rules: []sink.Rule{{Pattern: "ann@*", Code: 451, Message: "Try later", Times: 1}},
	})
	ctx := context.Background()

	s, err := dialerFor(srv, "", "").Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Send(ctx, testMessage("ann@example.com"))
	if class, code := Classify(err); class != campaign.ClassTransient || code != 451 {
		t.Fatalf("expected transient 451, got %s %d", class, code)
	}
	if err := s.Send(ctx, testMessage("ann@example.com")); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestReconnectAfterDroppedConnection(t *testing.T) {
	srv := startSink(t, &sink.Config{Users: map[string]string{"relay": "secret"}, AuthRequired: true})
	ctx := context.Background()

	s, err := dialerFor(srv, "relay", "secret").Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Send(ctx, testMessage("ann@example.com")); err != nil {
		t.Fatal(err)
	}

	if n := srv.DropConnections(); n != 1 {
		t.Fatalf("expected 1 open connection, got %d", n)
	}

	if err := s.Send(ctx, testMessage("bob@example.com")); err != nil {
		t.Fatalf("send after drop should reconnect: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 2 || msgs[1].AuthUser != "relay" {
		t.Errorf("expected re-authenticated delivery, got %+v", msgs)
	}
}

func TestSendSignsWithDKIM(t *testing.T) {
	srv := startSink(t, &sink.Config{})

	kp, err := dkim.GenerateKey("acme.test", "mail", 1024)
	if err != nil {
		t.Fatal(err)
	}

	d := dialerFor(srv, "", "")
	d.opts.Signer = dkim.NewSigner(kp.PrivateKey, "acme.test", "mail")

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Send(ctx, testMessage("ann@example.com")); err != nil {
		t.Fatal(err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 || !bytes.HasPrefix(msgs[0].Data, []byte("DKIM-Signature:")) {
		t.Error("message should be DKIM signed")
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
		code      int
	}{
		{"smtp 4xx", &smtp.SMTPError{Code: 452, Message: "mailbox full"}, true, 452},
		{"smtp 5xx", &smtp.SMTPError{Code: 550, Message: "no such user"}, false, 550},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "closing"}, true, 421},
		{"eof", io.EOF, true, 0},
		{"wrapped reset", fmt.Errorf("write: %w", net.ErrClosed), true, 0},
		{"code in text", errors.New("server said 554 rejected"), false, 554},
		{"temp code in text", errors.New("451 greylisted"), true, 451},
		{"unknown", errors.New("something odd"), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "RCPT TO")
			if de.Temporary != tt.temporary {
				t.Errorf("Temporary = %v, want %v", de.Temporary, tt.temporary)
			}
			if de.Code != tt.code {
				t.Errorf("Code = %d, want %d", de.Code, tt.code)
			}
			if !strings.HasPrefix(de.Error(), "RCPT TO failed") {
				t.Errorf("message should name the stage: %s", de.Error())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if class, _ := Classify(nil); class != campaign.ClassNone {
		t.Errorf("nil error should have no class, got %s", class)
	}
	if class, _ := Classify(errors.New("boom")); class != campaign.ClassTransient {
		t.Errorf("unknown errors are transient, got %s", class)
	}
	if class, _ := Classify(&DeliveryError{Temporary: false}); class != campaign.ClassPermanent {
		t.Errorf("expected permanent, got %s", class)
	}
}

func TestDryRun(t *testing.T) {
	d := NewDryRun(testLogger())
	s, err := d.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), testMessage("ann@example.com")); err != nil {
		t.Fatal(err)
	}
	if d.Sent() != 1 {
		t.Errorf("expected 1 sent, got %d", d.Sent())
	}
}
