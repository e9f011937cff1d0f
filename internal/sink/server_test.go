package sink

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg *Config) *Server {
	t.Helper()

	srv := NewServer(cfg, nil, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

// submit performs one SMTP transaction against addr
func submit(addr string, auth sasl.Client, from, to string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello("test.local"); err != nil {
		return err
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(wc, rawMessage); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

const rawMessage = "From: news@acme.test\r\nTo: ann@example.com\r\nSubject: =?utf-8?q?Caf=C3=A9?=\r\n\r\nHello\r\n"

func TestCaptureMessage(t *testing.T) {
	srv := startServer(t, &Config{})

	err := submit(srv.Addr().String(), nil, "news@acme.test", "ann@example.com")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].From != "news@acme.test" || !msgs[0].HasRecipient("ANN@example.com") {
		t.Errorf("unexpected envelope %s -> %v", msgs[0].From, msgs[0].To)
	}
	if msgs[0].Subject != "Café" {
		t.Errorf("subject should be decoded, got %q", msgs[0].Subject)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := startServer(t, &Config{
		Users:        map[string]string{"relay": "secret"},
		AuthRequired: true,
	})
	addr := srv.Addr().String()

	err := submit(addr, nil, "news@acme.test", "ann@example.com")
	var se *smtp.SMTPError
	if !errors.As(err, &se) || se.Code != 530 {
		t.Fatalf("expected 530 without auth, got %v", err)
	}

	err = submit(addr, sasl.NewPlainClient("", "relay", "wrong"), "news@acme.test", "ann@example.com")
	if !errors.As(err, &se) || se.Code != 535 {
		t.Fatalf("expected 535 for bad password, got %v", err)
	}

	err = submit(addr, sasl.NewPlainClient("", "relay", "secret"), "news@acme.test", "ann@example.com")
	if err != nil {
		t.Fatalf("authenticated send failed: %v", err)
	}
	if msgs := srv.Messages(); len(msgs) != 1 || msgs[0].AuthUser != "relay" {
		t.Errorf("expected one message from relay user, got %+v", msgs)
	}
}

func TestRejectRules(t *testing.T) {
	srv := startServer(t, &Config{
		Rules: []Rule{
			{Pattern: "bounce@*", Code: 550, Message: "No such user"},
			{Pattern: "*@slow.test", Code: 451, Times: 2},
		},
	})
	addr := srv.Addr().String()

	send := func(to string) error {
		return submit(addr, nil, "news@acme.test", to)
	}

	var se *smtp.SMTPError
	if err := send("bounce@example.com"); !errors.As(err, &se) || se.Code != 550 {
		t.Errorf("expected 550, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := send("ann@slow.test"); !errors.As(err, &se) || se.Code != 451 {
			t.Errorf("attempt %d: expected 451, got %v", i+1, err)
		}
	}
	if err := send("ann@slow.test"); err != nil {
		t.Errorf("rule should stop firing after 2 times: %v", err)
	}

	if got := srv.Attempts("ann@slow.test"); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if len(srv.Messages()) != 1 {
		t.Errorf("expected 1 captured message, got %d", len(srv.Messages()))
	}
}
