package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/dkim"
	"github.com/foxzi/mailpace/internal/metrics"
)

// Security selects how the relay connection is encrypted
type Security string

const (
	SecurityStartTLS Security = "starttls"
	SecurityTLS      Security = "tls"
	SecurityNone     Security = "none"
)

// AuthMethod selects the SASL mechanism used against the relay
type AuthMethod string

const (
	AuthPlain AuthMethod = "plain"
	AuthLogin AuthMethod = "login"
	AuthNone  AuthMethod = "none"
)

// Options describes the submission relay every campaign run connects to
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security
	Auth     AuthMethod

	// Hostname announced in EHLO
	Hostname string
	Timeout  time.Duration

	InsecureSkipVerify bool
	Signer             *dkim.Signer
}

// Sender delivers rendered messages over one authenticated relay session
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Opener opens a relay session for a campaign run
type Opener interface {
	Open(ctx context.Context) (Sender, error)
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
	err       error
}

func (e *DeliveryError) Error() string {
	return e.Message
}

func (e *DeliveryError) Unwrap() error {
	return e.err
}

// Class maps the error onto the recipient error classification
func (e *DeliveryError) Class() campaign.ErrorClass {
	if e.Temporary {
		return campaign.ClassTransient
	}
	return campaign.ClassPermanent
}

// Dialer opens sessions against the configured relay
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

// NewDialer creates a dialer, applying defaults for unset options
func NewDialer(opts Options, logger *slog.Logger) *Dialer {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Security == "" {
		opts.Security = SecurityStartTLS
	}
	if opts.Auth == "" {
		opts.Auth = AuthPlain
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dialer{
		opts:   opts,
		logger: logger.With("component", "smtp", "relay", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))),
	}
}

// Open connects, negotiates TLS and authenticates.
// Any failure here is fatal for the run that asked for the session.
func (d *Dialer) Open(ctx context.Context) (Sender, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("relay session opened")
	return &Session{dialer: d, client: client, logger: d.logger}, nil
}

// Test opens a session and closes it again
func (d *Dialer) Test(ctx context.Context) error {
	s, err := d.Open(ctx)
	if err != nil {
		return err
	}
	return s.Close()
}

func (d *Dialer) addr() string {
	return net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))
}

func (d *Dialer) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         d.opts.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.opts.InsecureSkipVerify,
	}
}

func (d *Dialer) connect(ctx context.Context) (*smtp.Client, error) {
	netDialer := &net.Dialer{Timeout: d.opts.Timeout}

	var conn net.Conn
	var err error
	if d.opts.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: d.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", d.addr())
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", d.addr())
	}
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", d.addr(), err),
			err:       err,
		}
	}

	client, err := d.handshake(conn)
	if err != nil {
		return nil, err
	}

	if saslClient := d.saslClient(); saslClient != nil {
		if ok, _ := client.Extension("AUTH"); !ok {
			client.Close()
			return nil, &DeliveryError{Message: fmt.Sprintf("relay %s does not offer AUTH", d.addr())}
		}
		if err := client.Auth(saslClient); err != nil {
			client.Close()
			return nil, categorizeError(err, "AUTH")
		}
	}

	return client, nil
}

// handshake greets the relay and, for starttls, upgrades the connection.
// The configured hostname is announced on the session that carries AUTH.
func (d *Dialer) handshake(conn net.Conn) (*smtp.Client, error) {
	var client *smtp.Client
	if d.opts.Security == SecurityStartTLS {
		// NewClientStartTLS greets with the library's default timeouts,
		// so the whole upgrade is bounded by the dialer timeout instead
		hc := &handshakeConn{Conn: conn, limit: time.Now().Add(d.opts.Timeout)}
		c, err := smtp.NewClientStartTLS(hc, d.tlsConfig())
		if err != nil {
			conn.Close()
			if strings.Contains(err.Error(), "doesn't support STARTTLS") {
				return nil, &DeliveryError{Message: fmt.Sprintf("relay %s does not offer STARTTLS", d.addr()), err: err}
			}
			return nil, categorizeError(err, "STARTTLS")
		}
		client = c
		defer hc.release()
	} else {
		client = smtp.NewClient(conn)
	}

	client.CommandTimeout = d.opts.Timeout
	client.SubmissionTimeout = d.opts.Timeout

	// After STARTTLS the client must greet again, so Hello is still allowed
	if err := client.Hello(d.opts.Hostname); err != nil {
		client.Close()
		return nil, categorizeError(err, "EHLO")
	}
	return client, nil
}

// handshakeConn caps every deadline at limit until released
type handshakeConn struct {
	net.Conn
	limit time.Time
}

func (c *handshakeConn) clamp(t time.Time) time.Time {
	if c.limit.IsZero() {
		return t
	}
	if t.IsZero() || t.After(c.limit) {
		return c.limit
	}
	return t
}

func (c *handshakeConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.clamp(t))
}

func (c *handshakeConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.clamp(t))
}

func (c *handshakeConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.clamp(t))
}

func (c *handshakeConn) release() {
	c.limit = time.Time{}
	c.Conn.SetDeadline(time.Time{})
}

func (d *Dialer) saslClient() sasl.Client {
	if d.opts.Username == "" {
		return nil
	}
	switch d.opts.Auth {
	case AuthLogin:
		return sasl.NewLoginClient(d.opts.Username, d.opts.Password)
	case AuthNone:
		return nil
	default:
		return sasl.NewPlainClient("", d.opts.Username, d.opts.Password)
	}
}

// Session is one relay connection owned by a single campaign run
type Session struct {
	dialer *Dialer
	logger *slog.Logger

	mu     sync.Mutex
	client *smtp.Client
}

// Send delivers msg. A dropped connection is re-established and
// re-authenticated once before the failure is reported.
func (s *Session) Send(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msg.Build()
	if err != nil {
		return &DeliveryError{Message: fmt.Sprintf("failed to build message: %v", err), err: err}
	}

	if signer := s.dialer.opts.Signer; signer != nil && signer.Covers(msg.From) {
		signed, err := signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	err = s.deliver(msg.From, msg.To, data)
	if err != nil && isConnectionError(err) {
		s.logger.Warn("relay connection lost, reconnecting", "error", err)
		metrics.IncSMTPReconnects()

		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
		client, cerr := s.dialer.connect(ctx)
		if cerr != nil {
			return cerr
		}
		s.client = client
		err = s.deliver(msg.From, msg.To, data)
	}

	if err != nil {
		var de *DeliveryError
		if errors.As(err, &de) && !isConnectionError(err) && s.client != nil {
			// Abort the failed transaction so the next recipient starts clean
			s.client.Reset()
		}
		return err
	}

	s.logger.Debug("message accepted", "to", msg.To, "message_id", msg.MessageID)
	return nil
}

func (s *Session) deliver(from, to string, data []byte) error {
	if s.client == nil {
		return &DeliveryError{Temporary: true, Message: "session closed", err: net.ErrClosed}
	}

	if err := s.client.Mail(from, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := s.client.Rcpt(to, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := s.client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return categorizeError(err, "DATA write")
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}
	return nil
}

// Close quits the relay session
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client.Close()
	s.client = nil
	return err
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}

	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{
			Temporary: se.Code < 500,
			Code:      se.Code,
			Message:   msg,
			err:       err,
		}
	}

	if isConnectionError(err) {
		return &DeliveryError{Temporary: true, Message: msg, err: err}
	}

	// Extract SMTP code from error message
	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		code, _ := strconv.Atoi(matches[1])
		return &DeliveryError{
			Temporary: strings.HasPrefix(matches[1], "4"),
			Code:      code,
			Message:   msg,
			err:       err,
		}
	}

	// Assume temporary by default
	return &DeliveryError{Temporary: true, Message: msg, err: err}
}

// isConnectionError reports whether err means the session itself is gone
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		// 421: service not available, closing transmission channel
		return se.Code == 421
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify maps any send error onto an error class and SMTP code
func Classify(err error) (campaign.ErrorClass, int) {
	if err == nil {
		return campaign.ClassNone, 0
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class(), de.Code
	}
	return campaign.ClassTransient, 0
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}
