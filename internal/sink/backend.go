package sink

import (
	"context"
	"log/slog"
	"mime"
	"net/mail"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
)

// Rule rejects recipients matching Pattern with an SMTP error.
// Times limits how often the rule fires; zero means always.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Code    int    `yaml:"code"`
	Message string `yaml:"message"`
	Times   int    `yaml:"times"`
}

// Message is a message captured by the sink
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Data       []byte    `json:"data,omitempty"`
	AuthUser   string    `json:"auth_user,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// HasRecipient reports whether addr is among the envelope recipients
func (m *Message) HasRecipient(addr string) bool {
	for _, to := range m.To {
		if strings.EqualFold(to, addr) {
			return true
		}
	}
	return false
}

// Backend implements smtp.Backend for go-smtp
type Backend struct {
	config  *Config
	storage *Storage
	logger  *slog.Logger

	mu       sync.Mutex
	messages []*Message
	fired    map[int]int
	attempts map[string]int
}

// NewBackend creates a capturing backend; storage may be nil
func NewBackend(cfg *Config, storage *Storage, logger *slog.Logger) *Backend {
	return &Backend{
		config:   cfg,
		storage:  storage,
		logger:   logger,
		fired:    make(map[int]int),
		attempts: make(map[string]int),
	}
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return newSession(b, c), nil
}

// checkRecipient applies reject rules to one RCPT TO
func (b *Backend) checkRecipient(rcpt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr := strings.ToLower(rcpt)
	b.attempts[addr]++

	for i, rule := range b.config.Rules {
		ok, err := path.Match(strings.ToLower(rule.Pattern), addr)
		if err != nil || !ok {
			continue
		}
		if rule.Times > 0 && b.fired[i] >= rule.Times {
			continue
		}
		b.fired[i]++

		code := rule.Code
		if code == 0 {
			code = 550
		}
		message := rule.Message
		if message == "" {
			message = "Recipient rejected"
		}
		return &smtp.SMTPError{
			Code:         code,
			EnhancedCode: smtp.EnhancedCode{code / 100, 0, 0},
			Message:      message,
		}
	}
	return nil
}

// capture records a message in memory and in storage
func (b *Backend) capture(msg *Message) error {
	msg.Subject = extractSubject(msg.Data)

	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()

	if b.storage != nil {
		return b.storage.Save(context.Background(), msg)
	}
	return nil
}

// Messages returns messages captured since start, oldest first
func (b *Backend) Messages() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Attempts returns how many RCPT TO commands addressed rcpt
func (b *Backend) Attempts(rcpt string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[strings.ToLower(rcpt)]
}

func extractSubject(data []byte) string {
	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		return ""
	}
	subject := msg.Header.Get("Subject")
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(subject); err == nil {
		return decoded
	}
	return subject
}
