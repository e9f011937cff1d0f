package sink

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// session implements smtp.Session and smtp.AuthSession for go-smtp
type session struct {
	backend  *Backend
	conn     *smtp.Conn
	from     string
	to       []string
	authUser string
	logger   *slog.Logger
}

func newSession(b *Backend, c *smtp.Conn) *session {
	return &session{
		backend: b,
		conn:    c,
		logger:  b.logger.With("remote_addr", c.Conn().RemoteAddr().String()),
	}
}

// AuthMechanisms returns supported authentication mechanisms
func (s *session) AuthMechanisms() []string {
	if len(s.backend.config.Users) == 0 {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth handles authentication
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}

		expected, ok := s.backend.config.Users[username]
		if !ok || expected != password {
			s.logger.Warn("authentication failed", "username", username)
			return smtp.ErrAuthFailed
		}

		s.authUser = username
		return nil
	}), nil
}

// Mail handles MAIL FROM command
func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.config.AuthRequired && s.authUser == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	s.from = from
	return nil
}

// Rcpt handles RCPT TO command
func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err := s.backend.checkRecipient(to); err != nil {
		s.logger.Debug("recipient rejected by rule", "to", to, "error", err)
		return err
	}
	s.to = append(s.to, to)
	return nil
}

// Data handles DATA command
func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}

	msg := &Message{
		ID:         uuid.New().String(),
		From:       s.from,
		To:         s.to,
		Data:       data,
		AuthUser:   s.authUser,
		ClientIP:   s.conn.Conn().RemoteAddr().String(),
		CapturedAt: time.Now(),
	}

	if err := s.backend.capture(msg); err != nil {
		s.logger.Error("failed to store message", "error", err)
		return &smtp.SMTPError{
			Code:    451,
			Message: "Failed to store message",
		}
	}

	s.logger.Info("message captured",
		"id", msg.ID,
		"from", s.from,
		"to", s.to,
		"size", len(data),
	)
	return nil
}

// Reset resets the session state
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles session logout
func (s *session) Logout() error {
	return nil
}
