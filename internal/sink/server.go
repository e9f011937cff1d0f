// Package sink is a capturing SMTP relay. It accepts submissions like a
// provider relay would, stores them instead of delivering, and can reject
// recipients by rule to rehearse a campaign against failures.
package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
)

// Config contains sink server settings
type Config struct {
	ListenAddr      string            `yaml:"listen_addr"`
	Domain          string            `yaml:"domain"`
	Users           map[string]string `yaml:"users"`
	AuthRequired    bool              `yaml:"auth_required"`
	MaxMessageBytes int64             `yaml:"max_message_bytes"`
	ReadTimeout     time.Duration     `yaml:"read_timeout"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	Rules           []Rule            `yaml:"rules"`

	// STARTTLS is offered when a certificate is configured
	CertFile  string      `yaml:"cert_file"`
	KeyFile   string      `yaml:"key_file"`
	TLSConfig *tls.Config `yaml:"-"`
}

// Server wraps the go-smtp server with connection tracking
type Server struct {
	server   *smtp.Server
	backend  *Backend
	config   *Config
	logger   *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a sink server; storage may be nil for memory-only capture
func NewServer(cfg *Config, storage *Storage, logger *slog.Logger) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 25 * 1024 * 1024
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sink")

	backend := NewBackend(cfg, storage, logger)

	srv := smtp.NewServer(backend)
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.AllowInsecureAuth = true

	return &Server{
		server:  srv,
		backend: backend,
		config:  cfg,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listen address without serving yet
func (s *Server) Listen() error {
	if err := s.setupTLS(); err != nil {
		return err
	}

	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = &trackingListener{Listener: l, server: s}
	return nil
}

func (s *Server) setupTLS() error {
	if s.config.TLSConfig != nil {
		s.server.TLSConfig = s.config.TLSConfig
		return nil
	}
	if s.config.CertFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load sink certificate: %w", err)
	}
	s.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return nil
}

// Addr returns the bound address; valid after Listen
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Serve accepts connections until the server is closed
func (s *Server) Serve() error {
	s.logger.Info("starting sink SMTP server", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// ListenAndServe binds and serves
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down sink SMTP server")
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}

// Messages returns every message captured by this server
func (s *Server) Messages() []*Message {
	return s.backend.Messages()
}

// Attempts returns how many times rcpt was addressed
func (s *Server) Attempts(rcpt string) int {
	return s.backend.Attempts(rcpt)
}

// DropConnections closes every open client connection, as a relay does
// when it times out an idle session
func (s *Server) DropConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.conns)
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
	return n
}

type trackingListener struct {
	net.Listener
	server *Server
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.server.mu.Lock()
	l.server.conns[c] = struct{}{}
	l.server.mu.Unlock()

	return &trackedConn{Conn: c, server: l.server}, nil
}

type trackedConn struct {
	net.Conn
	server *Server
	once   sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.server.mu.Lock()
		delete(c.server.conns, c.Conn)
		c.server.mu.Unlock()
	})
	return c.Conn.Close()
}
