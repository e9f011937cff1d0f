package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/dkim"
	"github.com/foxzi/mailpace/internal/ratelimit"
	"github.com/foxzi/mailpace/internal/sink"
)

// Config is the main configuration structure
type Config struct {
	SMTP      SMTPConfig      `yaml:"smtp"`
	Sender    SenderConfig    `yaml:"sender"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Engine    EngineConfig    `yaml:"engine"`
	Quota     QuotaConfig     `yaml:"quota"`
	DKIM      dkim.Config     `yaml:"dkim"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Events    EventsConfig    `yaml:"events"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sink      sink.Config     `yaml:"sink"`
}

// SMTPConfig describes the submission relay
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Security           string        `yaml:"security"` // starttls, tls, none
	Auth               string        `yaml:"auth"`     // plain, login, none
	Hostname           string        `yaml:"hostname"` // announced in EHLO
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	DryRun             bool          `yaml:"dry_run"` // log messages instead of sending
}

// SenderConfig contains identity defaults applied to new campaigns
type SenderConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // Default: smtp.username
	ReplyTo string `yaml:"reply_to"`
}

// DefaultsConfig contains send settings for campaigns that leave them unset
type DefaultsConfig struct {
	RatePerMinute int           `yaml:"rate_per_minute"`
	BatchSize     int           `yaml:"batch_size"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	MaxRetries    *int          `yaml:"max_retries"` // nil means campaign.DefaultMaxRetries
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// EngineConfig contains send engine settings
type EngineConfig struct {
	ResumeOnStart bool          `yaml:"resume_on_start"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
}

// QuotaConfig contains provider quota settings shared by all campaigns
type QuotaConfig struct {
	Enabled bool `yaml:"enabled"`

	ratelimit.QuotaConfig `yaml:",inline"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Driver string `yaml:"driver"` // bolt, sqlite, postgres
	Path   string `yaml:"path"`   // bolt file, sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string

	// StatePath holds quota counters and metric snapshots when the
	// campaign store is SQL. Default: <dir of path>/state.db
	StatePath string `yaml:"state_path"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, preferred over api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Default: 32MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 30s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: 127.0.0.1:9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to scrape
}

// EventsConfig selects where progress events go
type EventsConfig struct {
	Log  bool       `yaml:"log"`
	AMQP AMQPConfig `yaml:"amqp"`
}

// AMQPConfig contains the progress event exchange
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"` // Default: mailpace.events
}

// RetentionConfig contains cleanup of finished campaigns
type RetentionConfig struct {
	CampaignMaxAge time.Duration `yaml:"campaign_max_age"` // 0 keeps campaigns forever
	Schedule       string        `yaml:"schedule"`         // cron spec, default: @hourly
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level             string `yaml:"level"`  // debug, info, warn, error
	Format            string `yaml:"format"` // json, text
	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`
}

// Load loads configuration from a YAML file. A .env file in the working
// directory is read first; environment variables override the file.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides relay and sender settings from the environment
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not a number", key, v)
		}
		*dst = n
		return nil
	}

	str("SMTP_HOST", &c.SMTP.Host)
	str("SMTP_USER", &c.SMTP.Username)
	str("SMTP_PASS", &c.SMTP.Password)
	str("SENDER_NAME", &c.Sender.Name)
	str("REPLY_TO", &c.Sender.ReplyTo)
	str("MAILPACE_API_KEY", &c.API.APIKey)
	str("MAILPACE_DATABASE_DSN", &c.Storage.DSN)
	str("SENTRY_DSN", &c.Logging.SentryDSN)

	if err := num("SMTP_PORT", &c.SMTP.Port); err != nil {
		return err
	}
	return num("RATE_PER_MIN", &c.Defaults.RatePerMinute)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.Security == "" {
		if c.SMTP.Port == 465 {
			c.SMTP.Security = "tls"
		} else {
			c.SMTP.Security = "starttls"
		}
	}
	if c.SMTP.Auth == "" {
		if c.SMTP.Username == "" {
			c.SMTP.Auth = "none"
		} else {
			c.SMTP.Auth = "plain"
		}
	}
	if c.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		c.SMTP.Hostname = hostname
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.Sender.Address == "" {
		c.Sender.Address = c.SMTP.Username
	}

	if c.Defaults.RatePerMinute == 0 {
		c.Defaults.RatePerMinute = campaign.DefaultRatePerMinute
	}
	if c.Defaults.BatchSize == 0 {
		c.Defaults.BatchSize = campaign.DefaultBatchSize
	}
	if c.Defaults.BatchDelay == 0 {
		c.Defaults.BatchDelay = campaign.DefaultBatchDelay
	}
	if c.Defaults.MaxRetries == nil {
		n := campaign.DefaultMaxRetries
		c.Defaults.MaxRetries = &n
	}
	if c.Defaults.BaseDelay == 0 {
		c.Defaults.BaseDelay = campaign.DefaultBaseDelay
	}
	if c.Defaults.MaxDelay == 0 {
		c.Defaults.MaxDelay = campaign.DefaultMaxDelay
	}

	if c.Engine.SendTimeout == 0 {
		c.Engine.SendTimeout = 2 * time.Minute
	}

	if c.DKIM.Selector == "" {
		c.DKIM.Selector = "mail"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "sqlite":
			c.Storage.Path = "/var/lib/mailpace/mailpace.sqlite"
		default:
			c.Storage.Path = "/var/lib/mailpace/mailpace.db"
		}
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 32 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Events.AMQP.URL != "" && c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "mailpace.events"
	}

	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@hourly"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SMTP.Host == "" && !c.SMTP.DryRun {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp.port: %d", c.SMTP.Port)
	}

	validSecurity := map[string]bool{"starttls": true, "tls": true, "none": true}
	if !validSecurity[c.SMTP.Security] {
		return fmt.Errorf("invalid smtp.security: %s (must be starttls, tls, or none)", c.SMTP.Security)
	}

	validAuth := map[string]bool{"plain": true, "login": true, "none": true}
	if !validAuth[c.SMTP.Auth] {
		return fmt.Errorf("invalid smtp.auth: %s (must be plain, login, or none)", c.SMTP.Auth)
	}
	if c.SMTP.Auth != "none" && (c.SMTP.Username == "" || c.SMTP.Password == "") {
		return fmt.Errorf("smtp.username and smtp.password are required when smtp.auth is %s", c.SMTP.Auth)
	}

	if r := c.Defaults.RatePerMinute; r < 1 || r > 1000 {
		return fmt.Errorf("invalid defaults.rate_per_minute: %d (must be 1-1000)", r)
	}
	if b := c.Defaults.BatchSize; b < 1 || b > 1000 {
		return fmt.Errorf("invalid defaults.batch_size: %d (must be 1-1000)", b)
	}
	if c.Defaults.MaxRetries != nil && *c.Defaults.MaxRetries < 0 {
		return fmt.Errorf("defaults.max_retries must not be negative")
	}
	if c.Defaults.BatchDelay < 0 || c.Defaults.BaseDelay < 0 || c.Defaults.MaxDelay < 0 {
		return fmt.Errorf("defaults delays must not be negative")
	}

	validDrivers := map[string]bool{"bolt": true, "sqlite": true, "postgres": true}
	if !validDrivers[c.Storage.Driver] {
		return fmt.Errorf("invalid storage.driver: %s (must be bolt, sqlite, or postgres)", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}

	if c.DKIM.Enabled {
		if c.DKIM.Domain == "" {
			return fmt.Errorf("dkim.domain is required when DKIM is enabled")
		}
		if c.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
		}
	}

	if c.API.Enabled && c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key or api.api_key_hash is required when the API is enabled")
	}

	if (c.Sink.CertFile == "") != (c.Sink.KeyFile == "") {
		return fmt.Errorf("sink.cert_file and sink.key_file must be set together")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// ApplyDefaults fills unset send settings of c from the configured
// sender identity and defaults
func (c *Config) ApplyDefaults(camp *campaign.Campaign, maxRetriesSet bool) {
	if camp.SenderName == "" {
		camp.SenderName = c.Sender.Name
	}
	if camp.SenderAddress == "" {
		camp.SenderAddress = c.Sender.Address
	}
	if camp.ReplyTo == "" {
		camp.ReplyTo = c.Sender.ReplyTo
	}
	if camp.RatePerMinute == 0 {
		camp.RatePerMinute = c.Defaults.RatePerMinute
	}
	if camp.BatchSize == 0 {
		camp.BatchSize = c.Defaults.BatchSize
	}
	if camp.BatchDelay == 0 {
		camp.BatchDelay = c.Defaults.BatchDelay
	}
	if !maxRetriesSet && c.Defaults.MaxRetries != nil {
		camp.MaxRetries = *c.Defaults.MaxRetries
	}
	if camp.BaseDelay == 0 {
		camp.BaseDelay = c.Defaults.BaseDelay
	}
	if camp.MaxDelay == 0 {
		camp.MaxDelay = c.Defaults.MaxDelay
	}
}
