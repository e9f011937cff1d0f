package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/config"
	"github.com/foxzi/mailpace/internal/dkim"
	"github.com/foxzi/mailpace/internal/engine"
	"github.com/foxzi/mailpace/internal/events"
	"github.com/foxzi/mailpace/internal/metrics"
	"github.com/foxzi/mailpace/internal/ratelimit"
	"github.com/foxzi/mailpace/internal/smtp"
	"github.com/foxzi/mailpace/internal/store"
	"github.com/foxzi/mailpace/internal/store/sqlstore"
)

// Core is the campaign machinery shared by the daemon and the one-shot
// CLI commands: storage, quota, relay and the run manager.
type Core struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   store.Store
	Metrics *metrics.Metrics
	Manager *engine.Manager

	state      *bolt.DB
	ownsState  bool
	quota      *ratelimit.Quota
	amqp       *events.AMQP
	dryRun     *smtp.DryRun
	closedOnce bool
}

// NewCore opens storage and builds the engine. extra receives progress
// events in addition to the configured sinks and may be nil.
func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra events.Sink) (*Core, error) {
	c := &Core{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}
	metrics.SetGlobal(c.Metrics)

	if err := c.openStorage(ctx); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			c.closeStorage()
		}
	}()

	var limiter engine.Limiter
	if cfg.Quota.Enabled {
		q, err := ratelimit.NewQuota(c.state, &cfg.Quota.QuotaConfig, clock.System{})
		if err != nil {
			return nil, fmt.Errorf("failed to create quota: %w", err)
		}
		c.quota = q
		limiter = q
		logger.Info("provider quota enabled")
	}

	sink, err := c.eventSink(extra)
	if err != nil {
		if c.quota != nil {
			c.quota.Stop()
		}
		return nil, err
	}

	opener, err := c.opener()
	if err != nil {
		if c.quota != nil {
			c.quota.Stop()
		}
		if c.amqp != nil {
			c.amqp.Close()
		}
		return nil, err
	}

	eng := engine.New(c.Store, opener, nil, engine.Config{
		SendTimeout: cfg.Engine.SendTimeout,
		Limiter:     limiter,
		Events:      sink,
	}, logger)
	c.Manager = engine.NewManager(eng, logger)

	ok = true
	return c, nil
}

// OpenStore opens the configured campaign store
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "bolt", "":
		st, err := store.NewBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return st, nil

	case "sqlite", "postgres":
		dsn := cfg.DSN
		if cfg.Driver == "sqlite" {
			dsn = cfg.Path
		}
		st, err := sqlstore.Open(ctx, cfg.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Driver, err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
}

// openStorage opens the campaign store and the bbolt database holding quota
// counters and metric snapshots. A bolt store shares its own database.
func (c *Core) openStorage(ctx context.Context) error {
	cfg := c.Config.Storage

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	c.Store = st

	if bs, ok := st.(*store.BoltStore); ok {
		c.state = bs.DB()
	} else {
		statePath := cfg.StatePath
		if statePath == "" {
			statePath = filepath.Join(filepath.Dir(cfg.Path), "state.db")
		}
		if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
			st.Close()
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		db, err := bolt.Open(statePath, 0600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			st.Close()
			return fmt.Errorf("failed to open state database: %w", err)
		}
		c.state = db
		c.ownsState = true
	}

	c.Logger.Info("storage opened", "driver", cfg.Driver)
	return nil
}

func (c *Core) eventSink(extra events.Sink) (events.Sink, error) {
	var sinks events.Multi
	if c.Config.Events.Log {
		sinks = append(sinks, events.NewLogSink(c.Logger))
	}
	if amqpCfg := c.Config.Events.AMQP; amqpCfg.URL != "" {
		a, err := events.DialAMQP(amqpCfg.URL, amqpCfg.Exchange, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event broker: %w", err)
		}
		c.amqp = a
		sinks = append(sinks, a)
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}

	switch len(sinks) {
	case 0:
		return events.Discard, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func (c *Core) opener() (smtp.Opener, error) {
	if c.Config.SMTP.DryRun {
		c.dryRun = smtp.NewDryRun(c.Logger)
		c.Logger.Warn("dry run enabled, messages are logged instead of sent")
		return c.dryRun, nil
	}

	signer, err := dkim.FromConfig(c.Config.DKIM)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		c.Logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	return smtp.NewDialer(SMTPOptions(c.Config, signer), c.Logger), nil
}

// SMTPOptions converts relay configuration into dialer options
func SMTPOptions(cfg *config.Config, signer *dkim.Signer) smtp.Options {
	return smtp.Options{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		Security:           smtp.Security(cfg.SMTP.Security),
		Auth:               smtp.AuthMethod(cfg.SMTP.Auth),
		Hostname:           cfg.SMTP.Hostname,
		Timeout:            cfg.SMTP.Timeout,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		Signer:             signer,
	}
}

// DrySent returns the number of messages handled by the dry-run relay
func (c *Core) DrySent() int {
	if c.dryRun == nil {
		return 0
	}
	return c.dryRun.Sent()
}

// Close stops active runs and releases storage
func (c *Core) Close(ctx context.Context) error {
	if c.closedOnce {
		return nil
	}
	c.closedOnce = true

	var errs []error
	if err := c.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager shutdown: %w", err))
	}
	if c.quota != nil {
		if err := c.quota.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("quota stop: %w", err))
		}
	}
	if c.amqp != nil {
		if err := c.amqp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event broker close: %w", err))
		}
	}
	if err := c.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Core) closeStorage() error {
	var errs []error
	if c.ownsState && c.state != nil {
		if err := c.state.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state close: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}
