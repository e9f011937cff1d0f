// Package cleanup deletes finished campaigns once they pass their
// retention age.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/store"
)

// Config contains cleanup settings
type Config struct {
	// MaxAge of completed or failed campaigns; 0 disables cleanup
	MaxAge time.Duration
	// Schedule is a cron spec or descriptor such as @hourly
	Schedule string
}

// Cleaner removes old finished campaigns on a cron schedule
type Cleaner struct {
	store  store.Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a cleaner. The schedule is parsed here so a bad cron expression fails
// at startup.
func New(st store.Store, cfg Config, clk clock.Clock, logger *slog.Logger) (*Cleaner, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cleaner{
		store:  st,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "cleanup"),
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c.cron = cron.New(cron.WithParser(parser))
	if _, err := c.cron.AddFunc(cfg.Schedule, func() { c.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Schedule, err)
	}
	return c, nil
}

// Enabled reports whether a retention age is configured
func (c *Cleaner) Enabled() bool {
	return c.cfg.MaxAge > 0
}

// Start runs one cleanup immediately and then follows the schedule
func (c *Cleaner) Start(ctx context.Context) {
	if !c.Enabled() {
		return
	}

	c.RunOnce(ctx)
	c.cron.Start()

	c.logger.Info("cleaner started",
		"max_age", c.cfg.MaxAge,
		"schedule", c.cfg.Schedule,
	)
}

// Stop stops the schedule and waits for a running cleanup to finish
func (c *Cleaner) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info("cleaner stopped")
}

// RunOnce deletes campaigns finished before now minus MaxAge
func (c *Cleaner) RunOnce(ctx context.Context) int {
	if !c.Enabled() {
		return 0
	}

	cutoff := c.clock.Now().Add(-c.cfg.MaxAge)
	campaigns, err := c.store.ListCampaigns(ctx, store.CampaignFilter{FinishedBefore: cutoff})
	if err != nil {
		c.logger.Error("failed to list finished campaigns", "error", err)
		return 0
	}

	deleted := 0
	for _, camp := range campaigns {
		if err := c.store.DeleteCampaign(ctx, camp.ID); err != nil {
			c.logger.Error("failed to delete campaign", "campaign_id", camp.ID, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		c.logger.Info("cleaned up finished campaigns", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted
}
