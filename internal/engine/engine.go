// Package engine turns a stored campaign into a paced, retried and
// persistently tracked sequence of relay transmissions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/events"
	"github.com/foxzi/mailpace/internal/metrics"
	"github.com/foxzi/mailpace/internal/personalize"
	"github.com/foxzi/mailpace/internal/ratelimit"
	"github.com/foxzi/mailpace/internal/retry"
	"github.com/foxzi/mailpace/internal/smtp"
	"github.com/foxzi/mailpace/internal/store"
)

// ErrNotRunnable is returned when the campaign status does not allow the
// requested kind of run
var ErrNotRunnable = errors.New("campaign cannot be run in its current state")

// Limiter enforces shared sending quotas. Allow takes one unit; Release
// returns it when the send never reached the relay.
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
	Release(ctx context.Context, req *ratelimit.Request) error
}

// RunOptions selects between a fresh run and a resume
type RunOptions struct {
	// Resume continues a started campaign; sending recipients are
	// recovered to pending first
	Resume bool
	// RetryFailed requeues recipients whose retries were exhausted
	RetryFailed bool
}

// Control lets the owner of a run request a pause between two sends
type Control struct {
	mu     sync.Mutex
	paused bool
	reason string
	done   chan struct{}
}

// Pause asks the run to stop after the in-flight attempt. A run waiting
// for a slot, a retry or the batch delay stops right away.
func (c *Control) Pause(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = reason
	if c.paused {
		return
	}
	c.paused = true
	if c.done == nil {
		c.done = make(chan struct{})
	}
	close(c.done)
}

// Paused reports whether a pause was requested
func (c *Control) Paused() (bool, string) {
	if c == nil {
		return false, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.reason
}

// Done is closed once a pause is requested
func (c *Control) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Summary describes how a run ended
type Summary struct {
	CampaignID string          `json:"campaign_id"`
	Status     campaign.Status `json:"status"`
	Counts     campaign.Counts `json:"counts"`
	Attempts   int             `json:"attempts"`
	Batches    int             `json:"batches"`
	Reason     string          `json:"reason,omitempty"`

	// Interrupted is set when the run context was cancelled; the
	// campaign stays running and can be resumed
	Interrupted bool `json:"interrupted,omitempty"`

	// RetryAfter is set when a quota paused the run
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Config contains engine collaborators and settings
type Config struct {
	// SendTimeout bounds one relay transaction
	SendTimeout time.Duration

	Clock   clock.Clock
	Limiter Limiter
	Events  events.Sink
}

// Engine runs campaigns. It is safe for concurrent runs of different
// campaigns; runs of one campaign must be serialized by the caller.
type Engine struct {
	store       store.Store
	opener      smtp.Opener
	renderer    *personalize.Renderer
	limiter     Limiter
	events      events.Sink
	clock       clock.Clock
	sendTimeout time.Duration
	logger      *slog.Logger
}

// New creates an engine
func New(st store.Store, opener smtp.Opener, renderer *personalize.Renderer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if renderer == nil {
		renderer = personalize.NewRenderer()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:       st,
		opener:      opener,
		renderer:    renderer,
		limiter:     cfg.Limiter,
		events:      cfg.Events,
		clock:       cfg.Clock,
		sendTimeout: cfg.SendTimeout,
		logger:      logger.With("component", "engine"),
	}
}

// Store returns the campaign store the engine writes to
func (e *Engine) Store() store.Store {
	return e.store
}

// Renderer returns the personalization renderer
func (e *Engine) Renderer() *personalize.Renderer {
	return e.renderer
}

// CheckRunnable reports whether c may start a run with opts
func CheckRunnable(c *campaign.Campaign, opts RunOptions) error {
	if !opts.Resume {
		if c.Status != campaign.StatusDraft {
			return fmt.Errorf("%w: start requires draft, campaign is %s", ErrNotRunnable, c.Status)
		}
		return nil
	}
	if c.Status == campaign.StatusDraft {
		return fmt.Errorf("%w: campaign was never started", ErrNotRunnable)
	}
	return nil
}

// Run executes one run of a campaign until no recipient is pending, the
// context is cancelled, a pause is requested or a fatal error occurs.
// The returned error is non-nil only for fatal conditions; the summary
// is returned whenever the run got past loading the campaign.
func (e *Engine) Run(ctx context.Context, id string, opts RunOptions, ctl *Control) (*Summary, error) {
	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckRunnable(c, opts); err != nil {
		return nil, err
	}

	logger := e.logger.With("campaign_id", id)
	sum := &Summary{CampaignID: id, StartedAt: e.clock.Now()}

	if opts.Resume {
		recovered, err := e.store.RecoverSending(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to recover in-flight recipients: %w", err)
		}
		requeued := 0
		if opts.RetryFailed {
			if requeued, err = e.store.RequeueFailed(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to requeue failed recipients: %w", err)
			}
		}
		logger.Info("resuming campaign", "recovered", recovered, "requeued", requeued)
	}

	if err := e.store.SetStatus(ctx, id, campaign.StatusRunning, ""); err != nil {
		return nil, fmt.Errorf("failed to mark campaign running: %w", err)
	}

	metrics.RunStarted()
	result := "interrupted"
	defer func() { metrics.RunFinished(result) }()

	e.emit(ctx, c, events.TypeStarted, 0, "")
	logger.Info("campaign run started",
		"rate_per_minute", c.RatePerMinute,
		"batch_size", c.BatchSize,
		"max_retries", c.MaxRetries,
	)

	sender, err := e.opener.Open(ctx)
	if err != nil {
		metrics.IncSMTPSessions("failed")
		result = string(campaign.StatusFailed)
		reason := fmt.Sprintf("failed to open relay session: %v", err)
		logger.Error("campaign run failed", "error", err)
		return e.finish(ctx, c, sum, campaign.StatusFailed, reason), fmt.Errorf("%s: %w", id, err)
	}
	metrics.IncSMTPSessions("ok")
	defer func() {
		if err := sender.Close(); err != nil {
			logger.Debug("relay session close failed", "error", err)
		}
	}()

	r := &run{
		engine: e,
		c:      c,
		sender: sender,
		ctl:    ctl,
		pacer:  ratelimit.NewPacer(c.RatePerMinute, e.clock),
		policy: retry.FromCampaign(c),
		sum:    sum,
		logger: logger,
	}

	status, reason := r.loop(ctx)
	switch status {
	case campaign.StatusRunning:
		sum.Interrupted = true
		sum.Reason = reason
		return e.finish(ctx, c, sum, "", reason), nil
	case campaign.StatusPaused:
		result = string(status)
		logger.Info("campaign paused", "reason", reason)
	case campaign.StatusCompleted:
		result = string(status)
	}

	return e.finish(ctx, c, sum, status, reason), nil
}

// finish persists the final status, when one is given, and fills the summary
func (e *Engine) finish(ctx context.Context, c *campaign.Campaign, sum *Summary, status campaign.Status, reason string) *Summary {
	// Final writes must land even when the run context is gone
	wctx := context.WithoutCancel(ctx)

	sum.FinishedAt = e.clock.Now()
	sum.Reason = reason
	sum.Status = campaign.StatusRunning

	if status != "" {
		if err := e.store.SetStatus(wctx, c.ID, status, reason); err != nil {
			e.logger.Error("failed to store campaign status", "campaign_id", c.ID, "status", status, "error", err)
		} else {
			sum.Status = status
		}
	}

	if counts, err := e.store.Counts(wctx, c.ID); err == nil {
		sum.Counts = counts
	}

	switch sum.Status {
	case campaign.StatusCompleted:
		e.emitCounts(wctx, c, events.TypeCompleted, sum.Batches, sum.Counts, "")
		e.logger.Info("campaign completed",
			"campaign_id", c.ID,
			"sent", sum.Counts.Sent,
			"failed", sum.Counts.Failed,
			"permanently_failed", sum.Counts.PermanentlyFailed,
			"duration", sum.FinishedAt.Sub(sum.StartedAt),
		)
	case campaign.StatusPaused:
		e.emitCounts(wctx, c, events.TypePaused, sum.Batches, sum.Counts, reason)
	case campaign.StatusFailed:
		e.emitCounts(wctx, c, events.TypeFailed, sum.Batches, sum.Counts, reason)
	}
	return sum
}

func (e *Engine) emit(ctx context.Context, c *campaign.Campaign, t events.Type, batch int, reason string) {
	counts, err := e.store.Counts(ctx, c.ID)
	if err != nil {
		e.logger.Warn("failed to read counts for event", "campaign_id", c.ID, "error", err)
	}
	e.emitCounts(ctx, c, t, batch, counts, reason)
}

func (e *Engine) emitCounts(ctx context.Context, c *campaign.Campaign, t events.Type, batch int, counts campaign.Counts, reason string) {
	p := campaign.NewProgress(counts, c.RatePerMinute)
	err := e.events.Publish(ctx, events.Event{
		Type:       t,
		CampaignID: c.ID,
		Batch:      batch,
		Counts:     counts,
		Percentage: p.Percentage,
		ETA:        p.ETA,
		Reason:     reason,
		At:         e.clock.Now(),
	})
	if err != nil {
		e.logger.Warn("failed to publish event", "campaign_id", c.ID, "type", t, "error", err)
	}
}
