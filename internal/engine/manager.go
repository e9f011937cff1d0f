package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/metrics"
	"github.com/foxzi/mailpace/internal/personalize"
	"github.com/foxzi/mailpace/internal/store"
)

var (
	// ErrAlreadyRunning is returned when a campaign already has an active run
	ErrAlreadyRunning = errors.New("campaign is already running")
	// ErrNotActive is returned when a campaign has no active run
	ErrNotActive = errors.New("campaign has no active run")
	// ErrShutdown is returned after Shutdown was called
	ErrShutdown = errors.New("manager is shut down")
)

// active is one campaign run owned by the manager
type active struct {
	cancel  context.CancelFunc
	control *Control
	done    chan struct{}
	summary *Summary
	err     error
}

// Manager runs campaigns in the background, at most one run per campaign
type Manager struct {
	engine *Engine
	store  store.Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*active
	last    map[string]*active
	resumes map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a manager around engine
func NewManager(engine *Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:  engine,
		store:   engine.Store(),
		logger:  logger.With("component", "manager"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*active),
		last:    make(map[string]*active),
		resumes: make(map[string]*time.Timer),
	}
}

// Store returns the campaign store behind the manager
func (m *Manager) Store() store.Store {
	return m.store
}

// Create validates templates and stores a new draft campaign
func (m *Manager) Create(ctx context.Context, c *campaign.Campaign, rows []campaign.Row, emailColumn string) error {
	if err := m.engine.Renderer().Validate(c); err != nil {
		return err
	}
	return m.store.CreateCampaign(ctx, c, rows, emailColumn)
}

// Update validates templates and replaces a draft's settings
func (m *Manager) Update(ctx context.Context, c *campaign.Campaign) error {
	if err := m.engine.Renderer().Validate(c); err != nil {
		return err
	}
	return m.store.UpdateCampaign(ctx, c)
}

// Delete removes a campaign that is not running
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.IsRunning(id) {
		return ErrAlreadyRunning
	}
	return m.store.DeleteCampaign(ctx, id)
}

// Preview renders the first n recipients of a campaign
func (m *Manager) Preview(ctx context.Context, id string, n int) ([]personalize.Preview, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	recipients, err := m.store.ListRecipients(ctx, id, store.RecipientFilter{Limit: n})
	if err != nil {
		return nil, err
	}
	return m.engine.Renderer().Preview(c, recipients, n), nil
}

// Start launches the first run of a draft campaign
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.launch(ctx, id, RunOptions{})
}

// Resume launches a run of a started campaign
func (m *Manager) Resume(ctx context.Context, id string, retryFailed bool) error {
	return m.launch(ctx, id, RunOptions{Resume: true, RetryFailed: retryFailed})
}

func (m *Manager) launch(ctx context.Context, id string, opts RunOptions) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckRunnable(c, opts); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShutdown
	}
	if _, ok := m.runs[id]; ok {
		return ErrAlreadyRunning
	}
	if t, ok := m.resumes[id]; ok {
		t.Stop()
		delete(m.resumes, id)
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	a := &active{cancel: cancel, control: &Control{}, done: make(chan struct{})}
	m.runs[id] = a

	m.wg.Add(1)
	go m.execute(runCtx, id, opts, a)
	return nil
}

func (m *Manager) execute(ctx context.Context, id string, opts RunOptions, a *active) {
	defer m.wg.Done()
	defer a.cancel()

	sum, err := m.engine.Run(ctx, id, opts, a.control)
	if err != nil {
		m.logger.Error("campaign run failed", "campaign_id", id, "error", err)
	}

	m.mu.Lock()
	a.summary, a.err = sum, err
	delete(m.runs, id)
	m.last[id] = a
	if sum != nil && sum.Status == campaign.StatusPaused && sum.RetryAfter > 0 && !m.closed {
		m.scheduleResume(id, sum.RetryAfter)
	}
	m.mu.Unlock()

	close(a.done)
}

// scheduleResume resumes a quota-paused campaign once the quota window
// allows it again. Caller holds m.mu.
func (m *Manager) scheduleResume(id string, after time.Duration) {
	m.logger.Info("campaign will resume after quota window", "campaign_id", id, "after", after)
	m.resumes[id] = time.AfterFunc(after, func() {
		m.mu.Lock()
		delete(m.resumes, id)
		m.mu.Unlock()

		if err := m.Resume(m.ctx, id, false); err != nil && !errors.Is(err, ErrShutdown) {
			m.logger.Warn("automatic resume failed", "campaign_id", id, "error", err)
		}
	})
}

// Pause stops an active run after its in-flight attempt. A campaign left
// running without an active run, e.g. after a crash, is paused directly.
func (m *Manager) Pause(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}

	m.mu.Lock()
	a, ok := m.runs[id]
	if t, scheduled := m.resumes[id]; scheduled {
		t.Stop()
		delete(m.resumes, id)
	}
	m.mu.Unlock()

	if ok {
		a.control.Pause(reason)
		return nil
	}

	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == campaign.StatusPaused {
		return nil
	}
	if c.Status != campaign.StatusRunning {
		return fmt.Errorf("%w: campaign is %s", ErrNotRunnable, c.Status)
	}
	return m.store.SetStatus(ctx, id, campaign.StatusPaused, reason)
}

// Cancel interrupts an active run. The campaign stays running and can be
// resumed later.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	a, ok := m.runs[id]
	m.mu.Unlock()

	if !ok {
		return ErrNotActive
	}
	a.cancel()
	return nil
}

// Wait blocks until the active or most recent run of id ends
func (m *Manager) Wait(ctx context.Context, id string) (*Summary, error) {
	m.mu.Lock()
	a, ok := m.runs[id]
	if !ok {
		a, ok = m.last[id]
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotActive
	}

	select {
	case <-a.done:
		return a.summary, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsRunning reports whether id has an active run
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[id]
	return ok
}

// Running returns the IDs of campaigns with an active run
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResumeInterrupted resumes campaigns that were running when the process
// stopped. Failed recipients are not requeued.
func (m *Manager) ResumeInterrupted(ctx context.Context) (int, error) {
	campaigns, err := m.store.ListCampaigns(ctx, store.CampaignFilter{Status: campaign.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running campaigns: %w", err)
	}

	resumed := 0
	for _, c := range campaigns {
		if err := m.Resume(ctx, c.ID, false); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			m.logger.Error("failed to resume campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		resumed++
	}

	if resumed > 0 {
		m.logger.Info("resumed interrupted campaigns", "count", resumed)
	}
	return resumed, nil
}

// CampaignStats reports campaign totals for the metrics collector
func (m *Manager) CampaignStats(ctx context.Context) (*metrics.CampaignStats, error) {
	campaigns, err := m.store.ListCampaigns(ctx, store.CampaignFilter{})
	if err != nil {
		return nil, err
	}

	stats := &metrics.CampaignStats{ByStatus: make(map[string]int)}
	for _, c := range campaigns {
		stats.ByStatus[string(c.Status)]++
		stats.Pending += c.Counts.Pending
	}
	return stats, nil
}

// Shutdown interrupts all active runs and waits for them to record their
// in-flight attempts
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.resumes {
		t.Stop()
		delete(m.resumes, id)
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
