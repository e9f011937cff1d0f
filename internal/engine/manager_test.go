package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/smtp"
	"github.com/foxzi/mailpace/internal/store/storetest"
)

func newManager(t *testing.T, h *harness) *Manager {
	t.Helper()
	m := NewManager(h.engine, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// blockFirst makes the first send wait until release is closed
func blockFirst(h *harness) (started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	first := true
	h.sender.hook = func(msg *smtp.Message) {
		if first {
			first = false
			close(started)
			<-release
		}
	}
	return started, release
}

func TestManagerStartAndWait(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	id := h.create(t, newCampaign(), storetest.Rows(3))

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sum, err := m.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.Status != campaign.StatusCompleted || sum.Counts.Sent != 3 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if len(m.Running()) != 0 {
		t.Errorf("run still registered: %v", m.Running())
	}

	if err := m.Start(context.Background(), id); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("second start: expected ErrNotRunnable, got %v", err)
	}
}

func TestManagerOneRunPerCampaign(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	id := h.create(t, newCampaign(), storetest.Rows(3))
	started, release := blockFirst(h)

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	if err := m.Resume(context.Background(), id, false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if got := m.Running(); len(got) != 1 || got[0] != id {
		t.Errorf("unexpected running list: %v", got)
	}
	if err := m.Delete(context.Background(), id); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("delete of running campaign: expected ErrAlreadyRunning, got %v", err)
	}

	close(release)
	if _, err := m.Wait(waitCtx(t), id); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestManagerPause(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	id := h.create(t, newCampaign(), storetest.Rows(4))
	started, release := blockFirst(h)

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started
	if err := m.Pause(context.Background(), id, ""); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	close(release)

	sum, err := m.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.Status != campaign.StatusPaused || sum.Counts.Sent != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if sum.Reason != "paused by operator" {
		t.Errorf("unexpected reason: %q", sum.Reason)
	}

	if err := m.Resume(context.Background(), id, true); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	sum, err = m.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.Status != campaign.StatusCompleted || sum.Counts.Sent != 4 {
		t.Errorf("unexpected summary after resume: %+v", sum)
	}
}

func TestManagerPauseDuringRetryWait(t *testing.T) {
	h := newHarness(t, nil)
	h.engine = New(h.store, h.opener, nil, Config{Clock: clock.System{}, Events: h.events}, testLogger())
	m := newManager(t, h)

	c := newCampaign()
	c.BaseDelay = time.Hour
	c.MaxDelay = 2 * time.Hour
	id := h.create(t, c, storetest.Rows(1))
	h.sender.fail("user1@example.com", transient("mailbox busy"))

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait until the failure is recorded; the run then sleeps through the
	// batch delay and the hour-long retry wait unless the pause cuts in
	deadline := time.Now().Add(5 * time.Second)
	for h.recipient(t, id, "user1@example.com").NextAttemptAt.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("retry was never scheduled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if err := m.Pause(context.Background(), id, ""); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sum, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.Status != campaign.StatusPaused || sum.Counts.Pending != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if m.IsRunning(id) {
		t.Error("run still registered after pause")
	}

	got, _ := h.store.GetCampaign(context.Background(), id)
	if got.Status != campaign.StatusPaused {
		t.Errorf("expected paused campaign, got %s", got.Status)
	}
	if h.sender.Calls("user1@example.com") != 1 {
		t.Errorf("expected a single attempt, got %d", h.sender.Calls("user1@example.com"))
	}
}

func TestManagerCancel(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	id := h.create(t, newCampaign(), storetest.Rows(3))
	started, release := blockFirst(h)

	if err := m.Cancel(id); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	sum, err := m.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !sum.Interrupted || sum.Counts.Sent != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}

	c, _ := h.store.GetCampaign(context.Background(), id)
	if c.Status != campaign.StatusRunning {
		t.Errorf("cancelled campaign should stay running, got %s", c.Status)
	}
}

func TestManagerPauseWithoutRun(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	ctx := context.Background()
	id := h.create(t, newCampaign(), storetest.Rows(1))

	if err := m.Pause(ctx, id, ""); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("pause of draft: expected ErrNotRunnable, got %v", err)
	}

	if err := h.store.SetStatus(ctx, id, campaign.StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := m.Pause(ctx, id, "maintenance"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	c, _ := h.store.GetCampaign(ctx, id)
	if c.Status != campaign.StatusPaused || c.LastError != "maintenance" {
		t.Errorf("unexpected campaign: %s %q", c.Status, c.LastError)
	}
}

func TestManagerResumeInterrupted(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	ctx := context.Background()

	crashed := h.create(t, newCampaign(), storetest.Rows(2))
	draft := h.create(t, newCampaign(), storetest.Rows(2))
	if err := h.store.SetStatus(ctx, crashed, campaign.StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	n, err := m.ResumeInterrupted(ctx)
	if err != nil {
		t.Fatalf("ResumeInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 resumed campaign, got %d", n)
	}

	sum, err := m.Wait(waitCtx(t), crashed)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.Status != campaign.StatusCompleted {
		t.Errorf("expected completed, got %s", sum.Status)
	}

	c, _ := h.store.GetCampaign(ctx, draft)
	if c.Status != campaign.StatusDraft {
		t.Errorf("draft was started: %s", c.Status)
	}
}

func TestManagerCreateValidatesTemplates(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)

	c := newCampaign()
	c.BodyTemplate = "{% if name %}unterminated"
	err := m.Create(context.Background(), c, storetest.Rows(1), "email")

	var ve *campaign.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "body_template" {
		t.Errorf("unexpected field: %s", ve.Field)
	}
}

func TestManagerCampaignStats(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	ctx := context.Background()

	h.create(t, newCampaign(), storetest.Rows(2))
	done := h.create(t, newCampaign(), storetest.Rows(3))
	if err := m.Start(ctx, done); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Wait(waitCtx(t), done); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	stats, err := m.CampaignStats(ctx)
	if err != nil {
		t.Fatalf("CampaignStats failed: %v", err)
	}
	if stats.ByStatus["draft"] != 1 || stats.ByStatus["completed"] != 1 {
		t.Errorf("unexpected status totals: %v", stats.ByStatus)
	}
	if stats.Pending != 2 {
		t.Errorf("expected 2 pending, got %d", stats.Pending)
	}
}

func TestManagerPreview(t *testing.T) {
	h := newHarness(t, nil)
	m := newManager(t, h)
	id := h.create(t, newCampaign(), storetest.Rows(5))

	previews, err := m.Preview(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(previews))
	}
	if previews[1].Rendered == nil || previews[1].Rendered.Subject != "Hello User 2" {
		t.Errorf("unexpected preview: %+v", previews[1])
	}
}

func TestManagerShutdownRejectsRuns(t *testing.T) {
	h := newHarness(t, nil)
	m := NewManager(h.engine, testLogger())
	id := h.create(t, newCampaign(), storetest.Rows(1))

	if err := m.Shutdown(waitCtx(t)); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := m.Start(context.Background(), id); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}
