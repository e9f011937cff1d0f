package cleanup

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/store"
	"github.com/foxzi/mailpace/internal/store/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "mailpace.db"))
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func finish(t *testing.T, st store.Store, status campaign.Status) string {
	t.Helper()
	ctx := context.Background()
	c := storetest.NewCampaign("old")
	if err := st.CreateCampaign(ctx, c, storetest.Rows(1), "email"); err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	if err := st.SetStatus(ctx, c.ID, campaign.StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := st.SetStatus(ctx, c.ID, status, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	return c.ID
}

func TestRunOnce(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	completed := finish(t, st, campaign.StatusCompleted)
	failed := finish(t, st, campaign.StatusFailed)
	paused := finish(t, st, campaign.StatusPaused)

	draft := storetest.NewCampaign("draft")
	if err := st.CreateCampaign(ctx, draft, storetest.Rows(1), "email"); err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}

	clk := clock.NewManual(time.Now().Add(48 * time.Hour))
	c, err := New(st, Config{MaxAge: 24 * time.Hour}, clk, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if n := c.RunOnce(ctx); n != 2 {
		t.Errorf("expected 2 deleted campaigns, got %d", n)
	}

	for _, id := range []string{completed, failed} {
		if _, err := st.GetCampaign(ctx, id); err == nil {
			t.Errorf("campaign %s was not deleted", id)
		}
	}
	for _, id := range []string{paused, draft.ID} {
		if _, err := st.GetCampaign(ctx, id); err != nil {
			t.Errorf("campaign %s should be kept: %v", id, err)
		}
	}
}

func TestRunOnceKeepsRecent(t *testing.T) {
	st := newStore(t)
	finish(t, st, campaign.StatusCompleted)

	c, err := New(st, Config{MaxAge: 24 * time.Hour}, clock.NewManual(time.Now()), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if n := c.RunOnce(context.Background()); n != 0 {
		t.Errorf("expected nothing deleted, got %d", n)
	}
}

func TestDisabled(t *testing.T) {
	st := newStore(t)
	finish(t, st, campaign.StatusCompleted)

	c, err := New(st, Config{}, clock.NewManual(time.Now().Add(1000*time.Hour)), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Enabled() {
		t.Error("cleaner without max age should be disabled")
	}
	if n := c.RunOnce(context.Background()); n != 0 {
		t.Errorf("disabled cleaner deleted %d campaigns", n)
	}
}

func TestInvalidSchedule(t *testing.T) {
	if _, err := New(newStore(t), Config{MaxAge: time.Hour, Schedule: "every tuesday"}, nil, testLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestStartStop(t *testing.T) {
	c, err := New(newStore(t), Config{MaxAge: time.Hour, Schedule: "*/5 * * * *"}, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Start(context.Background())
	c.Stop()
}
