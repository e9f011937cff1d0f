package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/config"
	"github.com/foxzi/mailpace/internal/events"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.SMTP.DryRun = true
	cfg.Storage.Driver = driver
	switch driver {
	case "sqlite":
		cfg.Storage.Path = filepath.Join(dir, "mailpace.sqlite")
	default:
		cfg.Storage.Path = filepath.Join(dir, "mailpace.db")
	}
	cfg.Logging.Format = "text"
	return cfg
}

func runCampaign(t *testing.T, core *Core) {
	t.Helper()
	ctx := context.Background()

	c := &campaign.Campaign{
		Name:            "launch",
		SubjectTemplate: "Hello {{ name }}",
		BodyTemplate:    "Hi {{ name }}",
		SenderAddress:   "news@example.com",
		RatePerMinute:   1000,
		MaxRetries:      3,
	}
	rows := []campaign.Row{
		{"email": "ann@example.com", "name": "Ann"},
		{"email": "bob@example.com", "name": "Bob"},
	}
	if err := core.Manager.Create(ctx, c, rows, campaign.DefaultEmailColumn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := core.Manager.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sum, err := core.Manager.Wait(waitCtx, c.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.Status != campaign.StatusCompleted || sum.Counts.Sent != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestCoreBolt(t *testing.T) {
	cfg := testConfig(t, "bolt")
	ch := events.NewChannel(64)

	core, err := NewCore(context.Background(), cfg, newLogger(cfg.Logging, &bytes.Buffer{}), ch)
	if err != nil {
		t.Fatalf("NewCore failed: %v", err)
	}
	defer core.Close(context.Background())

	runCampaign(t, core)

	if core.DrySent() != 2 {
		t.Errorf("DrySent = %d, want 2", core.DrySent())
	}
	if core.ownsState {
		t.Error("bolt storage should share its database for state")
	}

	var last events.Event
	for len(ch.C()) > 0 {
		last = <-ch.C()
	}
	if last.Type != events.TypeCompleted {
		t.Errorf("last event = %s, want completed", last.Type)
	}
}

func TestCoreSQLite(t *testing.T) {
	cfg := testConfig(t, "sqlite")

	core, err := NewCore(context.Background(), cfg, newLogger(cfg.Logging, &bytes.Buffer{}), nil)
	if err != nil {
		t.Fatalf("NewCore failed: %v", err)
	}
	defer core.Close(context.Background())

	if !core.ownsState {
		t.Error("sql storage should open a separate state database")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg.Storage.Path), "state.db")); err != nil {
		t.Errorf("state database not created: %v", err)
	}

	runCampaign(t, core)
}

func TestCoreQuota(t *testing.T) {
	cfg := testConfig(t, "bolt")
	cfg.Quota.Enabled = true

	core, err := NewCore(context.Background(), cfg, newLogger(cfg.Logging, &bytes.Buffer{}), nil)
	if err != nil {
		t.Fatalf("NewCore failed: %v", err)
	}
	defer core.Close(context.Background())

	if core.quota == nil {
		t.Fatal("quota not created")
	}
	runCampaign(t, core)
}

func TestCoreUnsupportedDriver(t *testing.T) {
	cfg := testConfig(t, "mysql")

	if _, err := NewCore(context.Background(), cfg, newLogger(cfg.Logging, &bytes.Buffer{}), nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "campaign_id", "c1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["campaign_id"] != "c1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestMultiHandler(t *testing.T) {
	var text, debug bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "error", Format: "text"}, &text)
	verbose := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &debug)

	multi := newMultiHandler(logger.Handler(), verbose.Handler())
	l := slog.New(multi).With("component", "test")
	l.Info("info message")

	if text.Len() != 0 {
		t.Errorf("error-level handler received info: %q", text.String())
	}
	if !strings.Contains(debug.String(), "info message") || !strings.Contains(debug.String(), "component=test") {
		t.Errorf("debug handler missing record: %q", debug.String())
	}
}
