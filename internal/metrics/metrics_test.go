package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	m.MessagesSentTotal.WithLabelValues("example.com").Inc()
	m.SMTPReconnectsTotal.Inc()

	n, err := testutil.GatherAndCount(m.Registry(), "mailpace_messages_sent_total", "mailpace_smtp_reconnects_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("gathered %d series, want 2", n)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// None of these may panic without a registry
	IncMessagesSent("example.com")
	IncMessagesFailed("example.com", "permanent")
	IncMessagesDeferred("example.com")
	ObserveSend("success", time.Second)
	RunStarted()
	RunFinished("completed")
	IncSMTPSessions("ok")
	IncSMTPReconnects()
	IncRateLimitExceeded("global")
	IncAPIErrors("not_found")
}

func TestGlobalHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("example.com")
	IncMessagesSent("example.com")
	IncMessagesFailed("example.org", "rendering")
	IncMessagesDeferred("example.com")
	IncRateLimitExceeded("recipient_domain")

	if got := testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("example.com")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesFailedTotal.WithLabelValues("example.org", "rendering")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesDeferredTotal.WithLabelValues("example.com")); got != 1 {
		t.Errorf("deferred = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitExceededTotal.WithLabelValues("recipient_domain")); got != 1 {
		t.Errorf("ratelimit = %v, want 1", got)
	}
}

func TestRunGauge(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	RunStarted()
	RunStarted()
	if got := testutil.ToFloat64(m.CampaignsRunning); got != 2 {
		t.Errorf("running = %v, want 2", got)
	}

	RunFinished("completed")
	if got := testutil.ToFloat64(m.CampaignsRunning); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CampaignRunsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
}
