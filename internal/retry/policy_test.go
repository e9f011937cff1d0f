package retry

import (
	"testing"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
)

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	tests := []struct {
		name      string
		attempts  int
		class     campaign.ErrorClass
		wantRetry bool
		wantDelay time.Duration
	}{
		{"first transient", 1, campaign.ClassTransient, true, time.Second},
		{"second transient", 2, campaign.ClassTransient, true, 2 * time.Second},
		{"third transient", 3, campaign.ClassTransient, true, 4 * time.Second},
		{"exhausted", 4, campaign.ClassTransient, false, 0},
		{"permanent", 1, campaign.ClassPermanent, false, 0},
		{"rendering", 1, campaign.ClassRendering, false, 0},
		{"no attempts", 0, campaign.ClassTransient, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, delay := p.ShouldRetry(tt.attempts, tt.class)
			if retry != tt.wantRetry {
				t.Errorf("expected retry=%v, got %v", tt.wantRetry, retry)
			}
			if delay != tt.wantDelay {
				t.Errorf("expected delay %v, got %v", tt.wantDelay, delay)
			}
		})
	}
}

func TestShouldRetryZeroRetries(t *testing.T) {
	p := Policy{MaxRetries: 0, BaseDelay: time.Second, MaxDelay: time.Minute}
	if retry, _ := p.ShouldRetry(1, campaign.ClassTransient); retry {
		t.Error("expected no retry when MaxRetries is 0")
	}
}

func TestBackoffCap(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}

	for i, want := range expected {
		if got := p.Backoff(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoffLargeAttemptDoesNotOverflow(t *testing.T) {
	p := Policy{MaxRetries: 100, BaseDelay: time.Hour, MaxDelay: 24 * time.Hour}
	if got := p.Backoff(80); got != 24*time.Hour {
		t.Errorf("expected cap, got %v", got)
	}
}

func TestFromCampaign(t *testing.T) {
	c := &campaign.Campaign{MaxRetries: 2, BaseDelay: 3 * time.Second, MaxDelay: time.Minute}
	p := FromCampaign(c)
	if p.MaxRetries != 2 || p.BaseDelay != 3*time.Second || p.MaxDelay != time.Minute {
		t.Errorf("unexpected policy %+v", p)
	}
}
