package retry

import (
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
)

// Policy decides whether a failed attempt is retried and after what delay
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// FromCampaign builds the policy configured on a campaign
func FromCampaign(c *campaign.Campaign) Policy {
	return Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
	}
}

// ShouldRetry reports whether a recipient that failed its attempts-th
// attempt gets another one, and the delay before it.
// Only transient failures retry, at most MaxRetries times.
func (p Policy) ShouldRetry(attempts int, class campaign.ErrorClass) (bool, time.Duration) {
	if class != campaign.ClassTransient {
		return false, 0
	}
	if attempts < 1 || attempts > p.MaxRetries {
		return false, 0
	}
	return true, p.Backoff(attempts)
}

// Backoff returns BaseDelay * 2^(attempts-1), capped at MaxDelay
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
