package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/foxzi/mailpace/internal/clock"
)

const (
	minRate = 1
	maxRate = 1000
)

// Pacer spaces send slots evenly: one grant every 60s/rate.
// Idle time does not accumulate burst credit; after a pause the next
// grant is immediate and the one after it waits a full interval.
type Pacer struct {
	clock    clock.Clock
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewPacer creates a pacer for ratePerMinute sends, clamped to [1, 1000]
func NewPacer(ratePerMinute int, clk clock.Clock) *Pacer {
	if ratePerMinute < minRate {
		ratePerMinute = minRate
	}
	if ratePerMinute > maxRate {
		ratePerMinute = maxRate
	}
	if clk == nil {
		clk = clock.System{}
	}

	return &Pacer{
		clock:    clk,
		interval: time.Minute / time.Duration(ratePerMinute),
	}
}

// Interval returns the spacing between two grants
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Acquire blocks until the next slot. A cancelled wait gives its slot back.
func (p *Pacer) Acquire(ctx context.Context) error {
	p.mu.Lock()
	now := p.clock.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}

	if err := p.clock.Sleep(ctx, wait); err != nil {
		p.mu.Lock()
		if p.next.Equal(slot.Add(p.interval)) {
			p.next = slot
		}
		p.mu.Unlock()
		return err
	}
	return nil
}
