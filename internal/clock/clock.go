package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so the engine and the pacer can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the wall clock
type System struct{}

// Now returns the current time
func (System) Now() time.Time {
	return time.Now()
}

// Sleep waits for d or ctx cancellation
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a clock that only moves when slept on or advanced.
// Every Sleep call is recorded so tests can assert on pacing and backoff.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewManual creates a manual clock starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep advances the clock by d without blocking
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d > 0 {
		m.now = m.now.Add(d)
	}
	m.sleeps = append(m.sleeps, d)
	return nil
}

// Advance moves the clock forward
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleeps returns a copy of all recorded sleep durations
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}
