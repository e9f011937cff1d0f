// Package events carries campaign run progress to observers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
)

// Type identifies what happened to a campaign run
type Type string

const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypePaused    Type = "paused"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
)

// Event is one progress notification of a campaign run
type Event struct {
	Type       Type            `json:"type"`
	CampaignID string          `json:"campaign_id"`
	Batch      int             `json:"batch,omitempty"`
	Counts     campaign.Counts `json:"counts"`
	Percentage float64         `json:"percentage"`
	ETA        time.Duration   `json:"eta"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}

// Sink receives events. Publish must not block the run for long;
// errors are logged by the caller and never stop a run.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Func adapts a function to Sink
type Func func(ctx context.Context, e Event) error

// Publish calls f
func (f Func) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Discard drops every event
var Discard Sink = Func(func(context.Context, Event) error { return nil })

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

// Publish logs e
func (s *LogSink) Publish(ctx context.Context, e Event) error {
	attrs := []any{
		"campaign_id", e.CampaignID,
		"sent", e.Counts.Sent,
		"failed", e.Counts.Failed,
		"permanently_failed", e.Counts.PermanentlyFailed,
		"pending", e.Counts.Pending,
		"total", e.Counts.Total,
	}
	if e.Batch > 0 {
		attrs = append(attrs, "batch", e.Batch, "percent", e.Percentage, "eta", e.ETA.Round(time.Second))
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}

	level := slog.LevelInfo
	if e.Type == TypeFailed {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "campaign "+string(e.Type), attrs...)
	return nil
}

// ErrDropped is returned by Channel when the buffer is full
var ErrDropped = errors.New("event dropped: subscriber too slow")

// Channel delivers events to a buffered channel without blocking
type Channel struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewChannel creates a channel sink with the given buffer size
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{ch: make(chan Event, size)}
}

// C returns the receive side
func (c *Channel) C() <-chan Event {
	return c.ch
}

// Publish enqueues e, dropping it when the buffer is full
func (c *Channel) Publish(ctx context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	select {
	case c.ch <- e:
		return nil
	default:
		return ErrDropped
	}
}

// Close closes the receive side; later events are ignored
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Multi fans events out to several sinks
type Multi []Sink

// Publish sends e to every sink and joins their errors
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
