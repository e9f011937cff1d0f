package smtp

import (
	"context"
	"log/slog"
	"sync"
)

// DryRun renders messages and logs them instead of contacting a relay
type DryRun struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent int
}

// NewDryRun creates a dry-run opener
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger.With("component", "smtp", "dry_run", true)}
}

// Open returns the dry-run sender itself
func (d *DryRun) Open(ctx context.Context) (Sender, error) {
	return d, nil
}

// Send builds msg and discards it
func (d *DryRun) Send(ctx context.Context, msg *Message) error {
	data, err := msg.Build()
	if err != nil {
		return &DeliveryError{Message: err.Error(), err: err}
	}

	d.mu.Lock()
	d.sent++
	d.mu.Unlock()

	d.logger.Info("dry run: message not sent",
		"to", msg.To,
		"subject", msg.Subject,
		"size", len(data),
	)
	return nil
}

// Sent returns how many messages passed through
func (d *DryRun) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// Close is a no-op
func (d *DryRun) Close() error {
	return nil
}
