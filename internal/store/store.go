package store

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotDraft       = errors.New("campaign is not a draft")
	ErrConflict       = errors.New("recipient status changed concurrently")
	ErrDuplicateEmail = errors.New("duplicate recipient email")
	ErrRunning        = errors.New("campaign is running")
)

// Store is the durable campaign store. Every method is one atomic unit:
// a crash leaves either the previous or the new state, never a mix.
type Store interface {
	// CreateCampaign validates c, assigns an ID when empty and stores it
	// together with one pending recipient per row
	CreateCampaign(ctx context.Context, c *campaign.Campaign, rows []campaign.Row, emailColumn string) error

	// GetCampaign returns a campaign with current counters
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)

	// ListCampaigns returns campaigns, newest first
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*campaign.Campaign, error)

	// UpdateCampaign replaces templates and settings of a draft
	UpdateCampaign(ctx context.Context, c *campaign.Campaign) error

	// DeleteCampaign removes a campaign, its recipients and attempt log
	DeleteCampaign(ctx context.Context, id string) error

	// SetStatus moves a campaign through its lifecycle.
	// reason is stored as LastError for paused and failed campaigns.
	SetStatus(ctx context.Context, id string, status campaign.Status, reason string) error

	// ListRecipients returns recipients ordered by ID
	ListRecipients(ctx context.Context, id string, filter RecipientFilter) ([]*campaign.Recipient, error)

	// GetRecipient returns one recipient
	GetRecipient(ctx context.Context, id string, recipientID int64) (*campaign.Recipient, error)

	// NextBatch returns up to limit pending recipients due at now, ordered by ID
	NextBatch(ctx context.Context, id string, limit int, now time.Time) ([]*campaign.Recipient, error)

	// NextDue returns the earliest retry time among pending recipients.
	// ok is false when nothing is pending.
	NextDue(ctx context.Context, id string) (due time.Time, ok bool, err error)

	// MarkSending moves a pending recipient to sending.
	// ErrConflict means another writer already claimed it.
	MarkSending(ctx context.Context, id string, recipientID int64) (*campaign.Recipient, error)

	// RecordAttempt writes the recipient's new state, appends the attempt
	// and updates campaign counters in one transaction
	RecordAttempt(ctx context.Context, r *campaign.Recipient, attempt *campaign.SendAttempt) error

	// RecoverSending returns recipients stuck in sending to pending,
	// keeping their attempt counters
	RecoverSending(ctx context.Context, id string) (int, error)

	// RequeueFailed returns exhausted recipients to pending with a fresh
	// retry budget; their attempt log is kept
	RequeueFailed(ctx context.Context, id string) (int, error)

	// ListAttempts returns the attempt log ordered by recipient, then by
	// attempt. recipientID 0 lists attempts of every recipient.
	ListAttempts(ctx context.Context, id string, recipientID int64) ([]*campaign.SendAttempt, error)

	// Counts returns per-status recipient counters
	Counts(ctx context.Context, id string) (campaign.Counts, error)

	// Close closes the storage connection
	Close() error
}

// CampaignFilter contains filters for listing campaigns
type CampaignFilter struct {
	Status         campaign.Status
	FinishedBefore time.Time
	Limit          int
	Offset         int
}

// Match reports whether c passes the filter
func (f CampaignFilter) Match(c *campaign.Campaign) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if !f.FinishedBefore.IsZero() {
		if !c.Finished() || c.CompletedAt.IsZero() || !c.CompletedAt.Before(f.FinishedBefore) {
			return false
		}
	}
	return true
}

// RecipientFilter contains filters for listing recipients
type RecipientFilter struct {
	Statuses []campaign.RecipientStatus
	Limit    int
	Offset   int
}

// Match reports whether r passes the status filter
func (f RecipientFilter) Match(r *campaign.Recipient) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// PrepareCampaign validates c and builds its recipients
func PrepareCampaign(c *campaign.Campaign, rows []campaign.Row, emailColumn string, now time.Time, newID func() string) ([]*campaign.Recipient, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	c.Status = campaign.StatusDraft
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	recipients, err := campaign.NewRecipients(c.ID, rows, emailColumn)
	if err != nil {
		return nil, err
	}

	c.Counts = campaign.Counts{Pending: len(recipients), Total: len(recipients)}
	c.LastError = ""
	c.CreatedAt = now
	c.UpdatedAt = now
	c.StartedAt = time.Time{}
	c.CompletedAt = time.Time{}
	return recipients, nil
}

// ApplyStatus validates and applies a campaign status change
func ApplyStatus(c *campaign.Campaign, status campaign.Status, reason string, now time.Time) error {
	if err := campaign.TransitionCampaign(c.Status, status); err != nil {
		return err
	}

	c.Status = status
	c.UpdatedAt = now

	switch status {
	case campaign.StatusRunning:
		c.LastError = ""
		c.CompletedAt = time.Time{}
		if c.StartedAt.IsZero() {
			c.StartedAt = now
		}
	case campaign.StatusPaused:
		c.LastError = reason
	case campaign.StatusCompleted, campaign.StatusFailed:
		c.LastError = reason
		c.CompletedAt = now
	}
	return nil
}

// ApplyUpdate copies editable fields from src onto a stored draft
func ApplyUpdate(dst, src *campaign.Campaign, now time.Time) error {
	if !dst.Editable() {
		return ErrNotDraft
	}

	dst.Name = src.Name
	dst.SubjectTemplate = src.SubjectTemplate
	dst.BodyTemplate = src.BodyTemplate
	dst.BodyType = src.BodyType
	dst.SenderName = src.SenderName
	dst.SenderAddress = src.SenderAddress
	dst.ReplyTo = src.ReplyTo
	dst.Headers = src.Headers
	dst.Attachments = src.Attachments
	dst.RatePerMinute = src.RatePerMinute
	dst.BatchSize = src.BatchSize
	dst.BatchDelay = src.BatchDelay
	dst.MaxRetries = src.MaxRetries
	dst.BaseDelay = src.BaseDelay
	dst.MaxDelay = src.MaxDelay
	dst.SetDefaults()

	if err := dst.Validate(); err != nil {
		return err
	}
	dst.UpdatedAt = now
	return nil
}

// ApplyAttempt validates an attempt outcome against the stored recipient
// and copies the new state onto it. logged is the highest attempt number
// already in the log; numbering continues from it across requeues.
func ApplyAttempt(stored, next *campaign.Recipient, attempt *campaign.SendAttempt, logged int) error {
	if stored.Status != campaign.RecipientSending {
		return ErrConflict
	}
	if err := campaign.Transition(stored.Status, next.Status); err != nil {
		return err
	}
	if next.Attempts != stored.Attempts+1 {
		return ErrConflict
	}

	stored.Status = next.Status
	stored.Attempts = next.Attempts
	stored.LastError = next.LastError
	stored.LastErrorClass = next.LastErrorClass
	stored.LastAttemptAt = next.LastAttemptAt
	stored.NextAttemptAt = next.NextAttemptAt
	stored.SentAt = next.SentAt

	attempt.CampaignID = stored.CampaignID
	attempt.RecipientID = stored.ID
	attempt.Number = logged + 1
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
