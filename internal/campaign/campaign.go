package campaign

import (
	"time"
)

// Status represents the lifecycle state of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BodyType describes how the body template is interpreted
type BodyType string

const (
	BodyPlain    BodyType = "plain"
	BodyHTML     BodyType = "html"
	BodyMarkdown BodyType = "markdown"
)

// Defaults applied when a campaign leaves a setting unset
const (
	DefaultRatePerMinute = 60
	DefaultBatchSize     = 50
	DefaultBatchDelay    = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultEmailColumn   = "email"
)

// Limits enforced at save time
const (
	MinRatePerMinute  = 1
	MaxRatePerMinute  = 1000
	MaxBatchSize      = 1000
	MaxRetriesLimit   = 10
	MaxRecipients     = 10000
	MaxAttachmentSize = 10 * 1024 * 1024
)

// Attachment is a file sent with every message of a campaign
type Attachment struct {
	Filename    string `json:"filename" yaml:"filename"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Data        []byte `json:"data" yaml:"-"`
}

// Campaign is a named send job: one message template, one recipient list
type Campaign struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	SubjectTemplate string            `json:"subject_template"`
	BodyTemplate    string            `json:"body_template"`
	BodyType        BodyType          `json:"body_type"`
	SenderName      string            `json:"sender_name"`
	SenderAddress   string            `json:"sender_address"`
	ReplyTo         string            `json:"reply_to,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`

	RatePerMinute int           `json:"rate_per_minute"`
	BatchSize     int           `json:"batch_size"`
	BatchDelay    time.Duration `json:"batch_delay"`
	MaxRetries    int           `json:"max_retries"`
	BaseDelay     time.Duration `json:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay"`

	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	Counts    Counts `json:"counts"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// SetDefaults fills unset send settings.
// MaxRetries is left alone: zero is a valid setting.
func (c *Campaign) SetDefaults() {
	if c.BodyType == "" {
		c.BodyType = BodyPlain
	}
	if c.RatePerMinute == 0 {
		c.RatePerMinute = DefaultRatePerMinute
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
}

// Editable reports whether templates and settings may still change
func (c *Campaign) Editable() bool {
	return c.Status == StatusDraft
}

// Finished reports whether the campaign reached a final state
func (c *Campaign) Finished() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// Counts holds per-status recipient counters of one campaign
type Counts struct {
	Pending           int `json:"pending"`
	Sending           int `json:"sending"`
	Sent              int `json:"sent"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
	Total             int `json:"total"`
}

// Get returns the counter for a recipient status
func (c Counts) Get(s RecipientStatus) int {
	switch s {
	case RecipientPending:
		return c.Pending
	case RecipientSending:
		return c.Sending
	case RecipientSent:
		return c.Sent
	case RecipientFailed:
		return c.Failed
	case RecipientPermanentlyFailed:
		return c.PermanentlyFailed
	}
	return 0
}

// Move transfers one recipient between status counters
func (c *Counts) Move(from, to RecipientStatus) {
	if from == to {
		return
	}
	c.add(from, -1)
	c.add(to, 1)
}

// Add adjusts the counter for s by n
func (c *Counts) Add(s RecipientStatus, n int) {
	c.add(s, n)
}

func (c *Counts) add(s RecipientStatus, n int) {
	switch s {
	case RecipientPending:
		c.Pending += n
	case RecipientSending:
		c.Sending += n
	case RecipientSent:
		c.Sent += n
	case RecipientFailed:
		c.Failed += n
	case RecipientPermanentlyFailed:
		c.PermanentlyFailed += n
	}
}

// Remaining is the number of recipients the engine may still attempt
func (c Counts) Remaining() int {
	return c.Pending + c.Sending
}

// Consistent reports whether the counters add up to Total
func (c Counts) Consistent() bool {
	return c.Pending+c.Sending+c.Sent+c.Failed+c.PermanentlyFailed == c.Total
}

// Progress is a point-in-time view of a campaign run
type Progress struct {
	Counts     Counts        `json:"counts"`
	Percentage float64       `json:"percentage"`
	ETA        time.Duration `json:"eta"`
}

// NewProgress derives completion percentage and an ETA from the send rate
func NewProgress(counts Counts, ratePerMinute int) Progress {
	p := Progress{Counts: counts}
	if counts.Total == 0 {
		return p
	}

	done := counts.Total - counts.Remaining()
	p.Percentage = float64(int(float64(done)/float64(counts.Total)*1000)) / 10

	if ratePerMinute > 0 {
		p.ETA = time.Duration(counts.Remaining()) * time.Minute / time.Duration(ratePerMinute)
	}
	return p
}
