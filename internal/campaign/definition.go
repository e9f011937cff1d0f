package campaign

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as "5s" or "2m" in JSON and YAML
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Definition is a campaign as an operator writes it, in a YAML file or
// an API request body
type Definition struct {
	Name            string            `json:"name" yaml:"name"`
	SubjectTemplate string            `json:"subject_template" yaml:"subject"`
	BodyTemplate    string            `json:"body_template" yaml:"body"`
	BodyFile        string            `json:"-" yaml:"body_file"`
	BodyType        BodyType          `json:"body_type" yaml:"body_type"`
	SenderName      string            `json:"sender_name" yaml:"sender_name"`
	SenderAddress   string            `json:"sender_address" yaml:"sender_address"`
	ReplyTo         string            `json:"reply_to" yaml:"reply_to"`
	Headers         map[string]string `json:"headers" yaml:"headers"`
	Attachments     []Attachment      `json:"attachments" yaml:"-"`
	AttachmentFiles []string          `json:"-" yaml:"attachments"`

	RatePerMinute int      `json:"rate_per_minute" yaml:"rate_per_minute"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size"`
	BatchDelay    Duration `json:"batch_delay" yaml:"batch_delay"`
	MaxRetries    *int     `json:"max_retries" yaml:"max_retries"`
	BaseDelay     Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay"`

	EmailColumn    string `json:"email_column" yaml:"email_column"`
	Recipients     []Row  `json:"recipients" yaml:"recipients"`
	RecipientsFile string `json:"-" yaml:"recipients_file"`
}

// Campaign converts the definition. maxRetriesSet reports whether the
// definition chose a retry count, zero included.
func (d *Definition) Campaign() (c *Campaign, maxRetriesSet bool) {
	c = &Campaign{
		Name:            d.Name,
		SubjectTemplate: d.SubjectTemplate,
		BodyTemplate:    d.BodyTemplate,
		BodyType:        d.BodyType,
		SenderName:      d.SenderName,
		SenderAddress:   d.SenderAddress,
		ReplyTo:         d.ReplyTo,
		Headers:         d.Headers,
		Attachments:     d.Attachments,
		RatePerMinute:   d.RatePerMinute,
		BatchSize:       d.BatchSize,
		BatchDelay:      time.Duration(d.BatchDelay),
		BaseDelay:       time.Duration(d.BaseDelay),
		MaxDelay:        time.Duration(d.MaxDelay),
	}
	if d.MaxRetries != nil {
		c.MaxRetries = *d.MaxRetries
		maxRetriesSet = true
	}
	return c, maxRetriesSet
}

// Column returns the email column, defaulting to DefaultEmailColumn
func (d *Definition) Column() string {
	if d.EmailColumn == "" {
		return DefaultEmailColumn
	}
	return d.EmailColumn
}
