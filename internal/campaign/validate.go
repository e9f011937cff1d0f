package campaign

import (
	"fmt"
	"net/mail"
	"strings"
)

// ValidationError describes a rejected campaign setting
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Validate checks the campaign before it is saved.
// Template syntax is checked separately by the renderer.
func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.SubjectTemplate) == "" {
		return &ValidationError{Field: "subject_template", Message: "is required"}
	}
	if strings.TrimSpace(c.BodyTemplate) == "" {
		return &ValidationError{Field: "body_template", Message: "is required"}
	}

	switch c.BodyType {
	case BodyPlain, BodyHTML, BodyMarkdown:
	default:
		return &ValidationError{
			Field:   "body_type",
			Message: fmt.Sprintf("must be plain, html or markdown, got %q", c.BodyType),
		}
	}

	if c.SenderAddress == "" {
		return &ValidationError{Field: "sender_address", Message: "is required"}
	}
	if _, err := mail.ParseAddress(c.SenderAddress); err != nil {
		return &ValidationError{Field: "sender_address", Message: fmt.Sprintf("invalid address %q", c.SenderAddress)}
	}
	if c.ReplyTo != "" {
		if _, err := mail.ParseAddress(c.ReplyTo); err != nil {
			return &ValidationError{Field: "reply_to", Message: fmt.Sprintf("invalid address %q", c.ReplyTo)}
		}
	}

	if c.RatePerMinute < MinRatePerMinute || c.RatePerMinute > MaxRatePerMinute {
		return &ValidationError{
			Field:   "rate_per_minute",
			Message: fmt.Sprintf("must be between %d and %d", MinRatePerMinute, MaxRatePerMinute),
		}
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return &ValidationError{
			Field:   "batch_size",
			Message: fmt.Sprintf("must be between 1 and %d", MaxBatchSize),
		}
	}
	if c.BatchDelay < 0 {
		return &ValidationError{Field: "batch_delay", Message: "must not be negative"}
	}
	if c.MaxRetries < 0 || c.MaxRetries > MaxRetriesLimit {
		return &ValidationError{
			Field:   "max_retries",
			Message: fmt.Sprintf("must be between 0 and %d", MaxRetriesLimit),
		}
	}
	if c.BaseDelay <= 0 {
		return &ValidationError{Field: "base_delay", Message: "must be positive"}
	}
	if c.MaxDelay < c.BaseDelay {
		return &ValidationError{Field: "max_delay", Message: "must not be less than base_delay"}
	}

	for name := range c.Headers {
		if strings.ContainsAny(name, ":\r\n ") || name == "" {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("invalid header name %q", name)}
		}
	}

	var size int
	for i, a := range c.Attachments {
		if a.Filename == "" {
			return &ValidationError{Field: fmt.Sprintf("attachments[%d].filename", i), Message: "is required"}
		}
		size += len(a.Data)
	}
	if size > MaxAttachmentSize {
		return &ValidationError{
			Field:   "attachments",
			Message: fmt.Sprintf("total size %d exceeds %d bytes", size, MaxAttachmentSize),
		}
	}

	return nil
}
