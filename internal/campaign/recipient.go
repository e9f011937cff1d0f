package campaign

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// RecipientStatus represents the delivery state of one recipient
type RecipientStatus string

const (
	RecipientPending           RecipientStatus = "pending"
	RecipientSending           RecipientStatus = "sending"
	RecipientSent              RecipientStatus = "sent"
	RecipientFailed            RecipientStatus = "failed"
	RecipientPermanentlyFailed RecipientStatus = "permanently_failed"
)

// AllRecipientStatuses lists every recipient status in display order
var AllRecipientStatuses = []RecipientStatus{
	RecipientPending,
	RecipientSending,
	RecipientSent,
	RecipientFailed,
	RecipientPermanentlyFailed,
}

// ParseRecipientStatus validates a status string
func ParseRecipientStatus(s string) (RecipientStatus, error) {
	for _, st := range AllRecipientStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown recipient status: %s", s)
}

// Terminal reports whether the engine never attempts the recipient again
func (s RecipientStatus) Terminal() bool {
	return s == RecipientSent || s == RecipientFailed || s == RecipientPermanentlyFailed
}

// ErrorClass classifies why an attempt failed
type ErrorClass string

const (
	ClassNone      ErrorClass = ""
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassRendering ErrorClass = "rendering"
)

// Row is one line of the validated recipient table
type Row map[string]string

// Recipient is one addressee of a campaign
type Recipient struct {
	CampaignID     string            `json:"campaign_id"`
	ID             int64             `json:"id"`
	Email          string            `json:"email"`
	Fields         map[string]string `json:"fields,omitempty"`
	Status         RecipientStatus   `json:"status"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	LastErrorClass ErrorClass        `json:"last_error_class,omitempty"`
	LastAttemptAt  time.Time         `json:"last_attempt_at,omitempty"`
	NextAttemptAt  time.Time         `json:"next_attempt_at,omitempty"`
	SentAt         time.Time         `json:"sent_at,omitempty"`
}

// Due reports whether a pending recipient may be attempted at now
func (r *Recipient) Due(now time.Time) bool {
	return r.Status == RecipientPending && !r.NextAttemptAt.After(now)
}

// Outcome is the result of one attempt, written atomically by the store
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SendAttempt is one append-only entry of the attempt log
type SendAttempt struct {
	CampaignID  string        `json:"campaign_id"`
	RecipientID int64         `json:"recipient_id"`
	Number      int           `json:"number"`
	Timestamp   time.Time     `json:"timestamp"`
	Outcome     Outcome       `json:"outcome"`
	Class       ErrorClass    `json:"class,omitempty"`
	Code        int           `json:"code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Latency     time.Duration `json:"latency"`
}

// NewRecipients converts table rows into pending recipients.
// Row positions become recipient IDs starting at 1.
func NewRecipients(campaignID string, rows []Row, emailColumn string) ([]*Recipient, error) {
	if emailColumn == "" {
		emailColumn = DefaultEmailColumn
	}
	if len(rows) == 0 {
		return nil, &ValidationError{Field: "recipients", Message: "must not be empty"}
	}
	if len(rows) > MaxRecipients {
		return nil, &ValidationError{
			Field:   "recipients",
			Message: fmt.Sprintf("too many recipients: %d (max %d)", len(rows), MaxRecipients),
		}
	}

	seen := make(map[string]int, len(rows))
	recipients := make([]*Recipient, 0, len(rows))

	for i, row := range rows {
		raw := strings.TrimSpace(row[emailColumn])
		if raw == "" {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("recipients[%d].%s", i+1, emailColumn),
				Message: "is required",
			}
		}

		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("recipients[%d].%s", i+1, emailColumn),
				Message: fmt.Sprintf("invalid address %q", raw),
			}
		}

		key := NormalizeEmail(addr.Address)
		if prev, ok := seen[key]; ok {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("recipients[%d].%s", i+1, emailColumn),
				Message: fmt.Sprintf("duplicate of row %d", prev),
			}
		}
		seen[key] = i + 1

		fields := make(map[string]string, len(row))
		for k, v := range row {
			fields[k] = v
		}

		recipients = append(recipients, &Recipient{
			CampaignID: campaignID,
			ID:         int64(i + 1),
			Email:      addr.Address,
			Fields:     fields,
			Status:     RecipientPending,
		})
	}

	return recipients, nil
}

// NormalizeEmail returns the uniqueness key of an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
