package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/store"
)

var failureHeader = []string{"id", "email", "status", "attempts", "error_class", "last_error", "last_attempt_at"}

// ExportFailures writes failed and permanently failed recipients as CSV
func ExportFailures(ctx context.Context, st store.Store, id string, w io.Writer) (int, error) {
	if _, err := st.GetCampaign(ctx, id); err != nil {
		return 0, err
	}

	recipients, err := st.ListRecipients(ctx, id, store.RecipientFilter{
		Statuses: []campaign.RecipientStatus{campaign.RecipientFailed, campaign.RecipientPermanentlyFailed},
	})
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(failureHeader); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, r := range recipients {
		lastAttempt := ""
		if !r.LastAttemptAt.IsZero() {
			lastAttempt = r.LastAttemptAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			strconv.FormatInt(r.ID, 10),
			r.Email,
			string(r.Status),
			strconv.Itoa(r.Attempts),
			string(r.LastErrorClass),
			r.LastError,
			lastAttempt,
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write csv record: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush csv: %w", err)
	}
	return len(recipients), nil
}
