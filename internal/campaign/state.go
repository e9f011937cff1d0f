package campaign

import (
	"fmt"
)

// recipientTransitions lists the allowed recipient status changes.
// failed -> pending is an operator requeue.
var recipientTransitions = map[RecipientStatus][]RecipientStatus{
	RecipientPending: {RecipientSending},
	RecipientSending: {RecipientSent, RecipientPending, RecipientFailed, RecipientPermanentlyFailed},
	RecipientFailed:  {RecipientPending},
}

// Transition validates a recipient status change
func Transition(from, to RecipientStatus) error {
	for _, allowed := range recipientTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid recipient transition: %s -> %s", from, to)
}

var campaignTransitions = map[Status][]Status{
	StatusDraft:     {StatusRunning},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusRunning},
	StatusPaused:    {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusCompleted: {StatusRunning},
}

// TransitionCampaign validates a campaign status change.
// Finished campaigns may run again to retry failed recipients or after
// the fatal condition is fixed.
func TransitionCampaign(from, to Status) error {
	for _, allowed := range campaignTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid campaign transition: %s -> %s", from, to)
}
