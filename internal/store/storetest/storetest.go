// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/store"
)

// Factory opens an empty store for one test
type Factory func(t *testing.T) store.Store

// NewCampaign returns a valid draft campaign
func NewCampaign(name string) *campaign.Campaign {
	return &campaign.Campaign{
		Name:            name,
		SubjectTemplate: "Hello {{ name }}",
		BodyTemplate:    "Hi {{ name }}",
		SenderAddress:   "news@example.com",
		SenderName:      "News",
		MaxRetries:      3,
	}
}

// Rows returns n recipient rows addressed user1@example.com and onwards
func Rows(n int) []campaign.Row {
	rows := make([]campaign.Row, n)
	for i := range rows {
		rows[i] = campaign.Row{
			"email": fmt.Sprintf("user%d@example.com", i+1),
			"name":  fmt.Sprintf("User %d", i+1),
		}
	}
	return rows
}

// Run executes the shared behaviour tests against stores made by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateRejectsInvalid", testCreateRejectsInvalid},
		{"ListCampaigns", testListCampaigns},
		{"UpdateDraftOnly", testUpdateDraftOnly},
		{"DeleteCampaign", testDeleteCampaign},
		{"SetStatus", testSetStatus},
		{"ListRecipients", testListRecipients},
		{"NextBatch", testNextBatch},
		{"MarkSendingConflict", testMarkSendingConflict},
		{"RecordAttempt", testRecordAttempt},
		{"RecordAttemptRejectsStale", testRecordAttemptRejectsStale},
		{"RecoverSending", testRecoverSending},
		{"RequeueFailed", testRequeueFailed},
		{"ListAttempts", testListAttempts},
		{"ConcurrentCampaigns", testConcurrentCampaigns},
		{"NotFound", testNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func create(t *testing.T, s store.Store, name string, n int) *campaign.Campaign {
	t.Helper()
	c := NewCampaign(name)
	if err := s.CreateCampaign(context.Background(), c, Rows(n), "email"); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}
	return c
}

func start(t *testing.T, s store.Store, id string) {
	t.Helper()
	if err := s.SetStatus(context.Background(), id, campaign.StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus(running) error = %v", err)
	}
}

func checkCounts(t *testing.T, s store.Store, id string, want campaign.Counts) {
	t.Helper()
	got, err := s.Counts(context.Background(), id)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}
	if !got.Consistent() {
		t.Errorf("counts do not add up: %+v", got)
	}
}

// attempt claims recipient rid and records one outcome with status to
func attempt(t *testing.T, s store.Store, id string, rid int64, to campaign.RecipientStatus, class campaign.ErrorClass) *campaign.Recipient {
	t.Helper()
	ctx := context.Background()

	r, err := s.MarkSending(ctx, id, rid)
	if err != nil {
		t.Fatalf("MarkSending(%d) error = %v", rid, err)
	}

	now := time.Now()
	r.Status = to
	r.Attempts++
	r.LastAttemptAt = now
	r.LastErrorClass = class

	a := &campaign.SendAttempt{Timestamp: now, Outcome: campaign.OutcomeSuccess, Latency: 15 * time.Millisecond}
	if to == campaign.RecipientSent {
		r.SentAt = now
	} else {
		r.LastError = "451 try later"
		a.Outcome = campaign.OutcomeFailure
		a.Class = class
		a.Code = 451
		a.Error = r.LastError
	}

	if err := s.RecordAttempt(ctx, r, a); err != nil {
		t.Fatalf("RecordAttempt(%d) error = %v", rid, err)
	}
	return r
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "spring", 3)

	if c.ID == "" {
		t.Fatal("CreateCampaign() did not assign an ID")
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	if got.Name != "spring" {
		t.Errorf("Name = %q, want spring", got.Name)
	}
	if got.Status != campaign.StatusDraft {
		t.Errorf("Status = %s, want draft", got.Status)
	}
	if got.RatePerMinute != campaign.DefaultRatePerMinute {
		t.Errorf("RatePerMinute = %d, want default %d", got.RatePerMinute, campaign.DefaultRatePerMinute)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	checkCounts(t, s, c.ID, campaign.Counts{Pending: 3, Total: 3})

	r, err := s.GetRecipient(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("GetRecipient() error = %v", err)
	}
	if r.Email != "user2@example.com" || r.Fields["name"] != "User 2" {
		t.Errorf("GetRecipient() = %+v", r)
	}
	if r.Status != campaign.RecipientPending {
		t.Errorf("Status = %s, want pending", r.Status)
	}
}

func testCreateRejectsInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()

	c := NewCampaign("bad")
	c.SenderAddress = "not an address"
	err := s.CreateCampaign(ctx, c, Rows(1), "email")
	var ve *campaign.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("CreateCampaign() error = %v, want ValidationError", err)
	}

	rows := Rows(2)
	rows[1]["email"] = "USER1@example.com"
	if err := s.CreateCampaign(ctx, NewCampaign("dup"), rows, "email"); err == nil {
		t.Fatal("expected error for duplicate recipients")
	}

	list, err := s.ListCampaigns(ctx, store.CampaignFilter{})
	if err != nil {
		t.Fatalf("ListCampaigns() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected campaigns were stored: %d", len(list))
	}
}

func testListCampaigns(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := create(t, s, "first", 1)
	time.Sleep(2 * time.Millisecond)
	second := create(t, s, "second", 1)
	time.Sleep(2 * time.Millisecond)
	third := create(t, s, "third", 1)
	start(t, s, second.ID)

	list, err := s.ListCampaigns(ctx, store.CampaignFilter{})
	if err != nil {
		t.Fatalf("ListCampaigns() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != third.ID || list[2].ID != first.ID {
		t.Errorf("not newest first: %s, %s, %s", list[0].Name, list[1].Name, list[2].Name)
	}

	running, err := s.ListCampaigns(ctx, store.CampaignFilter{Status: campaign.StatusRunning})
	if err != nil {
		t.Fatalf("ListCampaigns(running) error = %v", err)
	}
	if len(running) != 1 || running[0].ID != second.ID {
		t.Errorf("ListCampaigns(running) = %d campaigns", len(running))
	}

	page, err := s.ListCampaigns(ctx, store.CampaignFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListCampaigns(page) error = %v", err)
	}
	if len(page) != 1 || page[0].ID != second.ID {
		t.Errorf("page = %v", page)
	}

	if err := s.SetStatus(ctx, second.ID, campaign.StatusCompleted, ""); err != nil {
		t.Fatalf("SetStatus(completed) error = %v", err)
	}
	finished, err := s.ListCampaigns(ctx, store.CampaignFilter{FinishedBefore: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("ListCampaigns(finished) error = %v", err)
	}
	if len(finished) != 1 || finished[0].ID != second.ID {
		t.Errorf("ListCampaigns(finished) = %d campaigns", len(finished))
	}
}

func testUpdateDraftOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "draft", 1)

	edit := NewCampaign("renamed")
	edit.ID = c.ID
	edit.RatePerMinute = 120
	if err := s.UpdateCampaign(ctx, edit); err != nil {
		t.Fatalf("UpdateCampaign() error = %v", err)
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	if got.Name != "renamed" || got.RatePerMinute != 120 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Counts.Total != 1 {
		t.Errorf("counts lost on update: %+v", got.Counts)
	}

	edit.RatePerMinute = 5000
	var ve *campaign.ValidationError
	if err := s.UpdateCampaign(ctx, edit); !errors.As(err, &ve) {
		t.Errorf("UpdateCampaign(invalid) error = %v, want ValidationError", err)
	}

	start(t, s, c.ID)
	edit.RatePerMinute = 30
	if err := s.UpdateCampaign(ctx, edit); !errors.Is(err, store.ErrNotDraft) {
		t.Errorf("UpdateCampaign(running) error = %v, want ErrNotDraft", err)
	}
}

func testDeleteCampaign(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "gone", 2)
	attempt(t, s, c.ID, 1, campaign.RecipientPending, campaign.ClassTransient)

	start(t, s, c.ID)
	if err := s.DeleteCampaign(ctx, c.ID); !errors.Is(err, store.ErrRunning) {
		t.Fatalf("DeleteCampaign(running) error = %v, want ErrRunning", err)
	}

	if err := s.SetStatus(ctx, c.ID, campaign.StatusPaused, "operator"); err != nil {
		t.Fatalf("SetStatus(paused) error = %v", err)
	}
	if err := s.DeleteCampaign(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCampaign() error = %v", err)
	}

	if _, err := s.GetCampaign(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCampaign() after delete error = %v, want ErrNotFound", err)
	}
}

func testSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "lifecycle", 1)

	if err := s.SetStatus(ctx, c.ID, campaign.StatusCompleted, ""); err == nil {
		t.Fatal("draft -> completed should be rejected")
	}

	start(t, s, c.ID)
	got, _ := s.GetCampaign(ctx, c.ID)
	if got.StartedAt.IsZero() {
		t.Error("StartedAt not set on first run")
	}
	startedAt := got.StartedAt

	if err := s.SetStatus(ctx, c.ID, campaign.StatusFailed, "relay auth failed"); err != nil {
		t.Fatalf("SetStatus(failed) error = %v", err)
	}
	got, _ = s.GetCampaign(ctx, c.ID)
	if got.Status != campaign.StatusFailed || got.LastError != "relay auth failed" {
		t.Errorf("got status %s, error %q", got.Status, got.LastError)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	start(t, s, c.ID)
	got, _ = s.GetCampaign(ctx, c.ID)
	if got.LastError != "" || !got.CompletedAt.IsZero() {
		t.Errorf("restart kept error %q, completed %v", got.LastError, got.CompletedAt)
	}
	if !got.StartedAt.Equal(startedAt) {
		t.Errorf("StartedAt changed on restart: %v -> %v", startedAt, got.StartedAt)
	}
}

func testListRecipients(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "list", 5)
	attempt(t, s, c.ID, 2, campaign.RecipientSent, campaign.ClassNone)
	attempt(t, s, c.ID, 4, campaign.RecipientPermanentlyFailed, campaign.ClassPermanent)

	all, err := s.ListRecipients(ctx, c.ID, store.RecipientFilter{})
	if err != nil {
		t.Fatalf("ListRecipients() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i, r := range all {
		if r.ID != int64(i+1) {
			t.Errorf("recipient %d has ID %d", i, r.ID)
		}
	}

	done, err := s.ListRecipients(ctx, c.ID, store.RecipientFilter{
		Statuses: []campaign.RecipientStatus{campaign.RecipientSent, campaign.RecipientPermanentlyFailed},
	})
	if err != nil {
		t.Fatalf("ListRecipients(filter) error = %v", err)
	}
	if len(done) != 2 || done[0].ID != 2 || done[1].ID != 4 {
		t.Errorf("filtered = %v", done)
	}

	page, err := s.ListRecipients(ctx, c.ID, store.RecipientFilter{Limit: 2, Offset: 3})
	if err != nil {
		t.Fatalf("ListRecipients(page) error = %v", err)
	}
	if len(page) != 2 || page[0].ID != 4 {
		t.Errorf("page = %v", page)
	}
}

func testNextBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "batch", 4)
	now := time.Now()

	// Recipient 1 is deferred into the future
	r, err := s.MarkSending(ctx, c.ID, 1)
	if err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}
	r.Status = campaign.RecipientPending
	r.Attempts = 1
	r.NextAttemptAt = now.Add(time.Minute)
	if err := s.RecordAttempt(ctx, r, &campaign.SendAttempt{Timestamp: now, Outcome: campaign.OutcomeFailure}); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	batch, err := s.NextBatch(ctx, c.ID, 2, now)
	if err != nil {
		t.Fatalf("NextBatch() error = %v", err)
	}
	if len(batch) != 2 || batch[0].ID != 2 || batch[1].ID != 3 {
		t.Fatalf("NextBatch() = %v, want recipients 2 and 3", batch)
	}

	later, err := s.NextBatch(ctx, c.ID, 0, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("NextBatch(later) error = %v", err)
	}
	if len(later) != 4 || later[0].ID != 1 {
		t.Errorf("NextBatch(later) = %v, want all four in ID order", later)
	}

	due, ok, err := s.NextDue(ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("NextDue() = %v, %v, %v", due, ok, err)
	}
	if !due.IsZero() {
		t.Errorf("NextDue() = %v, want zero time for immediately due recipients", due)
	}
}

func testMarkSendingConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "claim", 1)

	r, err := s.MarkSending(ctx, c.ID, 1)
	if err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}
	if r.Status != campaign.RecipientSending {
		t.Errorf("Status = %s, want sending", r.Status)
	}

	if _, err := s.MarkSending(ctx, c.ID, 1); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second MarkSending() error = %v, want ErrConflict", err)
	}
	if _, err := s.MarkSending(ctx, c.ID, 99); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkSending(unknown) error = %v, want ErrNotFound", err)
	}

	checkCounts(t, s, c.ID, campaign.Counts{Sending: 1, Total: 1})
}

func testRecordAttempt(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "record", 3)

	attempt(t, s, c.ID, 1, campaign.RecipientSent, campaign.ClassNone)
	attempt(t, s, c.ID, 2, campaign.RecipientFailed, campaign.ClassTransient)

	checkCounts(t, s, c.ID, campaign.Counts{Pending: 1, Sent: 1, Failed: 1, Total: 3})

	r, err := s.GetRecipient(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("GetRecipient() error = %v", err)
	}
	if r.Attempts != 1 || r.LastError != "451 try later" || r.LastErrorClass != campaign.ClassTransient {
		t.Errorf("recipient not updated: %+v", r)
	}

	sent, _ := s.GetRecipient(ctx, c.ID, 1)
	if sent.SentAt.IsZero() {
		t.Error("SentAt not stored")
	}
}

func testRecordAttemptRejectsStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "stale", 1)

	r, err := s.GetRecipient(ctx, c.ID, 1)
	if err != nil {
		t.Fatalf("GetRecipient() error = %v", err)
	}
	r.Status = campaign.RecipientSent
	r.Attempts = 1

	// Not claimed with MarkSending
	if err := s.RecordAttempt(ctx, r, &campaign.SendAttempt{Outcome: campaign.OutcomeSuccess}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("RecordAttempt(unclaimed) error = %v, want ErrConflict", err)
	}

	claimed, err := s.MarkSending(ctx, c.ID, 1)
	if err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}
	claimed.Status = campaign.RecipientSent
	claimed.Attempts = 3
	if err := s.RecordAttempt(ctx, claimed, &campaign.SendAttempt{Outcome: campaign.OutcomeSuccess}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("RecordAttempt(skipped attempt) error = %v, want ErrConflict", err)
	}

	attempts, err := s.ListAttempts(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("rejected attempts were logged: %d", len(attempts))
	}
	checkCounts(t, s, c.ID, campaign.Counts{Sending: 1, Total: 1})
}

func testRecoverSending(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "crash", 3)

	attempt(t, s, c.ID, 1, campaign.RecipientPending, campaign.ClassTransient)
	if _, err := s.MarkSending(ctx, c.ID, 1); err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}
	if _, err := s.MarkSending(ctx, c.ID, 2); err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}

	n, err := s.RecoverSending(ctx, c.ID)
	if err != nil {
		t.Fatalf("RecoverSending() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RecoverSending() = %d, want 2", n)
	}

	r, _ := s.GetRecipient(ctx, c.ID, 1)
	if r.Status != campaign.RecipientPending || r.Attempts != 1 {
		t.Errorf("recovered recipient = %s with %d attempts, want pending with 1", r.Status, r.Attempts)
	}
	checkCounts(t, s, c.ID, campaign.Counts{Pending: 3, Total: 3})

	n, err = s.RecoverSending(ctx, c.ID)
	if err != nil || n != 0 {
		t.Errorf("second RecoverSending() = %d, %v", n, err)
	}
}

func testRequeueFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "requeue", 3)

	attempt(t, s, c.ID, 1, campaign.RecipientFailed, campaign.ClassTransient)
	attempt(t, s, c.ID, 2, campaign.RecipientPermanentlyFailed, campaign.ClassPermanent)

	n, err := s.RequeueFailed(ctx, c.ID)
	if err != nil {
		t.Fatalf("RequeueFailed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueFailed() = %d, want 1", n)
	}

	r, _ := s.GetRecipient(ctx, c.ID, 1)
	if r.Status != campaign.RecipientPending || r.Attempts != 0 {
		t.Errorf("requeued recipient = %s with %d attempts", r.Status, r.Attempts)
	}
	checkCounts(t, s, c.ID, campaign.Counts{Pending: 2, PermanentlyFailed: 1, Total: 3})

	// History survives the requeue
	attempts, err := s.ListAttempts(ctx, c.ID, 1)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("attempt log has %d entries, want 1", len(attempts))
	}

	// Numbering continues after the requeue
	attempt(t, s, c.ID, 1, campaign.RecipientSent, campaign.ClassNone)
	attempts, err = s.ListAttempts(ctx, c.ID, 1)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempt log has %d entries, want 2", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered #%d, want #%d", i, a.Number, i+1)
		}
	}
	r, _ = s.GetRecipient(ctx, c.ID, 1)
	if r.Attempts != 1 {
		t.Errorf("Attempts = %d after requeued send, want 1", r.Attempts)
	}
}

func testListAttempts(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := create(t, s, "log", 2)

	attempt(t, s, c.ID, 2, campaign.RecipientPending, campaign.ClassTransient)
	attempt(t, s, c.ID, 1, campaign.RecipientSent, campaign.ClassNone)
	attempt(t, s, c.ID, 2, campaign.RecipientSent, campaign.ClassNone)

	all, err := s.ListAttempts(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	want := []struct {
		rid    int64
		number int
	}{{1, 1}, {2, 1}, {2, 2}}
	for i, w := range want {
		if all[i].RecipientID != w.rid || all[i].Number != w.number {
			t.Errorf("attempt %d = recipient %d #%d, want recipient %d #%d",
				i, all[i].RecipientID, all[i].Number, w.rid, w.number)
		}
	}
	if all[1].Outcome != campaign.OutcomeFailure || all[1].Code != 451 {
		t.Errorf("failure attempt = %+v", all[1])
	}
	if all[0].Latency != 15*time.Millisecond {
		t.Errorf("Latency = %v, want 15ms", all[0].Latency)
	}

	one, err := s.ListAttempts(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("ListAttempts(2) error = %v", err)
	}
	if len(one) != 2 {
		t.Errorf("ListAttempts(2) = %d entries, want 2", len(one))
	}
}

// Runs of different campaigns write through the same store at once
func testConcurrentCampaigns(t *testing.T, s store.Store) {
	ctx := context.Background()
	const rows = 20
	ids := []string{create(t, s, "first", rows).ID, create(t, s, "second", rows).ID}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for rid := int64(1); rid <= rows; rid++ {
				r, err := s.MarkSending(ctx, id, rid)
				if err != nil {
					errs <- fmt.Errorf("MarkSending(%s, %d): %w", id, rid, err)
					return
				}
				now := time.Now()
				r.Status = campaign.RecipientSent
				r.Attempts++
				r.LastAttemptAt = now
				r.SentAt = now
				a := &campaign.SendAttempt{Timestamp: now, Outcome: campaign.OutcomeSuccess}
				if err := s.RecordAttempt(ctx, r, a); err != nil {
					errs <- fmt.Errorf("RecordAttempt(%s, %d): %w", id, rid, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	for _, id := range ids {
		checkCounts(t, s, id, campaign.Counts{Sent: rows, Total: rows})
		attempts, err := s.ListAttempts(ctx, id, 0)
		if err != nil {
			t.Fatalf("ListAttempts(%s) error = %v", id, err)
		}
		if len(attempts) != rows {
			t.Errorf("ListAttempts(%s) = %d entries, want %d", id, len(attempts), rows)
		}
	}
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetCampaign(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCampaign() error = %v", err)
	}
	if err := s.SetStatus(ctx, "missing", campaign.StatusRunning, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetStatus() error = %v", err)
	}
	if _, err := s.ListRecipients(ctx, "missing", store.RecipientFilter{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ListRecipients() error = %v", err)
	}
	if err := s.DeleteCampaign(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteCampaign() error = %v", err)
	}
}
