// Package sqlstore implements the campaign store on SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/store"
)

// Store implements store.Store over database/sql
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to driver ("sqlite3" or "postgres") and applies migrations
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3", "sqlite":
		driver = "sqlite3"
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database without migrating it
func New(db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db, now: time.Now}

	switch driver {
	case "sqlite3", "sqlite":
		s.dialect = sqliteDialect
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases alive across calls
		db.SetMaxOpenConns(1)
	case "postgres":
		s.dialect = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	return s, nil
}

// Migrate creates the schema
func (s *Store) Migrate(ctx context.Context) error {
	if s.dialect.name == "sqlite3" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}
	for _, m := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateCampaign stores a campaign and its recipients in one transaction
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign, rows []campaign.Row, emailColumn string) error {
	recipients, err := store.PrepareCampaign(c, rows, emailColumn, s.now(), uuid.NewString)
	if err != nil {
		return err
	}

	data, err := marshalCampaign(c)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO campaigns (id, name, data, status, last_error, pending, sending, sent, failed,
				permanently_failed, total, created_at, updated_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.Name, data, string(c.Status), c.LastError,
			c.Counts.Pending, c.Counts.Sending, c.Counts.Sent, c.Counts.Failed, c.Counts.PermanentlyFailed, c.Counts.Total,
			unixNano(c.CreatedAt), unixNano(c.UpdatedAt), unixNano(c.StartedAt), unixNano(c.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert campaign: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, s.q(`
			INSERT INTO recipients (campaign_id, id, email, email_key, fields, status)
			VALUES (?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recipients {
			fields, err := json.Marshal(r.Fields)
			if err != nil {
				return fmt.Errorf("failed to marshal fields: %w", err)
			}
			_, err = stmt.ExecContext(ctx, r.CampaignID, r.ID, r.Email, campaign.NormalizeEmail(r.Email), string(fields), string(r.Status))
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s", store.ErrDuplicateEmail, r.Email)
				}
				return fmt.Errorf("failed to insert recipient: %w", err)
			}
		}
		return nil
	})
}

const campaignColumns = `id, data, status, last_error, pending, sending, sent, failed, permanently_failed, total,
	created_at, updated_at, started_at, completed_at`

// GetCampaign retrieves a campaign by ID
func (s *Store) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+campaignColumns+" FROM campaigns WHERE id = ?"), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return c, err
}

// ListCampaigns returns campaigns matching the filter, newest first
func (s *Store) ListCampaigns(ctx context.Context, filter store.CampaignFilter) ([]*campaign.Campaign, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.FinishedBefore.IsZero() {
		query += " AND status IN (?, ?) AND completed_at > 0 AND completed_at < ?"
		args = append(args, string(campaign.StatusCompleted), string(campaign.StatusFailed), unixNano(filter.FinishedBefore))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 && s.dialect.name == "sqlite3" {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaign replaces templates and settings of a draft campaign
func (s *Store) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := s.lockCampaign(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if err := store.ApplyUpdate(stored, c, s.now()); err != nil {
			return err
		}

		data, err := marshalCampaign(stored)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q("UPDATE campaigns SET name = ?, data = ?, updated_at = ? WHERE id = ?"),
			stored.Name, data, unixNano(stored.UpdatedAt), stored.ID)
		if err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}
		*c = *stored
		return nil
	})
}

// DeleteCampaign removes a campaign that is not running
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.lockCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Status == campaign.StatusRunning {
			return store.ErrRunning
		}

		for _, table := range []string{"send_attempts", "recipients"} {
			if _, err := tx.ExecContext(ctx, s.q("DELETE FROM "+table+" WHERE campaign_id = ?"), id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", table, err)
			}
		}
		_, err = tx.ExecContext(ctx, s.q("DELETE FROM campaigns WHERE id = ?"), id)
		return err
	})
}

// SetStatus applies a campaign lifecycle transition
func (s *Store) SetStatus(ctx context.Context, id string, status campaign.Status, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.lockCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := store.ApplyStatus(c, status, reason, s.now()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE campaigns SET status = ?, last_error = ?, updated_at = ?, started_at = ?, completed_at = ?
			WHERE id = ?`),
			string(c.Status), c.LastError, unixNano(c.UpdatedAt), unixNano(c.StartedAt), unixNano(c.CompletedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		return nil
	})
}

const recipientColumns = `campaign_id, id, email, fields, status, attempts, last_error, last_error_class,
	last_attempt_at, next_attempt_at, sent_at`

// ListRecipients returns recipients matching the filter, ordered by ID
func (s *Store) ListRecipients(ctx context.Context, id string, filter store.RecipientFilter) ([]*campaign.Recipient, error) {
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return nil, err
	}

	query := "SELECT " + recipientColumns + " FROM recipients WHERE campaign_id = ?"
	args := []any{id}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 && s.dialect.name == "sqlite3" {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return s.queryRecipients(ctx, query, args...)
}

// GetRecipient retrieves one recipient
func (s *Store) GetRecipient(ctx context.Context, id string, recipientID int64) (*campaign.Recipient, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+recipientColumns+" FROM recipients WHERE campaign_id = ? AND id = ?"), id, recipientID)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %d: %w", recipientID, store.ErrNotFound)
	}
	return r, err
}

// NextBatch returns due pending recipients in ID order
func (s *Store) NextBatch(ctx context.Context, id string, limit int, now time.Time) ([]*campaign.Recipient, error) {
	query := "SELECT " + recipientColumns + ` FROM recipients
		WHERE campaign_id = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY id`
	args := []any{id, string(campaign.RecipientPending), unixNano(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRecipients(ctx, query, args...)
}

// NextDue returns the earliest retry time among pending recipients
func (s *Store) NextDue(ctx context.Context, id string) (time.Time, bool, error) {
	var due sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q("SELECT MIN(next_attempt_at) FROM recipients WHERE campaign_id = ? AND status = ?"),
		id, string(campaign.RecipientPending)).Scan(&due)
	if err != nil {
		return time.Time{}, false, err
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return fromUnixNano(due.Int64), true, nil
}

// MarkSending claims a pending recipient for one attempt
func (s *Store) MarkSending(ctx context.Context, id string, recipientID int64) (*campaign.Recipient, error) {
	var r *campaign.Recipient

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q("UPDATE recipients SET status = ? WHERE campaign_id = ? AND id = ? AND status = ?"),
			string(campaign.RecipientSending), id, recipientID, string(campaign.RecipientPending))
		if err != nil {
			return fmt.Errorf("failed to mark sending: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		r, err = scanRecipient(tx.QueryRowContext(ctx, s.q("SELECT "+recipientColumns+" FROM recipients WHERE campaign_id = ? AND id = ?"), id, recipientID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("recipient %d: %w", recipientID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrConflict
		}

		return s.moveCount(ctx, tx, id, campaign.RecipientPending, campaign.RecipientSending, 1)
	})

	return r, err
}

// RecordAttempt persists an attempt outcome atomically
func (s *Store) RecordAttempt(ctx context.Context, r *campaign.Recipient, attempt *campaign.SendAttempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := scanRecipient(tx.QueryRowContext(ctx,
			s.q("SELECT "+recipientColumns+" FROM recipients WHERE campaign_id = ? AND id = ?"+s.dialect.forUpdate),
			r.CampaignID, r.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("recipient %d: %w", r.ID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var logged int
		err = tx.QueryRowContext(ctx,
			s.q("SELECT COALESCE(MAX(number), 0) FROM send_attempts WHERE campaign_id = ? AND recipient_id = ?"),
			stored.CampaignID, stored.ID).Scan(&logged)
		if err != nil {
			return fmt.Errorf("failed to read attempt log: %w", err)
		}

		from := stored.Status
		if err := store.ApplyAttempt(stored, r, attempt, logged); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE recipients SET status = ?, attempts = ?, last_error = ?, last_error_class = ?,
				last_attempt_at = ?, next_attempt_at = ?, sent_at = ?
			WHERE campaign_id = ? AND id = ?`),
			string(stored.Status), stored.Attempts, stored.LastError, string(stored.LastErrorClass),
			unixNano(stored.LastAttemptAt), unixNano(stored.NextAttemptAt), unixNano(stored.SentAt),
			stored.CampaignID, stored.ID)
		if err != nil {
			return fmt.Errorf("failed to update recipient: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO send_attempts (campaign_id, recipient_id, number, ts, outcome, class, code, error, latency_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			attempt.CampaignID, attempt.RecipientID, attempt.Number, unixNano(attempt.Timestamp),
			string(attempt.Outcome), string(attempt.Class), attempt.Code, attempt.Error, int64(attempt.Latency))
		if err != nil {
			return fmt.Errorf("failed to append attempt: %w", err)
		}

		return s.moveCount(ctx, tx, stored.CampaignID, from, stored.Status, 1)
	})
}

// RecoverSending returns recipients left in sending to pending
func (s *Store) RecoverSending(ctx context.Context, id string) (int, error) {
	return s.moveAll(ctx, id, campaign.RecipientSending, "")
}

// RequeueFailed returns exhausted recipients to pending with a fresh budget
func (s *Store) RequeueFailed(ctx context.Context, id string) (int, error) {
	return s.moveAll(ctx, id, campaign.RecipientFailed, ", attempts = 0, next_attempt_at = 0")
}

func (s *Store) moveAll(ctx context.Context, id string, from campaign.RecipientStatus, extra string) (int, error) {
	var moved int

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockCampaign(ctx, tx, id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.q("UPDATE recipients SET status = ?"+extra+" WHERE campaign_id = ? AND status = ?"),
			string(campaign.RecipientPending), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to move recipients: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		moved = int(n)
		if moved == 0 {
			return nil
		}
		return s.moveCount(ctx, tx, id, from, campaign.RecipientPending, moved)
	})

	return moved, err
}

// ListAttempts returns the attempt log ordered by recipient, then attempt
func (s *Store) ListAttempts(ctx context.Context, id string, recipientID int64) ([]*campaign.SendAttempt, error) {
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return nil, err
	}

	query := `SELECT campaign_id, recipient_id, number, ts, outcome, class, code, error, latency_ns
		FROM send_attempts WHERE campaign_id = ?`
	args := []any{id}
	if recipientID > 0 {
		query += " AND recipient_id = ?"
		args = append(args, recipientID)
	}
	query += " ORDER BY recipient_id, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*campaign.SendAttempt
	for rows.Next() {
		var a campaign.SendAttempt
		var ts, latency int64
		var outcome, class string
		if err := rows.Scan(&a.CampaignID, &a.RecipientID, &a.Number, &ts, &outcome, &class, &a.Code, &a.Error, &latency); err != nil {
			return nil, err
		}
		a.Timestamp = fromUnixNano(ts)
		a.Outcome = campaign.Outcome(outcome)
		a.Class = campaign.ErrorClass(class)
		a.Latency = time.Duration(latency)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// Counts returns per-status counters of a campaign
func (s *Store) Counts(ctx context.Context, id string) (campaign.Counts, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Counts{}, err
	}
	return c.Counts, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) lockCampaign(ctx context.Context, tx *sql.Tx, id string) (*campaign.Campaign, error) {
	row := tx.QueryRowContext(ctx, s.q("SELECT "+campaignColumns+" FROM campaigns WHERE id = ?"+s.dialect.forUpdate), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return c, err
}

// countColumns maps recipient statuses onto campaign counter columns
var countColumns = map[campaign.RecipientStatus]string{
	campaign.RecipientPending:           "pending",
	campaign.RecipientSending:           "sending",
	campaign.RecipientSent:              "sent",
	campaign.RecipientFailed:            "failed",
	campaign.RecipientPermanentlyFailed: "permanently_failed",
}

func (s *Store) moveCount(ctx context.Context, tx *sql.Tx, id string, from, to campaign.RecipientStatus, n int) error {
	if from == to {
		return nil
	}
	fromCol, toCol := countColumns[from], countColumns[to]

	_, err := tx.ExecContext(ctx,
		s.q(fmt.Sprintf("UPDATE campaigns SET %s = %s - ?, %s = %s + ?, updated_at = ? WHERE id = ?", fromCol, fromCol, toCol, toCol)),
		n, n, unixNano(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

func (s *Store) queryRecipients(ctx context.Context, query string, args ...any) ([]*campaign.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []*campaign.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*campaign.Campaign, error) {
	var (
		id, data, status, lastError                   string
		counts                                        campaign.Counts
		createdAt, updatedAt, startedAt, completedAt int64
	)
	err := row.Scan(&id, &data, &status, &lastError,
		&counts.Pending, &counts.Sending, &counts.Sent, &counts.Failed, &counts.PermanentlyFailed, &counts.Total,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	var c campaign.Campaign
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	c.ID = id
	c.Status = campaign.Status(status)
	c.LastError = lastError
	c.Counts = counts
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	c.StartedAt = fromUnixNano(startedAt)
	c.CompletedAt = fromUnixNano(completedAt)
	return &c, nil
}

func scanRecipient(row scanner) (*campaign.Recipient, error) {
	var (
		r                                campaign.Recipient
		fields, status, class            string
		lastAttempt, nextAttempt, sentAt int64
	)
	err := row.Scan(&r.CampaignID, &r.ID, &r.Email, &fields, &status, &r.Attempts, &r.LastError, &class,
		&lastAttempt, &nextAttempt, &sentAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	r.Status = campaign.RecipientStatus(status)
	r.LastErrorClass = campaign.ErrorClass(class)
	r.LastAttemptAt = fromUnixNano(lastAttempt)
	r.NextAttemptAt = fromUnixNano(nextAttempt)
	r.SentAt = fromUnixNano(sentAt)
	return &r, nil
}

// marshalCampaign encodes templates and settings; runtime state lives in columns
func marshalCampaign(c *campaign.Campaign) (string, error) {
	cp := *c
	cp.Counts = campaign.Counts{}
	cp.LastError = ""
	cp.Status = ""

	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
