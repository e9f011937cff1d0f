package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailpace/internal/campaign"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketCreated   = []byte("campaigns_by_created")

	// Per-campaign nested buckets
	keyMeta          = []byte("meta")
	bucketRecipients = []byte("recipients")
	bucketPending    = []byte("pending")
	bucketEmails     = []byte("emails")
	bucketAttempts   = []byte("attempts")
)

// BoltStore implements Store using BoltDB. Each campaign owns a nested
// bucket holding its metadata, recipients, pending index and attempt log.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := NewBoltStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewBoltStoreFromDB uses an already opened database
func NewBoltStoreFromDB(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketCreated} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// CreateCampaign stores a campaign and its recipients
func (s *BoltStore) CreateCampaign(ctx context.Context, c *campaign.Campaign, rows []campaign.Row, emailColumn string) error {
	recipients, err := PrepareCampaign(c, rows, emailColumn, s.now(), uuid.NewString)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketCampaigns)
		if root.Bucket([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}

		b, err := root.CreateBucket([]byte(c.ID))
		if err != nil {
			return fmt.Errorf("failed to create campaign bucket: %w", err)
		}

		for _, name := range [][]byte{bucketRecipients, bucketPending, bucketEmails, bucketAttempts} {
			if _, err := b.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		rb, pb, eb := b.Bucket(bucketRecipients), b.Bucket(bucketPending), b.Bucket(bucketEmails)

		for _, r := range recipients {
			email := []byte(campaign.NormalizeEmail(r.Email))
			if eb.Get(email) != nil {
				return fmt.Errorf("%w: %s", ErrDuplicateEmail, r.Email)
			}
			if err := eb.Put(email, itob(r.ID)); err != nil {
				return err
			}
			if err := putRecipient(rb, pb, r); err != nil {
				return err
			}
		}

		if err := putMeta(b, c); err != nil {
			return err
		}
		return tx.Bucket(bucketCreated).Put(makeIndexKey(c.CreatedAt, c.ID), []byte(c.ID))
	})
}

// GetCampaign retrieves a campaign by ID
func (s *BoltStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c *campaign.Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		c, err = getMeta(b)
		return err
	})

	return c, err
}

// ListCampaigns returns campaigns matching the filter, newest first
func (s *BoltStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*campaign.Campaign, error) {
	var campaigns []*campaign.Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketCampaigns)
		c := tx.Bucket(bucketCreated).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			b := root.Bucket(v)
			if b == nil {
				continue
			}
			meta, err := getMeta(b)
			if err != nil {
				return err
			}
			if filter.Match(meta) {
				campaigns = append(campaigns, meta)
			}
		}
		return nil
	})

	return paginate(campaigns, filter.Limit, filter.Offset), err
}

// UpdateCampaign replaces templates and settings of a draft campaign
func (s *BoltStore) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, c.ID)
		if err != nil {
			return err
		}
		stored, err := getMeta(b)
		if err != nil {
			return err
		}
		if err := ApplyUpdate(stored, c, s.now()); err != nil {
			return err
		}
		*c = *stored
		return putMeta(b, stored)
	})
}

// DeleteCampaign removes a campaign that is not running
func (s *BoltStore) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		meta, err := getMeta(b)
		if err != nil {
			return err
		}
		if meta.Status == campaign.StatusRunning {
			return ErrRunning
		}

		if err := tx.Bucket(bucketCreated).Delete(makeIndexKey(meta.CreatedAt, meta.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketCampaigns).DeleteBucket([]byte(id))
	})
}

// SetStatus applies a campaign lifecycle transition
func (s *BoltStore) SetStatus(ctx context.Context, id string, status campaign.Status, reason string) error {
	return s.updateMeta(id, func(c *campaign.Campaign) error {
		return ApplyStatus(c, status, reason, s.now())
	})
}

// ListRecipients returns recipients matching the filter, ordered by ID
func (s *BoltStore) ListRecipients(ctx context.Context, id string, filter RecipientFilter) ([]*campaign.Recipient, error) {
	var recipients []*campaign.Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}

		skipped := 0
		c := b.Bucket(bucketRecipients).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r campaign.Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal recipient: %w", err)
			}
			if !filter.Match(&r) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			recipients = append(recipients, &r)
			if filter.Limit > 0 && len(recipients) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return recipients, err
}

// GetRecipient retrieves one recipient
func (s *BoltStore) GetRecipient(ctx context.Context, id string, recipientID int64) (*campaign.Recipient, error) {
	var r *campaign.Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		r, err = getRecipient(b.Bucket(bucketRecipients), recipientID)
		return err
	})

	return r, err
}

// NextBatch returns due pending recipients in ID order
func (s *BoltStore) NextBatch(ctx context.Context, id string, limit int, now time.Time) ([]*campaign.Recipient, error) {
	var batch []*campaign.Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		rb := b.Bucket(bucketRecipients)

		c := b.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if due := decodeTime(v); due.After(now) {
				continue
			}
			r, err := getRecipient(rb, btoi(k))
			if err != nil {
				return err
			}
			batch = append(batch, r)
			if limit > 0 && len(batch) >= limit {
				break
			}
		}
		return nil
	})

	return batch, err
}

// NextDue returns the earliest retry time among pending recipients
func (s *BoltStore) NextDue(ctx context.Context, id string) (time.Time, bool, error) {
	var due time.Time
	var ok bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}

		return b.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			t := decodeTime(v)
			if !ok || t.Before(due) {
				due, ok = t, true
			}
			return nil
		})
	})

	return due, ok, err
}

// MarkSending claims a pending recipient for one attempt
func (s *BoltStore) MarkSending(ctx context.Context, id string, recipientID int64) (*campaign.Recipient, error) {
	var r *campaign.Recipient

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		rb, pb := b.Bucket(bucketRecipients), b.Bucket(bucketPending)

		r, err = getRecipient(rb, recipientID)
		if err != nil {
			return err
		}
		if r.Status != campaign.RecipientPending {
			return ErrConflict
		}

		r.Status = campaign.RecipientSending
		if err := putRecipient(rb, pb, r); err != nil {
			return err
		}

		return updateCounts(b, func(counts *campaign.Counts) {
			counts.Move(campaign.RecipientPending, campaign.RecipientSending)
		})
	})

	return r, err
}

// RecordAttempt persists an attempt outcome atomically
func (s *BoltStore) RecordAttempt(ctx context.Context, r *campaign.Recipient, attempt *campaign.SendAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, r.CampaignID)
		if err != nil {
			return err
		}
		rb, pb := b.Bucket(bucketRecipients), b.Bucket(bucketPending)

		stored, err := getRecipient(rb, r.ID)
		if err != nil {
			return err
		}
		ab := b.Bucket(bucketAttempts)
		from := stored.Status
		if err := ApplyAttempt(stored, r, attempt, countAttempts(ab, stored.ID)); err != nil {
			return err
		}

		if err := putRecipient(rb, pb, stored); err != nil {
			return err
		}

		seq, err := ab.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(attempt)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		if err := ab.Put(attemptKey(stored.ID, seq), data); err != nil {
			return err
		}

		return updateCounts(b, func(counts *campaign.Counts) {
			counts.Move(from, stored.Status)
		})
	})
}

// RecoverSending returns recipients left in sending to pending
func (s *BoltStore) RecoverSending(ctx context.Context, id string) (int, error) {
	return s.moveAll(id, campaign.RecipientSending, func(r *campaign.Recipient) {
		r.Status = campaign.RecipientPending
	})
}

// RequeueFailed returns exhausted recipients to pending
func (s *BoltStore) RequeueFailed(ctx context.Context, id string) (int, error) {
	return s.moveAll(id, campaign.RecipientFailed, func(r *campaign.Recipient) {
		r.Status = campaign.RecipientPending
		r.Attempts = 0
		r.NextAttemptAt = time.Time{}
	})
}

func (s *BoltStore) moveAll(id string, from campaign.RecipientStatus, apply func(*campaign.Recipient)) (int, error) {
	var moved int

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		rb, pb := b.Bucket(bucketRecipients), b.Bucket(bucketPending)

		var changed []*campaign.Recipient
		err = rb.ForEach(func(k, v []byte) error {
			var r campaign.Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal recipient: %w", err)
			}
			if r.Status == from {
				changed = append(changed, &r)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, r := range changed {
			apply(r)
			if err := putRecipient(rb, pb, r); err != nil {
				return err
			}
		}
		moved = len(changed)

		return updateCounts(b, func(counts *campaign.Counts) {
			counts.Add(from, -moved)
			counts.Add(campaign.RecipientPending, moved)
		})
	})

	return moved, err
}

// ListAttempts returns the attempt log grouped by recipient, in write order
func (s *BoltStore) ListAttempts(ctx context.Context, id string, recipientID int64) ([]*campaign.SendAttempt, error) {
	var attempts []*campaign.SendAttempt

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}

		c := b.Bucket(bucketAttempts).Cursor()
		var k, v []byte
		if recipientID > 0 {
			prefix := itob(recipientID)
			k, v = c.Seek(prefix)
			for ; k != nil && btoi(k[:8]) == recipientID; k, v = c.Next() {
				var a campaign.SendAttempt
				if err := json.Unmarshal(v, &a); err != nil {
					return fmt.Errorf("failed to unmarshal attempt: %w", err)
				}
				attempts = append(attempts, &a)
			}
			return nil
		}

		for k, v = c.First(); k != nil; k, v = c.Next() {
			var a campaign.SendAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to unmarshal attempt: %w", err)
			}
			attempts = append(attempts, &a)
		}
		return nil
	})

	return attempts, err
}

// Counts returns per-status counters of a campaign
func (s *BoltStore) Counts(ctx context.Context, id string) (campaign.Counts, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Counts{}, err
	}
	return c.Counts, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func (s *BoltStore) updateMeta(id string, fn func(*campaign.Campaign) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := campaignBucket(tx, id)
		if err != nil {
			return err
		}
		c, err := getMeta(b)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		return putMeta(b, c)
	})
}

func campaignBucket(tx *bolt.Tx, id string) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketCampaigns).Bucket([]byte(id))
	if b == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func getMeta(b *bolt.Bucket) (*campaign.Campaign, error) {
	var c campaign.Campaign
	if err := json.Unmarshal(b.Get(keyMeta), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return &c, nil
}

func putMeta(b *bolt.Bucket, c *campaign.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return b.Put(keyMeta, data)
}

func updateCounts(b *bolt.Bucket, fn func(*campaign.Counts)) error {
	c, err := getMeta(b)
	if err != nil {
		return err
	}
	fn(&c.Counts)
	return putMeta(b, c)
}

func getRecipient(rb *bolt.Bucket, id int64) (*campaign.Recipient, error) {
	data := rb.Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("recipient %d: %w", id, ErrNotFound)
	}
	var r campaign.Recipient
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipient: %w", err)
	}
	return &r, nil
}

// putRecipient stores r and keeps the pending index in sync with its status
func putRecipient(rb, pb *bolt.Bucket, r *campaign.Recipient) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal recipient: %w", err)
	}
	key := itob(r.ID)
	if err := rb.Put(key, data); err != nil {
		return err
	}

	if r.Status == campaign.RecipientPending {
		return pb.Put(key, encodeTime(r.NextAttemptAt))
	}
	return pb.Delete(key)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// countAttempts returns how many attempts are logged for a recipient
func countAttempts(ab *bolt.Bucket, recipientID int64) int {
	var n int
	c := ab.Cursor()
	for k, _ := c.Seek(itob(recipientID)); k != nil && btoi(k[:8]) == recipientID; k, _ = c.Next() {
		n++
	}
	return n
}

func attemptKey(recipientID int64, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k, uint64(recipientID))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func encodeTime(t time.Time) []byte {
	if t.IsZero() {
		return itob(0)
	}
	return itob(t.UnixNano())
}

func decodeTime(b []byte) time.Time {
	n := btoi(b)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
