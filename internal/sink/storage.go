package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSink = []byte("sink")

// indexTimeFormat is fixed width so keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Storage persists captured messages in BoltDB, ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates sink storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSink)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sink bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSink).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// ListFilter contains filters for listing captured messages
type ListFilter struct {
	To     string
	Limit  int
	Offset int
}

// List returns captured messages, newest first, without their raw data
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSink).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.To != "" && !msg.HasRecipient(filter.To) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Get retrieves a captured message with its data
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var found *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSink).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if msg.ID == id {
				found = &msg
			}
			return nil
		})
	})

	return found, err
}

// Clear removes messages captured more than olderThan ago; zero removes all
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := []byte(time.Now().Add(-olderThan).UTC().Format(indexTimeFormat))

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSink)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if olderThan > 0 && string(k) >= string(cutoff) {
				break
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}
