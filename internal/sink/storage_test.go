package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "sink.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	return s
}

func TestStorageSaveListGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, to := range []string{"a@x.io", "b@x.io", "a@x.io"} {
		msg := &Message{
			ID:         string(rune('1' + i)),
			To:         []string{to},
			Data:       []byte("raw"),
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Save(ctx, msg); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "3" {
		t.Fatalf("expected newest first, got %d messages starting with %v", len(all), all)
	}
	if all[0].Data != nil {
		t.Error("List should not return message data")
	}

	filtered, _ := s.List(ctx, ListFilter{To: "a@x.io", Limit: 1})
	if len(filtered) != 1 || filtered[0].ID != "3" {
		t.Errorf("unexpected filtered result %v", filtered)
	}

	got, err := s.Get(ctx, "2")
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "raw" {
		t.Errorf("Get should return data, got %q", got.Data)
	}

	missing, _ := s.Get(ctx, "nope")
	if missing != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestStorageClear(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	s.Save(ctx, &Message{ID: "old", CapturedAt: time.Now().Add(-48 * time.Hour)})
	s.Save(ctx, &Message{ID: "new", CapturedAt: time.Now()})

	n, err := s.Clear(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}

	n, _ = s.Clear(ctx, 0)
	if n != 1 {
		t.Errorf("expected remaining message removed, got %d", n)
	}
}
