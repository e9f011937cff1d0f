package clock

import (
	"context"
	"testing"
	"time"
)

func TestSystemSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := System{}.Sleep(ctx, time.Hour)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return promptly after cancellation")
	}
}

func TestSystemSleepZero(t *testing.T) {
	if err := (System{}).Sleep(context.Background(), 0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestManualSleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	if err := m.Sleep(context.Background(), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Advance(2 * time.Second)
	if err := m.Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := m.Now().Sub(start); got != 3*time.Second {
		t.Errorf("expected 3s elapsed, got %v", got)
	}

	sleeps := m.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 0 {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
}

func TestManualSleepCancelled(t *testing.T) {
	m := NewManual(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Sleep(ctx, time.Second); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(m.Sleeps()) != 0 {
		t.Error("cancelled sleep should not be recorded")
	}
}
