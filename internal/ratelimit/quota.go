package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailpace/internal/clock"
)

var bucketQuota = []byte("quota")

// Level represents the scope a quota counter applies to
type Level string

const (
	LevelGlobal    Level = "global"
	LevelCampaign  Level = "campaign"
	LevelSender    Level = "sender"
	LevelRecipient Level = "recipient_domain"
)

// QuotaConfig contains the provider quota ceilings.
// They are shared by every campaign of the process and survive restarts.
type QuotaConfig struct {
	// Global limits for the whole relay account
	Global *LimitConfig `yaml:"global,omitempty"`

	// Default limits per campaign
	DefaultCampaign *LimitConfig `yaml:"default_campaign,omitempty"`

	// Default limits per sender address
	DefaultSender *LimitConfig `yaml:"default_sender,omitempty"`

	// Default limits per recipient domain (e.g. gmail.com)
	DefaultRecipientDomain *LimitConfig `yaml:"default_recipient_domain,omitempty"`

	// Per-recipient-domain overrides
	RecipientDomains map[string]*LimitConfig `yaml:"recipient_domains,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains quota values; zero means unlimited
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks quota usage in the current hour and day windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request identifies one send for quota accounting
type Request struct {
	CampaignID      string
	Sender          string
	RecipientDomain string
}

// Result contains the quota decision
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains quota usage for one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Quota enforces hourly and daily send ceilings on top of per-campaign pacing
type Quota struct {
	db       *bolt.DB
	config   *QuotaConfig
	clock    clock.Clock
	counters map[string]*Counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewQuota creates a quota enforcer persisting its counters in db
func NewQuota(db *bolt.DB, cfg *QuotaConfig, clk clock.Clock) (*Quota, error) {
	if cfg == nil {
		cfg = &QuotaConfig{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuota)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	q := &Quota{
		db:       db,
		config:   cfg,
		clock:    clk,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}

	if err := q.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go q.persistLoop()

	return q, nil
}

// Allow checks all applicable ceilings and consumes one unit from each
// when the send is allowed
func (q *Quota) Allow(ctx context.Context, req *Request) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	checks := q.getChecks(req)

	for _, check := range checks {
		counter := q.getOrCreateCounter(check.key, now)
		resetExpiredCounter(counter, now)

		if res := evaluate(check, counter.HourlyCount, counter.DailyCount, counter, now); res != nil {
			return res, nil
		}
	}

	for _, check := range checks {
		counter := q.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}, nil
}

// Release returns a unit taken by Allow for a send that never reached the
// relay. Counters whose window rolled over since are left alone.
func (q *Quota) Release(ctx context.Context, req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for _, check := range q.getChecks(req) {
		counter, exists := q.counters[check.key]
		if !exists {
			continue
		}
		if counter.HourlyCount > 0 && now.Sub(counter.HourStart) < time.Hour {
			counter.HourlyCount--
		}
		if counter.DailyCount > 0 && now.Sub(counter.DayStart) < 24*time.Hour {
			counter.DailyCount--
		}
	}
	return nil
}

// Check reports whether a send would be allowed without consuming quota
func (q *Quota) Check(ctx context.Context, req *Request) (*Result, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := q.clock.Now()

	for _, check := range q.getChecks(req) {
		counter, exists := q.counters[check.key]
		if !exists {
			continue
		}

		hourly, daily := counter.HourlyCount, counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourly = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			daily = 0
		}

		if res := evaluate(check, hourly, daily, counter, now); res != nil {
			return res, nil
		}
	}

	return &Result{Allowed: true}, nil
}

func evaluate(check limitCheck, hourly, daily int, counter *Counter, now time.Time) *Result {
	if check.limit.MessagesPerHour > 0 && hourly >= check.limit.MessagesPerHour {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.MessagesPerDay > 0 && daily >= check.limit.MessagesPerDay {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

// GetStats returns current usage for one level and key
func (q *Quota) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counter, exists := q.counters[makeKey(level, key)]
	if !exists {
		return &Stats{Level: level, Key: key}, nil
	}

	now := q.clock.Now()
	stats := &Stats{
		Level:       level,
		Key:         key,
		HourlyCount: counter.HourlyCount,
		DailyCount:  counter.DailyCount,
		HourStart:   counter.HourStart,
		DayStart:    counter.DayStart,
	}
	if now.Sub(counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}

	return stats, nil
}

// Stop stops the background flush and persists counters
func (q *Quota) Stop() error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	return q.persistCounters()
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (q *Quota) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if q.config.Global != nil {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: q.config.Global,
		})
	}

	if req.CampaignID != "" && q.config.DefaultCampaign != nil {
		checks = append(checks, limitCheck{
			level: LevelCampaign,
			key:   makeKey(LevelCampaign, req.CampaignID),
			limit: q.config.DefaultCampaign,
		})
	}

	if req.Sender != "" && q.config.DefaultSender != nil {
		checks = append(checks, limitCheck{
			level: LevelSender,
			key:   makeKey(LevelSender, strings.ToLower(req.Sender)),
			limit: q.config.DefaultSender,
		})
	}

	if req.RecipientDomain != "" {
		domain := strings.ToLower(req.RecipientDomain)
		limit := q.config.DefaultRecipientDomain
		if override, ok := q.config.RecipientDomains[domain]; ok {
			limit = override
		}
		if limit != nil {
			checks = append(checks, limitCheck{
				level: LevelRecipient,
				key:   makeKey(LevelRecipient, domain),
				limit: limit,
			})
		}
	}

	return checks
}

// Enabled reports whether any ceiling is configured
func (q *Quota) Enabled() bool {
	c := q.config
	return c.Global != nil || c.DefaultCampaign != nil || c.DefaultSender != nil ||
		c.DefaultRecipientDomain != nil || len(c.RecipientDomains) > 0
}

func (q *Quota) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := q.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		q.counters[key] = counter
	}
	return counter
}

func resetExpiredCounter(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (q *Quota) loadCounters() error {
	return q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuota)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			q.counters[string(k)] = &counter
			return nil
		})
	})
}

func (q *Quota) persistCounters() error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuota)
		if bucket == nil {
			return nil
		}

		for key, counter := range q.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *Quota) persistLoop() {
	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
