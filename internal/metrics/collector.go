package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// CampaignStats is a snapshot of stored campaigns for the gauges
type CampaignStats struct {
	ByStatus map[string]int
	Pending  int
}

// StatsProvider reports campaign totals
type StatsProvider interface {
	CampaignStats(ctx context.Context) (*CampaignStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// sample is one persisted counter series
type sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector keeps counters across restarts and refreshes gauges.
// Counter values are snapshotted from the registry into bbolt and added
// back on startup.
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         StatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, stats StatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// counters lists the persisted counter families by metric name
func (c *Collector) counters() map[string]prometheus.Collector {
	m := c.metrics
	return map[string]prometheus.Collector{
		"mailpace_messages_sent_total":      m.MessagesSentTotal,
		"mailpace_messages_failed_total":    m.MessagesFailedTotal,
		"mailpace_messages_deferred_total":  m.MessagesDeferredTotal,
		"mailpace_campaign_runs_total":      m.CampaignRunsTotal,
		"mailpace_smtp_sessions_total":      m.SMTPSessionsTotal,
		"mailpace_smtp_reconnects_total":    m.SMTPReconnectsTotal,
		"mailpace_api_requests_total":       m.APIRequestsTotal,
		"mailpace_api_errors_total":         m.APIErrorsTotal,
		"mailpace_ratelimit_exceeded_total": m.RateLimitExceededTotal,
	}
}

func (c *Collector) loadCounters() error {
	var saved map[string][]sample

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}
		// A corrupt snapshot only loses history
		if err := json.Unmarshal(data, &saved); err != nil {
			saved = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	families := c.counters()
	for name, samples := range saved {
		for _, s := range samples {
			switch counter := families[name].(type) {
			case *prometheus.CounterVec:
				cv, err := counter.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil {
					continue
				}
				cv.Add(s.Value)
			case prometheus.Counter:
				counter.Add(s.Value)
			}
		}
	}
	return nil
}

// snapshot reads the current counter values from the registry
func (c *Collector) snapshot() (map[string][]sample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	persisted := c.counters()
	out := make(map[string][]sample)
	for _, mf := range families {
		if _, ok := persisted[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			s := sample{Value: metric.GetCounter().GetValue()}
			if len(metric.GetLabel()) > 0 {
				s.Labels = make(map[string]string, len(metric.GetLabel()))
				for _, l := range metric.GetLabel() {
					s.Labels[l.GetName()] = l.GetValue()
				}
			}
			out[mf.GetName()] = append(out[mf.GetName()], s)
		}
	}
	return out, nil
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.snapshot()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()
	gauges := time.NewTicker(5 * time.Second)
	defer gauges.Stop()

	c.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-flush.C:
			c.persistCounters()
		case <-gauges.C:
			c.collect(ctx)
		}
	}
}

// collect refreshes system and campaign gauges
func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}
	stats, err := c.stats.CampaignStats(ctx)
	if err != nil {
		return
	}
	c.metrics.RecipientsPending.Set(float64(stats.Pending))
	c.metrics.CampaignsByStatus.Reset()
	for status, n := range stats.ByStatus {
		c.metrics.CampaignsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
