package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailpace
type Metrics struct {
	// Per-recipient outcomes
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesDeferredTotal *prometheus.CounterVec
	SendDurationSeconds   *prometheus.HistogramVec

	// Campaign runs
	CampaignRunsTotal *prometheus.CounterVec
	CampaignsRunning  prometheus.Gauge
	RecipientsPending prometheus.Gauge
	CampaignsByStatus *prometheus.GaugeVec

	// Relay sessions
	SMTPSessionsTotal   *prometheus.CounterVec
	SMTPReconnectsTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Quota
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_messages_sent_total",
				Help: "Total number of messages accepted by the relay",
			},
			[]string{"domain"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_messages_failed_total",
				Help: "Total number of recipients that reached a failed state",
			},
			[]string{"domain", "class"},
		),
		MessagesDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_messages_deferred_total",
				Help: "Total number of attempts rescheduled for retry",
			},
			[]string{"domain"},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailpace_send_duration_seconds",
				Help:    "Time spent in one relay transaction",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		CampaignRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_campaign_runs_total",
				Help: "Total number of finished campaign runs by result",
			},
			[]string{"result"},
		),
		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailpace_campaigns_running",
				Help: "Number of campaign runs in progress",
			},
		),
		RecipientsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailpace_recipients_pending",
				Help: "Recipients still to be attempted across all campaigns",
			},
		),
		CampaignsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailpace_campaigns",
				Help: "Number of stored campaigns by status",
			},
			[]string{"status"},
		),

		SMTPSessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_smtp_sessions_total",
				Help: "Total number of relay sessions opened",
			},
			[]string{"result"},
		),
		SMTPReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailpace_smtp_reconnects_total",
				Help: "Total number of relay reconnects after a dropped connection",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailpace_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpace_ratelimit_exceeded_total",
				Help: "Total number of sends held back by a quota",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailpace_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailpace_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailpace_storage_used_bytes",
				Help: "Database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesDeferredTotal,
		m.SendDurationSeconds,
		m.CampaignRunsTotal,
		m.CampaignsRunning,
		m.RecipientsPending,
		m.CampaignsByStatus,
		m.SMTPSessionsTotal,
		m.SMTPReconnectsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(domain string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(domain).Inc()
	}
}

// IncMessagesFailed counts a recipient reaching failed or permanently_failed
func IncMessagesFailed(domain, class string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(domain, class).Inc()
	}
}

// IncMessagesDeferred increments the retry counter
func IncMessagesDeferred(domain string) {
	if m := Global(); m != nil {
		m.MessagesDeferredTotal.WithLabelValues(domain).Inc()
	}
}

// ObserveSend records the latency of one relay transaction
func ObserveSend(outcome string, d time.Duration) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// RunStarted marks a campaign run as in progress
func RunStarted() {
	if m := Global(); m != nil {
		m.CampaignsRunning.Inc()
	}
}

// RunFinished records how a campaign run ended
func RunFinished(result string) {
	if m := Global(); m != nil {
		m.CampaignsRunning.Dec()
		m.CampaignRunsTotal.WithLabelValues(result).Inc()
	}
}

// IncSMTPSessions counts a relay session attempt ("ok" or "failed")
func IncSMTPSessions(result string) {
	if m := Global(); m != nil {
		m.SMTPSessionsTotal.WithLabelValues(result).Inc()
	}
}

// IncSMTPReconnects counts a reconnect after a dropped relay connection
func IncSMTPReconnects() {
	if m := Global(); m != nil {
		m.SMTPReconnectsTotal.Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
