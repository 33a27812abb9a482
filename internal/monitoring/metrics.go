package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 出站队列指标
	MessagesEnqueued  prometheus.Counter
	SendAttemptsTotal *prometheus.CounterVec
	SendDuration      prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec
	StuckMessages     prometheus.Gauge
	AdminRetries      prometheus.Counter

	// WAL 指标
	WALFallbacks  prometheus.Counter
	WALReplayed   prometheus.Counter
	WALBacklog    prometheus.Gauge
	SweepDuration prometheus.Histogram

	// 锁指标
	LockAcquisitions *prometheus.CounterVec

	// 去重指标
	DedupClaims    *prometheus.CounterVec
	DedupCacheHits *prometheus.CounterVec
	DedupForgets   prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesEnqueued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_outbound_enqueued_total",
				Help: "Total number of outbound messages enqueued",
			},
		),

		SendAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_send_attempts_total",
				Help: "Total number of send attempts by result",
			},
			[]string{"result"},
		),

		SendDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_send_duration_seconds",
				Help:    "Outbound send attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_queue_depth",
				Help: "Number of outbound messages by status",
			},
			[]string{"status"},
		),

		StuckMessages: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_queue_stuck_messages",
				Help: "Number of outbound messages currently classified as stuck",
			},
		),

		AdminRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_admin_retries_total",
				Help: "Total number of admin-triggered message retries",
			},
		),

		WALFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_wal_fallbacks_total",
				Help: "Total number of enqueues diverted to the write-ahead log",
			},
		),

		WALReplayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_wal_replayed_total",
				Help: "Total number of WAL entries replayed into the primary store",
			},
		),

		WALBacklog: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_wal_backlog",
				Help: "Number of entries currently buffered in the write-ahead log",
			},
		),

		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_sweep_duration_seconds",
				Help:    "Background retry sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		LockAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_lock_acquisitions_total",
				Help: "Total number of lock acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),

		DedupClaims: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_dedup_claims_total",
				Help: "Total number of inbound dedup claims by outcome",
			},
			[]string{"outcome"},
		),

		DedupCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_dedup_lookups_total",
				Help: "Total number of dedup lookups by tier",
			},
			[]string{"tier"},
		),

		DedupForgets: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_dedup_forgets_total",
				Help: "Total number of admin-triggered dedup record removals",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_errors_total",
				Help: "Total number of errors by type and component",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEnqueued 记录出站邮件入队
func (m *Metrics) RecordEnqueued() {
	m.MessagesEnqueued.Inc()
}

// RecordSendAttempt 记录一次发送尝试及耗时
func (m *Metrics) RecordSendAttempt(result string, duration time.Duration) {
	m.SendAttemptsTotal.WithLabelValues(result).Inc()
	m.SendDuration.Observe(duration.Seconds())
}

// RecordAdminRetry 记录管理员重试
func (m *Metrics) RecordAdminRetry() {
	m.AdminRetries.Inc()
}

// RecordWALFallback 记录 WAL 兜底写入
func (m *Metrics) RecordWALFallback() {
	m.WALFallbacks.Inc()
}

// RecordWALReplayed 记录 WAL 回放条数
func (m *Metrics) RecordWALReplayed(count int) {
	m.WALReplayed.Add(float64(count))
}

// RecordSweep 记录一轮扫描耗时
func (m *Metrics) RecordSweep(duration time.Duration) {
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordLockAcquisition 记录抢锁结果: acquired, wait_timeout, store_unreachable
func (m *Metrics) RecordLockAcquisition(outcome string) {
	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordDedupClaim 记录去重认领结果: won, lost
func (m *Metrics) RecordDedupClaim(outcome string) {
	m.DedupClaims.WithLabelValues(outcome).Inc()
}

// RecordDedupLookup 记录去重查询命中层: cache, durable, miss
func (m *Metrics) RecordDedupLookup(tier string) {
	m.DedupCacheHits.WithLabelValues(tier).Inc()
}

// RecordDedupForget 记录去重记录删除
func (m *Metrics) RecordDedupForget() {
	m.DedupForgets.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateQueueDepth 更新队列状态计数
func (m *Metrics) UpdateQueueDepth(status string, count int64) {
	m.QueueDepth.WithLabelValues(status).Set(float64(count))
}

// UpdateStuckMessages 更新卡住邮件数
func (m *Metrics) UpdateStuckMessages(count int64) {
	m.StuckMessages.Set(float64(count))
}

// UpdateWALBacklog 更新 WAL 积压数
func (m *Metrics) UpdateWALBacklog(count int64) {
	m.WALBacklog.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
