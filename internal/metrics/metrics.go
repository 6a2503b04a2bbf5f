// ============================================================================
// timerd Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露計時器引擎的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計時器計數器 (CounterVec，依 category 標籤) - 累計值，只增不減：
//      - timerd_timers_created_total: 建立的計時器總數
//      - timerd_timers_deleted_total: 刪除的計時器總數
//      - timerd_timers_started_total: 啟動（含重新啟動）總數
//      - timerd_timers_expired_total: 到期總數
//
//   2. 持久化 (Histogram + Counter)：
//      - timerd_persist_duration_seconds: 寫入文件的延遲分佈
//      - timerd_persist_failures_total: 寫入失敗次數
//
//   3. 通知 (Counter)：
//      - timerd_notifications_delivered_total: 已送達的到期通知數（依 category）
//      - timerd_notifications_failed_total: 投遞失敗次數
//      - timerd_notifications_dropped_total: 佇列已滿而丟棄的次數
//
//   4. 狀態指標 (Gauge) - 瞬時值：
//      - timerd_timers: 註冊表中的計時器數
//      - timerd_timers_active: Active 的計時器數（倒數中 + 暫停）
//      - timerd_timers_running: 倒數中的計時器數
//      - timerd_recovery_time_seconds: 最近一次啟動載入的耗時
//      - timerd_recovered_timers: 最近一次啟動恢復的計時器數
//
// Prometheus 查詢示例:
//
//   # 每小時到期的計時器數
//   increase(timerd_timers_expired_total[1h])
//
//   # 95 分位寫入延遲
//   histogram_quantile(0.95, rate(timerd_persist_duration_seconds_bucket[5m]))
//
// HTTP 端點:
//   通過 /metrics 端點暴露，與 JSON-RPC 共用 HTTP 伺服器
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/timerd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timerd"

// Collector Prometheus 指標收集器
type Collector struct {
	registerer prometheus.Registerer

	// 計時器相關指標
	timersCreated *prometheus.CounterVec
	timersDeleted *prometheus.CounterVec
	timersStarted *prometheus.CounterVec
	timersExpired *prometheus.CounterVec

	// 持久化
	persistLatency  prometheus.Histogram
	persistFailures prometheus.Counter

	// 通知
	notificationsDelivered *prometheus.CounterVec
	notificationsFailed    prometheus.Counter
	notificationsDropped   prometheus.Counter

	// 狀態指標
	timers          prometheus.Gauge
	timersActive    prometheus.Gauge
	timersRunning   prometheus.Gauge
	recoveryTime    prometheus.Gauge
	recoveredTimers prometheus.Gauge
}

// NewCollector 創建新的指標收集器，註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建新的指標收集器，註冊到指定的 Registerer
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registerer: reg,
		timersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_created_total",
			Help:      "Total number of timers created",
		}, []string{"category"}),
		timersDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_deleted_total",
			Help:      "Total number of timers deleted",
		}, []string{"category"}),
		timersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_started_total",
			Help:      "Total number of timer starts and restarts",
		}, []string{"category"}),
		timersExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_expired_total",
			Help:      "Total number of timers that reached zero",
		}, []string{"category"}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Latency of writing the timer document in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total number of failed timer document writes",
		}),
		notificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Total number of expiry notifications delivered",
		}, []string{"category"}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Total number of notifications that failed to deliver",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total number of notifications dropped because the queue was full",
		}),
		timers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers",
			Help:      "Current number of registered timers",
		}),
		timersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_active",
			Help:      "Current number of running or paused timers",
		}),
		timersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_running",
			Help:      "Current number of running timers",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to load saved timers at startup in seconds",
		}),
		recoveredTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovered_timers",
			Help:      "Number of timers restored at startup",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.timersCreated,
		c.timersDeleted,
		c.timersStarted,
		c.timersExpired,
		c.persistLatency,
		c.persistFailures,
		c.notificationsDelivered,
		c.notificationsFailed,
		c.notificationsDropped,
		c.timers,
		c.timersActive,
		c.timersRunning,
		c.recoveryTime,
		c.recoveredTimers,
	)

	return c
}

// RecordCreated 記錄建立計時器
func (c *Collector) RecordCreated(category types.Category) {
	c.timersCreated.WithLabelValues(string(category)).Inc()
}

// RecordDeleted 記錄刪除計時器
func (c *Collector) RecordDeleted(category types.Category) {
	c.timersDeleted.WithLabelValues(string(category)).Inc()
}

// RecordStarted 記錄啟動計時器
func (c *Collector) RecordStarted(category types.Category) {
	c.timersStarted.WithLabelValues(string(category)).Inc()
}

// RecordExpired 記錄計時器到期
func (c *Collector) RecordExpired(category types.Category) {
	c.timersExpired.WithLabelValues(string(category)).Inc()
}

// RecordPersist 記錄一次寫入的延遲與結果
func (c *Collector) RecordPersist(d time.Duration, err error) {
	c.persistLatency.Observe(d.Seconds())
	if err != nil {
		c.persistFailures.Inc()
	}
}

// RecordNotificationDelivered 記錄通知送達
func (c *Collector) RecordNotificationDelivered(category types.Category) {
	c.notificationsDelivered.WithLabelValues(string(category)).Inc()
}

// RecordNotificationFailed 記錄通知投遞失敗
func (c *Collector) RecordNotificationFailed() {
	c.notificationsFailed.Inc()
}

// RecordNotificationDropped 記錄通知被丟棄
func (c *Collector) RecordNotificationDropped() {
	c.notificationsDropped.Inc()
}

// UpdateTimerStats 更新計時器狀態統計
func (c *Collector) UpdateTimerStats(total, active, running int) {
	c.timers.Set(float64(total))
	c.timersActive.Set(float64(active))
	c.timersRunning.Set(float64(running))
}

// SetRecovery 設置啟動載入的耗時與恢復數量
func (c *Collector) SetRecovery(d time.Duration, restored int) {
	c.recoveryTime.Set(d.Seconds())
	c.recoveredTimers.Set(float64(restored))
}

// Handler 回傳 /metrics 的 HTTP handler
//
// Registerer 同時實作 prometheus.Gatherer 時（例如 *prometheus.Registry）
// 直接從它收集，否則退回 promhttp.Handler()。
func (c *Collector) Handler() http.Handler {
	if g, ok := c.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
