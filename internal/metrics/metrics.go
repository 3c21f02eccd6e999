// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オフラインキャッシュワーカーやセッションマネージャーから利用する。
type MetricsCollector interface {
	RecordCacheHit(class string)
	RecordCacheMiss(class string)
	RecordCacheWrite(partition string)
	RecordNetworkFailure(class string)
	RecordFallback(kind string)
	RecordPartitionsPurged(count int)
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
	RecordTokenRefresh(success bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	networkFailures *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	purged          prometheus.Counter
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	tokenRefresh    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_cache_hits_total",
			Help: "キャッシュから応答したリクエスト数（リクエスト種別ごと）",
		}, []string{"class"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_cache_misses_total",
			Help: "キャッシュに存在しなかったリクエスト数（リクエスト種別ごと）",
		}, []string{"class"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_cache_writes_total",
			Help: "パーティションごとのキャッシュ書き込み数",
		}, []string{"partition"}),
		networkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_network_failures_total",
			Help: "上流へのネットワーク到達失敗数（リクエスト種別ごと）",
		}, []string{"class"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_offline_fallbacks_total",
			Help: "オフライン時のフォールバック応答数（種類ごと）",
		}, []string{"kind"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tujitume_cache_partitions_purged_total",
			Help: "アクティベーション時に削除された旧パーティション数",
		}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_upstream_status_total",
			Help: "上流HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tujitume_upstream_latency_seconds",
			Help:    "上流フェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tujitume_token_refresh_total",
			Help: "IDトークンのリフレッシュ回数（結果ごと）",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheWrites,
		c.networkFailures,
		c.fallbacks,
		c.purged,
		c.upstreamStatus,
		c.upstreamLatency,
		c.tokenRefresh,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(class string) {
	c.cacheHits.WithLabelValues(class).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(class string) {
	c.cacheMisses.WithLabelValues(class).Inc()
}

// RecordCacheWrite はキャッシュ書き込みを記録する。
func (c *Collector) RecordCacheWrite(partition string) {
	c.cacheWrites.WithLabelValues(partition).Inc()
}

// RecordNetworkFailure はネットワーク到達失敗を記録する。
func (c *Collector) RecordNetworkFailure(class string) {
	c.networkFailures.WithLabelValues(class).Inc()
}

// RecordFallback はフォールバック応答を記録する。
func (c *Collector) RecordFallback(kind string) {
	c.fallbacks.WithLabelValues(kind).Inc()
}

// RecordPartitionsPurged は削除したパーティション数を記録する。
func (c *Collector) RecordPartitionsPurged(count int) {
	c.purged.Add(float64(count))
}

// RecordUpstreamStatus は上流のHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は上流フェッチのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// Nop は何も記録しないMetricsCollector実装。
// メトリクスを公開しないクライアント用途とテストで使用する。
type Nop struct{}

func (Nop) RecordCacheHit(string)               {}
func (Nop) RecordCacheMiss(string)              {}
func (Nop) RecordCacheWrite(string)             {}
func (Nop) RecordNetworkFailure(string)         {}
func (Nop) RecordFallback(string)               {}
func (Nop) RecordPartitionsPurged(int)          {}
func (Nop) RecordUpstreamStatus(int)            {}
func (Nop) RecordUpstreamLatency(time.Duration) {}
func (Nop) RecordTokenRefresh(bool)             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
