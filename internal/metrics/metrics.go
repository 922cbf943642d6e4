// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// リポジトリ層、リモートクライアント、ワーカーから利用する。
type Recorder interface {
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
	RecordStaleFallback(kind string)
	RecordTombstone(kind string)
	RecordPersistenceError(kind string)
	ObserveRemote(endpoint, result string, d time.Duration)
	RecordPrefetch(result string)
	RecordPruned(kind string, count int)
}

// Nop は何も記録しないRecorder。
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordCacheHit(string) {}
func (Nop) RecordCacheMiss(string) {}
func (Nop) RecordStaleFallback(string) {}
func (Nop) RecordTombstone(string) {}
func (Nop) RecordPersistenceError(string) {}
func (Nop) ObserveRemote(string, string, time.Duration) {}
func (Nop) RecordPrefetch(string) {}
func (Nop) RecordPruned(string, int) {}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	staleFallbacks    *prometheus.CounterVec
	tombstones        *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	remoteRequests    *prometheus.CounterVec
	remoteLatency     *prometheus.HistogramVec
	prefetchRuns      *prometheus.CounterVec
	pruned            *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_cache_hits_total",
			Help: "キャッシュから応答した回数",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_cache_misses_total",
			Help: "リモート取得が必要になった回数",
		}, []string{"kind"}),
		staleFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_stale_fallbacks_total",
			Help: "リモート失敗時に古いキャッシュで応答した回数",
		}, []string{"kind"}),
		tombstones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_tombstones_total",
			Help: "リモートで削除済みと判明して削除したレコード数",
		}, []string{"kind"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_persistence_errors_total",
			Help: "ローカルストアの読み書き失敗の合計数",
		}, []string{"kind"}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_remote_requests_total",
			Help: "エンドポイントと結果別のリモートAPI呼び出し数",
		}, []string{"endpoint", "result"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warmsync_remote_latency_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		prefetchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_prefetch_runs_total",
			Help: "結果別の先読み実行回数",
		}, []string{"result"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmsync_pruned_records_total",
			Help: "クリーンアップで削除したレコード数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.staleFallbacks,
		c.tombstones,
		c.persistenceErrors,
		c.remoteRequests,
		c.remoteLatency,
		c.prefetchRuns,
		c.pruned,
	)

	return c
}

// RecordCacheHit はキャッシュからの応答を記録する。
func (c *Collector) RecordCacheHit(kind string) {
	c.cacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss はリモート取得が必要になったことを記録する。
func (c *Collector) RecordCacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// RecordStaleFallback は古いキャッシュでの応答を記録する。
func (c *Collector) RecordStaleFallback(kind string) {
	c.staleFallbacks.WithLabelValues(kind).Inc()
}

// RecordTombstone はtombstoneによる削除を記録する。
func (c *Collector) RecordTombstone(kind string) {
	c.tombstones.WithLabelValues(kind).Inc()
}

// RecordPersistenceError はストアの失敗を記録する。
func (c *Collector) RecordPersistenceError(kind string) {
	c.persistenceErrors.WithLabelValues(kind).Inc()
}

// ObserveRemote はリモートAPI呼び出しの結果とレイテンシを記録する。
func (c *Collector) ObserveRemote(endpoint, result string, d time.Duration) {
	c.remoteRequests.WithLabelValues(endpoint, result).Inc()
	c.remoteLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordPrefetch は先読み1回の結果を記録する。
func (c *Collector) RecordPrefetch(result string) {
	c.prefetchRuns.WithLabelValues(result).Inc()
}

// RecordPruned はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordPruned(kind string, count int) {
	c.pruned.WithLabelValues(kind).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
