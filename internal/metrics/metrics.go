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
// 配信エンジン、購読登録、クリーンアップから利用する。
type MetricsCollector interface {
	RecordDelivery(outcome, errorClass string)
	RecordPushStatus(statusCode int)
	RecordSendLatency(duration time.Duration)
	RecordQuarantined()
	RecordRegistration(kind string)
	RecordSwept(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	delivery      *prometheus.CounterVec
	pushStatus    *prometheus.CounterVec
	sendLatency   prometheus.Histogram
	quarantined   prometheus.Counter
	registrations *prometheus.CounterVec
	swept         prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsbell_push_delivery_total",
			Help: "プッシュ送信の結果別の合計数",
		}, []string{"outcome", "error_class"}),
		pushStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsbell_http_status_total",
			Help: "プッシュサービスが返したHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsbell_push_send_latency_seconds",
			Help:    "プッシュ送信1件あたりのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsbell_push_quarantined_total",
			Help: "恒久的な失敗によりinvalidに変更された購読の合計数",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsbell_subscriptions_registered_total",
			Help: "購読登録の種別（created/renewed）ごとの合計数",
		}, []string{"kind"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsbell_subscriptions_swept_total",
			Help: "クリーンアップで削除された購読の合計数",
		}),
	}

	reg.MustRegister(
		c.delivery,
		c.pushStatus,
		c.sendLatency,
		c.quarantined,
		c.registrations,
		c.swept,
	)

	return c
}

// RecordDelivery は送信結果を記録する。成功時のerrorClassは空文字列。
func (c *Collector) RecordDelivery(outcome, errorClass string) {
	if errorClass == "" {
		errorClass = "none"
	}
	c.delivery.WithLabelValues(outcome, errorClass).Inc()
}

// RecordPushStatus はプッシュサービスのHTTPステータスコードを記録する。
func (c *Collector) RecordPushStatus(statusCode int) {
	c.pushStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSendLatency は送信のレイテンシを記録する。
func (c *Collector) RecordSendLatency(duration time.Duration) {
	c.sendLatency.Observe(duration.Seconds())
}

// RecordQuarantined は購読のinvalid化を記録する。
func (c *Collector) RecordQuarantined() {
	c.quarantined.Inc()
}

// RecordRegistration は購読登録を記録する。
func (c *Collector) RecordRegistration(kind string) {
	c.registrations.WithLabelValues(kind).Inc()
}

// RecordSwept はクリーンアップで削除された件数を記録する。
func (c *Collector) RecordSwept(count int) {
	c.swept.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordDelivery(string, string)   {}
func (Nop) RecordPushStatus(int)            {}
func (Nop) RecordSendLatency(time.Duration) {}
func (Nop) RecordQuarantined()              {}
func (Nop) RecordRegistration(string)       {}
func (Nop) RecordSwept(int)                 {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
