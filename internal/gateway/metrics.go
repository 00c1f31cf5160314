package gateway

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics はゲートウェイのPrometheusメトリクス。
// グローバルレジストリは使わず、サーバー毎に専用のレジストリを持つ。
type metrics struct {
	registry *prometheus.Registry

	// requests はステータスコード別のリクエスト数。
	requests *prometheus.CounterVec
	// upstreamDuration はルール別の転送所要時間。
	upstreamDuration *prometheus.HistogramVec
	// blocked は拒否パスで打ち切ったリクエスト数。
	blocked prometheus.Counter
	// auditFailures は監査ログの書き込みに失敗した件数。
	auditFailures prometheus.Counter
	// auditDropped は同時書き込み数の上限により破棄した監査ログの件数。
	auditDropped prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Number of requests handled by the gateway, by method and status code.",
		}, []string{"method", "code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Latency of forwarded requests, by rule prefix, method and status code.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"rule", "method", "code"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_blocked_requests_total",
			Help: "Number of requests rejected by the blocked path filter.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_failures_total",
			Help: "Number of audit records that failed to persist.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_dropped_total",
			Help: "Number of audit records dropped because too many inserts were in flight.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.upstreamDuration,
		m.blocked,
		m.auditFailures,
		m.auditDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// instrument はリクエスト数を記録するミドルウェアを返す。
func (m *metrics) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.requests.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// observeUpstream は転送1回分の所要時間を記録する。
func (m *metrics) observeUpstream(rule, method string, status int, elapsed time.Duration) {
	m.upstreamDuration.WithLabelValues(rule, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// handler はメトリクスを公開するハンドラを返す。
func (m *metrics) handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
