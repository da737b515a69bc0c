package services

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics は同期処理のメトリクス。nil のままでも各メソッドは呼べる
type Metrics struct {
	registry       *prometheus.Registry
	apiRequests    *prometheus.CounterVec
	userRefreshes  *prometheus.CounterVec
	batchRuns      *prometheus.CounterVec
	batchDurations prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pr_tracker_github_requests_total",
			Help: "GitHub API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		userRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pr_tracker_user_refreshes_total",
			Help: "Per-user refreshes by outcome.",
		}, []string{"outcome"}),
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pr_tracker_batch_runs_total",
			Help: "Refresh batches by trigger.",
		}, []string{"trigger"}),
		batchDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pr_tracker_batch_duration_seconds",
			Help:    "Wall time of a refresh batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	m.registry.MustRegister(m.apiRequests, m.userRefreshes, m.batchRuns, m.batchDurations)
	return m
}

// Handler は /metrics 用のハンドラ
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeAPI(endpoint string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(ClassifyError(err))
	}
	m.apiRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.userRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeBatch(trigger string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(trigger).Inc()
	m.batchDurations.Observe(elapsed.Seconds())
}
