// Package metrics exposes Prometheus collectors for jobs, HTTP, upstream
// APIs and the Polygon RPC.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"smartmoney/internal/chain"
)

// Job outcome labels.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusNotReady = "not_ready"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
	StatusPanic    = "panic"
)

type Metrics struct {
	registry *prometheus.Registry

	JobRuns        *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobLastSuccess *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec
	QueueRunning   *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	RPCBatches   *prometheus.CounterVec
	RPCDuration  prometheus.Histogram
	BreakerState *prometheus.GaugeVec
}

// New registers every collector on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "smartmoney"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Job runs by job name and outcome",
		}, []string{"job", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run duration",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"job"}),
		JobLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}, []string{"job"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Jobs waiting in a queue",
		}, []string{"queue"}),
		QueueRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_running",
			Help:      "Jobs currently executing in a queue",
		}, []string{"queue"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests sent to Polymarket APIs",
		}, []string{"upstream", "status"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Polymarket API latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"upstream"}),
		RPCBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "batches_total",
			Help:      "JSON-RPC batches sent to Polygon",
		}, []string{"result"}),
		RPCDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "batch_duration_seconds",
			Help:      "JSON-RPC batch latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ObserveJob(job, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	if status == StatusOK || status == StatusFailed || status == StatusPanic {
		m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
	if status == StatusOK {
		m.JobLastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
}

func (m *Metrics) SetQueue(queue string, depth, running int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	m.QueueRunning.WithLabelValues(queue).Set(float64(running))
}

// GinMiddleware records request counts and latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// BreakerStateChange matches gobreaker.Settings.OnStateChange.
func (m *Metrics) BreakerStateChange(name string, _ gobreaker.State, to gobreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Transport wraps base so every upstream request is counted.
func (m *Metrics) Transport(upstream string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if m == nil {
		return base
	}
	return &upstreamTransport{m: m, upstream: upstream, next: base}
}

type upstreamTransport struct {
	m        *Metrics
	upstream string
	next     http.RoundTripper
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	t.m.UpstreamRequests.WithLabelValues(t.upstream, status).Inc()
	t.m.UpstreamDuration.WithLabelValues(t.upstream).Observe(time.Since(start).Seconds())
	return resp, err
}

// InstrumentBatchCaller times every JSON-RPC batch.
func (m *Metrics) InstrumentBatchCaller(next chain.BatchCaller) chain.BatchCaller {
	if m == nil {
		return next
	}
	return &batchCaller{m: m, next: next}
}

type batchCaller struct {
	m    *Metrics
	next chain.BatchCaller
}

func (b *batchCaller) BatchCallContext(ctx context.Context, elems []rpc.BatchElem) error {
	start := time.Now()
	err := b.next.BatchCallContext(ctx, elems)
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.m.RPCBatches.WithLabelValues(result).Inc()
	b.m.RPCDuration.Observe(time.Since(start).Seconds())
	return err
}
