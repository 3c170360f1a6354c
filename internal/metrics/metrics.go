// Package metrics exposes Prometheus collectors for every component:
// gateway request/retry/block counters, rotation strategy selections,
// maintainer scrape/probe outcomes, and the control API's own request
// counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Gateway
	gatewayRequests    *prometheus.CounterVec
	gatewayRetries     prometheus.Counter
	gatewayBlocks      *prometheus.CounterVec
	gatewayAttempts    prometheus.Histogram
	gatewayLatency     prometheus.Histogram
	activeConnections  prometheus.Gauge

	// Rotation
	rotationSelections *prometheus.CounterVec

	// Maintainer
	proxiesScraped  *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
	probeDuration   prometheus.Histogram
	poolHealthy     prometheus.Gauge
	poolDead        prometheus.Gauge

	// Control API
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	return &Collector{
		gatewayRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total number of gateway requests by final outcome",
			},
			[]string{"outcome"},
		),
		gatewayRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_retries_total",
				Help:      "Total number of gateway retry attempts beyond the first",
			},
		),
		gatewayBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_blocks_total",
				Help:      "Total number of detected upstream blocks by reason",
			},
			[]string{"reason"},
		),
		gatewayAttempts: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_attempts_per_request",
				Help:      "Number of proxy attempts made per gateway request",
				Buckets:   []float64{1, 2, 3, 4},
			},
		),
		gatewayLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		activeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_active_connections",
				Help:      "Current number of active gateway connections",
			},
		),
		rotationSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotation_selections_total",
				Help:      "Total number of proxy selections by strategy",
			},
			[]string{"strategy"},
		),
		proxiesScraped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_scraped_total",
				Help:      "Total number of proxies scraped from sources",
			},
			[]string{"source"},
		),
		probesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintainer_probes_total",
				Help:      "Total number of health-check probes by result",
			},
			[]string{"result"},
		),
		probeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "maintainer_probe_batch_duration_seconds",
				Help:      "Duration of a full health-check pass in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		poolHealthy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_healthy_proxies",
				Help:      "Current number of healthy proxies in the pool",
			},
		),
		poolDead: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_dead_proxies",
				Help:      "Current number of dead proxies in the pool",
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of control API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Control API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
}

func (c *Collector) RecordGatewayRequest(outcome string) {
	c.gatewayRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordGatewayRetry() {
	c.gatewayRetries.Inc()
}

func (c *Collector) RecordGatewayBlock(reason string) {
	c.gatewayBlocks.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordGatewayAttempts(n int) {
	c.gatewayAttempts.Observe(float64(n))
}

func (c *Collector) RecordGatewayDuration(seconds float64) {
	c.gatewayLatency.Observe(seconds)
}

func (c *Collector) SetActiveConnections(n int) {
	c.activeConnections.Set(float64(n))
}

func (c *Collector) RecordRotationSelection(strategy string) {
	c.rotationSelections.WithLabelValues(strategy).Inc()
}

func (c *Collector) RecordProxiesScraped(source string, count int) {
	c.proxiesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordProbe(alive bool) {
	result := "failure"
	if alive {
		result = "success"
	}
	c.probesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordProbeBatchDuration(seconds float64) {
	c.probeDuration.Observe(seconds)
}

func (c *Collector) SetPoolHealthy(n int) {
	c.poolHealthy.Set(float64(n))
}

func (c *Collector) SetPoolDead(n int) {
	c.poolDead.Set(float64(n))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
