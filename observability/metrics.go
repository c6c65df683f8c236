package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics
)

// SettlementMetrics wraps collectors tracking window settlement runs.
type SettlementMetrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	ownerLookups  *prometheus.CounterVec
	balances      prometheus.Gauge
	dust          prometheus.Gauge
	revenue       prometheus.Gauge
	proofRequests *prometheus.CounterVec
}

// Settlement exposes the lazily registered settlement metrics.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Count of window settlement runs segmented by outcome.",
			}, []string{"outcome"}),
			runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for complete window settlement runs.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}),
			ownerLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "owner_lookups_total",
				Help:      "Count of NFT ownership lookups segmented by outcome.",
			}, []string{"outcome"}),
			balances: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "balances",
				Help:      "Number of accounts in the most recently computed window.",
			}),
			dust: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "rounding_dust",
				Help:      "Percent-scale units lost to truncation in the most recent window.",
			}),
			revenue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "window_revenue_wei",
				Help:      "Total purchase revenue observed in the most recent window.",
			}),
			proofRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "proof_requests_total",
				Help:      "Count of proof generation and verification requests segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(
			settlementRegistry.runs,
			settlementRegistry.runDuration,
			settlementRegistry.ownerLookups,
			settlementRegistry.balances,
			settlementRegistry.dust,
			settlementRegistry.revenue,
			settlementRegistry.proofRequests,
		)
	})
	return settlementRegistry
}

// ObserveRun records the outcome and latency of a settlement run.
func (m *SettlementMetrics) ObserveRun(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome(err)).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordOwnerLookup increments the ownership lookup counter.
func (m *SettlementMetrics) RecordOwnerLookup(err error) {
	if m == nil {
		return
	}
	m.ownerLookups.WithLabelValues(outcome(err)).Inc()
}

// RecordWindow captures the size of a computed window.
func (m *SettlementMetrics) RecordWindow(balances int, dust, revenue *uint256.Int) {
	if m == nil {
		return
	}
	m.balances.Set(float64(balances))
	m.dust.Set(uintToFloat(dust))
	m.revenue.Set(uintToFloat(revenue))
}

// RecordProof increments the proof counter. Kinds should be stable strings
// such as "generate" or "verify".
func (m *SettlementMetrics) RecordProof(kind string, ok bool) {
	if m == nil {
		return
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.proofRequests.WithLabelValues(kind, result).Inc()
}

// APIMetrics records HTTP activity of the proof API.
type APIMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// API returns the lazily registered proof API metrics.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total proof API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "revshare",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for proof API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency)
	})
	return apiRegistry
}

// Observe records a completed request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func uintToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value.ToBig()).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
