package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger metrics
	ledgerFactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_ledger_facts_total",
		Help: "Total number of ledger facts submitted",
	}, []string{"kind", "status"})

	// Trust computation metrics
	trustComputationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustcore_trust_computation_duration_seconds",
		Help:    "Duration of trust view computations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	trustComputationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_trust_computations_total",
		Help: "Total number of trust view computations by outcome",
	}, []string{"outcome"})

	trustCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_trust_cache_lookups_total",
		Help: "Trust view cache lookups",
	}, []string{"result"})

	// Detector metrics
	detectorTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_detector_transitions_total",
		Help: "Total number of detector state transitions",
	}, []string{"status"})

	penaltiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustcore_penalties_total",
		Help: "Total number of double-spend penalties emitted",
	})

	trackedClaimsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustcore_detector_tracked_claims",
		Help: "Current number of claims tracked by the detector",
	})

	// Gossip metrics
	gossipMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_gossip_messages_total",
		Help: "Total number of gossip envelopes handled",
	}, []string{"schema", "result"})

	connectivityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustcore_network_connectivity",
		Help: "Latest measured network connectivity",
	})

	connectedNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustcore_connected_nodes",
		Help: "Current number of known nodes",
	})

	// Parameter metrics
	parameterVersionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustcore_parameter_version",
		Help: "Version of the live parameter set",
	})

	parameterAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_parameter_adjustments_total",
		Help: "Total number of parameter adjustments",
	}, []string{"parameter", "trigger", "clamped"})

	anomalyMetricGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustcore_anomaly_metric",
		Help: "Latest anomaly metric values seen by the adaptation loop",
	}, []string{"metric"})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustcore_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordFactSubmitted records a ledger fact ingestion outcome
func RecordFactSubmitted(kind FactKind, status string) {
	ledgerFactsTotal.WithLabelValues(string(kind), status).Inc()
}

// RecordTrustComputation records a trust view computation
func RecordTrustComputation(outcome string, elapsed time.Duration) {
	trustComputationDuration.Observe(elapsed.Seconds())
	trustComputationsTotal.WithLabelValues(outcome).Inc()
}

// RecordTrustCacheLookup records a cache hit or miss
func RecordTrustCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	trustCacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDetectorTransition records a claim entering a status
func RecordDetectorTransition(status TxStatus) {
	detectorTransitionsTotal.WithLabelValues(status.String()).Inc()
}

// RecordPenaltyEmitted records a double-spend penalty
func RecordPenaltyEmitted() {
	penaltiesTotal.Inc()
}

// UpdateTrackedClaimsGauge updates the tracked claims gauge
func UpdateTrackedClaimsGauge(count int) {
	trackedClaimsGauge.Set(float64(count))
}

// RecordGossipMessage records a gossip envelope outcome
func RecordGossipMessage(schema, result string) {
	gossipMessagesTotal.WithLabelValues(schema, result).Inc()
}

// UpdateConnectivityGauge updates the connectivity gauge
func UpdateConnectivityGauge(c float64) {
	connectivityGauge.Set(c)
}

// UpdateConnectedNodesGauge updates the connected nodes gauge
func UpdateConnectedNodesGauge(count int) {
	connectedNodesGauge.Set(float64(count))
}

// RecordParameterAdjustment records one parameter change
func RecordParameterAdjustment(change ParameterChange) {
	clamped := "false"
	if change.Clamped {
		clamped = "true"
	}
	parameterAdjustmentsTotal.WithLabelValues(change.Name, change.Trigger, clamped).Inc()
}

// UpdateAnomalyGauge records the latest value of an anomaly metric
func UpdateAnomalyGauge(metric string, value float64) {
	anomalyMetricGauge.WithLabelValues(metric).Set(value)
}
