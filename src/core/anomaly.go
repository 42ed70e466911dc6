package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Anomaly metric names
const (
	MetricGini              = "gini"
	MetricClusterPrevalence = "clusterPrevalence"
	MetricDoubleSpendRate   = "doubleSpendRate"
)

// AnomalyMetrics are the network-level signals the adaptation loop reacts to
type AnomalyMetrics struct {
	Epoch             int64   `json:"epoch"`
	Gini              float64 `json:"gini"`
	ClusterPrevalence float64 `json:"clusterPrevalence"`
	DoubleSpendRate   float64 `json:"doubleSpendRate"`
}

// AnomalySource produces anomaly metrics for one adaptation pass
type AnomalySource interface {
	Measure(ctx context.Context) (AnomalyMetrics, error)
}

// GiniCoefficient of non-negative values. Zero for fewer than two values or a zero total.
func GiniCoefficient(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	sorted := make([]float64, n)
	for i, v := range values {
		sorted[i] = nonNegative(v)
	}
	sort.Float64s(sorted)

	total := 0.0
	weighted := 0.0
	for i, v := range sorted {
		total += v
		weighted += float64(i+1) * v
	}
	if total == 0 {
		return 0
	}

	g := 2*weighted/(float64(n)*total) - float64(n+1)/float64(n)
	return clamp(g, 0, 1)
}

// ClusterPrevalence is the share of identities active in [from, to) whose transactions
// in that window are mostly with partners below the isolation threshold
func ClusterPrevalence(snap *LedgerSnapshot, from, to int64, isolationThreshold float64) float64 {
	active := snap.ActiveIdentities(from, to)
	if len(active) == 0 {
		return 0
	}

	window := snap.TransactionsIn(from, to)
	isolatedCount := make(map[string]int)
	totalCount := make(map[string]int)
	shares := make(map[string]float64)
	share := func(id string) float64 {
		if s, ok := shares[id]; ok {
			return s
		}
		s := OutsideShare(snap, id)
		shares[id] = s
		return s
	}

	for _, tx := range window {
		isolated := math.Min(share(tx.Consumer), share(tx.Provider)) < isolationThreshold
		for _, party := range []string{tx.Consumer, tx.Provider} {
			totalCount[party]++
			if isolated {
				isolatedCount[party]++
			}
		}
	}

	clustered := 0
	for _, id := range active {
		if totalCount[id] > 0 && 2*isolatedCount[id] > totalCount[id] {
			clustered++
		}
	}
	return float64(clustered) / float64(len(active))
}

// LedgerAnomalySource measures anomalies from the ledger, the distribution planner and
// the double-spend detector. The double-spend rate covers the claims tracked since the
// previous measurement.
//
// Cluster prevalence is measured against a fixed detection threshold, never the live
// ISOLATION_THRESHOLD the adapter raises in response to it.
type LedgerAnomalySource struct {
	ledger             *Ledger
	planner            *DistributionPlanner
	detector           *Detector
	detectionThreshold float64
	clock              Clock
	epochLength        time.Duration

	mu        sync.Mutex
	lastStats DetectorStats
}

// NewLedgerAnomalySource creates a source over the node's components
func NewLedgerAnomalySource(ledger *Ledger, planner *DistributionPlanner, detector *Detector, detectionThreshold float64, clock Clock, epochLength time.Duration) *LedgerAnomalySource {
	if epochLength <= 0 {
		epochLength = DefaultEpochLength
	}
	if detectionThreshold <= 0 {
		detectionThreshold = DefaultClusterDetectionThreshold
	}
	return &LedgerAnomalySource{
		ledger:             ledger,
		planner:            planner,
		detector:           detector,
		detectionThreshold: detectionThreshold,
		clock:              clock,
		epochLength:        epochLength,
	}
}

// Measure computes the metrics over the last complete epoch
func (s *LedgerAnomalySource) Measure(ctx context.Context) (AnomalyMetrics, error) {
	epoch := EpochOf(s.clock.Now(), s.epochLength) - 1
	if epoch < 0 {
		epoch = 0
	}

	metrics := AnomalyMetrics{Epoch: epoch}

	dist, err := s.planner.Distribution(ctx, epoch)
	if err != nil {
		return metrics, fmt.Errorf("failed to compute distribution for epoch %d: %w", epoch, err)
	}
	metrics.Gini = GiniCoefficient(dist.Values())

	from, to := EpochBounds(epoch, s.epochLength)
	metrics.ClusterPrevalence = ClusterPrevalence(s.ledger.Snapshot(), from, to, s.detectionThreshold)

	stats := s.detector.Stats()
	s.mu.Lock()
	newEntries := stats.Entries - s.lastStats.Entries
	newConflicts := stats.Conflicts - s.lastStats.Conflicts
	s.lastStats = stats
	s.mu.Unlock()
	if newEntries > 0 {
		metrics.DoubleSpendRate = float64(newConflicts) / float64(newEntries)
	}

	UpdateAnomalyGauge(MetricGini, metrics.Gini)
	UpdateAnomalyGauge(MetricClusterPrevalence, metrics.ClusterPrevalence)
	UpdateAnomalyGauge(MetricDoubleSpendRate, metrics.DoubleSpendRate)
	return metrics, nil
}

// StaticAnomalySource returns fixed metrics
type StaticAnomalySource struct {
	Metrics AnomalyMetrics
	Err     error
}

// Measure returns the fixed metrics
func (s StaticAnomalySource) Measure(ctx context.Context) (AnomalyMetrics, error) {
	return s.Metrics, s.Err
}
