package main

import (
	"context"
	"testing"
)

func TestGiniCoefficient(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5}, 0},
		{"equal", []float64{3, 3, 3, 3}, 0},
		{"all zero", []float64{0, 0, 0}, 0},
		{"one holds everything", []float64{0, 0, 0, 12}, 0.75},
		{"negative treated as zero", []float64{-4, 0, 0, 12}, 0.75},
		{"two to one", []float64{1, 2}, 1.0 / 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GiniCoefficient(tt.values); !approxEqual(got, tt.want, 1e-9) {
				t.Errorf("GiniCoefficient(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestClusterPrevalence(t *testing.T) {
	b := newLedgerBuilder(t).identities(200*day, "a", "b", "c", "d", "p", "q")
	// a ring trades widely, p and q only with each other
	b.tx("a", "b", 1).tx("b", "c", 1).tx("c", "d", 1).tx("d", "a", 1).tx("p", "q", 1)
	snap := b.snapshot()

	from, to := EpochBounds(EpochOf(testNow, DefaultEpochLength), DefaultEpochLength)
	got := ClusterPrevalence(snap, from, to, 0.3)
	if !approxEqual(got, 2.0/6, 1e-9) {
		t.Errorf("Expected prevalence 1/3, got %v", got)
	}

	if got := ClusterPrevalence(snap, from-1000, from-1, 0.3); got != 0 {
		t.Errorf("Expected zero prevalence for an empty window, got %v", got)
	}
}

func TestLedgerAnomalySource(t *testing.T) {
	lastEpoch := testNow.Add(-DefaultEpochLength)
	b := newLedgerBuilder(t).identities(200*day, "observer", "a", "b").
		txWith(Transaction{Consumer: "observer", Provider: "a", DurationSeconds: 3600, Timestamp: lastEpoch.Unix()}).
		txWith(Transaction{Consumer: "observer", Provider: "b", DurationSeconds: 36000, Timestamp: lastEpoch.Unix()})

	planner := newTestPlanner(t, b)
	clock := newFakeClock(testNow)
	detector := NewDetector(DefaultDetectorConfig(), StaticConnectivity(0.5), clock)

	detector.Submit(testClaim("tx-1", "in-1", "m", "o1"))
	detector.Submit(testClaim("tx-2", "in-1", "m", "o2"))
	detector.Submit(testClaim("tx-3", "in-2", "h", "o1"))
	detector.Submit(testClaim("tx-4", "in-3", "h", "o1"))

	source := NewLedgerAnomalySource(b.ledger, planner, detector, DefaultClusterDetectionThreshold, clock, DefaultEpochLength)
	m, err := source.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}

	if m.Epoch != EpochOf(testNow, DefaultEpochLength)-1 {
		t.Errorf("Expected the last complete epoch, got %d", m.Epoch)
	}
	if m.Gini <= 0 {
		t.Errorf("Expected unequal distribution to give positive Gini, got %v", m.Gini)
	}
	if !approxEqual(m.DoubleSpendRate, 0.25, 1e-9) {
		t.Errorf("Expected double-spend rate 1/4, got %v", m.DoubleSpendRate)
	}

	again, _ := source.Measure(context.Background())
	if again.DoubleSpendRate != 0 {
		t.Errorf("Expected no double spends since the last pass, got %v", again.DoubleSpendRate)
	}
}
