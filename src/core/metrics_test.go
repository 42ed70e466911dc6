package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordGossipMessage(t *testing.T) {
	counter := gossipMessagesTotal.WithLabelValues(SchemaAssertion, "accepted")
	before := counterValue(t, counter)

	RecordGossipMessage(SchemaAssertion, "accepted")
	RecordGossipMessage(SchemaAssertion, "accepted")
	RecordGossipMessage(SchemaAssertion, "duplicate")

	if got := counterValue(t, counter) - before; got != 2 {
		t.Errorf("Expected 2 accepted messages recorded, got %v", got)
	}
}

func TestRecordFactSubmitted(t *testing.T) {
	node := newTestNode(t)
	alice := registerIdentity(t, node, testNow)
	bob := registerIdentity(t, node, testNow)

	added := ledgerFactsTotal.WithLabelValues(string(FactAssertion), "accepted")
	duplicate := ledgerFactsTotal.WithLabelValues(string(FactAssertion), "duplicate")
	addedBefore, duplicateBefore := counterValue(t, added), counterValue(t, duplicate)

	a := alice.assertion(t, "a-metrics", bob.ID, 0.2, testNow)
	node.SubmitAssertion(a)
	node.SubmitAssertion(a)

	if got := counterValue(t, added) - addedBefore; got != 1 {
		t.Errorf("Expected 1 added assertion, got %v", got)
	}
	if got := counterValue(t, duplicate) - duplicateBefore; got != 1 {
		t.Errorf("Expected 1 duplicate assertion, got %v", got)
	}
}

func TestParameterVersionGauge(t *testing.T) {
	store, err := NewParameterStore(DefaultParameterSet())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	published, err := store.Publish(store.Current().With(ParamDailyMint, 500))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if got := gaugeValue(t, parameterVersionGauge); got != float64(published.Version) {
		t.Errorf("Expected gauge at version %d, got %v", published.Version, got)
	}
}

func TestConnectivityGauges(t *testing.T) {
	UpdateConnectivityGauge(0.375)
	if got := gaugeValue(t, connectivityGauge); got != 0.375 {
		t.Errorf("Expected connectivity 0.375, got %v", got)
	}

	UpdateConnectedNodesGauge(7)
	if got := gaugeValue(t, connectedNodesGauge); got != 7 {
		t.Errorf("Expected 7 connected nodes, got %v", got)
	}
}

func TestRecordParameterAdjustment(t *testing.T) {
	counter := parameterAdjustmentsTotal.WithLabelValues(ParamKPayment, "metrics-test", "true")
	before := counterValue(t, counter)

	RecordParameterAdjustment(ParameterChange{Name: ParamKPayment, Old: 5, New: 50, Trigger: "metrics-test", Clamped: true})

	if got := counterValue(t, counter) - before; got != 1 {
		t.Errorf("Expected 1 clamped adjustment recorded, got %v", got)
	}
}

func TestRecordPenaltyEmitted(t *testing.T) {
	before := counterValue(t, penaltiesTotal)

	d, _ := newTestDetector(0.9)
	d.Submit(testClaim("tx-1", "in-metrics", "spender", "o1"))
	d.Submit(testClaim("tx-2", "in-metrics", "spender", "o2"))

	if got := counterValue(t, penaltiesTotal) - before; got != 1 {
		t.Errorf("Expected 1 penalty recorded, got %v", got)
	}
}
