package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default adaptation targets
const (
	DefaultGiniTarget              = 0.6
	DefaultClusterPrevalenceTarget = 0.2
	DefaultDoubleSpendRateTarget   = 0.01
	TriggerRelax                   = "relax"

	// DefaultClusterDetectionThreshold matches the baseline ISOLATION_THRESHOLD
	DefaultClusterDetectionThreshold = 0.3
)

// AdaptationConfig holds the policy adaptation tunables.
// ClusterDetectionThreshold is the fixed outside share below which a pair counts as
// clustered when measuring prevalence.
type AdaptationConfig struct {
	Interval                  time.Duration `json:"interval"`
	GiniTarget                float64       `json:"giniTarget"`
	ClusterPrevalenceTarget   float64       `json:"clusterPrevalenceTarget"`
	DoubleSpendRateTarget     float64       `json:"doubleSpendRateTarget"`
	ClusterDetectionThreshold float64       `json:"clusterDetectionThreshold"`
}

// DefaultAdaptationConfig returns the default tunables, running once per epoch
func DefaultAdaptationConfig() AdaptationConfig {
	return AdaptationConfig{
		Interval:                  DefaultEpochLength,
		GiniTarget:                DefaultGiniTarget,
		ClusterPrevalenceTarget:   DefaultClusterPrevalenceTarget,
		DoubleSpendRateTarget:     DefaultDoubleSpendRateTarget,
		ClusterDetectionThreshold: DefaultClusterDetectionThreshold,
	}
}

// adjustment is one proposed move of a parameter in a direction
type adjustment struct {
	name      string
	direction float64
	trigger   string
	metric    float64
	excess    float64
}

// adaptedParameters are moved back toward the baseline once all metrics are healthy
var adaptedParameters = []string{
	ParamKPayment,
	ParamKTransfer,
	ParamAgeMaturityDays,
	ParamIsolationThreshold,
	ParamTransitivityDecay,
}

// PolicyAdapter retunes the parameter set from anomaly metrics.
// Passes are serialized; a new version is published only when something changed.
type PolicyAdapter struct {
	cfg         AdaptationConfig
	store       *ParameterStore
	source      AnomalySource
	clock       Clock
	epochLength time.Duration
	baseline    ParameterSet
	tracer      trace.Tracer

	mu        sync.Mutex
	listeners []func(ParameterSet)
}

// NewPolicyAdapter creates an adapter. The baseline is the set parameters relax toward.
func NewPolicyAdapter(cfg AdaptationConfig, store *ParameterStore, source AnomalySource, baseline ParameterSet, clock Clock, epochLength time.Duration) *PolicyAdapter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultEpochLength
	}
	if clock == nil {
		clock = SystemClock
	}
	if epochLength <= 0 {
		epochLength = DefaultEpochLength
	}
	return &PolicyAdapter{
		cfg:         cfg,
		store:       store,
		source:      source,
		clock:       clock,
		epochLength: epochLength,
		baseline:    baseline,
		tracer:      otel.Tracer("trustcore/adaptation"),
	}
}

// OnPublish registers a callback for sets published by this adapter.
// Callbacks run with the pass lock held and must not call RunOnce.
func (a *PolicyAdapter) OnPublish(fn func(ParameterSet)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// relativeExcess is how far metric is above target, as a fraction of target, capped at 1
func relativeExcess(metric, target float64) float64 {
	if metric <= target {
		return 0
	}
	if target <= 0 {
		return 1
	}
	return math.Min(1, (metric-target)/target)
}

// plan computes the adjustments the metrics call for, in a fixed order
func (a *PolicyAdapter) plan(m AnomalyMetrics) []adjustment {
	var plan []adjustment

	if r := relativeExcess(m.Gini, a.cfg.GiniTarget); r > 0 {
		plan = append(plan, adjustment{ParamKPayment, -1, MetricGini, m.Gini, r})
	}
	if r := relativeExcess(m.ClusterPrevalence, a.cfg.ClusterPrevalenceTarget); r > 0 {
		plan = append(plan,
			adjustment{ParamIsolationThreshold, 1, MetricClusterPrevalence, m.ClusterPrevalence, r},
			adjustment{ParamTransitivityDecay, -1, MetricClusterPrevalence, m.ClusterPrevalence, r},
			adjustment{ParamAgeMaturityDays, 1, MetricClusterPrevalence, m.ClusterPrevalence, r},
		)
	}
	if r := relativeExcess(m.DoubleSpendRate, a.cfg.DoubleSpendRateTarget); r > 0 {
		plan = append(plan, adjustment{ParamKTransfer, -1, MetricDoubleSpendRate, m.DoubleSpendRate, r})
	}
	return plan
}

// RunOnce performs one adaptation pass.
//
// Returns:
//   - ParameterSet: the live set after the pass
//   - bool: whether a new version was published
//   - error: metric collection or publish failure; the live set is unchanged
func (a *PolicyAdapter) RunOnce(ctx context.Context) (ParameterSet, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := a.tracer.Start(ctx, "adaptation.RunOnce")
	defer span.End()

	metrics, err := a.source.Measure(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "measure failed")
		return a.store.Current(), false, fmt.Errorf("failed to measure anomalies: %w", err)
	}
	span.SetAttributes(
		attribute.Float64("metric.gini", metrics.Gini),
		attribute.Float64("metric.clusterPrevalence", metrics.ClusterPrevalence),
		attribute.Float64("metric.doubleSpendRate", metrics.DoubleSpendRate),
	)

	current := a.store.Current()
	next := current
	next.Changes = nil
	damping := current.DampeningFactor

	plan := a.plan(metrics)
	if len(plan) > 0 {
		for _, adj := range plan {
			old, _ := current.Get(adj.name)
			proposed := old * (1 + adj.direction*adj.excess*damping)
			next = a.apply(next, adj.name, old, proposed, adj.trigger, adj.metric, damping)
		}
	} else {
		for _, name := range adaptedParameters {
			old, _ := current.Get(name)
			target, _ := a.baseline.Get(name)
			if math.Abs(target-old) < 1e-12 {
				continue
			}
			next = a.apply(next, name, old, target, TriggerRelax, 0, damping)
		}
	}

	span.SetAttributes(attribute.Int("changes", len(next.Changes)))
	if len(next.Changes) == 0 {
		logger.Debug("Adaptation pass made no changes",
			"gini", metrics.Gini,
			"clusterPrevalence", metrics.ClusterPrevalence,
			"doubleSpendRate", metrics.DoubleSpendRate)
		return current, false, nil
	}

	next.Epoch = EpochOf(a.clock.Now(), a.epochLength)
	next.PublishedAt = a.clock.Now().Unix()
	published, err := a.store.Publish(next)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return current, false, err
	}
	span.SetAttributes(attribute.Int64("params.version", published.Version))
	for _, fn := range a.listeners {
		fn(published)
	}
	return published, true, nil
}

// apply damps and clamps one change and records it on next
func (a *PolicyAdapter) apply(next ParameterSet, name string, old, proposed float64, trigger string, metric, damping float64) ParameterSet {
	maxDelta := damping * math.Abs(old)
	delta := proposed - old
	if delta > maxDelta {
		delta = maxDelta
	} else if delta < -maxDelta {
		delta = -maxDelta
	}
	value := old + delta

	clamped := false
	if bound, ok := BoundFor(name); ok {
		value, clamped = bound.Clamp(value)
	}
	if clamped {
		logger.Warn("Parameter clamped to safety bound",
			"parameter", name,
			"old", old,
			"proposed", old+delta,
			"clampedTo", value,
			"trigger", trigger,
			"metric", metric)
	}

	if value == old {
		return next
	}

	change := ParameterChange{
		Name:    name,
		Old:     old,
		New:     value,
		Trigger: trigger,
		Metric:  metric,
		Clamped: clamped,
	}
	logger.Info("Adjusted parameter",
		"parameter", name,
		"old", old,
		"new", value,
		"trigger", trigger,
		"metric", metric,
		"clamped", clamped)
	RecordParameterAdjustment(change)

	next = next.With(name, value)
	next.Changes = append(next.Changes, change)
	return next
}

// Run performs a pass on every interval until ctx is done
func (a *PolicyAdapter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := a.RunOnce(ctx); err != nil {
				logger.Error("Adaptation pass failed", "error", err)
			}
		}
	}
}
