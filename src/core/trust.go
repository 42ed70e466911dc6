package main

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Self-trust policies
const (
	SelfTrustReject   = "reject"
	SelfTrustSentinel = "sentinel"
)

// Default trust engine tunables
const (
	DefaultCredit             = 1.0
	DefaultUnverifiedScore    = 0.5
	DefaultClusterWeightFloor = 0.1
	DefaultAssertionHalfLife  = 30 * 24 * time.Hour
	DefaultDonationScale      = 1.0
	DefaultMaxPathLength      = 4
	DefaultPruneThreshold     = 0.01
	DefaultTolerance          = 1e-6
	DefaultMaxIterations      = 50
	DefaultMaxVisited         = 10000
	DefaultTrustTimeout       = 2 * time.Second
)

var (
	// ErrSelfTrust is returned when an observer asks for its own trust under the reject policy
	ErrSelfTrust = errors.New("self-trust is undefined")
)

// DefaultResourceWeights weights one hour of each resource class
var DefaultResourceWeights = map[string]float64{
	"cpu":       1.0,
	"gpu":       4.0,
	"memory":    0.5,
	"storage":   0.25,
	"bandwidth": 0.5,
}

// TrustConfig holds the trust engine tunables
type TrustConfig struct {
	Credit                float64            `json:"credit" yaml:"credit"`
	ResourceWeights       map[string]float64 `json:"resourceWeights" yaml:"resource_weights"`
	DefaultResourceWeight float64            `json:"defaultResourceWeight" yaml:"default_resource_weight"`
	UnverifiedScore       float64            `json:"unverifiedScore" yaml:"unverified_score"`
	ClusterWeightFloor    float64            `json:"clusterWeightFloor" yaml:"cluster_weight_floor"`
	AssertionHalfLife     time.Duration      `json:"assertionHalfLife" yaml:"assertion_half_life"`
	DonationScale         float64            `json:"donationScale" yaml:"donation_scale"`
	MaxPathLength         int                `json:"maxPathLength" yaml:"max_path_length"`
	PruneThreshold        float64            `json:"pruneThreshold" yaml:"prune_threshold"`
	Tolerance             float64            `json:"tolerance" yaml:"tolerance"`
	MaxIterations         int                `json:"maxIterations" yaml:"max_iterations"`
	MaxVisited            int                `json:"maxVisited" yaml:"max_visited"`
	SelfTrustPolicy       string             `json:"selfTrustPolicy" yaml:"self_trust_policy"`
	SelfTrustSentinel     float64            `json:"selfTrustSentinel" yaml:"self_trust_sentinel"`
	Timeout               time.Duration      `json:"timeout" yaml:"timeout"`
}

// DefaultTrustConfig returns the default tunables
func DefaultTrustConfig() TrustConfig {
	weights := make(map[string]float64, len(DefaultResourceWeights))
	for k, v := range DefaultResourceWeights {
		weights[k] = v
	}
	return TrustConfig{
		Credit:                DefaultCredit,
		ResourceWeights:       weights,
		DefaultResourceWeight: 1.0,
		UnverifiedScore:       DefaultUnverifiedScore,
		ClusterWeightFloor:    DefaultClusterWeightFloor,
		AssertionHalfLife:     DefaultAssertionHalfLife,
		DonationScale:         DefaultDonationScale,
		MaxPathLength:         DefaultMaxPathLength,
		PruneThreshold:        DefaultPruneThreshold,
		Tolerance:             DefaultTolerance,
		MaxIterations:         DefaultMaxIterations,
		MaxVisited:            DefaultMaxVisited,
		SelfTrustPolicy:       SelfTrustReject,
		SelfTrustSentinel:     1.0,
		Timeout:               DefaultTrustTimeout,
	}
}

func (c TrustConfig) resourceWeight(class string) float64 {
	if w, ok := c.ResourceWeights[class]; ok {
		return w
	}
	return c.DefaultResourceWeight
}

// TrustResult is the observer-relative trust in one subject
type TrustResult struct {
	Observer        string  `json:"observer"`
	Subject         string  `json:"subject"`
	Trust           float64 `json:"trust"`
	Base            float64 `json:"base"`
	Derate          float64 `json:"derate"`
	Depth           int     `json:"depth"`
	Converged       bool    `json:"converged"`
	Degraded        bool    `json:"degraded"`
	Iterations      int     `json:"iterations"`
	SnapshotVersion uint64  `json:"snapshotVersion"`
	ParamVersion    int64   `json:"paramVersion"`
}

// TrustView is the trust vector of one observer over the region reachable from it.
// Identities outside the region have zero trust.
type TrustView struct {
	Observer        string
	Base            map[string]float64
	Effective       map[string]float64
	Derates         map[string]float64
	Depth           map[string]int
	Converged       bool
	Degraded        bool
	Iterations      int
	SnapshotVersion uint64
	ParamVersion    int64
	ComputedAt      time.Time
}

// Trust returns the effective trust of subject, zero when unreachable
func (v *TrustView) Trust(subject string) float64 {
	return v.Effective[subject]
}

// Result extracts one subject from the view
func (v *TrustView) Result(subject string) TrustResult {
	return TrustResult{
		Observer:        v.Observer,
		Subject:         subject,
		Trust:           v.Effective[subject],
		Base:            v.Base[subject],
		Derate:          v.Derates[subject],
		Depth:           v.Depth[subject],
		Converged:       v.Converged,
		Degraded:        v.Degraded,
		Iterations:      v.Iterations,
		SnapshotVersion: v.SnapshotVersion,
		ParamVersion:    v.ParamVersion,
	}
}

// Edges returns the derived observer-relative edges, sorted by subject
func (v *TrustView) Edges() []TrustEdge {
	subjects := sortedKeys(v.Effective)
	edges := make([]TrustEdge, 0, len(subjects))
	for _, s := range subjects {
		edges = append(edges, TrustEdge{
			From:   v.Observer,
			To:     s,
			Weight: v.Effective[s],
			Depth:  v.Depth[s],
		})
	}
	return edges
}

// TrustEngine computes observer-relative trust over immutable ledger snapshots.
// It holds no mutable state and is safe for concurrent use.
type TrustEngine struct {
	cfg    TrustConfig
	clock  Clock
	tracer trace.Tracer
}

// NewTrustEngine creates an engine with the given tunables
func NewTrustEngine(cfg TrustConfig, clock Clock) *TrustEngine {
	if clock == nil {
		clock = SystemClock
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = DefaultMaxPathLength
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxVisited <= 0 {
		cfg.MaxVisited = DefaultMaxVisited
	}
	return &TrustEngine{
		cfg:    cfg,
		clock:  clock,
		tracer: otel.Tracer("trustcore/trust"),
	}
}

// Config returns the engine tunables
func (e *TrustEngine) Config() TrustConfig {
	return e.cfg
}

// ComputeTrust computes how much observer trusts subject.
//
// Returns:
//   - TrustResult: effective trust plus convergence and degradation flags
//   - error: ErrSelfTrust when observer == subject under the reject policy
//
// A subject with no path from the observer has trust 0; that is not an error.
func (e *TrustEngine) ComputeTrust(ctx context.Context, observer, subject string, snap *LedgerSnapshot, params ParameterSet) (TrustResult, error) {
	if observer == subject {
		return e.selfTrust(observer, snap, params)
	}
	view := e.ComputeView(ctx, observer, snap, params)
	return view.Result(subject), nil
}

func (e *TrustEngine) selfTrust(observer string, snap *LedgerSnapshot, params ParameterSet) (TrustResult, error) {
	if e.cfg.SelfTrustPolicy != SelfTrustSentinel {
		return TrustResult{}, ErrSelfTrust
	}
	return TrustResult{
		Observer:        observer,
		Subject:         observer,
		Trust:           e.cfg.SelfTrustSentinel,
		Base:            e.cfg.SelfTrustSentinel,
		Derate:          1,
		Converged:       true,
		SnapshotVersion: snap.Version,
		ParamVersion:    params.Version,
	}, nil
}

// ComputeView computes the observer's trust in every identity within MaxPathLength hops.
//
// Credibility of third-party asserters depends on trust, which depends on credibility.
// This is resolved by fixed-point iteration from a zero prior. If the iteration does not
// settle within MaxIterations the last iterate is returned with Converged=false. If the
// context ends or the visited cap is hit, the best complete iterate is returned with
// Degraded=true.
func (e *TrustEngine) ComputeView(ctx context.Context, observer string, snap *LedgerSnapshot, params ParameterSet) *TrustView {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "trust.ComputeView",
		trace.WithAttributes(
			attribute.String("observer", observer),
			attribute.Int64("snapshot.version", int64(snap.Version)),
			attribute.Int64("params.version", params.Version),
		))
	defer span.End()

	if e.cfg.Timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()
		}
	}

	c := newTrustComputation(e.cfg, observer, snap, params, e.clock.Now())
	view := c.solve(ctx)

	outcome := "converged"
	switch {
	case view.Degraded:
		outcome = "degraded"
		span.SetStatus(codes.Error, "degraded")
		logger.Warn("Trust computation degraded",
			"observer", observer,
			"iterations", view.Iterations,
			"visited", len(view.Depth),
			"error", ctx.Err())
	case !view.Converged:
		outcome = "not_converged"
		logger.Warn("Trust computation did not converge",
			"observer", observer,
			"iterations", view.Iterations,
			"lastDelta", c.lastDelta)
	}

	span.SetAttributes(
		attribute.Int("iterations", view.Iterations),
		attribute.Bool("converged", view.Converged),
		attribute.Bool("degraded", view.Degraded),
		attribute.Int("region.size", len(view.Effective)),
	)
	RecordTrustComputation(outcome, time.Since(start))
	return view
}

type weightedLink struct {
	to     string
	weight float64
}

// trustComputation holds per-call memoized rows. It is never shared.
type trustComputation struct {
	cfg      TrustConfig
	observer string
	snap     *LedgerSnapshot
	params   ParameterSet
	now      time.Time

	rows      map[string][]weightedLink
	derates   map[string]float64
	isoShares map[string]float64
	lastDelta float64
}

func newTrustComputation(cfg TrustConfig, observer string, snap *LedgerSnapshot, params ParameterSet, now time.Time) *trustComputation {
	return &trustComputation{
		cfg:       cfg,
		observer:  observer,
		snap:      snap,
		params:    params,
		now:       now,
		rows:      make(map[string][]weightedLink),
		derates:   make(map[string]float64),
		isoShares: make(map[string]float64),
	}
}

func (c *trustComputation) solve(ctx context.Context) *TrustView {
	view := &TrustView{
		Observer:        c.observer,
		Base:            map[string]float64{},
		Effective:       map[string]float64{},
		Derates:         map[string]float64{},
		Depth:           map[string]int{},
		SnapshotVersion: c.snap.Version,
		ParamVersion:    c.params.Version,
		ComputedAt:      c.now,
	}

	prev := map[string]float64{}
	for iter := 1; iter <= c.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			view.Degraded = true
			return view
		}

		base, eff, depth, complete := c.iterate(ctx, prev)
		if !complete {
			view.Degraded = true
			if ctx.Err() != nil {
				return view
			}
		}

		c.lastDelta = maxDelta(prev, eff)
		view.Base = base
		view.Effective = eff
		view.Depth = depth
		view.Iterations = iter
		view.Derates = make(map[string]float64, len(eff))
		for id := range eff {
			view.Derates[id] = c.derate(id)
		}

		if c.lastDelta < c.cfg.Tolerance {
			view.Converged = true
			return view
		}
		prev = eff
	}
	return view
}

// iterate performs one pass of the layered expansion using prev for credibilities.
// It reports complete=false if the context ended or the visited cap was reached.
func (c *trustComputation) iterate(ctx context.Context, prev map[string]float64) (map[string]float64, map[string]float64, map[string]int, bool) {
	decay := c.params.TransitivityDecay
	complete := true

	direct := c.observerRow(prev)
	base := make(map[string]float64, len(direct))
	eff := make(map[string]float64, len(direct))
	depth := make(map[string]int, len(direct))

	for _, link := range direct {
		base[link.to] = link.weight
	}

	// depth 1 is everything the observer has a direct opinion about
	layer := make([]string, 0, len(direct))
	for _, link := range direct {
		depth[link.to] = 1
		layer = append(layer, link.to)
	}

	for d := 1; d <= c.cfg.MaxPathLength && len(layer) > 0; d++ {
		if ctx.Err() != nil {
			complete = false
			break
		}

		for _, id := range layer {
			eff[id] = base[id] * c.derate(id)
		}
		if d == c.cfg.MaxPathLength {
			break
		}

		weight := math.Pow(decay, float64(d+1))
		var next []string
		for _, m := range layer {
			tm := eff[m]
			if tm < c.cfg.PruneThreshold {
				continue
			}
			for _, link := range c.experienceRow(m) {
				x := link.to
				if x == c.observer || x == m {
					continue
				}
				known, seen := depth[x]
				if !seen {
					if len(depth) >= c.cfg.MaxVisited {
						complete = false
						continue
					}
					depth[x] = d + 1
					known = d + 1
					next = append(next, x)
				}
				// m vouches for its own layer and beyond, never back toward the observer
				if known >= d {
					base[x] += tm * link.weight * weight
				}
			}
		}
		sort.Strings(next)
		layer = next
	}

	for id, b := range base {
		eff[id] = b * c.derate(id)
	}
	return base, eff, depth, complete
}

// observerRow is the observer's direct opinion of every identity. Its own
// experience and assertions count fully; third-party assertions are weighted
// by the asserter's credibility from the previous iterate.
func (c *trustComputation) observerRow(prev map[string]float64) []weightedLink {
	row := make(map[string]float64)
	for _, link := range c.ownRow(c.observer) {
		row[link.to] += link.weight
	}

	asserters := sortedKeys(prev)
	for _, asserter := range asserters {
		credibility := squash(prev[asserter])
		if credibility == 0 {
			continue
		}
		for _, a := range c.snap.GetAssertionsBy(asserter) {
			if a.Subject == c.observer || a.Subject == asserter {
				continue
			}
			row[a.Subject] += credibility * a.Score * c.assertionDecay(a)
		}
	}

	return linksFrom(row)
}

// ownRow is m's direct opinion from its own transactions and assertions
func (c *trustComputation) ownRow(m string) []weightedLink {
	acc := make(map[string]float64)
	for _, link := range c.experienceRow(m) {
		acc[link.to] += link.weight
	}
	for _, a := range c.snap.GetAssertionsBy(m) {
		if a.Subject == m {
			continue
		}
		acc[a.Subject] += a.Score * c.assertionDecay(a)
	}
	return linksFrom(acc)
}

// experienceRow is the trust m earned with each counterparty through transactions.
// Intermediaries pass on only this part; their assertions reach the observer
// through credibility in observerRow.
func (c *trustComputation) experienceRow(m string) []weightedLink {
	if row, ok := c.rows[m]; ok {
		return row
	}

	acc := make(map[string]float64)
	for _, tx := range c.snap.GetTransactions(m) {
		x := tx.Counterparty(m)
		if x == m {
			continue
		}
		acc[x] += c.experience(tx)
	}
	row := linksFrom(acc)
	c.rows[m] = row
	return row
}

func linksFrom(acc map[string]float64) []weightedLink {
	row := make([]weightedLink, 0, len(acc))
	for _, id := range sortedKeys(acc) {
		if acc[id] == 0 {
			continue
		}
		row = append(row, weightedLink{to: id, weight: acc[id]})
	}
	return row
}

// experience is the trust earned by both parties from one completed transaction
func (c *trustComputation) experience(tx Transaction) float64 {
	if tx.DurationSeconds <= 0 {
		return 0
	}
	hours := float64(tx.DurationSeconds) / 3600
	return c.cfg.Credit *
		c.cfg.resourceWeight(tx.ResourceClass) *
		hours *
		c.verificationScore(tx) *
		c.clusterWeight(tx.Consumer, tx.Provider) *
		DonationMultiplier(tx.BidPrice, c.cfg.DonationScale)
}

func (c *trustComputation) verificationScore(tx Transaction) float64 {
	if tx.VerificationID == "" {
		return c.cfg.UnverifiedScore
	}
	v, ok := c.snap.GetVerificationLog(tx.VerificationID)
	if !ok {
		return c.cfg.UnverifiedScore
	}
	return VerificationScore(v)
}

// VerificationScore is 0 for a failed log and the delivered fraction for a passed one
func VerificationScore(v VerificationLog) float64 {
	if !v.Passed {
		return 0
	}
	if v.ClaimedValue <= 0 {
		return 1
	}
	return clamp(v.MeasuredValue/v.ClaimedValue, 0, 1)
}

// clusterWeight discounts transactions between parties that mostly trade with each other
func (c *trustComputation) clusterWeight(a, b string) float64 {
	iso := math.Min(c.isoShare(a), c.isoShare(b))
	return ClusterWeight(iso, c.params.IsolationThreshold, c.cfg.ClusterWeightFloor)
}

// ClusterWeight maps an outside-trading share to a multiplier in [floor, 1]
func ClusterWeight(iso, threshold, floor float64) float64 {
	if threshold <= 0 || iso >= threshold {
		return 1
	}
	return floor + (1-floor)*clamp(iso/threshold, 0, 1)
}

func (c *trustComputation) isoShare(id string) float64 {
	if share, ok := c.isoShares[id]; ok {
		return share
	}
	share := OutsideShare(c.snap, id)
	c.isoShares[id] = share
	return share
}

// OutsideShare is the fraction of id's distinct counterparties beyond its first
func OutsideShare(snap *LedgerSnapshot, id string) float64 {
	deg := len(snap.Counterparties(id))
	if deg == 0 {
		return 0
	}
	return float64(deg-1) / float64(deg)
}

func (c *trustComputation) assertionDecay(a Assertion) float64 {
	if c.cfg.AssertionHalfLife <= 0 {
		return 1
	}
	age := c.now.Sub(time.Unix(a.Timestamp, 0))
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Seconds()/c.cfg.AssertionHalfLife.Seconds())
}

// derate is zero for identities the ledger does not know
func (c *trustComputation) derate(id string) float64 {
	if d, ok := c.derates[id]; ok {
		return d
	}
	d := 0.0
	if ident, ok := c.snap.GetIdentity(id); ok {
		d = Derate(ident, c.now, c.params)
	}
	c.derates[id] = d
	return d
}

// squash maps trust into a credibility in [0, 1)
func squash(t float64) float64 {
	if t <= 0 || math.IsNaN(t) {
		return 0
	}
	return t / (1 + t)
}

func maxDelta(prev, next map[string]float64) float64 {
	delta := 0.0
	for id, v := range next {
		if d := math.Abs(v - prev[id]); d > delta {
			delta = d
		}
	}
	for id, v := range prev {
		if _, ok := next[id]; !ok {
			if d := math.Abs(v); d > delta {
				delta = d
			}
		}
	}
	return delta
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
