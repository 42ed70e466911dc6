package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default detector tunables
const (
	DefaultDetectorShards        = 64
	DefaultFinalityConfidence    = 0.99
	DefaultMinConfirmations      = 2
	DefaultMaxConfirmations      = 20
	DefaultClaimTimeout          = 10 * time.Minute
	DefaultClaimRetention        = time.Hour
	DefaultSweepInterval         = 30 * time.Second
	DefaultPenaltyBaseScore      = -0.5
	DefaultPenaltyImpactScale    = 100.0
	DefaultDegradedConnectivity  = 0.3
	DefaultHighValueAmount       = 1000.0
	minMeasurableConnectivity    = 0.01
	maxMeasurableConnectivity    = 0.99
	penaltyContextPerPriorOffset = 0.5
)

var (
	ErrInvalidClaim = errors.New("invalid gossip claim")
)

// DetectorConfig holds the double-spend detector tunables
type DetectorConfig struct {
	Shards               int           `json:"shards"`
	Confidence           float64       `json:"confidence"`
	MinConfirmations     int           `json:"minConfirmations"`
	MaxConfirmations     int           `json:"maxConfirmations"`
	ClaimTimeout         time.Duration `json:"claimTimeout"`
	Retention            time.Duration `json:"retention"`
	SweepInterval        time.Duration `json:"sweepInterval"`
	PenaltyBaseScore     float64       `json:"penaltyBaseScore"`
	ImpactScale          float64       `json:"impactScale"`
	DegradedConnectivity float64       `json:"degradedConnectivity"`
	HighValueAmount      float64       `json:"highValueAmount"`
}

// DefaultDetectorConfig returns the default tunables
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Shards:               DefaultDetectorShards,
		Confidence:           DefaultFinalityConfidence,
		MinConfirmations:     DefaultMinConfirmations,
		MaxConfirmations:     DefaultMaxConfirmations,
		ClaimTimeout:         DefaultClaimTimeout,
		Retention:            DefaultClaimRetention,
		SweepInterval:        DefaultSweepInterval,
		PenaltyBaseScore:     DefaultPenaltyBaseScore,
		ImpactScale:          DefaultPenaltyImpactScale,
		DegradedConnectivity: DefaultDegradedConnectivity,
		HighValueAmount:      DefaultHighValueAmount,
	}
}

// PenaltyEvent is emitted once per double-spent input with an attributable spender
type PenaltyEvent struct {
	ID             string        `json:"id"`
	InputID        string        `json:"inputId"`
	Spender        string        `json:"spender"`
	TxIDs          []string      `json:"txIds"`
	Claims         []GossipClaim `json:"claims"`
	Amount         float64       `json:"amount"`
	Impact         float64       `json:"impact"`
	Context        float64       `json:"context"`
	PriorPenalties int           `json:"priorPenalties"`
	Score          float64       `json:"score"`
	DetectedAt     int64         `json:"detectedAt"`
}

// TxReport is the detector verdict for one transaction
type TxReport struct {
	TxID                  string        `json:"txId"`
	InputIDs              []string      `json:"inputIds,omitempty"`
	Status                TxStatus      `json:"status"`
	Confirmations         int           `json:"confirmations"`
	RequiredConfirmations int           `json:"requiredConfirmations"`
	Connectivity          float64       `json:"connectivity"`
	CurrencyWeight        float64       `json:"currencyWeight"`
	Amount                float64       `json:"amount"`
	FirstSeen             int64         `json:"firstSeen,omitempty"`
	DamageWindow          time.Duration `json:"damageWindow"`
	WaitForAgreement      bool          `json:"waitForAgreement"`
}

// DetectorStats are cumulative detector counters
type DetectorStats struct {
	Claims     uint64 `json:"claims"`
	Entries    uint64 `json:"entries"`
	Duplicates uint64 `json:"duplicates"`
	Conflicts  uint64 `json:"conflicts"`
	Penalties  uint64 `json:"penalties"`
	Finalized  uint64 `json:"finalized"`
	Expired    uint64 `json:"expired"`
	Tracked    int64  `json:"tracked"`
}

type claimEntry struct {
	claim     GossipClaim
	status    TxStatus
	observers map[string]struct{}
	firstSeen int64
	settledAt int64
}

type inputState struct {
	claims       map[string]*claimEntry
	order        []string
	penalized    bool
	unattributed bool
}

type detectorShard struct {
	mu     sync.Mutex
	inputs map[string]*inputState
}

type indexShard struct {
	mu       sync.RWMutex
	txInputs map[string][]string
}

// Detector tracks gossip sightings per spent input and detects double spends.
// State is sharded by input; no lock is held across shards.
type Detector struct {
	cfg          DetectorConfig
	clock        Clock
	connectivity ConnectivityEstimator

	shards []*detectorShard
	index  []*indexShard

	penaltyMu      sync.Mutex
	priorPenalties map[string]int

	listenerMu sync.RWMutex
	onPenalty  []func(PenaltyEvent)

	claims     atomic.Uint64
	entries    atomic.Uint64
	duplicates atomic.Uint64
	conflicts  atomic.Uint64
	penalties  atomic.Uint64
	finalized  atomic.Uint64
	expired    atomic.Uint64
	tracked    atomic.Int64
}

// NewDetector creates a detector measuring connectivity with the given estimator
func NewDetector(cfg DetectorConfig, connectivity ConnectivityEstimator, clock Clock) *Detector {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultDetectorShards
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = DefaultFinalityConfidence
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = DefaultMinConfirmations
	}
	if cfg.MaxConfirmations < cfg.MinConfirmations {
		cfg.MaxConfirmations = cfg.MinConfirmations
	}
	if cfg.ImpactScale <= 0 {
		cfg.ImpactScale = DefaultPenaltyImpactScale
	}
	if clock == nil {
		clock = SystemClock
	}
	if connectivity == nil {
		connectivity = StaticConnectivity(0)
	}

	d := &Detector{
		cfg:            cfg,
		clock:          clock,
		connectivity:   connectivity,
		shards:         make([]*detectorShard, cfg.Shards),
		index:          make([]*indexShard, cfg.Shards),
		priorPenalties: make(map[string]int),
	}
	for i := range d.shards {
		d.shards[i] = &detectorShard{inputs: make(map[string]*inputState)}
		d.index[i] = &indexShard{txInputs: make(map[string][]string)}
	}
	return d
}

// OnPenalty registers a callback for penalty events. Callbacks run without detector locks held.
func (d *Detector) OnPenalty(fn func(PenaltyEvent)) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.onPenalty = append(d.onPenalty, fn)
}

func (d *Detector) shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// RequiredConfirmations is the number of distinct observers needed for finality at the
// given connectivity. It is non-increasing in connectivity.
func (d *Detector) RequiredConfirmations(connectivity float64) int {
	n := int(math.Ceil(d.rawConfirmations(connectivity)))
	if n < d.cfg.MinConfirmations {
		return d.cfg.MinConfirmations
	}
	if n > d.cfg.MaxConfirmations {
		return d.cfg.MaxConfirmations
	}
	return n
}

// CurrencyWeight is an advisory finality weight in (0, 1], heavier at lower connectivity
func (d *Detector) CurrencyWeight(connectivity float64) float64 {
	return math.Min(1, d.rawConfirmations(connectivity)/float64(d.cfg.MaxConfirmations))
}

// rawConfirmations solves (1-c)^n = 1-confidence for n, treating c as the chance a
// single observer would already have seen a conflicting spend
func (d *Detector) rawConfirmations(connectivity float64) float64 {
	c := clamp(connectivity, minMeasurableConnectivity, maxMeasurableConnectivity)
	return math.Log(1-d.cfg.Confidence) / math.Log(1-c)
}

func (d *Detector) measureConnectivity() float64 {
	return clamp(d.connectivity.MeasureConnectivity(), 0, 1)
}

func validateClaim(claim GossipClaim) error {
	switch {
	case claim.TxID == "":
		return fmt.Errorf("%w: missing txId", ErrInvalidClaim)
	case claim.InputID == "":
		return fmt.Errorf("%w: missing inputId", ErrInvalidClaim)
	case claim.Observer == "":
		return fmt.Errorf("%w: missing observer", ErrInvalidClaim)
	case math.IsNaN(claim.Amount) || math.IsInf(claim.Amount, 0) || claim.Amount < 0:
		return fmt.Errorf("%w: invalid amount", ErrInvalidClaim)
	}
	return nil
}

// Submit merges one gossip sighting into the detector state and returns the resulting
// status of the claimed transaction on that input. Re-delivering a sighting is a no-op.
func (d *Detector) Submit(claim GossipClaim) (TxStatus, error) {
	if err := validateClaim(claim); err != nil {
		return TxUnseen, err
	}

	now := d.clock.Now().Unix()
	if claim.SeenAt == 0 {
		claim.SeenAt = now
	}
	connectivity := d.measureConnectivity()
	required := d.RequiredConfirmations(connectivity)

	shard := d.shards[d.shardIndex(claim.InputID)]
	shard.mu.Lock()

	st, exists := shard.inputs[claim.InputID]
	if !exists {
		st = &inputState{claims: make(map[string]*claimEntry)}
		shard.inputs[claim.InputID] = st
	}

	d.claims.Add(1)
	entry, known := st.claims[claim.TxID]
	if known {
		status := d.addSighting(entry, claim.Observer, required, now)
		shard.mu.Unlock()
		return status, nil
	}

	entry = &claimEntry{
		claim:     claim,
		status:    TxSeen,
		observers: map[string]struct{}{claim.Observer: {}},
		firstSeen: now,
	}
	st.claims[claim.TxID] = entry
	st.order = append(st.order, claim.TxID)
	d.entries.Add(1)
	d.tracked.Add(1)
	d.indexTx(claim.TxID, claim.InputID)
	RecordDetectorTransition(TxSeen)

	var event *PenaltyEvent
	if len(st.claims) > 1 {
		event = d.conflict(claim.InputID, st, now)
	} else if len(entry.observers) >= required {
		d.finalize(entry, now)
	}
	status := entry.status
	shard.mu.Unlock()

	UpdateTrackedClaimsGauge(int(d.tracked.Load()))
	if event != nil {
		d.emitPenalty(*event)
	}
	return status, nil
}

// addSighting must be called with the shard lock held
func (d *Detector) addSighting(entry *claimEntry, observer string, required int, now int64) TxStatus {
	if entry.status != TxSeen {
		d.duplicates.Add(1)
		return entry.status
	}
	if _, seen := entry.observers[observer]; seen {
		d.duplicates.Add(1)
		return entry.status
	}
	entry.observers[observer] = struct{}{}
	if len(entry.observers) >= required {
		d.finalize(entry, now)
	}
	return entry.status
}

func (d *Detector) finalize(entry *claimEntry, now int64) {
	entry.status = TxFinalized
	entry.settledAt = now
	d.finalized.Add(1)
	RecordDetectorTransition(TxFinalized)
	logger.Debug("Transaction finalized",
		"txId", entry.claim.TxID,
		"inputId", entry.claim.InputID,
		"confirmations", len(entry.observers))
}

// conflict marks every claim on the input Conflicted and builds the penalty event if
// one is due. Finalized claims are conflicted too since finality is advisory.
func (d *Detector) conflict(inputID string, st *inputState, now int64) *PenaltyEvent {
	d.conflicts.Add(1)
	for _, txID := range st.order {
		entry := st.claims[txID]
		if entry.status == TxConflicted || entry.status == TxExpired {
			continue
		}
		entry.status = TxConflicted
		entry.settledAt = now
		RecordDetectorTransition(TxConflicted)
	}

	if st.penalized {
		return nil
	}

	spender := ""
	attributable := true
	for _, txID := range st.order {
		s := st.claims[txID].claim.Spender
		if s == "" || (spender != "" && s != spender) {
			attributable = false
			break
		}
		spender = s
	}

	if !attributable {
		if !st.unattributed {
			st.unattributed = true
			logger.Warn("Double spend detected but spender is not attributable",
				"inputId", inputID,
				"txIds", st.order)
		}
		return nil
	}

	st.penalized = true
	event := d.buildPenalty(inputID, spender, st, now)
	logger.Warn("Double spend detected",
		"inputId", inputID,
		"spender", spender,
		"txIds", event.TxIDs,
		"amount", event.Amount,
		"score", event.Score)
	return &event
}

func (d *Detector) buildPenalty(inputID, spender string, st *inputState, now int64) PenaltyEvent {
	event := PenaltyEvent{
		ID:         uuid.NewString(),
		InputID:    inputID,
		Spender:    spender,
		DetectedAt: now,
	}
	for _, txID := range st.order {
		claim := st.claims[txID].claim
		event.TxIDs = append(event.TxIDs, txID)
		event.Claims = append(event.Claims, claim)
		if claim.Amount > event.Amount {
			event.Amount = claim.Amount
		}
	}

	d.penaltyMu.Lock()
	prior := d.priorPenalties[spender]
	d.priorPenalties[spender] = prior + 1
	d.penaltyMu.Unlock()

	event.PriorPenalties = prior
	event.Impact = 1 + math.Log10(1+event.Amount/d.cfg.ImpactScale)
	event.Context = 1 + penaltyContextPerPriorOffset*float64(prior)
	event.Score = PenaltyScore(d.cfg.PenaltyBaseScore, event.Impact, event.Context)
	return event
}

// PenaltyScore scales a negative base score by impact and context, clamped to [-1, 0]
func PenaltyScore(base, impact, context float64) float64 {
	return clamp(base*impact*context, -1, 0)
}

func (d *Detector) emitPenalty(event PenaltyEvent) {
	d.penalties.Add(1)
	RecordPenaltyEmitted()

	d.listenerMu.RLock()
	listeners := d.onPenalty
	d.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// indexTx must be called with the input shard lock held
func (d *Detector) indexTx(txID, inputID string) {
	idx := d.index[d.shardIndex(txID)]
	idx.mu.Lock()
	idx.txInputs[txID] = append(idx.txInputs[txID], inputID)
	idx.mu.Unlock()
}

func (d *Detector) unindexTx(txID, inputID string) {
	idx := d.index[d.shardIndex(txID)]
	idx.mu.Lock()
	defer idx.mu.Unlock()
	inputs := idx.txInputs[txID]
	for i, in := range inputs {
		if in == inputID {
			inputs = append(inputs[:i], inputs[i+1:]...)
			break
		}
	}
	if len(inputs) == 0 {
		delete(idx.txInputs, txID)
	} else {
		idx.txInputs[txID] = inputs
	}
}

// Status returns the detector verdict for a transaction. A transaction spending several
// inputs takes the most severe state across them and the fewest confirmations.
func (d *Detector) Status(txID string) TxReport {
	connectivity := d.measureConnectivity()
	report := TxReport{
		TxID:                  txID,
		Status:                TxUnseen,
		Connectivity:          connectivity,
		RequiredConfirmations: d.RequiredConfirmations(connectivity),
		CurrencyWeight:        d.CurrencyWeight(connectivity),
	}

	idx := d.index[d.shardIndex(txID)]
	idx.mu.RLock()
	inputs := append([]string(nil), idx.txInputs[txID]...)
	idx.mu.RUnlock()
	if len(inputs) == 0 {
		return report
	}
	sort.Strings(inputs)
	report.InputIDs = inputs

	statuses := make([]TxStatus, 0, len(inputs))
	report.Confirmations = math.MaxInt
	for _, inputID := range inputs {
		shard := d.shards[d.shardIndex(inputID)]
		shard.mu.Lock()
		st, ok := shard.inputs[inputID]
		if ok {
			if entry, found := st.claims[txID]; found {
				statuses = append(statuses, entry.status)
				if n := len(entry.observers); n < report.Confirmations {
					report.Confirmations = n
				}
				if report.FirstSeen == 0 || entry.firstSeen < report.FirstSeen {
					report.FirstSeen = entry.firstSeen
				}
				if entry.claim.Amount > report.Amount {
					report.Amount = entry.claim.Amount
				}
			}
		}
		shard.mu.Unlock()
	}
	if len(statuses) == 0 {
		report.Confirmations = 0
		return report
	}
	report.Status = combineStatuses(statuses)

	degraded := connectivity < d.cfg.DegradedConnectivity
	if report.Status == TxSeen && degraded {
		report.DamageWindow = d.clock.Now().Sub(time.Unix(report.FirstSeen, 0))
		if report.DamageWindow < 0 {
			report.DamageWindow = 0
		}
	}
	if report.Status == TxSeen || report.Status == TxFinalized {
		report.WaitForAgreement = degraded || report.Amount >= d.cfg.HighValueAmount
	}
	return report
}

func combineStatuses(statuses []TxStatus) TxStatus {
	has := func(s TxStatus) bool {
		for _, st := range statuses {
			if st == s {
				return true
			}
		}
		return false
	}
	switch {
	case has(TxConflicted):
		return TxConflicted
	case has(TxExpired):
		return TxExpired
	case has(TxSeen):
		return TxSeen
	default:
		return TxFinalized
	}
}

// Sweep expires Seen claims past the claim timeout, finalizes claims that now meet the
// required confirmations, and drops settled inputs past the retention window.
func (d *Detector) Sweep() (expired, removed int) {
	now := d.clock.Now()
	nowUnix := now.Unix()
	timeout := int64(d.cfg.ClaimTimeout / time.Second)
	retention := int64(d.cfg.Retention / time.Second)
	required := d.RequiredConfirmations(d.measureConnectivity())

	for _, shard := range d.shards {
		shard.mu.Lock()
		for inputID, st := range shard.inputs {
			settled := true
			lastSettled := int64(0)
			for _, txID := range st.order {
				entry := st.claims[txID]
				if entry.status == TxSeen {
					if len(entry.observers) >= required {
						d.finalize(entry, nowUnix)
					} else if d.cfg.ClaimTimeout > 0 && nowUnix-entry.firstSeen >= timeout {
						entry.status = TxExpired
						entry.settledAt = nowUnix
						d.expired.Add(1)
						RecordDetectorTransition(TxExpired)
						expired++
					}
				}
				if entry.status == TxSeen {
					settled = false
				} else if entry.settledAt > lastSettled {
					lastSettled = entry.settledAt
				}
			}

			if settled && nowUnix-lastSettled >= retention {
				for _, txID := range st.order {
					d.unindexTx(txID, inputID)
				}
				d.tracked.Add(-int64(len(st.order)))
				delete(shard.inputs, inputID)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	UpdateTrackedClaimsGauge(int(d.tracked.Load()))
	if expired > 0 || removed > 0 {
		logger.Debug("Detector sweep", "expired", expired, "removedInputs", removed)
	}
	return expired, removed
}

// Run sweeps on the configured interval until ctx is done
func (d *Detector) Run(ctx context.Context) {
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Stats returns the cumulative counters
func (d *Detector) Stats() DetectorStats {
	return DetectorStats{
		Claims:     d.claims.Load(),
		Entries:    d.entries.Load(),
		Duplicates: d.duplicates.Load(),
		Conflicts:  d.conflicts.Load(),
		Penalties:  d.penalties.Load(),
		Finalized:  d.finalized.Load(),
		Expired:    d.expired.Load(),
		Tracked:    d.tracked.Load(),
	}
}

// PriorPenalties returns the number of penalties already emitted against spender
func (d *Detector) PriorPenalties(spender string) int {
	d.penaltyMu.Lock()
	defer d.penaltyMu.Unlock()
	return d.priorPenalties[spender]
}
