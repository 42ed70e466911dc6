package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultEpochLength is the distribution window
const DefaultEpochLength = 24 * time.Hour

// MaxDonationMultiplier bounds the trust bonus of a negative-price bid
const MaxDonationMultiplier = 4.0

func nonNegative(t float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	return t
}

// ProviderShare is the fraction of a payment kept by a provider with the given trust.
// It is 0 at zero trust and approaches but never reaches 1.
func ProviderShare(trust float64, params ParameterSet) float64 {
	t := nonNegative(trust)
	return 1 - 1/(1+params.KPayment*t)
}

// BurnedShare is the fraction of a payment that is destroyed
func BurnedShare(trust float64, params ParameterSet) float64 {
	return 1 - ProviderShare(trust, params)
}

// SplitPayment divides an amount into the provider's part and the burned part
func SplitPayment(amount, trust float64, params ParameterSet) (received, burned float64) {
	received = amount * ProviderShare(trust, params)
	return received, amount - received
}

// TransferBurnRate is the fraction burned on a transfer, driven by the less trusted party
func TransferBurnRate(senderTrust, receiverTrust float64, params ParameterSet) float64 {
	t := nonNegative(math.Min(senderTrust, receiverTrust))
	return 1 / (1 + params.KTransfer*t)
}

// DonationMultiplier scales the trust contribution of a negative-price bid, up to 4x.
// Non-negative bids are not scaled.
func DonationMultiplier(bidPrice, scale float64) float64 {
	if bidPrice >= 0 || math.IsNaN(bidPrice) {
		return 1
	}
	if scale <= 0 {
		scale = 1
	}
	return 1 + math.Min(MaxDonationMultiplier-1, -bidPrice/scale)
}

// EpochOf returns the epoch index containing t
func EpochOf(t time.Time, length time.Duration) int64 {
	if length <= 0 {
		length = DefaultEpochLength
	}
	return t.Unix() / int64(length/time.Second)
}

// EpochBounds returns the unix time range [from, to) of an epoch
func EpochBounds(epoch int64, length time.Duration) (int64, int64) {
	if length <= 0 {
		length = DefaultEpochLength
	}
	seconds := int64(length / time.Second)
	return epoch * seconds, (epoch + 1) * seconds
}

// Distribution is the daily mint allocation of one epoch
type Distribution struct {
	Epoch           int64              `json:"epoch"`
	Observer        string             `json:"observer"`
	SnapshotVersion uint64             `json:"snapshotVersion"`
	ParamVersion    int64              `json:"paramVersion"`
	DailyMint       float64            `json:"dailyMint"`
	TotalTrust      float64            `json:"totalTrust"`
	Shares          map[string]float64 `json:"shares"`
}

// Share returns the allocation of one identity, zero if it was not active
func (d *Distribution) Share(identity string) float64 {
	return d.Shares[identity]
}

// Values returns the shares sorted by identity
func (d *Distribution) Values() []float64 {
	ids := make([]string, 0, len(d.Shares))
	for id := range d.Shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	values := make([]float64, len(ids))
	for i, id := range ids {
		values[i] = d.Shares[id]
	}
	return values
}

// ComputeDistribution allocates dailyMint proportionally to non-negative trust.
// An empty or all-zero active set distributes nothing.
func ComputeDistribution(epoch int64, active []string, trust func(string) float64, dailyMint float64) *Distribution {
	d := &Distribution{
		Epoch:     epoch,
		DailyMint: dailyMint,
		Shares:    make(map[string]float64, len(active)),
	}

	weights := make([]float64, len(active))
	for i, id := range active {
		weights[i] = nonNegative(trust(id))
		d.TotalTrust += weights[i]
	}

	for i, id := range active {
		if d.TotalTrust == 0 {
			d.Shares[id] = 0
			continue
		}
		d.Shares[id] = weights[i] / d.TotalTrust * dailyMint
	}
	return d
}

// DistributionPlanner computes epoch distributions from this node's trust view
type DistributionPlanner struct {
	observer    string
	ledger      *Ledger
	engine      *TrustEngine
	params      *ParameterStore
	clock       Clock
	epochLength time.Duration
	cache       *cache.Cache
}

// NewDistributionPlanner creates a planner computing from observer's perspective
func NewDistributionPlanner(observer string, ledger *Ledger, engine *TrustEngine, params *ParameterStore, clock Clock, epochLength time.Duration) *DistributionPlanner {
	if epochLength <= 0 {
		epochLength = DefaultEpochLength
	}
	return &DistributionPlanner{
		observer:    observer,
		ledger:      ledger,
		engine:      engine,
		params:      params,
		clock:       clock,
		epochLength: epochLength,
		cache:       cache.New(epochLength, epochLength),
	}
}

// CurrentEpoch returns the epoch containing the current time
func (p *DistributionPlanner) CurrentEpoch() int64 {
	return EpochOf(p.clock.Now(), p.epochLength)
}

// Distribution returns the allocation for an epoch over its complete active set
func (p *DistributionPlanner) Distribution(ctx context.Context, epoch int64) (*Distribution, error) {
	if epoch < 0 {
		return nil, fmt.Errorf("invalid epoch %d", epoch)
	}

	snap := p.ledger.Snapshot()
	params := p.params.Current()
	key := fmt.Sprintf("%d:%d:%d", epoch, snap.Version, params.Version)
	if cached, found := p.cache.Get(key); found {
		return cached.(*Distribution), nil
	}

	from, to := EpochBounds(epoch, p.epochLength)
	active := snap.ActiveIdentities(from, to)

	view := p.engine.ComputeView(ctx, p.observer, snap, params)
	trustOf := func(id string) float64 {
		if id != p.observer {
			return view.Trust(id)
		}
		// the node's own share follows the self-trust policy: nothing under reject
		self, err := p.engine.ComputeTrust(ctx, id, id, snap, params)
		if err != nil {
			return 0
		}
		return self.Trust
	}
	d := ComputeDistribution(epoch, active, trustOf, params.DailyMint)
	d.Observer = p.observer
	d.SnapshotVersion = snap.Version
	d.ParamVersion = params.Version

	if view.Degraded {
		logger.Warn("Distribution computed from degraded trust view", "epoch", epoch, "observer", p.observer)
		return d, nil
	}
	p.cache.Set(key, d, cache.DefaultExpiration)
	return d, nil
}

// DailyShare returns one identity's allocation for an epoch
func (p *DistributionPlanner) DailyShare(ctx context.Context, identity string, epoch int64) (float64, error) {
	d, err := p.Distribution(ctx, epoch)
	if err != nil {
		return 0, err
	}
	return d.Share(identity), nil
}
