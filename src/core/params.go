package main

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Tunable parameter names, used in change records and bounds
const (
	ParamKPayment           = "kPayment"
	ParamKTransfer          = "kTransfer"
	ParamAgeMaturityDays    = "ageMaturityDays"
	ParamDailyMint          = "dailyMint"
	ParamIsolationThreshold = "isolationThreshold"
	ParamTransitivityDecay  = "transitivityDecay"
	ParamDampeningFactor    = "dampeningFactor"
)

// MaxParameterHistory is the number of published versions kept in memory
const MaxParameterHistory = 256

// MaxAdoptVersionGap is how far ahead of the live version a remote set may be
const MaxAdoptVersionGap = 16

var (
	ErrParameterJumpTooLarge = errors.New("parameter change exceeds damped step")
	ErrVersionGapTooLarge    = errors.New("parameter set version too far ahead")
	ErrVersionExhausted      = errors.New("parameter set version exhausted")
)

// ParameterSet is an immutable, versioned bundle of economic and trust constants
type ParameterSet struct {
	Version            int64             `json:"version" yaml:"version"`
	Epoch              int64             `json:"epoch" yaml:"epoch"`
	KPayment           float64           `json:"kPayment" yaml:"k_payment"`
	KTransfer          float64           `json:"kTransfer" yaml:"k_transfer"`
	AgeMaturityDays    float64           `json:"ageMaturityDays" yaml:"age_maturity_days"`
	DailyMint          float64           `json:"dailyMint" yaml:"daily_mint"`
	IsolationThreshold float64           `json:"isolationThreshold" yaml:"isolation_threshold"`
	TransitivityDecay  float64           `json:"transitivityDecay" yaml:"transitivity_decay"`
	DampeningFactor    float64           `json:"dampeningFactor" yaml:"dampening_factor"`
	PublishedAt        int64             `json:"publishedAt" yaml:"published_at"`
	Changes            []ParameterChange `json:"changes,omitempty" yaml:"changes,omitempty"`
}

// ParameterChange records one adjustment and the metric that triggered it
type ParameterChange struct {
	Name    string  `json:"name"`
	Old     float64 `json:"old"`
	New     float64 `json:"new"`
	Trigger string  `json:"trigger"`
	Metric  float64 `json:"metric"`
	Clamped bool    `json:"clamped"`
}

// DefaultParameterSet returns the baseline constants
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		Version:            1,
		KPayment:           5.0,
		KTransfer:          1.0,
		AgeMaturityDays:    90,
		DailyMint:          1000,
		IsolationThreshold: 0.3,
		TransitivityDecay:  0.5,
		DampeningFactor:    0.1,
	}
}

// parameterNames lists every tunable in a fixed order
var parameterNames = []string{
	ParamKPayment,
	ParamKTransfer,
	ParamAgeMaturityDays,
	ParamDailyMint,
	ParamIsolationThreshold,
	ParamTransitivityDecay,
	ParamDampeningFactor,
}

// ParameterBound is the hard safety range of a tunable parameter
type ParameterBound struct {
	Floor   float64
	Ceiling float64
}

// parameterBounds are never crossed, whatever the adaptation loop computes
var parameterBounds = map[string]ParameterBound{
	ParamKPayment:           {Floor: 0.5, Ceiling: 50},
	ParamKTransfer:          {Floor: 0.05, Ceiling: 20},
	ParamAgeMaturityDays:    {Floor: 7, Ceiling: 730},
	ParamDailyMint:          {Floor: 0, Ceiling: 1e12},
	ParamIsolationThreshold: {Floor: 0.05, Ceiling: 0.9},
	ParamTransitivityDecay:  {Floor: 0.05, Ceiling: 0.95},
	ParamDampeningFactor:    {Floor: 0.01, Ceiling: 0.5},
}

// BoundFor returns the safety range of a parameter
func BoundFor(name string) (ParameterBound, bool) {
	b, ok := parameterBounds[name]
	return b, ok
}

// Clamp limits v to the bound and reports whether it had to
func (b ParameterBound) Clamp(v float64) (float64, bool) {
	if math.IsNaN(v) {
		return b.Floor, true
	}
	if v < b.Floor {
		return b.Floor, true
	}
	if v > b.Ceiling {
		return b.Ceiling, true
	}
	return v, false
}

// Get returns a parameter by name
func (p ParameterSet) Get(name string) (float64, bool) {
	switch name {
	case ParamKPayment:
		return p.KPayment, true
	case ParamKTransfer:
		return p.KTransfer, true
	case ParamAgeMaturityDays:
		return p.AgeMaturityDays, true
	case ParamDailyMint:
		return p.DailyMint, true
	case ParamIsolationThreshold:
		return p.IsolationThreshold, true
	case ParamTransitivityDecay:
		return p.TransitivityDecay, true
	case ParamDampeningFactor:
		return p.DampeningFactor, true
	}
	return 0, false
}

// With returns a copy of the set with one parameter replaced
func (p ParameterSet) With(name string, v float64) ParameterSet {
	switch name {
	case ParamKPayment:
		p.KPayment = v
	case ParamKTransfer:
		p.KTransfer = v
	case ParamAgeMaturityDays:
		p.AgeMaturityDays = v
	case ParamDailyMint:
		p.DailyMint = v
	case ParamIsolationThreshold:
		p.IsolationThreshold = v
	case ParamTransitivityDecay:
		p.TransitivityDecay = v
	case ParamDampeningFactor:
		p.DampeningFactor = v
	}
	return p
}

// Validate checks every parameter against its hard bounds
func (p ParameterSet) Validate() error {
	for name, bound := range parameterBounds {
		v, _ := p.Get(name)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %s is not finite", name)
		}
		if v < bound.Floor || v > bound.Ceiling {
			return fmt.Errorf("parameter %s=%g outside [%g, %g]", name, v, bound.Floor, bound.Ceiling)
		}
	}
	return nil
}

// ParameterStore publishes parameter sets by atomic swap.
// Readers never observe a partially updated set.
type ParameterStore struct {
	current atomic.Pointer[ParameterSet]

	mu        sync.Mutex
	history   []ParameterSet
	listeners []func(ParameterSet)
}

// NewParameterStore creates a store holding the initial set
func NewParameterStore(initial ParameterSet) (*ParameterStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial parameter set: %w", err)
	}
	if initial.Version <= 0 {
		initial.Version = 1
	}
	s := &ParameterStore{}
	s.current.Store(&initial)
	s.history = []ParameterSet{initial}
	parameterVersionGauge.Set(float64(initial.Version))
	return s, nil
}

// Current returns the live parameter set
func (s *ParameterStore) Current() ParameterSet {
	return *s.current.Load()
}

// Get returns the live parameter set and its version
func (s *ParameterStore) Get() (ParameterSet, int64) {
	p := s.current.Load()
	return *p, p.Version
}

// OnPublish registers a callback invoked after each new version is published
func (s *ParameterStore) OnPublish(fn func(ParameterSet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Publish validates next, assigns it the next version and swaps it in
func (s *ParameterStore) Publish(next ParameterSet) (ParameterSet, error) {
	if err := next.Validate(); err != nil {
		return ParameterSet{}, fmt.Errorf("refusing to publish parameter set: %w", err)
	}

	s.mu.Lock()
	prev := s.current.Load()
	if prev.Version == math.MaxInt64 {
		s.mu.Unlock()
		return ParameterSet{}, ErrVersionExhausted
	}
	next.Version = prev.Version + 1
	next.Changes = append([]ParameterChange(nil), next.Changes...)
	s.current.Store(&next)
	s.history = append(s.history, next)
	if len(s.history) > MaxParameterHistory {
		s.history = s.history[len(s.history)-MaxParameterHistory:]
	}
	listeners := s.listeners
	s.mu.Unlock()

	parameterVersionGauge.Set(float64(next.Version))
	logger.Info("Published parameter set",
		"version", next.Version,
		"epoch", next.Epoch,
		"changes", len(next.Changes))

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// Adopt installs a set received from a peer if it is newer than the live one.
// A remote set at most MaxAdoptVersionGap versions ahead is accepted only if every
// parameter stays within the damped range that many versions allow.
func (s *ParameterStore) Adopt(remote ParameterSet) (bool, error) {
	if err := remote.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	prev := s.current.Load()
	if remote.Version <= prev.Version {
		s.mu.Unlock()
		return false, nil
	}
	gap := remote.Version - prev.Version
	if gap > MaxAdoptVersionGap {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: v%d against live v%d", ErrVersionGapTooLarge, remote.Version, prev.Version)
	}
	if err := checkDampedStep(*prev, remote, gap); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.current.Store(&remote)
	s.history = append(s.history, remote)
	if len(s.history) > MaxParameterHistory {
		s.history = s.history[len(s.history)-MaxParameterHistory:]
	}
	listeners := s.listeners
	s.mu.Unlock()

	parameterVersionGauge.Set(float64(remote.Version))
	logger.Info("Adopted remote parameter set", "version", remote.Version, "previousVersion", prev.Version)

	for _, fn := range listeners {
		fn(remote)
	}
	return true, nil
}

// checkDampedStep rejects a set that moves any parameter further than steps damped
// adjustments from the live set could
func checkDampedStep(live, remote ParameterSet, steps int64) error {
	damping := live.DampeningFactor
	growth := math.Pow(1+damping, float64(steps))
	shrink := math.Pow(1-damping, float64(steps))
	for _, name := range parameterNames {
		old, _ := live.Get(name)
		next, _ := remote.Get(name)
		tol := 1e-9 * math.Max(1, math.Abs(old))
		lo, hi := math.Abs(old)*shrink, math.Abs(old)*growth
		if next < lo-tol || next > hi+tol {
			return fmt.Errorf("%w: %s %g -> %g over %d versions", ErrParameterJumpTooLarge, name, old, next, steps)
		}
	}
	return nil
}

// History returns the published versions, oldest first
func (s *ParameterStore) History() []ParameterSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ParameterSet, len(s.history))
	copy(out, s.history)
	return out
}

// Restore replaces the history with a persisted one and makes its newest entry live
func (s *ParameterStore) Restore(history []ParameterSet) error {
	if len(history) == 0 {
		return nil
	}
	for i, p := range history {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("persisted parameter set %d: %w", i, err)
		}
		if i > 0 && p.Version <= history[i-1].Version {
			return fmt.Errorf("persisted parameter history is not monotonically versioned at %d", i)
		}
	}

	latest := history[len(history)-1]
	s.mu.Lock()
	s.history = append([]ParameterSet(nil), history...)
	s.current.Store(&latest)
	s.mu.Unlock()

	parameterVersionGauge.Set(float64(latest.Version))
	return nil
}
