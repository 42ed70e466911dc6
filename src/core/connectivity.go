package main

import (
	"sync"
	"time"
)

// Default connectivity estimator tunables
const (
	DefaultPeerFreshness   = 5 * time.Minute
	DefaultExpectedPeers   = 8
	ConnectionStatusActive = "active"
	ConnectionStatusFailed = "failed"
)

// ConnectivityEstimator measures how well connected this node is, in [0, 1]
type ConnectivityEstimator interface {
	MeasureConnectivity() float64
}

// StaticConnectivity is a fixed measurement
type StaticConnectivity float64

// MeasureConnectivity returns the fixed value
func (s StaticConnectivity) MeasureConnectivity() float64 {
	return float64(s)
}

// PeerView is what the connectivity estimator needs from the peer table
type PeerView interface {
	Peers() []Node
	PeerHealthy(nodeID string) bool
}

// PeerConnectivityEstimator is the fraction of peers recently seen with a closed breaker.
// The denominator is at least ExpectedPeers so a node with one good peer does not
// report full connectivity.
type PeerConnectivityEstimator struct {
	peers         PeerView
	clock         Clock
	freshness     time.Duration
	expectedPeers int

	mu   sync.Mutex
	last float64
}

// NewPeerConnectivityEstimator creates an estimator over the peer table
func NewPeerConnectivityEstimator(peers PeerView, clock Clock, freshness time.Duration, expectedPeers int) *PeerConnectivityEstimator {
	if freshness <= 0 {
		freshness = DefaultPeerFreshness
	}
	if expectedPeers <= 0 {
		expectedPeers = DefaultExpectedPeers
	}
	if clock == nil {
		clock = SystemClock
	}
	return &PeerConnectivityEstimator{
		peers:         peers,
		clock:         clock,
		freshness:     freshness,
		expectedPeers: expectedPeers,
	}
}

// MeasureConnectivity computes the current estimate
func (e *PeerConnectivityEstimator) MeasureConnectivity() float64 {
	peers := e.peers.Peers()
	cutoff := e.clock.Now().Add(-e.freshness).Unix()

	good := 0
	for _, p := range peers {
		if p.LastSeen >= cutoff && p.ConnectionStatus != ConnectionStatusFailed && e.peers.PeerHealthy(p.ID) {
			good++
		}
	}

	denominator := len(peers)
	if denominator < e.expectedPeers {
		denominator = e.expectedPeers
	}
	c := float64(good) / float64(denominator)

	e.mu.Lock()
	e.last = c
	e.mu.Unlock()
	UpdateConnectivityGauge(c)
	return c
}

// Last returns the most recent estimate without recomputing
func (e *PeerConnectivityEstimator) Last() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
