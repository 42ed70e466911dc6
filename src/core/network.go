package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Peer breaker tunables
const (
	peerBreakerFailures    = 3
	peerBreakerOpenTimeout = 30 * time.Second
	peerBreakerInterval    = time.Minute
)

// errPeerRejected means the peer answered but refused the message; it does not trip the breaker
var errPeerRejected = errors.New("peer rejected message")

// PeerTable holds the known peers and a circuit breaker per peer
type PeerTable struct {
	selfID string
	clock  Clock

	mu       sync.RWMutex
	nodes    map[string]Node
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewPeerTable creates an empty table that ignores entries for selfID
func NewPeerTable(selfID string, clock Clock) *PeerTable {
	if clock == nil {
		clock = SystemClock
	}
	return &PeerTable{
		selfID:   selfID,
		clock:    clock,
		nodes:    make(map[string]Node),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Upsert adds or refreshes a peer. Returns true if the peer was new.
func (t *PeerTable) Upsert(n Node) bool {
	if n.ID == "" || n.Address == "" || n.ID == t.selfID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, exists := t.nodes[n.ID]
	if exists && existing.LastSeen > n.LastSeen {
		n.LastSeen = existing.LastSeen
	}
	if n.ConnectionStatus == "" {
		n.ConnectionStatus = ConnectionStatusActive
	}
	t.nodes[n.ID] = n
	if !exists {
		t.breakers[n.ID] = t.newBreaker(n.ID)
		UpdateConnectedNodesGauge(len(t.nodes))
	}
	return !exists
}

func (t *PeerTable) newBreaker(id string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer-" + id,
		MaxRequests: 1,
		Interval:    peerBreakerInterval,
		Timeout:     peerBreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= peerBreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errPeerRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Peer circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// Peers returns the known peers sorted by ID
func (t *PeerTable) Peers() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeerHealthy reports whether the peer's breaker is not open
func (t *PeerTable) PeerHealthy(nodeID string) bool {
	t.mu.RLock()
	cb, ok := t.breakers[nodeID]
	t.mu.RUnlock()
	return ok && cb.State() != gobreaker.StateOpen
}

// Len returns the number of known peers
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *PeerTable) markResult(nodeID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	if err != nil && !errors.Is(err, errPeerRejected) {
		n.ConnectionStatus = ConnectionStatusFailed
	} else {
		n.ConnectionStatus = ConnectionStatusActive
		n.LastSeen = t.clock.Now().Unix()
	}
	t.nodes[nodeID] = n
}

// call runs fn through the peer's breaker and records the outcome
func (t *PeerTable) call(nodeID string, fn func() error) error {
	t.mu.RLock()
	cb, ok := t.breakers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", nodeID)
	}

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	t.markResult(nodeID, err)
	return err
}

// DiscoverNodes asks each seed for its peer list and adds what it learns
func (node *TrustNode) DiscoverNodes(ctx context.Context, seedNodes []string) int {
	discovered := 0
	for _, seedAddress := range seedNodes {
		nodes, err := node.fetchNodes(ctx, seedAddress)
		if err != nil {
			logger.Warn("Failed to query seed node", "seedAddress", seedAddress, "error", err)
			continue
		}

		for _, discoveredNode := range nodes {
			if node.peers.Upsert(discoveredNode) {
				discovered++
				logger.Info("Discovered node", "nodeId", discoveredNode.ID, "address", discoveredNode.Address)
			}
		}
	}
	return discovered
}

func (node *TrustNode) fetchNodes(ctx context.Context, address string) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/api/nodes", address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := node.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var nodesResponse struct {
		Success bool `json:"success"`
		Data    struct {
			Self  Node   `json:"self"`
			Nodes []Node `json:"nodes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&nodesResponse); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}

	nodes := nodesResponse.Data.Nodes
	if self := nodesResponse.Data.Self; self.ID != "" {
		if self.Address == "" {
			self.Address = address
		}
		self.LastSeen = node.clock.Now().Unix()
		nodes = append(nodes, self)
	}
	return nodes, nil
}

// RunDiscovery rediscovers from the seeds and every known peer on each interval
func (node *TrustNode) RunDiscovery(ctx context.Context, interval time.Duration) {
	node.DiscoverNodes(ctx, node.cfg.SeedNodes)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			addresses := append([]string(nil), node.cfg.SeedNodes...)
			for _, p := range node.peers.Peers() {
				addresses = append(addresses, p.Address)
			}
			node.DiscoverNodes(ctx, addresses)
			node.Connectivity.MeasureConnectivity()
		}
	}
}

// BroadcastEnvelope posts env to every known peer except its origin.
// Returns the number of peers that accepted it.
func (node *TrustNode) BroadcastEnvelope(ctx context.Context, env Envelope) int {
	path, ok := gossipPaths[env.Schema]
	if !ok {
		logger.Warn("Cannot broadcast unknown schema", "schema", env.Schema)
		return 0
	}

	body, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to marshal envelope", "error", err)
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0

	for _, peer := range node.peers.Peers() {
		if peer.ID == node.NodeID || peer.ID == env.Origin {
			continue
		}

		wg.Add(1)
		go func(peer Node) {
			defer wg.Done()
			err := node.peers.call(peer.ID, func() error {
				return node.postEnvelope(ctx, peer.Address, path, body)
			})
			if err != nil {
				logger.Debug("Failed to relay gossip",
					"targetNodeId", peer.ID,
					"targetAddress", peer.Address,
					"schema", env.Schema,
					"messageId", env.MessageID,
					"error", err)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	RecordGossipMessage(env.Schema, "relayed")
	logger.Debug("Relayed gossip",
		"schema", env.Schema,
		"messageId", env.MessageID,
		"hopCount", env.HopCount,
		"delivered", delivered)
	return delivered
}

func (node *TrustNode) postEnvelope(ctx context.Context, address, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", address, path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	node.auth.Sign(req, body)

	resp, err := node.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", errPeerRejected, resp.StatusCode)
	}
	return nil
}
