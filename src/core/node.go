package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Package-level logger
var logger *slog.Logger

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

var (
	ErrInvalidFact = errors.New("invalid fact")
)

// TrustNode wires the ledger, trust engine, economics, detector and adaptation loop
// behind the HTTP API
type TrustNode struct {
	NodeID string

	Ledger       *Ledger
	Params       *ParameterStore
	Engine       *TrustEngine
	TrustCache   *TrustCache
	Planner      *DistributionPlanner
	Detector     *Detector
	Connectivity *PeerConnectivityEstimator
	Adapter      *PolicyAdapter
	Evidence     EvidenceStore

	cfg        *Config
	clock      Clock
	signer     Signer
	factStore  FactStore
	relay      *RelayFilter
	peers      *PeerTable
	auth       *NodeAuthenticator
	limiter    *IPRateLimiter
	httpClient *http.Client
	startedAt  time.Time
	server     *http.Server
	closers    []func() error

	// penalty assertions in flight
	penalties sync.WaitGroup
}

func main() {
	cfg := LoadConfig()

	initLogger(cfg.LogLevel)

	node, err := NewTrustNode(cfg)
	if err != nil {
		logger.Error("Failed to initialize trust node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	node.StartBackground(ctx, &wg)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- node.StartServer(cfg.Port)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("Trust node stopped", "nodeId", node.NodeID)
}

// NewTrustNode opens the node's signing key, fact log and parameter history from cfg
func NewTrustNode(cfg *Config) (*TrustNode, error) {
	var signer Signer
	var closers []func() error
	if cfg.HSM.Enabled() {
		hsm, err := OpenHSMSigner(cfg.HSM)
		if err != nil {
			return nil, err
		}
		signer = hsm
		closers = append(closers, hsm.Close)
	} else {
		software, err := LoadOrCreateNodeKey(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		signer = software
	}

	var store FactStore
	if cfg.PersistFacts {
		leveldbStore, err := OpenLevelDBFactStore(filepath.Join(cfg.DataDir, factStoreDirname))
		if err != nil {
			return nil, err
		}
		store = leveldbStore
		closers = append(closers, leveldbStore.Close)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	var evidence EvidenceStore
	if cfg.IPFSAPIURL != "" {
		evidence = NewIPFSEvidenceStore(cfg.IPFSAPIURL, httpClient)
	} else {
		evidence = NewHashEvidenceStore(filepath.Join(cfg.DataDir, "evidence"))
	}

	node, err := newTrustNode(cfg, signer, SystemClock, store, evidence)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	node.httpClient = httpClient
	node.closers = closers

	if store != nil {
		replayed, err := node.Ledger.Replay()
		if err != nil {
			node.close()
			return nil, fmt.Errorf("failed to replay fact log: %w", err)
		}
		logger.Info("Replayed fact log", "facts", replayed)
	}

	history, err := LoadParameterHistory(cfg.DataDir)
	if err != nil {
		logger.Warn("Failed to load parameter history, starting from configured parameters", "error", err)
	} else if err := node.Params.Restore(history); err != nil {
		logger.Warn("Ignoring invalid parameter history", "error", err)
	}
	node.Params.OnPublish(func(ParameterSet) {
		if err := SaveParameterHistory(cfg.DataDir, node.Params.History()); err != nil {
			logger.Error("Failed to save parameter history", "error", err)
		}
	})

	if err := node.registerSelf(); err != nil {
		node.close()
		return nil, err
	}

	logger.Info("Initialized trust node",
		"nodeId", node.NodeID,
		"parameterVersion", node.Params.Current().Version,
		"ledgerVersion", node.Ledger.Version())
	return node, nil
}

// newTrustNode builds the component graph without touching the data dir
func newTrustNode(cfg *Config, signer Signer, clock Clock, store FactStore, evidence EvidenceStore) (*TrustNode, error) {
	nodeID, err := IdentityIDFromPublicKey(signer.PublicKeyHex())
	if err != nil {
		return nil, fmt.Errorf("failed to derive node ID: %w", err)
	}

	params, err := NewParameterStore(cfg.Parameters)
	if err != nil {
		return nil, err
	}

	node := &TrustNode{
		NodeID:     nodeID,
		Ledger:     NewLedger(store),
		Params:     params,
		Engine:     NewTrustEngine(cfg.Trust, clock),
		TrustCache: NewTrustCache(cfg.TrustCacheTTL),
		Evidence:   evidence,
		cfg:        cfg,
		clock:      clock,
		signer:     signer,
		factStore:  store,
		relay:      NewRelayFilter(DefaultRelayFilterCapacity, DefaultRelayFilterFPRate),
		peers:      NewPeerTable(nodeID, clock),
		auth:       NewNodeAuthenticator(cfg.NodeAuthSecret, cfg.RequireNodeAuth),
		limiter:    NewIPRateLimiter(cfg.RateLimitPerMinute),
		httpClient: &http.Client{Timeout: cfg.HTTPClientTimeout},
		startedAt:  clock.Now(),
	}

	node.Connectivity = NewPeerConnectivityEstimator(node.peers, clock, DefaultPeerFreshness, DefaultExpectedPeers)
	node.Detector = NewDetector(cfg.Detector, node.Connectivity, clock)
	node.Planner = NewDistributionPlanner(nodeID, node.Ledger, node.Engine, params, clock, cfg.EpochLength)

	source := NewLedgerAnomalySource(node.Ledger, node.Planner, node.Detector, cfg.Adaptation.ClusterDetectionThreshold, clock, cfg.EpochLength)
	node.Adapter = NewPolicyAdapter(cfg.Adaptation, params, source, cfg.Parameters, clock, cfg.EpochLength)

	node.Ledger.OnAppend(func(uint64) {
		node.TrustCache.Invalidate()
	})
	params.OnPublish(func(ParameterSet) {
		node.TrustCache.Invalidate()
	})
	node.Detector.OnPenalty(node.dispatchPenalty)
	node.Adapter.OnPublish(node.broadcastParameterSet)

	return node, nil
}

// registerSelf records the node's own identity so its penalty assertions verify
func (node *TrustNode) registerSelf() error {
	if _, ok := node.Ledger.GetIdentity(node.NodeID); ok {
		return nil
	}
	_, err := node.SubmitIdentity(Identity{
		ID:        node.NodeID,
		PublicKey: node.signer.PublicKeyHex(),
		CreatedAt: node.clock.Now().Unix(),
	})
	return err
}

// StartBackground launches the detector sweep, adaptation loop, discovery and limiter cleanup
func (node *TrustNode) StartBackground(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(node.Detector.Run)
	run(node.Adapter.Run)
	run(node.limiter.Run)
	run(func(ctx context.Context) {
		node.RunDiscovery(ctx, node.cfg.DiscoveryInterval)
	})
}

// Shutdown stops the HTTP server, waits for in-flight penalty assertions until ctx
// ends and releases the fact log and signer
func (node *TrustNode) Shutdown(ctx context.Context) error {
	var err error
	if node.server != nil {
		err = node.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		node.penalties.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Shutdown before penalty assertions finished", "error", ctx.Err())
	}

	node.close()
	return err
}

func (node *TrustNode) close() {
	for _, c := range node.closers {
		if err := c(); err != nil {
			logger.Warn("Failed to close resource", "error", err)
		}
	}
	node.closers = nil
}

func (node *TrustNode) recordSubmission(kind FactKind, added bool, err error) (bool, error) {
	switch {
	case err != nil:
		RecordFactSubmitted(kind, "error")
	case added:
		RecordFactSubmitted(kind, "accepted")
	default:
		RecordFactSubmitted(kind, "duplicate")
	}
	return added, err
}

// SubmitIdentity validates and appends an identity. Returns false for a duplicate.
func (node *TrustNode) SubmitIdentity(id Identity) (bool, error) {
	if !node.ValidateIdentity(id) {
		RecordFactSubmitted(FactIdentity, "rejected")
		return false, fmt.Errorf("%w: identity %s", ErrInvalidFact, id.ID)
	}
	added, err := node.Ledger.AppendIdentity(id)
	return node.recordSubmission(FactIdentity, added, err)
}

// SubmitTransaction validates and appends a transaction. Returns false for a duplicate.
func (node *TrustNode) SubmitTransaction(tx Transaction) (bool, error) {
	if !node.ValidateTransaction(tx) {
		RecordFactSubmitted(FactTransaction, "rejected")
		return false, fmt.Errorf("%w: transaction %s", ErrInvalidFact, tx.ID)
	}
	added, err := node.Ledger.AppendTransaction(tx)
	return node.recordSubmission(FactTransaction, added, err)
}

// SubmitVerificationLog validates and appends a verification log. Returns false for a duplicate.
func (node *TrustNode) SubmitVerificationLog(v VerificationLog) (bool, error) {
	if !node.ValidateVerificationLog(v) {
		RecordFactSubmitted(FactVerification, "rejected")
		return false, fmt.Errorf("%w: verification log %s", ErrInvalidFact, v.ID)
	}
	added, err := node.Ledger.AppendVerificationLog(v)
	return node.recordSubmission(FactVerification, added, err)
}

// SubmitAssertion validates and appends an assertion. Returns false for a duplicate.
func (node *TrustNode) SubmitAssertion(a Assertion) (bool, error) {
	if !node.ValidateAssertion(a) {
		RecordFactSubmitted(FactAssertion, "rejected")
		return false, fmt.Errorf("%w: assertion %s", ErrInvalidFact, a.ID)
	}
	added, err := node.Ledger.AppendAssertion(a)
	return node.recordSubmission(FactAssertion, added, err)
}

// TrustView returns the observer's view over the current snapshot, from cache when possible
func (node *TrustNode) TrustView(ctx context.Context, observer string) *TrustView {
	snap := node.Ledger.Snapshot()
	params := node.Params.Current()

	if view, ok := node.TrustCache.Get(observer, snap.Version, params.Version); ok {
		RecordTrustCacheLookup(true)
		return view
	}
	RecordTrustCacheLookup(false)

	view := node.Engine.ComputeView(ctx, observer, snap, params)
	node.TrustCache.Set(view)
	return view
}

// ComputeTrust returns observer's trust in subject
func (node *TrustNode) ComputeTrust(ctx context.Context, observer, subject string) (TrustResult, error) {
	if observer == subject {
		return node.Engine.ComputeTrust(ctx, observer, subject, node.Ledger.Snapshot(), node.Params.Current())
	}
	return node.TrustView(ctx, observer).Result(subject), nil
}

// ProviderShare is the payment fraction a provider at the given trust receives
func (node *TrustNode) ProviderShare(trust float64) float64 {
	return ProviderShare(trust, node.Params.Current())
}

// TransferBurnRate is the burn fraction for a transfer between the given trust levels
func (node *TrustNode) TransferBurnRate(senderTrust, receiverTrust float64) float64 {
	return TransferBurnRate(senderTrust, receiverTrust, node.Params.Current())
}

// DailyShare returns an identity's allocation for an epoch from this node's view
func (node *TrustNode) DailyShare(ctx context.Context, identity string, epoch int64) (float64, error) {
	return node.Planner.DailyShare(ctx, identity, epoch)
}

// GetTransactionStatus returns the detector verdict for a transaction
func (node *TrustNode) GetTransactionStatus(txID string) TxReport {
	return node.Detector.Status(txID)
}

// CurrencyWeight returns the weight of a Seen transaction at connectivity c
func (node *TrustNode) CurrencyWeight(c float64) float64 {
	return node.Detector.CurrencyWeight(c)
}

// Self describes this node to peers
func (node *TrustNode) Self() Node {
	return Node{
		ID:               node.NodeID,
		Address:          node.cfg.AdvertiseAddress,
		LastSeen:         node.clock.Now().Unix(),
		ConnectionStatus: ConnectionStatusActive,
	}
}
