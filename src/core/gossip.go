package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// Gossip schemas carried in the envelope
const (
	GossipSchemaVersion = 1
	SchemaGossipClaim   = "trustcore.gossip-claim"
	SchemaAssertion     = "trustcore.assertion"
	SchemaParameterSet  = "trustcore.parameter-set"
)

// Relay filter sizing
const (
	DefaultRelayFilterCapacity = 100000
	DefaultRelayFilterFPRate   = 0.001
)

var (
	ErrUnknownSchemaVersion = errors.New("unknown gossip schema version")
	ErrUnknownSchema        = errors.New("unknown gossip schema")
	ErrInvalidEnvelope      = errors.New("invalid gossip envelope")
)

// gossipPaths maps each schema to the peer endpoint that accepts it
var gossipPaths = map[string]string{
	SchemaGossipClaim:  "/api/gossip/claims",
	SchemaAssertion:    "/api/gossip/assertions",
	SchemaParameterSet: "/api/gossip/parameters",
}

// Envelope is the versioned wire format for everything relayed between nodes
type Envelope struct {
	Schema        string          `json:"schema"`
	SchemaVersion int             `json:"schemaVersion"`
	MessageID     string          `json:"messageId"`
	Origin        string          `json:"origin"`
	TTL           int             `json:"ttl"`
	HopCount      int             `json:"hopCount"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for broadcast from origin
func NewEnvelope(schema, origin string, ttl int, payload interface{}) (Envelope, error) {
	if _, ok := gossipPaths[schema]; !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownSchema, schema)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal gossip payload: %w", err)
	}
	return Envelope{
		Schema:        schema,
		SchemaVersion: GossipSchemaVersion,
		MessageID:     uuid.New().String(),
		Origin:        origin,
		TTL:           ttl,
		Payload:       data,
	}, nil
}

// DecodeEnvelope parses and checks an envelope received from a peer
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Check(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Check rejects unknown versions, unknown schemas and empty messages
func (e Envelope) Check() error {
	if e.SchemaVersion != GossipSchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnknownSchemaVersion, e.SchemaVersion)
	}
	if _, ok := gossipPaths[e.Schema]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, e.Schema)
	}
	if e.MessageID == "" || len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing message ID or payload", ErrInvalidEnvelope)
	}
	return nil
}

// Forwarded returns the envelope for the next hop, or false when its TTL is spent
func (e Envelope) Forwarded() (Envelope, bool) {
	if e.TTL <= 1 {
		return Envelope{}, false
	}
	next := e
	next.TTL--
	next.HopCount++
	return next, true
}

// DecodePayload unmarshals the payload into dst
func (e Envelope) DecodePayload(dst interface{}) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrInvalidEnvelope, e.Schema, err)
	}
	return nil
}

// RelayFilter remembers relayed message IDs in two rotating bloom filters,
// so memory stays bounded and an ID is remembered for at least one generation
type RelayFilter struct {
	capacity uint
	fpRate   float64

	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	count    uint
}

// NewRelayFilter creates a filter sized for capacity IDs per generation
func NewRelayFilter(capacity uint, fpRate float64) *RelayFilter {
	if capacity == 0 {
		capacity = DefaultRelayFilterCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultRelayFilterFPRate
	}
	return &RelayFilter{
		capacity: capacity,
		fpRate:   fpRate,
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
	}
}

// SeenOrAdd reports whether id was already recorded, recording it if not
func (f *RelayFilter) SeenOrAdd(id string) bool {
	key := []byte(id)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.Test(key) || f.previous.Test(key) {
		return true
	}
	if f.count >= f.capacity {
		f.previous = f.current
		f.current = bloom.NewWithEstimates(f.capacity, f.fpRate)
		f.count = 0
	}
	f.current.Add(key)
	f.count++
	return false
}

// AssertionGossip carries an assertion with its asserter identity so that
// peers which have not seen the asserter can still verify the signature
type AssertionGossip struct {
	Assertion Assertion `json:"assertion"`
	Identity  *Identity `json:"identity,omitempty"`
}

// SubmitGossipClaim records a locally observed claim and relays it to peers
func (node *TrustNode) SubmitGossipClaim(ctx context.Context, claim GossipClaim) (TxStatus, error) {
	if claim.Observer == "" {
		claim.Observer = node.NodeID
	}
	if claim.SeenAt == 0 {
		claim.SeenAt = node.clock.Now().Unix()
	}

	status, err := node.Detector.Submit(claim)
	if err != nil {
		RecordGossipMessage(SchemaGossipClaim, "rejected")
		return TxUnseen, err
	}
	RecordGossipMessage(SchemaGossipClaim, "local")

	env, err := NewEnvelope(SchemaGossipClaim, node.NodeID, node.cfg.GossipTTL, claim)
	if err != nil {
		return status, err
	}
	node.relay.SeenOrAdd(env.MessageID)
	node.broadcastAsync(env)
	return status, nil
}

// ReceiveEnvelope applies a message relayed by a peer and forwards it while its TTL lasts.
// Returns false for messages already seen.
func (node *TrustNode) ReceiveEnvelope(ctx context.Context, env Envelope) (bool, error) {
	if err := env.Check(); err != nil {
		RecordGossipMessage(env.Schema, "rejected")
		return false, err
	}
	if node.relay.SeenOrAdd(env.MessageID) {
		RecordGossipMessage(env.Schema, "duplicate")
		return false, nil
	}

	var err error
	switch env.Schema {
	case SchemaGossipClaim:
		err = node.receiveClaim(env)
	case SchemaAssertion:
		err = node.receiveAssertion(env)
	case SchemaParameterSet:
		err = node.receiveParameterSet(env)
	}
	if err != nil {
		RecordGossipMessage(env.Schema, "rejected")
		logger.Warn("Rejected gossip message",
			"schema", env.Schema,
			"messageId", env.MessageID,
			"origin", env.Origin,
			"error", err)
		return false, err
	}
	RecordGossipMessage(env.Schema, "accepted")

	if next, ok := env.Forwarded(); ok {
		node.broadcastAsync(next)
	}
	return true, nil
}

func (node *TrustNode) receiveClaim(env Envelope) error {
	var claim GossipClaim
	if err := env.DecodePayload(&claim); err != nil {
		return err
	}
	_, err := node.Detector.Submit(claim)
	return err
}

func (node *TrustNode) receiveAssertion(env Envelope) error {
	var msg AssertionGossip
	if err := env.DecodePayload(&msg); err != nil {
		return err
	}
	if msg.Identity != nil {
		if _, known := node.Ledger.GetIdentity(msg.Identity.ID); !known {
			if _, err := node.SubmitIdentity(*msg.Identity); err != nil {
				return err
			}
		}
	}
	_, err := node.SubmitAssertion(msg.Assertion)
	return err
}

func (node *TrustNode) receiveParameterSet(env Envelope) error {
	var params ParameterSet
	if err := env.DecodePayload(&params); err != nil {
		return err
	}
	_, err := node.Params.Adopt(params)
	return err
}

// dispatchPenalty issues the penalty assertion off the caller's goroutine, so claim
// submission never waits on evidence storage
func (node *TrustNode) dispatchPenalty(event PenaltyEvent) {
	node.penalties.Add(1)
	go func() {
		defer node.penalties.Done()
		node.handlePenalty(event)
	}()
}

// handlePenalty turns a detector penalty into a signed negative assertion by this node
func (node *TrustNode) handlePenalty(event PenaltyEvent) {
	if !IsValidIdentityID(event.Spender) {
		logger.Warn("Penalty spender is not an identity, no assertion issued",
			"penaltyId", event.ID,
			"spender", event.Spender,
			"inputId", event.InputID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), node.cfg.HTTPClientTimeout)
	defer cancel()

	assertion := Assertion{
		ID:        "penalty-" + event.ID,
		Asserter:  node.NodeID,
		Subject:   event.Spender,
		Score:     event.Score,
		Timestamp: event.DetectedAt,
	}

	if evidence, err := json.Marshal(event); err == nil {
		ref, err := node.Evidence.Put(ctx, evidence)
		if err != nil {
			logger.Warn("Failed to store penalty evidence", "penaltyId", event.ID, "error", err)
		} else {
			assertion.EvidenceRef = ref
		}
	}

	signature, err := node.signer.Sign(AssertionSigningBytes(assertion))
	if err != nil {
		logger.Error("Failed to sign penalty assertion", "penaltyId", event.ID, "error", err)
		return
	}
	assertion.Signature = signature

	if _, err := node.SubmitAssertion(assertion); err != nil {
		logger.Error("Failed to record penalty assertion", "penaltyId", event.ID, "error", err)
		return
	}

	self, _ := node.Ledger.GetIdentity(node.NodeID)
	env, err := NewEnvelope(SchemaAssertion, node.NodeID, node.cfg.GossipTTL, AssertionGossip{
		Assertion: assertion,
		Identity:  &self,
	})
	if err != nil {
		logger.Error("Failed to wrap penalty assertion", "penaltyId", event.ID, "error", err)
		return
	}
	node.relay.SeenOrAdd(env.MessageID)
	node.broadcastAsync(env)
}

// broadcastParameterSet relays a locally published parameter set
func (node *TrustNode) broadcastParameterSet(params ParameterSet) {
	env, err := NewEnvelope(SchemaParameterSet, node.NodeID, node.cfg.GossipTTL, params)
	if err != nil {
		logger.Error("Failed to wrap parameter set", "version", params.Version, "error", err)
		return
	}
	node.relay.SeenOrAdd(env.MessageID)
	node.broadcastAsync(env)
}

func (node *TrustNode) broadcastAsync(env Envelope) {
	if node.peers.Len() == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), node.cfg.HTTPClientTimeout*2)
		defer cancel()
		node.BroadcastEnvelope(ctx, env)
	}()
}
