package main

import "time"

// Identity is a participant key with its creation time
type Identity struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
}

// Age returns the identity age at the given time, never negative
func (i Identity) Age(now time.Time) time.Duration {
	age := now.Sub(time.Unix(i.CreatedAt, 0))
	if age < 0 {
		return 0
	}
	return age
}

// Transaction records a completed compute exchange between a consumer and a provider.
// It is immutable once signed by both parties.
type Transaction struct {
	ID                string  `json:"id"`
	Consumer          string  `json:"consumer"`
	Provider          string  `json:"provider"`
	AmountPaid        float64 `json:"amountPaid"`
	AmountReceived    float64 `json:"amountReceived"`
	AmountBurned      float64 `json:"amountBurned"`
	BidPrice          float64 `json:"bidPrice"`
	ResourceClass     string  `json:"resourceClass"`
	DurationSeconds   int64   `json:"durationSeconds"`
	VerificationID    string  `json:"verificationId,omitempty"`
	Timestamp         int64   `json:"timestamp"`
	ConsumerSignature string  `json:"consumerSignature"`
	ProviderSignature string  `json:"providerSignature"`
}

// Counterparty returns the other party of the transaction
func (tx Transaction) Counterparty(id string) string {
	if tx.Consumer == id {
		return tx.Provider
	}
	return tx.Consumer
}

// Involves reports whether id is either party of the transaction
func (tx Transaction) Involves(id string) bool {
	return tx.Consumer == id || tx.Provider == id
}

// VerificationLog is a verifier's measurement of delivered resources
type VerificationLog struct {
	ID            string  `json:"id"`
	Verifier      string  `json:"verifier"`
	ClaimedValue  float64 `json:"claimedValue"`
	MeasuredValue float64 `json:"measuredValue"`
	Passed        bool    `json:"passed"`
	Timestamp     int64   `json:"timestamp"`
	Signature     string  `json:"signature"`
}

// Assertion is a signed claim by one identity about another.
// Score is in [-1, 1]; negative scores report violations.
type Assertion struct {
	ID          string  `json:"id"`
	Asserter    string  `json:"asserter"`
	Subject     string  `json:"subject"`
	Score       float64 `json:"score"`
	EvidenceRef string  `json:"evidenceRef,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	Signature   string  `json:"signature"`
}

// TrustEdge is a derived, observer-relative weight. It is never stored.
type TrustEdge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
	Depth  int     `json:"depth"`
}

// GossipClaim reports that a transaction spending InputID was seen by Observer
type GossipClaim struct {
	TxID      string  `json:"txId"`
	InputID   string  `json:"inputId"`
	Spender   string  `json:"spender"`
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Observer  string  `json:"observer"`
	SeenAt    int64   `json:"seenAt"`
}

// Node is a known peer in the gossip network
type Node struct {
	ID               string `json:"id"`
	Address          string `json:"address"`
	LastSeen         int64  `json:"lastSeen"`
	ConnectionStatus string `json:"connectionStatus"`
}

// TxStatus is the detector state of a tracked transaction
type TxStatus int

// possible status values, ordered by progress
const (
	TxUnseen TxStatus = iota
	TxSeen
	TxFinalized
	TxConflicted
	TxExpired
)

// String converts the status for printf
func (s TxStatus) String() string {
	switch s {
	case TxUnseen:
		return "Unseen"
	case TxSeen:
		return "Seen"
	case TxFinalized:
		return "Finalized"
	case TxConflicted:
		return "Conflicted"
	case TxExpired:
		return "Expired"
	default:
		return "*Unknown*"
	}
}

// IsTerminal reports whether no further sightings change the status
func (s TxStatus) IsTerminal() bool {
	return s == TxConflicted || s == TxExpired
}

// MarshalText converts the status for JSON
func (s TxStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText converts the status from JSON
func (s *TxStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Unseen":
		*s = TxUnseen
	case "Seen":
		*s = TxSeen
	case "Finalized":
		*s = TxFinalized
	case "Conflicted":
		*s = TxConflicted
	case "Expired":
		*s = TxExpired
	default:
		*s = TxUnseen
	}
	return nil
}
