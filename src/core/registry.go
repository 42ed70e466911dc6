package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// FactKind names the kind of an immutable ledger fact
type FactKind string

const (
	FactIdentity     FactKind = "identity"
	FactTransaction  FactKind = "transaction"
	FactVerification FactKind = "verification"
	FactAssertion    FactKind = "assertion"
)

// LedgerReader is the read side of the locally held fact set
type LedgerReader interface {
	GetTransactions(subject string) []Transaction
	GetAssertions(subject string) []Assertion
	GetVerificationLog(id string) (VerificationLog, bool)
	GetIdentity(id string) (Identity, bool)
}

// Ledger is the append-only set of facts observed by this node.
// Facts are never rewritten; corrections arrive as new facts.
type Ledger struct {
	mu sync.RWMutex

	identities    map[string]Identity
	transactions  []Transaction
	txIDs         map[string]struct{}
	verifications map[string]VerificationLog
	assertions    []Assertion
	assertionIDs  map[string]struct{}

	version  uint64
	snapshot *LedgerSnapshot

	store     FactStore
	listeners []func(version uint64)
}

// NewLedger creates an empty ledger, optionally backed by a durable fact store
func NewLedger(store FactStore) *Ledger {
	return &Ledger{
		identities:    make(map[string]Identity),
		txIDs:         make(map[string]struct{}),
		verifications: make(map[string]VerificationLog),
		assertionIDs:  make(map[string]struct{}),
		store:         store,
	}
}

// OnAppend registers a callback invoked after each accepted fact
func (l *Ledger) OnAppend(fn func(version uint64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Version returns the number of facts accepted so far
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// AppendIdentity adds an identity. Returns false if it was already known.
func (l *Ledger) AppendIdentity(id Identity) (bool, error) {
	return l.append(FactIdentity, id.ID, id, func() bool {
		if _, exists := l.identities[id.ID]; exists {
			return false
		}
		l.identities[id.ID] = id
		return true
	})
}

// AppendTransaction adds a transaction. Returns false if it was already known.
func (l *Ledger) AppendTransaction(tx Transaction) (bool, error) {
	return l.append(FactTransaction, tx.ID, tx, func() bool {
		if _, exists := l.txIDs[tx.ID]; exists {
			return false
		}
		l.txIDs[tx.ID] = struct{}{}
		l.transactions = append(l.transactions, tx)
		return true
	})
}

// AppendVerificationLog adds a verification log. Returns false if it was already known.
func (l *Ledger) AppendVerificationLog(v VerificationLog) (bool, error) {
	return l.append(FactVerification, v.ID, v, func() bool {
		if _, exists := l.verifications[v.ID]; exists {
			return false
		}
		l.verifications[v.ID] = v
		return true
	})
}

// AppendAssertion adds an assertion. Returns false if it was already known.
func (l *Ledger) AppendAssertion(a Assertion) (bool, error) {
	return l.append(FactAssertion, a.ID, a, func() bool {
		if _, exists := l.assertionIDs[a.ID]; exists {
			return false
		}
		l.assertionIDs[a.ID] = struct{}{}
		l.assertions = append(l.assertions, a)
		return true
	})
}

func (l *Ledger) append(kind FactKind, id string, fact interface{}, apply func() bool) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%s fact without id", kind)
	}

	l.mu.Lock()
	if !l.isNew(kind, id) {
		l.mu.Unlock()
		return false, nil
	}

	if l.store != nil {
		data, err := json.Marshal(fact)
		if err != nil {
			l.mu.Unlock()
			return false, fmt.Errorf("failed to marshal %s fact: %w", kind, err)
		}
		if err := l.store.Append(kind, data); err != nil {
			l.mu.Unlock()
			return false, fmt.Errorf("failed to persist %s fact: %w", kind, err)
		}
	}

	apply()
	l.version++
	version := l.version
	listeners := l.listeners
	l.mu.Unlock()

	logger.Debug("Appended ledger fact", "kind", kind, "id", id, "version", version)

	for _, fn := range listeners {
		fn(version)
	}
	return true, nil
}

// isNew must be called with the lock held
func (l *Ledger) isNew(kind FactKind, id string) bool {
	switch kind {
	case FactIdentity:
		_, exists := l.identities[id]
		return !exists
	case FactTransaction:
		_, exists := l.txIDs[id]
		return !exists
	case FactVerification:
		_, exists := l.verifications[id]
		return !exists
	case FactAssertion:
		_, exists := l.assertionIDs[id]
		return !exists
	}
	return false
}

// Replay loads all facts from the backing store into memory without re-persisting them
func (l *Ledger) Replay() (int, error) {
	if l.store == nil {
		return 0, nil
	}

	store := l.store
	l.mu.Lock()
	l.store = nil
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.store = store
		l.mu.Unlock()
	}()

	count := 0
	err := store.Replay(func(kind FactKind, data []byte) error {
		var err error
		switch kind {
		case FactIdentity:
			var id Identity
			if err = json.Unmarshal(data, &id); err == nil {
				_, err = l.AppendIdentity(id)
			}
		case FactTransaction:
			var tx Transaction
			if err = json.Unmarshal(data, &tx); err == nil {
				_, err = l.AppendTransaction(tx)
			}
		case FactVerification:
			var v VerificationLog
			if err = json.Unmarshal(data, &v); err == nil {
				_, err = l.AppendVerificationLog(v)
			}
		case FactAssertion:
			var a Assertion
			if err = json.Unmarshal(data, &a); err == nil {
				_, err = l.AppendAssertion(a)
			}
		default:
			logger.Warn("Skipping unknown fact kind during replay", "kind", kind)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to replay %s fact: %w", kind, err)
		}
		count++
		return nil
	})
	return count, err
}

// Snapshot returns an immutable indexed view of the current facts
func (l *Ledger) Snapshot() *LedgerSnapshot {
	l.mu.RLock()
	if l.snapshot != nil && l.snapshot.Version == l.version {
		snap := l.snapshot
		l.mu.RUnlock()
		return snap
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snapshot == nil || l.snapshot.Version != l.version {
		l.snapshot = buildSnapshot(l.version, l.identities, l.transactions, l.verifications, l.assertions)
	}
	return l.snapshot
}

// GetTransactions returns all transactions the subject is party to
func (l *Ledger) GetTransactions(subject string) []Transaction {
	return l.Snapshot().GetTransactions(subject)
}

// GetAssertions returns all assertions about the subject
func (l *Ledger) GetAssertions(subject string) []Assertion {
	return l.Snapshot().GetAssertions(subject)
}

// GetVerificationLog returns a verification log by id
func (l *Ledger) GetVerificationLog(id string) (VerificationLog, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.verifications[id]
	return v, ok
}

// GetIdentity returns an identity by id
func (l *Ledger) GetIdentity(id string) (Identity, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ident, ok := l.identities[id]
	return ident, ok
}

// LedgerSnapshot is a read-only, versioned index over the ledger facts
type LedgerSnapshot struct {
	Version uint64

	identities           map[string]Identity
	transactions         []Transaction
	txByParty            map[string][]Transaction
	counterparties       map[string][]string
	verifications        map[string]VerificationLog
	assertionsBySubject  map[string][]Assertion
	assertionsByAsserter map[string][]Assertion
}

func buildSnapshot(
	version uint64,
	identities map[string]Identity,
	transactions []Transaction,
	verifications map[string]VerificationLog,
	assertions []Assertion,
) *LedgerSnapshot {
	snap := &LedgerSnapshot{
		Version:              version,
		identities:           make(map[string]Identity, len(identities)),
		transactions:         make([]Transaction, len(transactions)),
		txByParty:            make(map[string][]Transaction),
		counterparties:       make(map[string][]string),
		verifications:        make(map[string]VerificationLog, len(verifications)),
		assertionsBySubject:  make(map[string][]Assertion),
		assertionsByAsserter: make(map[string][]Assertion),
	}

	for id, ident := range identities {
		snap.identities[id] = ident
	}
	for id, v := range verifications {
		snap.verifications[id] = v
	}
	copy(snap.transactions, transactions)

	partners := make(map[string]map[string]struct{})
	addPartner := func(a, b string) {
		if _, exists := partners[a]; !exists {
			partners[a] = make(map[string]struct{})
		}
		partners[a][b] = struct{}{}
	}

	for _, tx := range snap.transactions {
		snap.txByParty[tx.Consumer] = append(snap.txByParty[tx.Consumer], tx)
		if tx.Provider != tx.Consumer {
			snap.txByParty[tx.Provider] = append(snap.txByParty[tx.Provider], tx)
		}
		addPartner(tx.Consumer, tx.Provider)
		addPartner(tx.Provider, tx.Consumer)
	}

	for id, set := range partners {
		list := make([]string, 0, len(set))
		for p := range set {
			list = append(list, p)
		}
		sort.Strings(list)
		snap.counterparties[id] = list
	}

	for _, a := range assertions {
		snap.assertionsBySubject[a.Subject] = append(snap.assertionsBySubject[a.Subject], a)
		snap.assertionsByAsserter[a.Asserter] = append(snap.assertionsByAsserter[a.Asserter], a)
	}

	return snap
}

// GetTransactions returns all transactions the subject is party to
func (s *LedgerSnapshot) GetTransactions(subject string) []Transaction {
	return s.txByParty[subject]
}

// GetAssertions returns all assertions about the subject
func (s *LedgerSnapshot) GetAssertions(subject string) []Assertion {
	return s.assertionsBySubject[subject]
}

// GetAssertionsBy returns all assertions made by the asserter
func (s *LedgerSnapshot) GetAssertionsBy(asserter string) []Assertion {
	return s.assertionsByAsserter[asserter]
}

// GetVerificationLog returns a verification log by id
func (s *LedgerSnapshot) GetVerificationLog(id string) (VerificationLog, bool) {
	v, ok := s.verifications[id]
	return v, ok
}

// GetIdentity returns an identity by id
func (s *LedgerSnapshot) GetIdentity(id string) (Identity, bool) {
	ident, ok := s.identities[id]
	return ident, ok
}

// Counterparties returns the sorted distinct trading partners of id
func (s *LedgerSnapshot) Counterparties(id string) []string {
	return s.counterparties[id]
}

// TransactionsBetween returns the transactions where a and b are the two parties
func (s *LedgerSnapshot) TransactionsBetween(a, b string) []Transaction {
	var result []Transaction
	for _, tx := range s.txByParty[a] {
		if tx.Counterparty(a) == b {
			result = append(result, tx)
		}
	}
	return result
}

// ActiveIdentities returns the sorted identities party to a transaction in [from, to)
func (s *LedgerSnapshot) ActiveIdentities(from, to int64) []string {
	set := make(map[string]struct{})
	for _, tx := range s.transactions {
		if tx.Timestamp >= from && tx.Timestamp < to {
			set[tx.Consumer] = struct{}{}
			set[tx.Provider] = struct{}{}
		}
	}
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// TransactionsIn returns the transactions timestamped in [from, to)
func (s *LedgerSnapshot) TransactionsIn(from, to int64) []Transaction {
	var result []Transaction
	for _, tx := range s.transactions {
		if tx.Timestamp >= from && tx.Timestamp < to {
			result = append(result, tx)
		}
	}
	return result
}

// Stats returns fact counts for diagnostics
func (s *LedgerSnapshot) Stats() map[string]int {
	assertionCount := 0
	for _, list := range s.assertionsBySubject {
		assertionCount += len(list)
	}
	return map[string]int{
		"identities":    len(s.identities),
		"transactions":  len(s.transactions),
		"verifications": len(s.verifications),
		"assertions":    assertionCount,
	}
}
