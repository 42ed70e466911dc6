package main

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// connectivityFunc adapts a function to ConnectivityEstimator
type connectivityFunc func() float64

func (f connectivityFunc) MeasureConnectivity() float64 { return f() }

func newTestDetector(connectivity float64) (*Detector, *fakeClock) {
	clock := newFakeClock(testNow)
	return NewDetector(DefaultDetectorConfig(), StaticConnectivity(connectivity), clock), clock
}

func testClaim(txID, inputID, spender, observer string) GossipClaim {
	return GossipClaim{TxID: txID, InputID: inputID, Spender: spender, Recipient: "r", Amount: 10, Observer: observer}
}

func TestRequiredConfirmations(t *testing.T) {
	d, _ := newTestDetector(0)

	tests := []struct {
		connectivity float64
		want         int
	}{
		{0, DefaultMaxConfirmations},
		{0.5, 7},
		{0.8, 3},
		{0.99, DefaultMinConfirmations},
		{1, DefaultMinConfirmations},
	}
	for _, tt := range tests {
		if got := d.RequiredConfirmations(tt.connectivity); got != tt.want {
			t.Errorf("RequiredConfirmations(%v) = %d, want %d", tt.connectivity, got, tt.want)
		}
	}

	prev := d.RequiredConfirmations(0)
	for c := 0.0; c <= 1.0; c += 0.01 {
		n := d.RequiredConfirmations(c)
		if n > prev {
			t.Fatalf("Expected required confirmations to be non-increasing, %d at %v after %d", n, c, prev)
		}
		prev = n
	}
}

func TestCurrencyWeight(t *testing.T) {
	d, _ := newTestDetector(0)

	if got := d.CurrencyWeight(0); got != 1 {
		t.Errorf("Expected full weight with no connectivity, got %v", got)
	}

	prev := 1.0
	for c := 0.0; c <= 1.0; c += 0.05 {
		w := d.CurrencyWeight(c)
		if w <= 0 || w > 1 {
			t.Fatalf("Expected weight in (0, 1], got %v at %v", w, c)
		}
		if w > prev {
			t.Fatalf("Expected weight to be non-increasing, %v at %v after %v", w, c, prev)
		}
		prev = w
	}
}

func TestSubmitInvalidClaim(t *testing.T) {
	d, _ := newTestDetector(0.5)

	for _, c := range []GossipClaim{
		{InputID: "i", Observer: "o"},
		{TxID: "t", Observer: "o"},
		{TxID: "t", InputID: "i"},
		{TxID: "t", InputID: "i", Observer: "o", Amount: -1},
	} {
		if _, err := d.Submit(c); !errors.Is(err, ErrInvalidClaim) {
			t.Errorf("Expected ErrInvalidClaim for %+v, got %v", c, err)
		}
	}
}

func TestSubmitFinalizesWithEnoughObservers(t *testing.T) {
	d, _ := newTestDetector(0.5)
	required := d.RequiredConfirmations(0.5)

	for i := 0; i < required-1; i++ {
		status, err := d.Submit(testClaim("tx-1", "in-1", "s", fmt.Sprintf("obs-%d", i)))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if status != TxSeen {
			t.Fatalf("Expected Seen after %d observers, got %v", i+1, status)
		}
	}

	// a repeated observer adds nothing
	if status, _ := d.Submit(testClaim("tx-1", "in-1", "s", "obs-0")); status != TxSeen {
		t.Errorf("Expected repeated observer to leave status Seen, got %v", status)
	}

	status, _ := d.Submit(testClaim("tx-1", "in-1", "s", "obs-last"))
	if status != TxFinalized {
		t.Errorf("Expected Finalized with %d observers, got %v", required, status)
	}

	report := d.Status("tx-1")
	if report.Confirmations != required {
		t.Errorf("Expected %d confirmations, got %d", required, report.Confirmations)
	}
	if report.Status != TxFinalized {
		t.Errorf("Expected Finalized report, got %v", report.Status)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	d, _ := newTestDetector(0.5)
	c := testClaim("tx-1", "in-1", "s", "obs-1")

	first, _ := d.Submit(c)
	second, _ := d.Submit(c)

	if first != second {
		t.Errorf("Expected the same status on redelivery, got %v then %v", first, second)
	}
	stats := d.Stats()
	if stats.Entries != 1 || stats.Duplicates != 1 {
		t.Errorf("Expected 1 entry and 1 duplicate, got %+v", stats)
	}
	if got := d.Status("tx-1").Confirmations; got != 1 {
		t.Errorf("Expected 1 confirmation, got %d", got)
	}
}

func TestConflictEmitsOnePenalty(t *testing.T) {
	d, _ := newTestDetector(0.5)
	var events []PenaltyEvent
	d.OnPenalty(func(e PenaltyEvent) { events = append(events, e) })

	d.Submit(testClaim("tx-a", "in-1", "mallory", "obs-1"))
	status, _ := d.Submit(testClaim("tx-b", "in-1", "mallory", "obs-2"))
	if status != TxConflicted {
		t.Errorf("Expected Conflicted, got %v", status)
	}
	d.Submit(testClaim("tx-c", "in-1", "mallory", "obs-3"))
	d.Submit(testClaim("tx-a", "in-1", "mallory", "obs-4"))

	if len(events) != 1 {
		t.Fatalf("Expected exactly one penalty, got %d", len(events))
	}
	e := events[0]
	if e.Spender != "mallory" || e.InputID != "in-1" {
		t.Errorf("Unexpected penalty target: %+v", e)
	}
	if len(e.TxIDs) != 2 {
		t.Errorf("Expected the two claims known at detection time, got %v", e.TxIDs)
	}
	if e.Score >= 0 || e.Score < -1 {
		t.Errorf("Expected score in [-1, 0), got %v", e.Score)
	}
	if e.PriorPenalties != 0 || e.Context != 1 {
		t.Errorf("Expected first offence context 1, got prior=%d context=%v", e.PriorPenalties, e.Context)
	}

	for _, tx := range []string{"tx-a", "tx-b", "tx-c"} {
		if got := d.Status(tx).Status; got != TxConflicted {
			t.Errorf("Expected %s Conflicted, got %v", tx, got)
		}
	}
}

func TestRepeatOffenderPenaltyGrows(t *testing.T) {
	d, _ := newTestDetector(0.5)
	var events []PenaltyEvent
	d.OnPenalty(func(e PenaltyEvent) { events = append(events, e) })

	for i := 0; i < 3; i++ {
		input := fmt.Sprintf("in-%d", i)
		d.Submit(testClaim("a-"+input, input, "mallory", "obs-1"))
		d.Submit(testClaim("b-"+input, input, "mallory", "obs-2"))
	}

	if len(events) != 3 {
		t.Fatalf("Expected 3 penalties, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Score > events[i-1].Score {
			t.Errorf("Expected penalty %d to be at least as severe, got %v after %v", i, events[i].Score, events[i-1].Score)
		}
		if events[i].PriorPenalties != i {
			t.Errorf("Expected %d prior penalties, got %d", i, events[i].PriorPenalties)
		}
	}
	if d.PriorPenalties("mallory") != 3 {
		t.Errorf("Expected 3 recorded penalties, got %d", d.PriorPenalties("mallory"))
	}
}

func TestConflictWithoutAttributableSpender(t *testing.T) {
	d, _ := newTestDetector(0.5)
	penalties := 0
	d.OnPenalty(func(PenaltyEvent) { penalties++ })

	d.Submit(testClaim("tx-a", "in-1", "alice", "obs-1"))
	d.Submit(testClaim("tx-b", "in-1", "bob", "obs-2"))
	d.Submit(testClaim("tx-c", "in-2", "", "obs-1"))
	d.Submit(testClaim("tx-d", "in-2", "", "obs-2"))

	if penalties != 0 {
		t.Errorf("Expected no penalty without a single spender, got %d", penalties)
	}
	if d.Status("tx-a").Status != TxConflicted || d.Status("tx-d").Status != TxConflicted {
		t.Error("Expected conflicting claims to be Conflicted regardless of attribution")
	}
}

func TestFinalizedClaimCanStillConflict(t *testing.T) {
	d, _ := newTestDetector(0.99)

	d.Submit(testClaim("tx-a", "in-1", "s", "obs-1"))
	if status, _ := d.Submit(testClaim("tx-a", "in-1", "s", "obs-2")); status != TxFinalized {
		t.Fatalf("Expected Finalized, got %v", status)
	}

	d.Submit(testClaim("tx-b", "in-1", "s", "obs-3"))
	if got := d.Status("tx-a").Status; got != TxConflicted {
		t.Errorf("Expected late conflict to override finality, got %v", got)
	}
}

func TestStatusCombinesInputs(t *testing.T) {
	d, _ := newTestDetector(0.5)

	d.Submit(testClaim("tx-1", "in-b", "s", "obs-1"))
	d.Submit(testClaim("tx-1", "in-a", "s", "obs-1"))
	d.Submit(testClaim("tx-1", "in-a", "s", "obs-2"))

	report := d.Status("tx-1")
	if len(report.InputIDs) != 2 || report.InputIDs[0] != "in-a" {
		t.Errorf("Expected sorted inputs [in-a in-b], got %v", report.InputIDs)
	}
	if report.Confirmations != 1 {
		t.Errorf("Expected the fewest confirmations across inputs, got %d", report.Confirmations)
	}

	d.Submit(testClaim("tx-2", "in-b", "s", "obs-3"))
	if got := d.Status("tx-1").Status; got != TxConflicted {
		t.Errorf("Expected a conflict on one input to conflict the transaction, got %v", got)
	}

	if got := d.Status("unknown"); got.Status != TxUnseen || got.Confirmations != 0 {
		t.Errorf("Expected Unseen with no confirmations, got %+v", got)
	}
}

func TestCombineStatuses(t *testing.T) {
	tests := []struct {
		in   []TxStatus
		want TxStatus
	}{
		{[]TxStatus{TxFinalized, TxFinalized}, TxFinalized},
		{[]TxStatus{TxFinalized, TxSeen}, TxSeen},
		{[]TxStatus{TxSeen, TxExpired}, TxExpired},
		{[]TxStatus{TxExpired, TxConflicted, TxFinalized}, TxConflicted},
	}
	for _, tt := range tests {
		if got := combineStatuses(tt.in); got != tt.want {
			t.Errorf("combineStatuses(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStatusAdvice(t *testing.T) {
	d, clock := newTestDetector(0.1)

	d.Submit(GossipClaim{TxID: "small", InputID: "in-1", Spender: "s", Amount: 10, Observer: "o"})
	clock.Advance(2 * time.Minute)

	report := d.Status("small")
	if !report.WaitForAgreement {
		t.Error("Expected low connectivity to advise waiting")
	}
	if report.DamageWindow != 2*time.Minute {
		t.Errorf("Expected damage window of 2m, got %v", report.DamageWindow)
	}

	healthy, _ := newTestDetector(0.9)
	healthy.Submit(GossipClaim{TxID: "big", InputID: "in-1", Spender: "s", Amount: DefaultHighValueAmount, Observer: "o"})
	healthy.Submit(GossipClaim{TxID: "small", InputID: "in-2", Spender: "s", Amount: 1, Observer: "o"})
	if !healthy.Status("big").WaitForAgreement {
		t.Error("Expected a high-value transaction to advise waiting")
	}
	if healthy.Status("small").WaitForAgreement {
		t.Error("Expected a small transaction on a healthy network not to wait")
	}
	if healthy.Status("small").DamageWindow != 0 {
		t.Error("Expected no damage window on a healthy network")
	}
}

func TestSweepExpiresAndEvicts(t *testing.T) {
	d, clock := newTestDetector(0.5)

	d.Submit(testClaim("tx-1", "in-1", "s", "obs-1"))
	clock.Advance(DefaultClaimTimeout - time.Second)
	if expired, _ := d.Sweep(); expired != 0 {
		t.Fatalf("Expected nothing expired before the timeout, got %d", expired)
	}

	clock.Advance(time.Second)
	expired, removed := d.Sweep()
	if expired != 1 || removed != 0 {
		t.Errorf("Expected 1 expired and 0 removed, got %d and %d", expired, removed)
	}
	if got := d.Status("tx-1").Status; got != TxExpired {
		t.Errorf("Expected Expired, got %v", got)
	}

	// expiry is terminal
	if status, _ := d.Submit(testClaim("tx-1", "in-1", "s", "obs-2")); status != TxExpired {
		t.Errorf("Expected late sighting to leave Expired, got %v", status)
	}

	clock.Advance(DefaultClaimRetention)
	if _, removed := d.Sweep(); removed != 1 {
		t.Errorf("Expected settled input to be evicted, got %d removed", removed)
	}
	if got := d.Status("tx-1").Status; got != TxUnseen {
		t.Errorf("Expected evicted transaction to be Unseen, got %v", got)
	}
	if d.Stats().Tracked != 0 {
		t.Errorf("Expected nothing tracked, got %d", d.Stats().Tracked)
	}
}

func TestSweepFinalizesWhenConnectivityImproves(t *testing.T) {
	var connectivity atomic.Value
	connectivity.Store(0.0)
	d := NewDetector(DefaultDetectorConfig(), connectivityFunc(func() float64 { return connectivity.Load().(float64) }), newFakeClock(testNow))

	d.Submit(testClaim("tx-1", "in-1", "s", "obs-1"))
	d.Submit(testClaim("tx-1", "in-1", "s", "obs-2"))
	if got := d.Status("tx-1").Status; got != TxSeen {
		t.Fatalf("Expected Seen at zero connectivity, got %v", got)
	}

	connectivity.Store(0.99)
	d.Sweep()
	if got := d.Status("tx-1").Status; got != TxFinalized {
		t.Errorf("Expected Finalized once confirmations suffice, got %v", got)
	}
}

func TestDetectorConcurrentSubmits(t *testing.T) {
	d, _ := newTestDetector(0.5)
	var penalties atomic.Int32
	d.OnPenalty(func(PenaltyEvent) { penalties.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Submit(testClaim(fmt.Sprintf("tx-%d", i%5), "shared", "mallory", fmt.Sprintf("obs-%d", i)))
			d.Submit(testClaim(fmt.Sprintf("own-%d", i), fmt.Sprintf("in-%d", i), "honest", "obs"))
		}(i)
	}
	wg.Wait()

	if got := penalties.Load(); got != 1 {
		t.Errorf("Expected exactly one penalty under concurrency, got %d", got)
	}
	for i := 0; i < 5; i++ {
		if got := d.Status(fmt.Sprintf("tx-%d", i)).Status; got != TxConflicted {
			t.Errorf("Expected tx-%d Conflicted, got %v", i, got)
		}
	}
	if got := d.Stats().Entries; got != 55 {
		t.Errorf("Expected 55 entries, got %d", got)
	}
}
