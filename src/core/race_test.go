package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConcurrentFactSubmission submits transactions and assertions from many goroutines
// while trust is being read, and checks every fact lands exactly once.
func TestConcurrentFactSubmission(t *testing.T) {
	node := newTestNode(t)

	numIdentities := 10
	identities := make([]testIdentity, numIdentities)
	for i := range identities {
		identities[i] = registerIdentity(t, node, testNow.Add(-200*day))
	}

	numFacts := 100
	var wg sync.WaitGroup
	var added int32
	var failed int32

	for i := 0; i < numFacts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			from := identities[idx%numIdentities]
			to := identities[(idx+1)%numIdentities]

			var ok bool
			var err error
			if idx%2 == 0 {
				tx := signedTransaction(t, Transaction{
					ID:              fmt.Sprintf("tx-%d", idx),
					AmountPaid:      10,
					AmountReceived:  9,
					AmountBurned:    1,
					BidPrice:        1,
					ResourceClass:   "cpu",
					DurationSeconds: 3600,
					Timestamp:       testNow.Unix(),
				}, from, to)
				ok, err = node.SubmitTransaction(tx)
			} else {
				ok, err = node.SubmitAssertion(from.assertion(t, fmt.Sprintf("a-%d", idx), to.ID, 0.5, testNow))
			}
			if err != nil {
				atomic.AddInt32(&failed, 1)
			} else if ok {
				atomic.AddInt32(&added, 1)
			}
		}(i)
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := node.ComputeTrust(context.Background(), identities[0].ID, identities[idx%numIdentities].ID); err != nil && err != ErrSelfTrust {
				t.Errorf("Unexpected trust error: %v", err)
			}
		}(i)
	}

	wg.Wait()

	if failed != 0 {
		t.Errorf("Expected no failed submissions, got %d", failed)
	}
	if int(added) != numFacts {
		t.Errorf("Expected %d facts added, got %d", numFacts, added)
	}

	stats := node.Ledger.Snapshot().Stats()
	if stats["transactions"] != numFacts/2 || stats["assertions"] != numFacts/2 {
		t.Errorf("Expected %d transactions and assertions, got %v", numFacts/2, stats)
	}
}

// TestConcurrentDuplicateSubmission checks that racing submissions of one fact add it once
func TestConcurrentDuplicateSubmission(t *testing.T) {
	node := newTestNode(t)
	alice := registerIdentity(t, node, testNow.Add(-10*day))
	bob := registerIdentity(t, node, testNow.Add(-10*day))
	assertion := alice.assertion(t, "a-dup", bob.ID, 0.3, testNow)

	var wg sync.WaitGroup
	var added int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := node.SubmitAssertion(assertion); err == nil && ok {
				atomic.AddInt32(&added, 1)
			}
		}()
	}
	wg.Wait()

	if added != 1 {
		t.Errorf("Expected exactly one submission to add the assertion, got %d", added)
	}
	if n := len(node.Ledger.GetAssertions(bob.ID)); n != 1 {
		t.Errorf("Expected one stored assertion, got %d", n)
	}
}

// TestConcurrentTrustComputation checks that concurrent readers of one snapshot agree
func TestConcurrentTrustComputation(t *testing.T) {
	node := newTestNode(t)

	chain := make([]testIdentity, 5)
	for i := range chain {
		chain[i] = registerIdentity(t, node, testNow.Add(-400*day))
	}
	for i := 0; i < len(chain)-1; i++ {
		tx := signedTransaction(t, Transaction{
			ID:              fmt.Sprintf("chain-%d", i),
			AmountPaid:      100,
			AmountReceived:  90,
			AmountBurned:    10,
			ResourceClass:   "cpu",
			DurationSeconds: 100 * 3600,
			Timestamp:       testNow.Add(-time.Hour).Unix(),
		}, chain[i], chain[i+1])
		if _, err := node.SubmitTransaction(tx); err != nil {
			t.Fatalf("Failed to submit chain transaction: %v", err)
		}
	}

	expected, err := node.Engine.ComputeTrust(context.Background(), chain[0].ID, chain[4].ID, node.Ledger.Snapshot(), node.Params.Current())
	if err != nil {
		t.Fatalf("Failed to compute reference trust: %v", err)
	}
	if expected.Trust <= 0 {
		t.Fatalf("Expected positive trust along the chain, got %v", expected.Trust)
	}

	numGoroutines := 100
	var wg sync.WaitGroup
	results := make([]float64, numGoroutines)
	errs := make([]error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := node.ComputeTrust(context.Background(), chain[0].ID, chain[4].ID)
			results[idx] = result.Trust
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < numGoroutines; i++ {
		if errs[i] != nil {
			t.Errorf("Goroutine %d got unexpected error: %v", i, errs[i])
			continue
		}
		if !approxEqual(results[i], expected.Trust, 1e-12) {
			t.Errorf("Goroutine %d got inconsistent trust: %f, expected %f", i, results[i], expected.Trust)
		}
	}
}

// TestConcurrentReceiveEnvelope delivers one message from many peers at once
func TestConcurrentReceiveEnvelope(t *testing.T) {
	node := newTestNode(t)

	env, err := NewEnvelope(SchemaGossipClaim, "peer-origin", 3, testClaim("tx-1", "in-1", "spender", "peer-origin"))
	if err != nil {
		t.Fatalf("Failed to create envelope: %v", err)
	}

	var wg sync.WaitGroup
	var accepted int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := node.ReceiveEnvelope(context.Background(), env)
			if err != nil {
				t.Errorf("Unexpected receive error: %v", err)
			}
			if ok {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("Expected exactly one delivery accepted, got %d", accepted)
	}
	if stats := node.Detector.Stats(); stats.Claims != 1 {
		t.Errorf("Expected one claim reaching the detector, got %d", stats.Claims)
	}
}

// TestConcurrentParameterPublish publishes versions while readers observe them
func TestConcurrentParameterPublish(t *testing.T) {
	node := newTestNode(t)
	start := node.Params.Current().Version

	numPublishers := 20
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 5; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			last := int64(0)
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := node.Params.Current()
				if p.Version < last {
					t.Errorf("Expected monotonic versions, saw %d after %d", p.Version, last)
					return
				}
				if err := p.Validate(); err != nil {
					t.Errorf("Reader saw an invalid parameter set: %v", err)
					return
				}
				last = p.Version
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < numPublishers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := node.Params.Current().With(ParamKPayment, 0.5+float64(idx)*0.01)
			if _, err := node.Params.Publish(next); err != nil {
				t.Errorf("Publish failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	if got := node.Params.Current().Version; got != start+int64(numPublishers) {
		t.Errorf("Expected version %d, got %d", start+int64(numPublishers), got)
	}
	history := node.Params.History()
	for i := 1; i < len(history); i++ {
		if history[i].Version != history[i-1].Version+1 {
			t.Fatalf("Expected consecutive versions in history, got %d after %d", history[i].Version, history[i-1].Version)
		}
	}
}

// TestConcurrentDetectorSubmitAndSweep races sightings against the sweeper
func TestConcurrentDetectorSubmitAndSweep(t *testing.T) {
	d, clock := newTestDetector(0.9)

	var penalties int32
	d.OnPenalty(func(PenaltyEvent) { atomic.AddInt32(&penalties, 1) })

	numInputs := 50
	var wg sync.WaitGroup
	for i := 0; i < numInputs; i++ {
		for obs := 0; obs < 3; obs++ {
			wg.Add(1)
			go func(input, observer int) {
				defer wg.Done()
				claim := testClaim(fmt.Sprintf("tx-%d", input), fmt.Sprintf("in-%d", input), "spender", fmt.Sprintf("obs-%d", observer))
				if _, err := d.Submit(claim); err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}(i, obs)
		}
	}

	// every tenth input is double spent
	for i := 0; i < numInputs; i += 10 {
		wg.Add(1)
		go func(input int) {
			defer wg.Done()
			d.Submit(testClaim(fmt.Sprintf("tx-%d-b", input), fmt.Sprintf("in-%d", input), "spender", "obs-x"))
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			d.Sweep()
			d.Status("tx-0")
			d.Stats()
		}
	}()
	wg.Wait()

	if got := atomic.LoadInt32(&penalties); got != int32(numInputs/10) {
		t.Errorf("Expected %d penalties, got %d", numInputs/10, got)
	}
	for i := 0; i < numInputs; i++ {
		status := d.Status(fmt.Sprintf("tx-%d", i)).Status
		if i%10 == 0 {
			if status != TxConflicted {
				t.Errorf("Expected tx-%d conflicted, got %v", i, status)
			}
		} else if status != TxFinalized {
			t.Errorf("Expected tx-%d finalized, got %v", i, status)
		}
	}

	clock.Advance(DefaultClaimRetention + time.Minute)
	if _, removed := d.Sweep(); removed != numInputs {
		t.Errorf("Expected all %d settled inputs removed, got %d", numInputs, removed)
	}
	if tracked := d.Stats().Tracked; tracked != 0 {
		t.Errorf("Expected nothing tracked after retention, got %d", tracked)
	}
}

// TestConcurrentTrustViewCaching checks that racing readers share one cached view
func TestConcurrentTrustViewCaching(t *testing.T) {
	node := newTestNode(t)
	alice := registerIdentity(t, node, testNow.Add(-100*day))
	bob := registerIdentity(t, node, testNow.Add(-100*day))
	if _, err := node.SubmitAssertion(alice.assertion(t, "a-1", bob.ID, 0.6, testNow)); err != nil {
		t.Fatalf("Failed to submit assertion: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if idx%10 == 0 {
				node.TrustCache.Invalidate()
			}
			if view := node.TrustView(context.Background(), alice.ID); view.Observer != alice.ID {
				t.Errorf("Expected view for %s, got %s", alice.ID, view.Observer)
			}
		}(i)
	}
	wg.Wait()

	node.TrustView(context.Background(), alice.ID)
	if node.TrustCache.Len() != 1 {
		t.Errorf("Expected one cached view, got %d", node.TrustCache.Len())
	}
}
