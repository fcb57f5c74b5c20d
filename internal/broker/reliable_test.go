package broker

import (
	"context"
	"testing"
	"time"
)

func newTestReliable(inner ExecutionClient, maxAttempts int) (*Reliable, *[]time.Duration) {
	r := NewReliable(inner, ReliableOptions{
		Timeout:     time.Second,
		MaxAttempts: maxAttempts,
	})
	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }
	return r, &slept
}

func TestReliableRetriesTransient(t *testing.T) {
	sim := NewSim(nil)
	sim.SetQuote("EUR_USD", 1.1000, 1.1002, 1.1010, 1.0990)
	sim.FailNext("current_price", KindTransient, 2)

	r, slept := newTestReliable(sim, 3)
	q, err := r.CurrentPrice(context.Background(), "EUR_USD")
	if err != nil {
		t.Fatalf("should succeed on third attempt: %v", err)
	}
	if q.Bid != 1.1000 {
		t.Errorf("Bid = %v, want 1.1000", q.Bid)
	}
	// Linear backoff: 0.5s then 1.0s.
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestReliableExhaustsAttempts(t *testing.T) {
	sim := NewSim(nil)
	sim.SetQuote("EUR_USD", 1.1000, 1.1002, 1.1010, 1.0990)
	sim.FailNext("place_market", KindTransient, 5)

	r, _ := newTestReliable(sim, 3)
	_, err := r.PlaceMarketOrder(context.Background(), "EUR_USD", Long, 0.1)
	if !IsTransient(err) {
		t.Fatalf("want transient error after exhausting retries, got %v", err)
	}
	// The first call consumed three injected failures; two remain, so the
	// next call succeeds within its own retry budget.
	if _, err := r.PlaceMarketOrder(context.Background(), "EUR_USD", Long, 0.1); err != nil {
		t.Errorf("second call should ride out the remaining failures: %v", err)
	}
}

func TestReliableDoesNotRetryRejections(t *testing.T) {
	sim := NewSim(nil)
	sim.SetQuote("EUR_USD", 1.1000, 1.1002, 1.1010, 1.0990)
	sim.FailNext("place_market", KindRejected, 1)

	r, slept := newTestReliable(sim, 3)
	_, err := r.PlaceMarketOrder(context.Background(), "EUR_USD", Long, 0.1)
	if !IsRejected(err) {
		t.Fatalf("want rejection, got %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("rejections must not back off, slept %v", *slept)
	}
}

func TestExecErrorClassification(t *testing.T) {
	te := Transient("close", "EUR_USD", context.DeadlineExceeded)
	if !IsTransient(te) || IsRejected(te) {
		t.Error("transient misclassified")
	}
	re := Rejected("close", "EUR_USD", context.Canceled)
	if IsTransient(re) || !IsRejected(re) {
		t.Error("rejection misclassified")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("bare deadline should count as transient")
	}
}
