package window

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStoreCreatesStateLazily(t *testing.T) {
	s := NewStore(time.Hour)
	now := time.Now()

	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", s.Len())
	}

	key := Key{Service: "checkout", RuleID: "r1"}
	st := s.Threshold(key, now)
	if st == nil {
		t.Fatal("expected threshold state")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}

	// same key returns the same state
	st.Consecutive = 3
	if got := s.Threshold(key, now); got.Consecutive != 3 {
		t.Errorf("expected same state back, got streak %d", got.Consecutive)
	}
}

func TestStoreSweepEvictsIdleState(t *testing.T) {
	s := NewStore(time.Minute)
	base := time.Now()

	s.Rate(Key{Service: "checkout", RuleID: "r1"}, base)
	s.Rate(Key{Service: "payments", RuleID: "r2"}, base.Add(50*time.Second))

	evicted := s.Sweep(base.Add(70 * time.Second))
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", s.Len())
	}

	// the surviving state was touched recently
	if s.Sweep(base.Add(80*time.Second)) != 0 {
		t.Error("expected no further evictions")
	}
}

func TestStoreSweepDisabledWithoutTTL(t *testing.T) {
	s := NewStore(0)
	s.Anomaly(Key{Service: "checkout", RuleID: "r1"}, time.Now())

	if evicted := s.Sweep(time.Now().Add(24 * time.Hour)); evicted != 0 {
		t.Fatalf("expected sweep disabled with zero TTL, evicted %d", evicted)
	}
}

func TestStoreLenConcurrentRead(t *testing.T) {
	s := NewStore(time.Minute)
	base := time.Now()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				if n := s.Len(); n < 0 || n > 100 {
					t.Errorf("impossible state count %d", n)
					return
				}
			}
		}
	}()

	for i := 0; i < 100; i++ {
		s.Threshold(Key{Service: fmt.Sprintf("svc-%d", i), RuleID: "r1"}, base)
	}
	s.Sweep(base.Add(2 * time.Minute))
	close(done)
	wg.Wait()

	if s.Len() != 0 {
		t.Errorf("expected all states evicted, len %d", s.Len())
	}
}

func TestStoreDropRule(t *testing.T) {
	s := NewStore(time.Hour)
	now := time.Now()

	s.Threshold(Key{Service: "checkout", RuleID: "r1"}, now)
	s.Threshold(Key{Service: "payments", RuleID: "r1"}, now)
	s.Rate(Key{Service: "checkout", RuleID: "r2"}, now)

	dropped := s.DropRule("r1")
	if dropped != 2 {
		t.Fatalf("expected 2 dropped states, got %d", dropped)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", s.Len())
	}
}
