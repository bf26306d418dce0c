package window

import (
	"sync/atomic"
	"time"

	"vigil/internal/metrics"
)

// Key identifies a window state
type Key struct {
	Service string
	RuleID  string
}

// entry is the state for one (service, rule) pair; exactly one of the
// variant states is populated, matching the rule's type
type entry struct {
	lastTouched time.Time

	threshold *ThresholdState
	rate      *RateState
	anomaly   *AnomalyState
}

// Store holds all window states owned by one partition worker. Created
// lazily on first event for a (service, rule) pair, evicted after an idle
// TTL or when the owning rule is deleted.
type Store struct {
	entries map[Key]*entry
	idleTTL time.Duration

	// mirrors len(entries) for readers outside the partition goroutine
	live atomic.Int64
}

// NewStore creates an empty per-partition store
func NewStore(idleTTL time.Duration) *Store {
	return &Store{
		entries: make(map[Key]*entry),
		idleTTL: idleTTL,
	}
}

func (s *Store) touch(key Key, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
		s.live.Add(1)
		metrics.WindowStatesActive.Inc()
	}
	e.lastTouched = now
	return e
}

// Threshold returns the threshold state for key, creating it if needed
func (s *Store) Threshold(key Key, now time.Time) *ThresholdState {
	e := s.touch(key, now)
	if e.threshold == nil {
		e.threshold = &ThresholdState{}
	}
	return e.threshold
}

// Rate returns the rate state for key, creating it if needed
func (s *Store) Rate(key Key, now time.Time) *RateState {
	e := s.touch(key, now)
	if e.rate == nil {
		e.rate = &RateState{}
	}
	return e.rate
}

// Anomaly returns the anomaly state for key, creating it if needed
func (s *Store) Anomaly(key Key, now time.Time) *AnomalyState {
	e := s.touch(key, now)
	if e.anomaly == nil {
		e.anomaly = &AnomalyState{}
	}
	return e.anomaly
}

// Sweep evicts states that have seen no events for the idle TTL
func (s *Store) Sweep(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	evicted := 0
	for key, e := range s.entries {
		if now.Sub(e.lastTouched) > s.idleTTL {
			delete(s.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.live.Add(-int64(evicted))
		metrics.WindowStatesActive.Sub(float64(evicted))
		metrics.WindowStatesEvicted.WithLabelValues("idle_ttl").Add(float64(evicted))
	}
	return evicted
}

// DropRule removes all window state owned by a deleted rule
func (s *Store) DropRule(ruleID string) int {
	dropped := 0
	for key := range s.entries {
		if key.RuleID == ruleID {
			delete(s.entries, key)
			dropped++
		}
	}
	if dropped > 0 {
		s.live.Add(-int64(dropped))
		metrics.WindowStatesActive.Sub(float64(dropped))
		metrics.WindowStatesEvicted.WithLabelValues("rule_deleted").Add(float64(dropped))
	}
	return dropped
}

// Len returns the number of live window states. Safe to call from outside
// the partition goroutine.
func (s *Store) Len() int {
	return int(s.live.Load())
}
