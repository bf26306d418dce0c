// Package window holds the per-(service, rule) sliding-window state consulted
// by the condition evaluators. A Store is owned by exactly one partition
// worker, so nothing here is locked.
package window

import (
	"math"
)

// ThresholdState tracks consecutive qualifying events for a threshold rule
type ThresholdState struct {
	Consecutive int
	LastEventTS int64
}

// rateEntry is one event remembered by a rate window
type rateEntry struct {
	ts         int64
	qualifying bool
}

// RateState is a time-ordered deque of recent events within a rate rule's
// window. Entries are evicted lazily relative to the newest event time seen
// (event-time, not wall-clock); a timestamp equal to the window boundary is
// kept (inclusive lower bound).
type RateState struct {
	entries    []rateEntry
	qualifying int
	newestTS   int64
}

// Observe appends an event and evicts entries that fell out of the window
func (s *RateState) Observe(ts int64, qualifying bool, windowSeconds int) {
	s.entries = append(s.entries, rateEntry{ts: ts, qualifying: qualifying})
	if qualifying {
		s.qualifying++
	}
	if ts > s.newestTS {
		s.newestTS = ts
	}

	cutoff := s.newestTS - int64(windowSeconds)
	i := 0
	for i < len(s.entries) && s.entries[i].ts < cutoff {
		if s.entries[i].qualifying {
			s.qualifying--
		}
		i++
	}
	if i > 0 {
		s.entries = s.entries[i:]
	}
}

// Counts returns the qualifying and total event counts in the window
func (s *RateState) Counts() (qualifying, total int) {
	return s.qualifying, len(s.entries)
}

// anomalyBucket is a one-minute Welford aggregate
type anomalyBucket struct {
	minute int64
	count  int64
	mean   float64
	m2     float64
}

// add folds one sample into the bucket (Welford's algorithm)
func (b *anomalyBucket) add(v float64) {
	b.count++
	delta := v - b.mean
	b.mean += delta / float64(b.count)
	b.m2 += delta * (v - b.mean)
}

// AnomalyState keeps rolling mean and variance over a trailing lookback as
// minute-bucketed Welford aggregates, so memory stays O(lookback_minutes)
// regardless of event volume.
type AnomalyState struct {
	buckets      []anomalyBucket
	newestMinute int64
}

// Observe folds a sample into the state and evicts expired buckets
func (s *AnomalyState) Observe(ts int64, v float64, lookbackMinutes int) {
	minute := ts / 60
	if minute > s.newestMinute {
		s.newestMinute = minute
	}

	// Events arrive roughly in order per service, so the target bucket is
	// almost always the last one; walk back for late events.
	idx := -1
	for i := len(s.buckets) - 1; i >= 0; i-- {
		if s.buckets[i].minute == minute {
			idx = i
			break
		}
		if s.buckets[i].minute < minute {
			break
		}
	}
	if idx < 0 {
		s.buckets = append(s.buckets, anomalyBucket{minute: minute})
		idx = len(s.buckets) - 1
		// keep buckets ordered when a late event opens an older minute
		for idx > 0 && s.buckets[idx-1].minute > s.buckets[idx].minute {
			s.buckets[idx-1], s.buckets[idx] = s.buckets[idx], s.buckets[idx-1]
			idx--
		}
	}
	s.buckets[idx].add(v)

	cutoff := s.newestMinute - int64(lookbackMinutes)
	i := 0
	for i < len(s.buckets) && s.buckets[i].minute <= cutoff {
		i++
	}
	if i > 0 {
		s.buckets = s.buckets[i:]
	}
}

// Stats merges the live buckets into a single count/mean/stddev using the
// pairwise (Chan et al.) variance combination
func (s *AnomalyState) Stats() (count int64, mean, stddev float64) {
	var m2 float64
	for _, b := range s.buckets {
		if b.count == 0 {
			continue
		}
		if count == 0 {
			count = b.count
			mean = b.mean
			m2 = b.m2
			continue
		}
		delta := b.mean - mean
		total := count + b.count
		m2 += b.m2 + delta*delta*float64(count)*float64(b.count)/float64(total)
		mean += delta * float64(b.count) / float64(total)
		count = total
	}

	if count > 1 {
		stddev = math.Sqrt(m2 / float64(count))
	}
	return count, mean, stddev
}
