package window

import (
	"math"
	"testing"
)

func TestRateStateEvictsOutsideWindow(t *testing.T) {
	st := &RateState{}

	st.Observe(100, true, 60)
	st.Observe(130, false, 60)
	st.Observe(190, false, 60)

	// cutoff is 190-60=130; ts 100 is gone, ts 130 is exactly on the
	// boundary and stays (inclusive lower bound)
	q, total := st.Counts()
	if q != 0 || total != 2 {
		t.Fatalf("expected (0 qualifying, 2 total), got (%d, %d)", q, total)
	}

	st.Observe(191, true, 60)
	q, total = st.Counts()
	if q != 1 || total != 2 {
		t.Fatalf("expected boundary entry evicted at ts 191, got (%d, %d)", q, total)
	}
}

func TestRateStateEvictionIsEventTime(t *testing.T) {
	st := &RateState{}

	st.Observe(100, true, 10)
	// an older event does not move the window backwards
	st.Observe(95, true, 10)
	if q, total := st.Counts(); q != 2 || total != 2 {
		t.Fatalf("expected late event kept, got (%d, %d)", q, total)
	}

	st.Observe(200, false, 10)
	if q, total := st.Counts(); q != 0 || total != 1 {
		t.Fatalf("expected jump forward to evict old entries, got (%d, %d)", q, total)
	}
}

func TestAnomalyStateWelfordAccuracy(t *testing.T) {
	st := &AnomalyState{}

	// known distribution: mean 5, population stddev 2
	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for i, v := range samples {
		st.Observe(int64(i), v, 60)
	}

	count, mean, stddev := st.Stats()
	if count != 8 {
		t.Fatalf("expected count 8, got %d", count)
	}
	if math.Abs(mean-5) > 1e-9 {
		t.Errorf("expected mean 5, got %v", mean)
	}
	if math.Abs(stddev-2) > 1e-9 {
		t.Errorf("expected stddev 2, got %v", stddev)
	}
}

func TestAnomalyStateMergeAcrossBuckets(t *testing.T) {
	single := &AnomalyState{}
	split := &AnomalyState{}

	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for i, v := range samples {
		single.Observe(int64(i), v, 600)
		// spread the same samples over 8 distinct minutes
		split.Observe(int64(i*60), v, 600)
	}

	c1, m1, s1 := single.Stats()
	c2, m2, s2 := split.Stats()
	if c1 != c2 {
		t.Fatalf("count mismatch: %d vs %d", c1, c2)
	}
	if math.Abs(m1-m2) > 1e-9 {
		t.Errorf("mean mismatch: %v vs %v", m1, m2)
	}
	if math.Abs(s1-s2) > 1e-9 {
		t.Errorf("stddev mismatch: %v vs %v", s1, s2)
	}
}

func TestAnomalyStateEvictsExpiredBuckets(t *testing.T) {
	st := &AnomalyState{}

	// minute 0 gets a wildly different baseline
	st.Observe(0, 1000, 5)
	for m := int64(1); m <= 3; m++ {
		st.Observe(m*60, 100, 5)
	}
	if count, _, _ := st.Stats(); count != 4 {
		t.Fatalf("expected 4 samples, got %d", count)
	}

	// minute 6 pushes the cutoff to 1: minute 0 and 1 drop out
	st.Observe(6*60, 100, 5)
	count, mean, _ := st.Stats()
	if count != 3 {
		t.Fatalf("expected 3 samples after eviction, got %d", count)
	}
	if mean != 100 {
		t.Errorf("expected evicted outlier to stop influencing mean, got %v", mean)
	}
}

func TestAnomalyStateLateEventOpensOrderedBucket(t *testing.T) {
	st := &AnomalyState{}

	st.Observe(5*60, 10, 60)
	st.Observe(7*60, 10, 60)
	// late event for minute 6 lands between the existing buckets
	st.Observe(6*60, 10, 60)

	count, _, _ := st.Stats()
	if count != 3 {
		t.Fatalf("expected 3 samples, got %d", count)
	}
	for i := 1; i < len(st.buckets); i++ {
		if st.buckets[i-1].minute >= st.buckets[i].minute {
			t.Fatalf("buckets out of order: %d before %d", st.buckets[i-1].minute, st.buckets[i].minute)
		}
	}
}
