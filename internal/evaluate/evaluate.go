// Package evaluate implements the per-variant condition evaluators. Each
// evaluator is a pure function over one event, one compiled condition, and
// the matching window state; it mutates only that state and returns a
// verdict.
package evaluate

import (
	"fmt"
	"math"

	"vigil/internal/models"
	"vigil/internal/window"
)

// Verdict is the outcome of evaluating one event against one rule
type Verdict struct {
	// Fires reports that the condition held
	Fires bool

	// Skipped reports that the event lacked a metric the rule requires;
	// no window state was touched
	Skipped bool

	// Observed is the value the condition compared (sample, ratio, count,
	// or z-score depending on the rule type)
	Observed float64

	// Message describes a firing verdict for the resulting alert
	Message string
}

// MetricErrorCode names the pseudo-metric that samples error-code presence
// instead of metric_value, for equality-style threshold checks
const MetricErrorCode = "error_code"

// sample resolves the value a condition reads from an event. The error_code
// pseudo-metric is 1 when a code is present and 0 otherwise; every other
// metric name reads metric_value.
func sample(ev *models.Event, metric string) (float64, bool) {
	if metric == MetricErrorCode {
		if ev.ErrorCode != "" {
			return 1, true
		}
		return 0, true
	}
	if ev.MetricValue == nil {
		return 0, false
	}
	v := *ev.MetricValue
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// HasSample reports whether the event carries a usable sample for the given
// metric. Callers check this before creating window state so that skipped
// events leave no trace.
func HasSample(ev *models.Event, metric string) bool {
	_, ok := sample(ev, metric)
	return ok
}

// Threshold compares the event's sample against the condition value,
// tracking consecutive qualifying events. An unset consecutive_events was
// compiled to 1, so a single qualifying event fires.
func Threshold(ev *models.Event, cond models.ThresholdCondition, st *window.ThresholdState) Verdict {
	v, ok := sample(ev, cond.Metric)
	if !ok {
		return Verdict{Skipped: true}
	}

	qualifies := cond.Operator.Compare(v, cond.Value)
	if qualifies {
		st.Consecutive++
	} else {
		st.Consecutive = 0
	}
	st.LastEventTS = ev.Timestamp

	verdict := Verdict{Observed: v}
	if qualifies && st.Consecutive >= cond.ConsecutiveEvents {
		verdict.Fires = true
		if cond.ConsecutiveEvents > 1 {
			verdict.Message = fmt.Sprintf("%s %v %s %v for %d consecutive events",
				cond.Metric, v, cond.Operator, cond.Value, st.Consecutive)
		} else {
			verdict.Message = fmt.Sprintf("%s %v %s %v", cond.Metric, v, cond.Operator, cond.Value)
		}
	}
	return verdict
}

// qualifying reports whether an event counts toward a rate window's
// qualifying set: any error status or attached error code
func qualifying(ev *models.Event) bool {
	return ev.Status == models.StatusError || ev.ErrorCode != ""
}

// Rate appends the event to the time window and compares the qualifying
// ratio (value <= 1) or raw qualifying count (value > 1) against the
// condition. The window never fires below the minimum sample policy: at
// least one qualifying event and minTotal total events.
func Rate(ev *models.Event, cond models.RateCondition, st *window.RateState, minTotal int) Verdict {
	st.Observe(ev.Timestamp, qualifying(ev), cond.TimeWindowSeconds)

	q, total := st.Counts()
	if minTotal < 1 {
		minTotal = 1
	}

	var observed float64
	if cond.Ratio() {
		observed = float64(q) / float64(total)
	} else {
		observed = float64(q)
	}

	verdict := Verdict{Observed: observed}
	if q < 1 || total < minTotal {
		return verdict
	}
	if cond.Operator.Compare(observed, cond.Value) {
		verdict.Fires = true
		if cond.Ratio() {
			verdict.Message = fmt.Sprintf("error rate %.3f %s %v over %ds (%d/%d events)",
				observed, cond.Operator, cond.Value, cond.TimeWindowSeconds, q, total)
		} else {
			verdict.Message = fmt.Sprintf("%d qualifying events %s %v over %ds",
				q, cond.Operator, cond.Value, cond.TimeWindowSeconds)
		}
	}
	return verdict
}

// Anomaly fires when the sample deviates from the rolling mean by more than
// threshold_std_dev standard deviations. The verdict is taken against the
// statistics accumulated before this event; the sample is folded in
// afterwards so an outlier cannot mask itself. Windows below minSamples
// absorb statistics but never fire.
func Anomaly(ev *models.Event, cond models.AnomalyCondition, st *window.AnomalyState, minSamples int) Verdict {
	v, ok := sample(ev, cond.Metric)
	if !ok {
		return Verdict{Skipped: true}
	}

	count, mean, stddev := st.Stats()
	st.Observe(ev.Timestamp, v, cond.LookbackMinutes)

	verdict := Verdict{}
	if count < int64(minSamples) || stddev <= 0 {
		return verdict
	}

	deviation := math.Abs(v - mean)
	verdict.Observed = deviation / stddev
	if deviation > cond.ThresholdStdDev*stddev {
		verdict.Fires = true
		verdict.Message = fmt.Sprintf("%s %v deviates %.2f stddev from mean %.2f (threshold %.2f, n=%d)",
			cond.Metric, v, verdict.Observed, mean, cond.ThresholdStdDev, count)
	}
	return verdict
}
