// Package registry holds the in-memory set of enabled rules. Readers always
// see a consistent snapshot; refreshes build a new snapshot and swap it
// atomically (copy-on-refresh, no per-read locking).
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"vigil/internal/metrics"
	"vigil/internal/models"
)

// snapshot is an immutable view of the enabled rule set
type snapshot struct {
	byService map[string][]models.Rule
	byID      map[string]models.Rule
	count     int
}

func buildSnapshot(rules []models.Rule) *snapshot {
	snap := &snapshot{
		byService: make(map[string][]models.Rule),
		byID:      make(map[string]models.Rule, len(rules)),
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		snap.byService[rule.Service] = append(snap.byService[rule.Service], rule)
		snap.byID[rule.ID] = rule
		snap.count++
	}
	// stable order = creation order
	for _, list := range snap.byService {
		sort.Slice(list, func(i, j int) bool {
			if list[i].CreatedAt != list[j].CreatedAt {
				return list[i].CreatedAt < list[j].CreatedAt
			}
			return list[i].ID < list[j].ID
		})
	}
	return snap
}

// Registry is the live rule set read by every partition worker
type Registry struct {
	snap        atomic.Pointer[snapshot]
	lastRefresh atomic.Int64 // unix nanos of last successful refresh
}

// New creates an empty registry
func New() *Registry {
	r := &Registry{}
	r.snap.Store(buildSnapshot(nil))
	return r
}

// RulesFor returns the enabled rules for a service in creation order. The
// returned slice belongs to the snapshot and must not be mutated.
func (r *Registry) RulesFor(service string) []models.Rule {
	return r.snap.Load().byService[service]
}

// Rule returns the enabled rule with the given id
func (r *Registry) Rule(id string) (models.Rule, bool) {
	rule, ok := r.snap.Load().byID[id]
	return rule, ok
}

// Count returns the number of enabled rules in the current snapshot
func (r *Registry) Count() int {
	return r.snap.Load().count
}

// Swap replaces the whole rule set and returns the ids of rules that were
// present before but are gone now (deleted or disabled upstream)
func (r *Registry) Swap(rules []models.Rule) (removed []string) {
	next := buildSnapshot(rules)
	prev := r.snap.Swap(next)
	for id := range prev.byID {
		if _, ok := next.byID[id]; !ok {
			removed = append(removed, id)
		}
	}
	metrics.RulesLoaded.Set(float64(next.count))
	return removed
}

// Upsert adds or replaces a single rule, rebuilding the snapshot
func (r *Registry) Upsert(rule models.Rule) {
	prev := r.snap.Load()
	rules := make([]models.Rule, 0, prev.count+1)
	for id, existing := range prev.byID {
		if id != rule.ID {
			rules = append(rules, existing)
		}
	}
	rules = append(rules, rule)
	r.snap.Store(buildSnapshot(rules))
	metrics.RulesLoaded.Set(float64(r.Count()))
}

// Remove deletes a single rule, rebuilding the snapshot
func (r *Registry) Remove(ruleID string) {
	prev := r.snap.Load()
	rules := make([]models.Rule, 0, prev.count)
	for id, existing := range prev.byID {
		if id != ruleID {
			rules = append(rules, existing)
		}
	}
	r.snap.Store(buildSnapshot(rules))
	metrics.RulesLoaded.Set(float64(r.Count()))
}

// MarkRefreshed records a successful sync against the rule store
func (r *Registry) MarkRefreshed(t time.Time) {
	r.lastRefresh.Store(t.UnixNano())
}

// LastRefresh returns the time of the last successful refresh, zero if none
func (r *Registry) LastRefresh() time.Time {
	n := r.lastRefresh.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Stale reports whether the last successful refresh is older than bound
func (r *Registry) Stale(bound time.Duration) bool {
	last := r.LastRefresh()
	if last.IsZero() {
		return true
	}
	return time.Since(last) > bound
}
