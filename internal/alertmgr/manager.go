// Package alertmgr applies dedup/suppression policy to evaluator verdicts
// and drives the alert lifecycle state machine. One Manager exists per
// dispatcher partition and is only ever touched by that partition's worker
// goroutine, so it needs no locking.
package alertmgr

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vigil/internal/evaluate"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Emitter receives alerts for asynchronous delivery to the external sink
type Emitter interface {
	Emit(alert *models.Alert)
}

// Config holds alert lifecycle policy
type Config struct {
	// ResolveAfter is the quiescence period after which an open alert
	// transitions to RESOLVED
	ResolveAfter time.Duration

	// ReopenWindow lets a firing within this period after resolution reopen
	// the resolved alert under its old id; 0 means every post-resolution
	// firing creates a fresh alert
	ReopenWindow time.Duration

	// EmitResolved controls whether resolutions are emitted to the sink
	EmitResolved bool
}

type key struct {
	service string
	ruleID  string
}

// openAlert pairs an alert with the wall-clock time of its last firing,
// which drives quiescence independently of event time
type openAlert struct {
	alert     *models.Alert
	lastFired time.Time
}

type resolvedAlert struct {
	alert      *models.Alert
	resolvedAt time.Time
}

// Manager holds the alert state for one partition's services
type Manager struct {
	cfg     Config
	emitter Emitter

	open     map[key]*openAlert
	resolved map[key]*resolvedAlert

	// mirrors len(open) for readers outside the partition goroutine
	openCount atomic.Int64
}

// New creates a Manager for one partition
func New(cfg Config, emitter Emitter) *Manager {
	return &Manager{
		cfg:      cfg,
		emitter:  emitter,
		open:     make(map[key]*openAlert),
		resolved: make(map[key]*resolvedAlert),
	}
}

// HandleVerdict applies one evaluator verdict to the alert state machine
func (m *Manager) HandleVerdict(now time.Time, ev *models.Event, rule models.Rule, verdict evaluate.Verdict) {
	k := key{service: ev.Service, ruleID: rule.ID}

	if !verdict.Fires {
		// prompt resolution check for this key; the periodic sweep covers
		// services that have gone silent
		if oa, ok := m.open[k]; ok && now.Sub(oa.lastFired) >= m.cfg.ResolveAfter {
			m.resolve(k, oa, now)
		}
		return
	}

	if oa, ok := m.open[k]; ok {
		// dedup: re-firing only refreshes the timestamp while an alert for
		// this (service, rule) is open; ACKNOWLEDGED behaves like OPEN
		oa.alert.LastFiredAt = ev.Timestamp
		oa.lastFired = now
		metrics.AlertsSuppressedTotal.Inc()
		return
	}

	if ra, ok := m.resolved[k]; ok {
		if m.cfg.ReopenWindow > 0 && now.Sub(ra.resolvedAt) <= m.cfg.ReopenWindow {
			m.reopen(k, ra, ev, verdict, now)
			return
		}
		delete(m.resolved, k)
	}

	m.openNew(k, ev, rule, verdict, now)
}

// openNew creates a fresh alert in OPEN and emits it
func (m *Manager) openNew(k key, ev *models.Event, rule models.Rule, verdict evaluate.Verdict, now time.Time) {
	alert := &models.Alert{
		ID:          uuid.New().String(),
		Service:     ev.Service,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Message:     verdict.Message,
		Timestamp:   ev.Timestamp,
		Metadata:    ev.Metadata,
		State:       models.AlertOpen,
		OpenedAt:    ev.Timestamp,
		LastFiredAt: ev.Timestamp,
	}
	m.open[k] = &openAlert{alert: alert, lastFired: now}
	m.openCount.Add(1)

	metrics.AlertsOpenedTotal.WithLabelValues(string(rule.Severity)).Inc()
	metrics.AlertsOpen.Inc()

	lg := logger.WithComponent("alert_manager")
	lg.Info().
		Str("alert_id", alert.ID).
		Str("service", alert.Service).
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Str("message", alert.Message).
		Msg("alert opened")

	m.emitter.Emit(clone(alert))
}

// reopen returns a recently resolved alert to OPEN under its old id
func (m *Manager) reopen(k key, ra *resolvedAlert, ev *models.Event, verdict evaluate.Verdict, now time.Time) {
	alert := ra.alert
	alert.State = models.AlertOpen
	alert.Message = verdict.Message
	alert.LastFiredAt = ev.Timestamp
	delete(m.resolved, k)
	m.open[k] = &openAlert{alert: alert, lastFired: now}
	m.openCount.Add(1)

	metrics.AlertsReopenedTotal.Inc()
	metrics.AlertsOpen.Inc()

	lg := logger.WithComponent("alert_manager")
	lg.Info().
		Str("alert_id", alert.ID).
		Str("service", alert.Service).
		Str("rule_id", alert.RuleID).
		Msg("alert reopened")

	m.emitter.Emit(clone(alert))
}

// resolve transitions an open alert to RESOLVED
func (m *Manager) resolve(k key, oa *openAlert, now time.Time) {
	alert := oa.alert
	alert.State = models.AlertResolved
	delete(m.open, k)
	m.openCount.Add(-1)

	if m.cfg.ReopenWindow > 0 {
		m.resolved[k] = &resolvedAlert{alert: alert, resolvedAt: now}
	}

	metrics.AlertsResolvedTotal.Inc()
	metrics.AlertsOpen.Dec()

	lg := logger.WithComponent("alert_manager")
	lg.Info().
		Str("alert_id", alert.ID).
		Str("service", alert.Service).
		Str("rule_id", alert.RuleID).
		Msg("alert resolved after quiescence")

	if m.cfg.EmitResolved {
		m.emitter.Emit(clone(alert))
	}
}

// Sweep resolves open alerts whose condition has been quiet for the
// configured period and discards resolved alerts past the reopen window.
// Called from the owning partition's ticker.
func (m *Manager) Sweep(now time.Time) {
	for k, oa := range m.open {
		if now.Sub(oa.lastFired) >= m.cfg.ResolveAfter {
			m.resolve(k, oa, now)
		}
	}
	for k, ra := range m.resolved {
		if now.Sub(ra.resolvedAt) > m.cfg.ReopenWindow {
			delete(m.resolved, k)
		}
	}
}

// Acknowledge marks an open alert as acknowledged. Dedup behavior is
// unchanged; only external visibility changes.
func (m *Manager) Acknowledge(service, ruleID, by string, now time.Time) bool {
	oa, ok := m.open[key{service: service, ruleID: ruleID}]
	if !ok || oa.alert.State != models.AlertOpen {
		return false
	}
	oa.alert.State = models.AlertAcknowledged
	oa.alert.AcknowledgedBy = by
	oa.alert.AcknowledgedAt = now.Unix()

	lg := logger.WithComponent("alert_manager")
	lg.Info().
		Str("alert_id", oa.alert.ID).
		Str("service", service).
		Str("rule_id", ruleID).
		Str("acknowledged_by", by).
		Msg("alert acknowledged")
	return true
}

// DropRule discards alert state for a deleted rule without emitting
func (m *Manager) DropRule(ruleID string) int {
	dropped := 0
	for k := range m.open {
		if k.ruleID == ruleID {
			delete(m.open, k)
			m.openCount.Add(-1)
			metrics.AlertsOpen.Dec()
			dropped++
		}
	}
	for k := range m.resolved {
		if k.ruleID == ruleID {
			delete(m.resolved, k)
		}
	}
	return dropped
}

// OpenCount returns the number of open alerts in this partition. Safe to
// call from outside the partition goroutine.
func (m *Manager) OpenCount() int {
	return int(m.openCount.Load())
}

// clone copies an alert so the emitter owns an immutable snapshot
func clone(a *models.Alert) *models.Alert {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
