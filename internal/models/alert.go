package models

// AlertState is the lifecycle state of an alert
type AlertState string

const (
	AlertOpen         AlertState = "OPEN"
	AlertAcknowledged AlertState = "ACKNOWLEDGED"
	AlertResolved     AlertState = "RESOLVED"
)

// Alert is raised by the engine when a rule's verdict fires. It stays open
// while the condition keeps firing and resolves after a quiescence period.
type Alert struct {
	ID       string   `json:"id"`
	Service  string   `json:"service"`
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// Event time (unix seconds) of the verdict that created the alert
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	State          AlertState `json:"state"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt int64      `json:"acknowledged_at,omitempty"`
	OpenedAt       int64      `json:"opened_at"`
	LastFiredAt    int64      `json:"last_fired_at"`
}

// Open reports whether the alert still counts for dedup purposes.
// Acknowledgement only affects external visibility, not evaluation.
func (a *Alert) Open() bool {
	return a.State == AlertOpen || a.State == AlertAcknowledged
}
