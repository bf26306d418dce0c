package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Acknowledger marks an open alert as acknowledged. Implementations route
// the mutation to the partition that owns the service.
type Acknowledger interface {
	Acknowledge(service, ruleID, by string) bool
}

// AckHandler handles alert acknowledgement requests from the external API
type AckHandler struct {
	acknowledger Acknowledger
}

// NewAckHandler creates a new acknowledgement handler
func NewAckHandler(acknowledger Acknowledger) *AckHandler {
	return &AckHandler{acknowledger: acknowledger}
}

// AckRequest identifies the alert to acknowledge by its dedup key
type AckRequest struct {
	Service        string `json:"service"`
	RuleID         string `json:"rule_id"`
	AcknowledgedBy string `json:"acknowledged_by"`
}

// ServeHTTP handles the acknowledgement request
func (h *AckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Service = strings.ToLower(strings.TrimSpace(req.Service))
	if req.Service == "" || req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "service and rule_id are required")
		return
	}
	if req.AcknowledgedBy == "" {
		writeError(w, http.StatusBadRequest, "acknowledged_by is required")
		return
	}

	if !h.acknowledger.Acknowledge(req.Service, req.RuleID, req.AcknowledgedBy) {
		writeError(w, http.StatusNotFound, "no open alert for service and rule")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"acknowledged": true})
}
