// Package handlers implements the engine's HTTP endpoints: direct event
// ingestion and alert acknowledgement.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"vigil/internal/dispatch"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// IngestHandler accepts telemetry events over HTTP and routes them straight
// into the dispatcher, bypassing the event log for producers that talk to
// the engine directly
type IngestHandler struct {
	dispatcher  *dispatch.Dispatcher
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Dispatcher  *dispatch.Dispatcher
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}
	return &IngestHandler{
		dispatcher:  cfg.Dispatcher,
		maxBodySize: maxBodySize,
	}
}

// EventInput is the input format for events; latency_ms is accepted as an
// alias for metric_value to match the original producers
type EventInput struct {
	ID          string            `json:"id,omitempty"`
	Service     string            `json:"service"`
	Timestamp   int64             `json:"timestamp"`
	MetricValue *float64          `json:"metric_value,omitempty"`
	LatencyMS   *float64          `json:"latency_ms,omitempty"`
	Status      string            `json:"status,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	Event  *EventInput  `json:"event,omitempty"`
	Events []EventInput `json:"events,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a rejection for a specific event
type IngestError struct {
	Index   int    `json:"index"`
	Service string `json:"service,omitempty"`
	Error   string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := parseBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	response := h.processEvents(inputs)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case response.Accepted == 0 && overloadedOnly(response.Errors):
		w.WriteHeader(http.StatusServiceUnavailable)
	case response.Rejected > 0 && response.Accepted == 0:
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// parseBody parses the JSON body into a slice of EventInput
func parseBody(body []byte) ([]EventInput, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Events) > 0 {
			return req.Events, nil
		}
		if req.Event != nil {
			return []EventInput{*req.Event}, nil
		}
	}

	var events []EventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	var single EventInput
	if err := json.Unmarshal(body, &single); err == nil && single.Service != "" {
		return []EventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

// processEvents validates, normalizes, and dispatches events
func (h *IngestHandler) processEvents(inputs []EventInput) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	for i, input := range inputs {
		ev := input.toEvent()
		ev.Normalize()

		if err := ev.Validate(); err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:   i,
				Service: input.Service,
				Error:   err.Error(),
			})
			response.Rejected++
			metrics.EventsConsumedTotal.WithLabelValues("http", "rejected").Inc()
			continue
		}

		if err := h.dispatcher.TryDispatch(ev); err != nil {
			if errors.Is(err, dispatch.ErrOverloaded) {
				response.Errors = append(response.Errors, IngestError{
					Index:   i,
					Service: ev.Service,
					Error:   "partition queue full, try again later",
				})
				response.Rejected++
				metrics.EventsConsumedTotal.WithLabelValues("http", "rejected").Inc()
				continue
			}
		}

		response.Accepted++
		metrics.EventsConsumedTotal.WithLabelValues("http", "accepted").Inc()
	}

	if response.Rejected > 0 {
		response.Success = false
	}
	return response
}

// toEvent converts the input to a models.Event, resolving the latency alias
func (in EventInput) toEvent() *models.Event {
	metric := in.MetricValue
	if metric == nil {
		metric = in.LatencyMS
	}
	return &models.Event{
		ID:          in.ID,
		Service:     in.Service,
		Timestamp:   in.Timestamp,
		MetricValue: metric,
		Status:      models.EventStatus(in.Status),
		ErrorCode:   in.ErrorCode,
		Metadata:    in.Metadata,
	}
}

// overloadedOnly reports whether every rejection was a full-queue rejection
func overloadedOnly(errs []IngestError) bool {
	if len(errs) == 0 {
		return false
	}
	for _, e := range errs {
		if e.Error != "partition queue full, try again later" {
			return false
		}
	}
	return true
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
