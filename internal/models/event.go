package models

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

// EventStatus represents the health status reported by an event
type EventStatus string

const (
	StatusOK      EventStatus = "OK"
	StatusError   EventStatus = "ERROR"
	StatusWarning EventStatus = "WARNING"
)

// Event represents a single telemetry event emitted by a monitored service
type Event struct {
	// Unique identifier assigned by the producer
	ID string `json:"id,omitempty"`

	// Name of the service this event belongs to; partition key
	Service string `json:"service"`

	// Event time in unix seconds
	Timestamp int64 `json:"timestamp"`

	// Optional metric sample (latency in ms in the original producers)
	MetricValue *float64 `json:"metric_value,omitempty"`

	// Health status of the event
	Status EventStatus `json:"status"`

	// Optional error code attached by the producer
	ErrorCode string `json:"error_code,omitempty"`

	// Optional structured metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts latency_ms as an alias for metric_value. The
// upstream producers publish latency under its own name; metric_value wins
// when both are present.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	aux := struct {
		*plain
		LatencyMS *float64 `json:"latency_ms"`
	}{plain: (*plain)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.MetricValue == nil {
		e.MetricValue = aux.LatencyMS
	}
	return nil
}

// Validation errors
var (
	ErrEmptyService     = errors.New("event service cannot be empty")
	ErrZeroTimestamp    = errors.New("event timestamp cannot be zero")
	ErrFutureTimestamp  = errors.New("event timestamp too far in the future")
	ErrInvalidStatus    = errors.New("invalid event status")
	ErrInvalidMetric    = errors.New("metric value is not a finite number")
	ErrTooManyMetadata  = errors.New("too many metadata keys")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

const (
	MaxMetadataKeys = 50
	// FutureSkew is how far ahead of wall-clock an event time may be
	FutureSkew = time.Minute
)

// Validate checks that the event has all required fields and sane values
func (e *Event) Validate() error {
	if e.Service == "" {
		return ErrEmptyService
	}

	if e.Timestamp <= 0 {
		return ErrZeroTimestamp
	}

	if e.Timestamp > time.Now().Add(FutureSkew).Unix() {
		return ErrFutureTimestamp
	}

	if !e.Status.IsValid() {
		return ErrInvalidStatus
	}

	if e.MetricValue != nil {
		if math.IsNaN(*e.MetricValue) || math.IsInf(*e.MetricValue, 0) {
			return ErrInvalidMetric
		}
	}

	if len(e.Metadata) > MaxMetadataKeys {
		return ErrTooManyMetadata
	}

	return nil
}

// Normalize applies field normalization to an Event
// - lower-cases and trims Service
// - upper-cases Status, defaulting to OK when absent
// - trims ErrorCode and metadata keys
func (e *Event) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	e.Service = strings.ToLower(strings.TrimSpace(e.Service))
	e.ErrorCode = strings.TrimSpace(e.ErrorCode)

	status := strings.ToUpper(strings.TrimSpace(string(e.Status)))
	if status == "" {
		status = string(StatusOK)
	}
	e.Status = EventStatus(status)

	if e.Metadata != nil {
		normalized := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		e.Metadata = normalized
	}
}

// IsValid checks if the status is one of the known values
func (s EventStatus) IsValid() bool {
	switch s {
	case StatusOK, StatusError, StatusWarning:
		return true
	default:
		return false
	}
}

// EventTime returns the event timestamp as time.Time
func (e *Event) EventTime() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}
