package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vigil/internal/dispatch"
	"vigil/internal/models"
)

// testDispatcher returns a dispatcher whose workers are not started, so
// queued events just accumulate up to queueSize
func testDispatcher(queueSize int) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Partitions: 1,
		QueueSize:  queueSize,
		Handle:     func(int, *models.Event) {},
	})
}

func ingestRequest(t *testing.T, handler *IngestHandler, body string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp IngestResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rec, resp
}

func eventJSON(service string) string {
	return `{"service":"` + service + `","timestamp":` +
		jsonInt(time.Now().Unix()) + `,"metric_value":123.4,"status":"OK"}`
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestIngestSingleEvent(t *testing.T) {
	h := NewIngestHandler(IngestConfig{Dispatcher: testDispatcher(16)})

	rec, resp := ingestRequest(t, h, eventJSON("checkout"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("expected 1 accepted / 0 rejected, got %d / %d", resp.Accepted, resp.Rejected)
	}
}

func TestIngestWrappedAndBatchFormats(t *testing.T) {
	h := NewIngestHandler(IngestConfig{Dispatcher: testDispatcher(16)})

	// {"event": {...}}
	rec, resp := ingestRequest(t, h, `{"event":`+eventJSON("checkout")+`}`)
	if rec.Code != http.StatusOK || resp.Accepted != 1 {
		t.Fatalf("wrapped event: expected 200/1 accepted, got %d/%d", rec.Code, resp.Accepted)
	}

	// {"events": [...]}
	rec, resp = ingestRequest(t, h, `{"events":[`+eventJSON("checkout")+`,`+eventJSON("payments")+`]}`)
	if rec.Code != http.StatusOK || resp.Accepted != 2 {
		t.Fatalf("batch: expected 200/2 accepted, got %d/%d", rec.Code, resp.Accepted)
	}

	// bare array
	rec, resp = ingestRequest(t, h, `[`+eventJSON("checkout")+`]`)
	if rec.Code != http.StatusOK || resp.Accepted != 1 {
		t.Fatalf("bare array: expected 200/1 accepted, got %d/%d", rec.Code, resp.Accepted)
	}
}

func TestIngestLatencyAlias(t *testing.T) {
	d := testDispatcher(16)
	h := NewIngestHandler(IngestConfig{Dispatcher: d})

	body := `{"service":"checkout","timestamp":` + jsonInt(time.Now().Unix()) + `,"latency_ms":250.5}`
	rec, resp := ingestRequest(t, h, body)
	if rec.Code != http.StatusOK || resp.Accepted != 1 {
		t.Fatalf("expected latency_ms accepted as metric alias, got %d/%d", rec.Code, resp.Accepted)
	}
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	h := NewIngestHandler(IngestConfig{Dispatcher: testDispatcher(16)})

	// zero timestamp fails validation
	rec, resp := ingestRequest(t, h, `{"service":"checkout","timestamp":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp.Rejected != 1 || len(resp.Errors) != 1 {
		t.Errorf("expected 1 rejection with error detail, got %+v", resp)
	}

	// mixed batch keeps the valid event and reports the invalid one
	rec, resp = ingestRequest(t, h, `{"events":[`+eventJSON("checkout")+`,{"service":"","timestamp":123}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for partial success, got %d", rec.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("expected 1 accepted / 1 rejected, got %d / %d", resp.Accepted, resp.Rejected)
	}
	if resp.Success {
		t.Error("expected success=false with any rejection")
	}
}

func TestIngestMalformedJSON(t *testing.T) {
	h := NewIngestHandler(IngestConfig{Dispatcher: testDispatcher(16)})

	rec, _ := ingestRequest(t, h, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec, _ = ingestRequest(t, h, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty payload, got %d", rec.Code)
	}
}

func TestIngestOverloadedQueue(t *testing.T) {
	// queue of 1 with no workers: the second event cannot be placed
	h := NewIngestHandler(IngestConfig{Dispatcher: testDispatcher(1)})

	rec, resp := ingestRequest(t, h, eventJSON("checkout"))
	if rec.Code != http.StatusOK || resp.Accepted != 1 {
		t.Fatalf("fill request: expected 200/1 accepted, got %d/%d", rec.Code, resp.Accepted)
	}

	rec, resp = ingestRequest(t, h, eventJSON("checkout"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when every event hit a full queue, got %d", rec.Code)
	}
	if resp.Accepted != 0 || resp.Rejected != 1 {
		t.Errorf("expected 0 accepted / 1 rejected, got %d / %d", resp.Accepted, resp.Rejected)
	}
}

func TestIngestMethodAndContentType(t *testing.T) {
	h := NewIngestHandler(IngestConfig{Dispatcher: testDispatcher(16)})

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(eventJSON("checkout")))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

// mockAcknowledger implements Acknowledger for handler tests
type mockAcknowledger struct {
	known bool
	last  AckRequest
}

func (m *mockAcknowledger) Acknowledge(service, ruleID, by string) bool {
	m.last = AckRequest{Service: service, RuleID: ruleID, AcknowledgedBy: by}
	return m.known
}

func TestAckHandler(t *testing.T) {
	ack := &mockAcknowledger{known: true}
	h := NewAckHandler(ack)

	body := `{"service":"Checkout","rule_id":"r1","acknowledged_by":"oncall@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/alerts/ack", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ack.last.Service != "checkout" {
		t.Errorf("expected lowercased service, got %q", ack.last.Service)
	}
	if ack.last.RuleID != "r1" || ack.last.AcknowledgedBy != "oncall@example.com" {
		t.Errorf("unexpected ack request %+v", ack.last)
	}
}

func TestAckHandlerNotFound(t *testing.T) {
	h := NewAckHandler(&mockAcknowledger{known: false})

	body := `{"service":"checkout","rule_id":"r9","acknowledged_by":"oncall@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/alerts/ack", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAckHandlerValidation(t *testing.T) {
	h := NewAckHandler(&mockAcknowledger{known: true})

	for _, body := range []string{
		`{not json`,
		`{"service":"","rule_id":"r1","acknowledged_by":"x"}`,
		`{"service":"checkout","rule_id":"","acknowledged_by":"x"}`,
		`{"service":"checkout","rule_id":"r1","acknowledged_by":""}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/alerts/ack", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}
