package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/models"
)

// mockPublisher records published alerts and can fail the first N attempts
type mockPublisher struct {
	mu        sync.Mutex
	published []*models.Alert
	attempts  atomic.Int64
	failFirst int64
}

func (p *mockPublisher) Publish(ctx context.Context, alert *models.Alert) error {
	if p.attempts.Add(1) <= p.failFirst {
		return errors.New("broker unavailable")
	}
	p.mu.Lock()
	p.published = append(p.published, alert)
	p.mu.Unlock()
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func testAlert(id string) *models.Alert {
	return &models.Alert{
		ID:       id,
		Service:  "checkout",
		RuleID:   "r1",
		Severity: models.SeverityHigh,
		State:    models.AlertOpen,
	}
}

func emitterConfig() config.SinkConfig {
	return config.SinkConfig{
		BufferSize:   16,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
		FlushTimeout: time.Second,
	}
}

func TestEmitterDeliversAlerts(t *testing.T) {
	publisher := &mockPublisher{}
	e := NewEmitter(emitterConfig(), publisher)
	e.Start()

	for i := 0; i < 5; i++ {
		e.Emit(testAlert(string(rune('a' + i))))
	}
	e.Close()

	if got := publisher.count(); got != 5 {
		t.Fatalf("expected 5 published alerts, got %d", got)
	}
	stats := e.Stats()
	if stats.Emitted != 5 || stats.Dropped != 0 {
		t.Errorf("expected 5 emitted / 0 dropped, got %d / %d", stats.Emitted, stats.Dropped)
	}
}

func TestEmitterRetriesTransientFailure(t *testing.T) {
	publisher := &mockPublisher{failFirst: 2}
	e := NewEmitter(emitterConfig(), publisher)
	e.Start()

	e.Emit(testAlert("a"))
	e.Close()

	if got := publisher.count(); got != 1 {
		t.Fatalf("expected delivery after retries, got %d published", got)
	}
	if got := publisher.attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if e.Stats().Dropped != 0 {
		t.Error("retried delivery must not count as dropped")
	}
}

func TestEmitterDropsAfterExhaustedRetries(t *testing.T) {
	publisher := &mockPublisher{failFirst: 1000}
	e := NewEmitter(emitterConfig(), publisher)
	e.Start()

	e.Emit(testAlert("a"))
	e.Close()

	if got := publisher.count(); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
	// MaxRetries 3 means 4 attempts total
	if got := publisher.attempts.Load(); got != 4 {
		t.Errorf("expected 4 attempts, got %d", got)
	}
	if e.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped alert, got %d", e.Stats().Dropped)
	}
}

func TestEmitterDropsWhenBufferFull(t *testing.T) {
	// publish loop never started, so the buffer only fills
	cfg := emitterConfig()
	cfg.BufferSize = 2
	e := NewEmitter(cfg, &mockPublisher{})

	e.Emit(testAlert("a"))
	e.Emit(testAlert("b"))
	e.Emit(testAlert("c"))

	stats := e.Stats()
	if stats.Emitted != 2 {
		t.Errorf("expected 2 buffered alerts, got %d", stats.Emitted)
	}
	if stats.Dropped != 1 {
		t.Errorf("expected 1 dropped on full buffer, got %d", stats.Dropped)
	}
	if stats.Pending != 2 {
		t.Errorf("expected 2 pending, got %d", stats.Pending)
	}
}

func TestEmitterCloseFlushesBacklog(t *testing.T) {
	publisher := &mockPublisher{}
	e := NewEmitter(emitterConfig(), publisher)
	e.Start()

	for i := 0; i < 10; i++ {
		e.Emit(testAlert(string(rune('a' + i))))
	}
	e.Close()

	if got := publisher.count(); got != 10 {
		t.Fatalf("expected backlog flushed on close, got %d of 10", got)
	}
}
