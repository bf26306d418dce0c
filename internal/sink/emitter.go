package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Emitter decouples the evaluation hot path from the sink. Emit enqueues
// onto a buffer and returns immediately; a background goroutine publishes
// with bounded retries. A full buffer drops the alert with a counted metric
// and an error log, so losses are visible and workers never block.
type Emitter struct {
	cfg       config.SinkConfig
	publisher Publisher

	queue  chan *models.Alert
	wg     sync.WaitGroup
	cancel context.CancelFunc

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewEmitter creates an emitter in front of publisher
func NewEmitter(cfg config.SinkConfig, publisher Publisher) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Emitter{
		cfg:       cfg,
		publisher: publisher,
		queue:     make(chan *models.Alert, cfg.BufferSize),
	}
}

// Start launches the publish loop
func (e *Emitter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go e.publishLoop(ctx)
}

// Emit enqueues an alert for delivery. Must not block the caller: if the
// buffer is full the alert is dropped and counted.
func (e *Emitter) Emit(alert *models.Alert) {
	select {
	case e.queue <- alert:
		e.emitted.Add(1)
		metrics.SinkQueueSize.Set(float64(len(e.queue)))
	default:
		e.dropped.Add(1)
		metrics.SinkDroppedTotal.Inc()
		lg := logger.WithComponent("alert_emitter")
		lg.Error().
			Str("alert_id", alert.ID).
			Str("service", alert.Service).
			Str("rule_id", alert.RuleID).
			Msg("emit buffer full, alert dropped")
	}
}

// publishLoop drains the queue, retrying each alert with backoff before
// giving up on it
func (e *Emitter) publishLoop(ctx context.Context) {
	defer e.wg.Done()

	for alert := range e.queue {
		e.deliver(ctx, alert)
		metrics.SinkQueueSize.Set(float64(len(e.queue)))
	}
}

// deliver publishes one alert with bounded retries
func (e *Emitter) deliver(ctx context.Context, alert *models.Alert) {
	log := logger.WithComponent("alert_emitter")
	backoff := e.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
			}
		}

		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.publisher.Publish(pubCtx, alert)
		cancel()

		if err == nil {
			return
		}
		lastErr = err
	}

	e.dropped.Add(1)
	metrics.SinkDroppedTotal.Inc()
	log.Error().
		Err(lastErr).
		Str("alert_id", alert.ID).
		Str("service", alert.Service).
		Int("attempts", e.cfg.MaxRetries+1).
		Msg("alert delivery failed after all retries")
}

// Close flushes the buffer with a deadline and stops the publish loop
func (e *Emitter) Close() {
	log := logger.WithComponent("alert_emitter")
	close(e.queue)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	flushTimeout := e.cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}

	select {
	case <-done:
		log.Info().Msg("alert emitter flushed")
	case <-time.After(flushTimeout):
		if e.cancel != nil {
			e.cancel()
		}
		log.Warn().Int("pending", len(e.queue)).Msg("alert emitter flush timeout")
	}
}

// Stats returns emitter counters
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Emitted: e.emitted.Load(),
		Dropped: e.dropped.Load(),
		Pending: len(e.queue),
	}
}

// EmitterStats holds emitter metrics
type EmitterStats struct {
	Emitted uint64
	Dropped uint64
	Pending int
}
