// Package dispatch routes events to a fixed pool of partition workers keyed
// by service name. Each partition processes its services' events strictly in
// arrival order, so all per-service state downstream is single-writer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Dispatch errors
var (
	// ErrOverloaded means the target partition's queue is full; the caller
	// must retry or drop the event explicitly
	ErrOverloaded = errors.New("partition queue full")
)

// task is one unit of partition work: an event to evaluate, or a closure
// routed to the partition that owns a service (acks, rule cleanup)
type task struct {
	event *models.Event
	fn    func()
}

// Config holds dispatcher configuration
type Config struct {
	Partitions   int
	QueueSize    int
	TickInterval time.Duration

	// Handle processes one event on its owning partition's goroutine
	Handle func(partition int, ev *models.Event)

	// Tick runs periodically on each partition's goroutine; used for
	// quiescence sweeps and window TTL eviction
	Tick func(partition int, now time.Time)
}

// Dispatcher owns the partition workers and their inbound queues
type Dispatcher struct {
	cfg    Config
	queues []chan task
	wg     sync.WaitGroup

	processed atomic.Uint64
}

// New creates a dispatcher with cfg.Partitions workers
func New(cfg Config) *Dispatcher {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	d := &Dispatcher{
		cfg:    cfg,
		queues: make([]chan task, cfg.Partitions),
	}
	for i := range d.queues {
		d.queues[i] = make(chan task, cfg.QueueSize)
	}
	return d
}

// Start launches the partition workers
func (d *Dispatcher) Start() {
	log := logger.WithComponent("dispatcher")
	log.Info().
		Int("partitions", d.cfg.Partitions).
		Int("queue_size", d.cfg.QueueSize).
		Msg("starting partition workers")

	metrics.PartitionQueueCapacity.Set(float64(d.cfg.QueueSize))

	for i := 0; i < d.cfg.Partitions; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop closes the queues and waits for workers to drain them. Dispatch must
// not be called after Stop.
func (d *Dispatcher) Stop() {
	log := logger.WithComponent("dispatcher")
	log.Info().Msg("stopping partition workers")
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
	log.Info().Msg("partition workers stopped")
}

// Partition returns the worker index that owns a service
func (d *Dispatcher) Partition(service string) int {
	h := fnv.New32a()
	h.Write([]byte(service))
	return int(h.Sum32() % uint32(d.cfg.Partitions))
}

// Dispatch routes an event to its owning partition, blocking while the
// partition's queue is full (backpressure to the caller)
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.Event) error {
	select {
	case d.queues[d.Partition(ev.Service)] <- task{event: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDispatch routes an event without blocking; returns ErrOverloaded when
// the partition's queue is full
func (d *Dispatcher) TryDispatch(ev *models.Event) error {
	select {
	case d.queues[d.Partition(ev.Service)] <- task{event: ev}:
		return nil
	default:
		metrics.EventsDroppedTotal.WithLabelValues("overloaded").Inc()
		return ErrOverloaded
	}
}

// Run executes fn on the partition goroutine that owns service, preserving
// the single-writer invariant for that service's state
func (d *Dispatcher) Run(service string, fn func()) {
	d.queues[d.Partition(service)] <- task{fn: fn}
}

// RunAll executes fn on every partition goroutine (rule deletion cleanup)
func (d *Dispatcher) RunAll(fn func(partition int)) {
	for i, q := range d.queues {
		partition := i
		q <- task{fn: func() { fn(partition) }}
	}
}

// worker drains one partition's queue
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	log := logger.WithComponent("partition_worker").With().Int("partition", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("partition worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("partition_worker").Inc()
		}
	}()

	log.Info().Msg("partition worker started")
	defer log.Info().Msg("partition worker stopped")

	tickInterval := d.cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	queue := d.queues[id]
	for {
		select {
		case t, ok := <-queue:
			if !ok {
				// drained; one final tick so pending resolutions flush
				if d.cfg.Tick != nil {
					d.cfg.Tick(id, time.Now())
				}
				return
			}
			if t.fn != nil {
				t.fn()
				continue
			}
			d.cfg.Handle(id, t.event)
			d.processed.Add(1)
			metrics.EventsProcessedTotal.Inc()

		case now := <-ticker.C:
			if d.cfg.Tick != nil {
				d.cfg.Tick(id, now)
			}
		}
	}
}

// Stats returns per-partition queue depths
func (d *Dispatcher) Stats() Stats {
	depths := make([]int, len(d.queues))
	for i, q := range d.queues {
		depths[i] = len(q)
		metrics.PartitionQueueSize.WithLabelValues(fmt.Sprintf("%d", i)).Set(float64(len(q)))
	}
	return Stats{
		Processed:   d.processed.Load(),
		QueueDepths: depths,
		Capacity:    d.cfg.QueueSize,
	}
}

// Saturated reports whether any partition queue is at or above the given
// fraction of its capacity
func (d *Dispatcher) Saturated(fraction float64) bool {
	limit := int(fraction * float64(d.cfg.QueueSize))
	for _, q := range d.queues {
		if len(q) >= limit {
			return true
		}
	}
	return false
}

// Stats holds dispatcher statistics
type Stats struct {
	Processed   uint64
	QueueDepths []int
	Capacity    int
}
