// Package engine wires the rule registry, partitioned dispatcher, window
// stores, evaluators, alert managers, and the external collaborators into
// the running evaluation engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/alertmgr"
	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/evaluate"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/middleware"
	"vigil/internal/models"
	"vigil/internal/registry"
	"vigil/internal/rulestore"
	"vigil/internal/sink"
	"vigil/internal/window"
)

// Engine is the high-level coordinator for consuming, evaluating, and
// alerting
type Engine struct {
	cfg *config.Config

	store      rulestore.Store
	registry   *registry.Registry
	refresher  *registry.Refresher
	publisher  *sink.Kafka
	emitter    *sink.Emitter
	dispatcher *dispatch.Dispatcher
	consumer   *kafka.Consumer
	httpServer *http.Server

	// one window store and alert manager per partition; index == partition,
	// touched only by that partition's worker goroutine
	windows  []*window.Store
	managers []*alertmgr.Manager

	wg sync.WaitGroup
}

// New constructs an Engine with the given config
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry.New(),
	}
}

// Run starts all components and blocks until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	log := logger.WithComponent("engine")
	log.Info().Msg("engine starting")

	store, err := rulestore.Open(e.cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}
	e.store = store

	publisher, err := sink.NewKafka(e.cfg.Kafka.Brokers, e.cfg.Kafka.AlertsTopic, e.cfg.Kafka.Producer)
	if err != nil {
		e.store.Close()
		return fmt.Errorf("failed to initialize alert sink: %w", err)
	}
	e.publisher = publisher

	e.emitter = sink.NewEmitter(e.cfg.Sink, e.publisher)
	e.emitter.Start()

	partitions := e.cfg.Engine.Partitions
	e.windows = make([]*window.Store, partitions)
	e.managers = make([]*alertmgr.Manager, partitions)
	for i := 0; i < partitions; i++ {
		e.windows[i] = window.NewStore(e.cfg.Window.IdleTTL)
		e.managers[i] = alertmgr.New(alertmgr.Config{
			ResolveAfter: e.cfg.Alerts.ResolveAfter,
			ReopenWindow: e.cfg.Alerts.ReopenWindow,
			EmitResolved: e.cfg.Alerts.EmitResolved,
		}, e.emitter)
	}

	e.dispatcher = dispatch.New(dispatch.Config{
		Partitions:   partitions,
		QueueSize:    e.cfg.Engine.QueueSize,
		TickInterval: e.cfg.Engine.TickInterval,
		Handle:       e.handleEvent,
		Tick:         e.tick,
	})
	e.dispatcher.Start()

	e.refresher = registry.NewRefresher(e.store, e.registry, e.cfg.Rules.RefreshInterval)
	e.refresher.OnRemoved = e.dropRules
	e.refresher.Start(ctx)

	e.consumer = kafka.NewConsumer(e.cfg.Kafka, e.dispatcher)
	e.consumer.Start(ctx)

	e.initHTTPServer()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		log.Info().Str("addr", e.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return e.shutdown()
}

// handleEvent evaluates one event against every enabled rule for its
// service, in creation order, on the owning partition's goroutine
func (e *Engine) handleEvent(partition int, ev *models.Event) {
	rules := e.registry.RulesFor(ev.Service)
	if len(rules) == 0 {
		return
	}

	log := logger.WithComponent("engine")
	start := time.Now()
	now := start

	for _, rule := range rules {
		key := window.Key{Service: ev.Service, RuleID: rule.ID}

		var verdict evaluate.Verdict
		switch cond := rule.Condition.(type) {
		case models.ThresholdCondition:
			if !evaluate.HasSample(ev, cond.Metric) {
				verdict = evaluate.Verdict{Skipped: true}
				break
			}
			verdict = evaluate.Threshold(ev, cond, e.windows[partition].Threshold(key, now))
		case models.RateCondition:
			verdict = evaluate.Rate(ev, cond, e.windows[partition].Rate(key, now), e.cfg.Engine.RateMinSamples)
		case models.AnomalyCondition:
			if !evaluate.HasSample(ev, cond.Metric) {
				verdict = evaluate.Verdict{Skipped: true}
				break
			}
			verdict = evaluate.Anomaly(ev, cond, e.windows[partition].Anomaly(key, now), e.cfg.Engine.AnomalyMinSamples)
		default:
			continue
		}

		ruleType := string(rule.Type)
		switch {
		case verdict.Skipped:
			metrics.VerdictsTotal.WithLabelValues(ruleType, "skipped").Inc()
			metrics.DataQualitySkipsTotal.WithLabelValues(ruleType).Inc()
			log.Warn().
				Str("service", ev.Service).
				Str("rule_id", rule.ID).
				Str("metric", metricName(rule.Condition)).
				Msg("event missing metric required by rule, skipping")
			continue
		case verdict.Fires:
			metrics.VerdictsTotal.WithLabelValues(ruleType, "fired").Inc()
		default:
			metrics.VerdictsTotal.WithLabelValues(ruleType, "passed").Inc()
		}

		e.managers[partition].HandleVerdict(now, ev, rule, verdict)
	}

	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
}

// tick runs on each partition's goroutine: resolve quiet alerts and evict
// idle window state
func (e *Engine) tick(partition int, now time.Time) {
	e.managers[partition].Sweep(now)
	e.windows[partition].Sweep(now)
}

// dropRules discards window state and open alerts for deleted rules, on
// every partition's own goroutine
func (e *Engine) dropRules(ruleIDs []string) {
	e.dispatcher.RunAll(func(partition int) {
		for _, id := range ruleIDs {
			e.windows[partition].DropRule(id)
			e.managers[partition].DropRule(id)
		}
	})
}

// Acknowledge routes an acknowledgement to the partition owning the service
// and waits for the result
func (e *Engine) Acknowledge(service, ruleID, by string) bool {
	result := make(chan bool, 1)
	partition := e.dispatcher.Partition(service)
	e.dispatcher.Run(service, func() {
		result <- e.managers[partition].Acknowledge(service, ruleID, by, time.Now())
	})
	return <-result
}

// metricName extracts the metric a condition reads, for logging
func metricName(cond models.Condition) string {
	switch c := cond.(type) {
	case models.ThresholdCondition:
		return c.Metric
	case models.RateCondition:
		return c.Metric
	case models.AnomalyCondition:
		return c.Metric
	default:
		return ""
	}
}

// initHTTPServer wires the operational HTTP surface
func (e *Engine) initHTTPServer() {
	mux := http.NewServeMux()

	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		Dispatcher:  e.dispatcher,
		MaxBodySize: e.cfg.HTTP.MaxBodySize,
	})
	mux.Handle("/ingest", middleware.Chain(
		ingestHandler,
		middleware.Recovery,
		middleware.Logging,
		middleware.Auth(e.cfg.HTTP.AuthToken),
	))

	mux.Handle("/alerts/ack", middleware.Chain(
		handlers.NewAckHandler(e),
		middleware.Recovery,
		middleware.Logging,
		middleware.Auth(e.cfg.HTTP.AuthToken),
	))

	mux.HandleFunc("/health", e.healthHandler)
	mux.HandleFunc("/ready", e.readyHandler)
	mux.HandleFunc("/stats", e.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	e.httpServer = &http.Server{
		Addr:         e.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown: stop intake first, drain partitions,
// flush pending alert emissions, then close the collaborators
func (e *Engine) shutdown() error {
	log := logger.WithComponent("engine")
	log.Info().Msg("initiating graceful shutdown")

	log.Info().Msg("stopping event consumer")
	if err := e.consumer.Stop(); err != nil {
		log.Error().Err(err).Msg("consumer close error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("stopping HTTP server")
	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// an in-flight refresh may still fan rule-deletion cleanup out to the
	// partitions; join it before closing their queues
	e.refresher.Stop()

	done := make(chan struct{})
	go func() {
		e.dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("partitions drained")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("partition drain timeout - forcing exit")
	}

	log.Info().Msg("flushing alert emitter")
	e.emitter.Close()

	log.Info().Msg("closing alert sink")
	if err := e.publisher.Close(); err != nil {
		log.Error().Err(err).Msg("sink close error")
	}

	if err := e.store.Close(); err != nil {
		log.Error().Err(err).Msg("rule store close error")
	}

	e.wg.Wait()
	log.Info().Msg("engine stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (e *Engine) reportStats(ctx context.Context) {
	log := logger.WithComponent("engine")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatcherStats := e.dispatcher.Stats()
			consumerStats := e.consumer.Stats()
			emitterStats := e.emitter.Stats()
			sinkStats := e.publisher.Stats()

			log.Info().
				Uint64("events_processed", dispatcherStats.Processed).
				Uint64("events_consumed", consumerStats.Consumed).
				Uint64("events_malformed", consumerStats.Malformed).
				Uint64("alerts_emitted", emitterStats.Emitted).
				Uint64("alerts_dropped", emitterStats.Dropped).
				Uint64("sink_published", sinkStats.Published).
				Uint64("sink_failed", sinkStats.Failed).
				Int("rules_loaded", e.registry.Count()).
				Ints("queue_depths", dispatcherStats.QueueDepths).
				Msg("stats")
		}
	}
}

// healthHandler reports process liveness and sink connectivity
func (e *Engine) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := e.publisher.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// readyHandler reports whether the rule registry is fresh and the
// dispatcher queues are within capacity
func (e *Engine) readyHandler(w http.ResponseWriter, r *http.Request) {
	if e.registry.Stale(e.cfg.Rules.StaleAfter) {
		http.Error(w, "not ready: rule registry stale", http.StatusServiceUnavailable)
		return
	}
	if e.dispatcher.Saturated(0.9) {
		http.Error(w, "not ready: partition queues saturated", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

// statsHandler returns current statistics
func (e *Engine) statsHandler(w http.ResponseWriter, r *http.Request) {
	dispatcherStats := e.dispatcher.Stats()
	consumerStats := e.consumer.Stats()
	emitterStats := e.emitter.Stats()
	sinkStats := e.publisher.Stats()

	openAlerts := 0
	windowStates := 0
	for i := range e.managers {
		openAlerts += e.managers[i].OpenCount()
		windowStates += e.windows[i].Len()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"events": {
			"consumed": %d,
			"malformed": %d,
			"processed": %d
		},
		"rules_loaded": %d,
		"alerts": {
			"open": %d,
			"emitted": %d,
			"dropped": %d
		},
		"sink": {
			"published": %d,
			"failed": %d
		},
		"window_states": %d,
		"queue_capacity": %d
	}`,
		consumerStats.Consumed,
		consumerStats.Malformed,
		dispatcherStats.Processed,
		e.registry.Count(),
		openAlerts,
		emitterStats.Emitted,
		emitterStats.Dropped,
		sinkStats.Published,
		sinkStats.Failed,
		windowStates,
		dispatcherStats.Capacity,
	)
}
