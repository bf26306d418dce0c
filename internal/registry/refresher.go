package registry

import (
	"context"
	"sync"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Store is the external rule store the refresher syncs against
type Store interface {
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)
}

// Refresher polls the rule store at a bounded interval and swaps the
// registry snapshot. A failed poll keeps the last good snapshot; staleness
// is surfaced through Registry.Stale and the readiness endpoint.
type Refresher struct {
	store    Store
	registry *Registry
	interval time.Duration
	wg       sync.WaitGroup

	// OnRemoved is invoked with the ids of rules that disappeared from the
	// store, so the engine can drop their window state and open alerts
	OnRemoved func(ruleIDs []string)
}

// NewRefresher creates a refresher polling store every interval
func NewRefresher(store Store, registry *Registry, interval time.Duration) *Refresher {
	return &Refresher{
		store:    store,
		registry: registry,
		interval: interval,
	}
}

// Start performs an initial refresh and begins polling in the background.
// An initial failure is not fatal: the engine starts with an empty snapshot
// and reports not-ready until a refresh succeeds.
func (f *Refresher) Start(ctx context.Context) {
	log := logger.WithComponent("rule_refresher")

	if err := f.refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial rule refresh failed, starting with empty rule set")
	}

	f.wg.Add(1)
	go f.pollLoop(ctx)
}

// Stop waits for the poll loop, including any refresh in flight, to finish.
// Callers stop the refresher before tearing down anything OnRemoved touches.
func (f *Refresher) Stop() {
	f.wg.Wait()
}

func (f *Refresher) pollLoop(ctx context.Context) {
	defer f.wg.Done()

	log := logger.WithComponent("rule_refresher")
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("rule refresher stopped")
			return
		case <-ticker.C:
			if err := f.refresh(ctx); err != nil {
				log.Error().Err(err).Msg("rule refresh failed, keeping last snapshot")
			}
			if last := f.registry.LastRefresh(); !last.IsZero() {
				metrics.RegistryRefreshAge.Set(time.Since(last).Seconds())
			}
		}
	}
}

// refresh syncs the registry once against the store
func (f *Refresher) refresh(ctx context.Context) error {
	log := logger.WithComponent("rule_refresher")

	rules, err := f.store.ListEnabledRules(ctx)
	if err != nil {
		metrics.RegistryRefreshTotal.WithLabelValues("failed").Inc()
		return err
	}

	removed := f.registry.Swap(rules)
	f.registry.MarkRefreshed(time.Now())
	metrics.RegistryRefreshTotal.WithLabelValues("success").Inc()
	metrics.RegistryRefreshAge.Set(0)

	if len(removed) > 0 {
		log.Info().Strs("rule_ids", removed).Msg("rules removed from store")
		if f.OnRemoved != nil {
			f.OnRemoved(removed)
		}
	}

	log.Debug().Int("rules", f.registry.Count()).Msg("rule registry refreshed")
	return nil
}
