// Package rulestore provides clients for the external rule-definition store.
// The store is the sole source of truth for rule definitions; the engine
// only reads enabled rules from it.
package rulestore

import (
	"context"
	"fmt"

	"vigil/internal/config"
	"vigil/internal/models"
)

// Store lists the currently enabled rules
type Store interface {
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)
	Close() error
}

// Open creates the rule store backend selected by config
func Open(cfg config.RulesConfig) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgres(cfg.PostgresDSN)
	case "redis":
		return NewRedis(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unknown rule store backend %q", cfg.Backend)
	}
}
