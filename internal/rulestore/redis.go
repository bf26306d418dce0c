package rulestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vigil/internal/logger"
	"vigil/internal/models"
)

const (
	// SnapshotKey is the Redis key holding the serialized enabled rule set
	SnapshotKey = "rules:snapshot"
)

// storedRule is the wire shape the rule service writes to the snapshot
type storedRule struct {
	ID          string              `json:"id"`
	Service     string              `json:"service"`
	Name        string              `json:"name"`
	Type        models.RuleType     `json:"type"`
	Condition   models.RawCondition `json:"condition"`
	Severity    models.Severity     `json:"severity"`
	Enabled     bool                `json:"enabled"`
	Description string              `json:"description,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at,omitempty"`
}

// Redis reads rule definitions from a JSON snapshot maintained by the rule
// service
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed rule store client
func NewRedis(addr string) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// ListEnabledRules loads and compiles the rule snapshot. A missing snapshot
// means no rules are defined yet.
func (r *Redis) ListEnabledRules(ctx context.Context) ([]models.Rule, error) {
	data, err := r.client.Get(ctx, SnapshotKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule snapshot from redis: %w", err)
	}

	var stored []storedRule
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule snapshot: %w", err)
	}

	log := logger.WithComponent("rulestore")

	rules := make([]models.Rule, 0, len(stored))
	for _, s := range stored {
		if !s.Enabled {
			continue
		}
		cond, err := models.CompileCondition(s.Type, s.Condition)
		if err != nil {
			log.Warn().Err(err).Str("rule_id", s.ID).Msg("skipping rule with invalid condition")
			continue
		}
		rule := models.Rule{
			ID:          s.ID,
			Service:     s.Service,
			Name:        s.Name,
			Type:        s.Type,
			Condition:   cond,
			Severity:    s.Severity,
			Enabled:     true,
			Description: s.Description,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		}
		rule.Normalize()
		if err := rule.Validate(); err != nil {
			log.Warn().Err(err).Str("rule_id", s.ID).Msg("skipping invalid rule")
			continue
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
