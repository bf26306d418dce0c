package rulestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"vigil/internal/logger"
	"vigil/internal/models"
)

// Postgres reads rule definitions from the platform's rules table
type Postgres struct {
	conn *sql.DB
}

// NewPostgres opens a connection pool against the rule database and
// verifies connectivity
func NewPostgres(dsn string) (*Postgres, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping rule database: %w", err)
	}

	lg := logger.WithComponent("rulestore")
	lg.Info().Msg("connected to postgres rule store")
	return &Postgres{conn: conn}, nil
}

// ListEnabledRules returns all enabled rules in creation order. Rows whose
// condition does not compile are skipped and logged rather than failing the
// whole refresh.
func (p *Postgres) ListEnabledRules(ctx context.Context) ([]models.Rule, error) {
	query := `
		SELECT id, service, name, type, condition, severity, description, created_at, updated_at
		FROM rules
		WHERE enabled = TRUE
		ORDER BY created_at, id
	`
	rows, err := p.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	log := logger.WithComponent("rulestore")

	var rules []models.Rule
	for rows.Next() {
		var (
			rule          models.Rule
			ruleType      string
			conditionJSON []byte
			severity      string
			description   sql.NullString
			updatedAt     sql.NullInt64
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.Service,
			&rule.Name,
			&ruleType,
			&conditionJSON,
			&severity,
			&description,
			&rule.CreatedAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}

		rule.Type = models.RuleType(ruleType)
		rule.Severity = models.Severity(severity)
		rule.Enabled = true
		rule.Description = description.String
		if updatedAt.Valid {
			rule.UpdatedAt = updatedAt.Int64
		}

		var raw models.RawCondition
		if err := json.Unmarshal(conditionJSON, &raw); err != nil {
			log.Warn().Err(err).Str("rule_id", rule.ID).Msg("skipping rule with malformed condition json")
			continue
		}
		cond, err := models.CompileCondition(rule.Type, raw)
		if err != nil {
			log.Warn().Err(err).Str("rule_id", rule.ID).Msg("skipping rule with invalid condition")
			continue
		}
		rule.Condition = cond

		rule.Normalize()
		if err := rule.Validate(); err != nil {
			log.Warn().Err(err).Str("rule_id", rule.ID).Msg("skipping invalid rule")
			continue
		}

		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}

	return rules, nil
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
