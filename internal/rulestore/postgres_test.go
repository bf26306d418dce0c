package rulestore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"vigil/internal/models"
)

func ruleColumns() []string {
	return []string{"id", "service", "name", "type", "condition", "severity", "description", "created_at", "updated_at"}
}

func TestPostgresListEnabledRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "Checkout", "high latency", "THRESHOLD",
			[]byte(`{"metric":"latency_ms","operator":">","value":500,"consecutive_events":3}`),
			"HIGH", "p99 latency guard", int64(100), int64(150)).
		AddRow("r2", "checkout", "error spike", "RATE",
			[]byte(`{"metric":"error_rate","operator":">","value":0.5,"time_window_seconds":60}`),
			"CRITICAL", nil, int64(200), nil).
		AddRow("r3", "payments", "latency anomaly", "ANOMALY",
			[]byte(`{"metric":"latency_ms","threshold_std_dev":3,"lookback_minutes":30}`),
			"MEDIUM", "", int64(300), int64(300))

	mock.ExpectQuery("SELECT id, service, name, type, condition, severity, description, created_at, updated_at").
		WillReturnRows(rows)

	store := &Postgres{conn: db}
	rules, err := store.ListEnabledRules(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	// stored service casing is canonicalized to match normalized events
	if rules[0].Service != "checkout" {
		t.Errorf("expected lowercased service, got %q", rules[0].Service)
	}

	tc, ok := rules[0].Condition.(models.ThresholdCondition)
	if !ok {
		t.Fatalf("expected compiled ThresholdCondition, got %T", rules[0].Condition)
	}
	if tc.ConsecutiveEvents != 3 || tc.Value != 500 {
		t.Errorf("unexpected threshold condition %+v", tc)
	}

	rc, ok := rules[1].Condition.(models.RateCondition)
	if !ok {
		t.Fatalf("expected compiled RateCondition, got %T", rules[1].Condition)
	}
	if !rc.Ratio() || rc.TimeWindowSeconds != 60 {
		t.Errorf("unexpected rate condition %+v", rc)
	}
	if rules[1].Description != "" {
		t.Errorf("expected NULL description as empty string, got %q", rules[1].Description)
	}

	if _, ok := rules[2].Condition.(models.AnomalyCondition); !ok {
		t.Fatalf("expected compiled AnomalyCondition, got %T", rules[2].Condition)
	}
	if !rules[2].Enabled {
		t.Error("listed rules must be marked enabled")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresSkipsInvalidRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "checkout", "broken json", "THRESHOLD",
			[]byte(`{not json`), "HIGH", nil, int64(100), nil).
		AddRow("r2", "checkout", "bad operator", "THRESHOLD",
			[]byte(`{"metric":"latency_ms","operator":"~","value":500}`),
			"HIGH", nil, int64(200), nil).
		AddRow("r3", "checkout", "bad severity", "RATE",
			[]byte(`{"metric":"error_rate","operator":">","value":0.5,"time_window_seconds":60}`),
			"URGENT", nil, int64(300), nil).
		AddRow("r4", "checkout", "good rule", "THRESHOLD",
			[]byte(`{"metric":"latency_ms","operator":">","value":500}`),
			"LOW", nil, int64(400), nil)

	mock.ExpectQuery("SELECT id, service, name, type, condition").
		WillReturnRows(rows)

	store := &Postgres{conn: db}
	rules, err := store.ListEnabledRules(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	// one refresh must survive individually broken rows
	if len(rules) != 1 {
		t.Fatalf("expected only the valid rule, got %d", len(rules))
	}
	if rules[0].ID != "r4" {
		t.Errorf("expected r4, got %s", rules[0].ID)
	}
}

func TestPostgresQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, service").WillReturnError(context.DeadlineExceeded)

	store := &Postgres{conn: db}
	if _, err := store.ListEnabledRules(context.Background()); err == nil {
		t.Fatal("expected query error surfaced")
	}
}
