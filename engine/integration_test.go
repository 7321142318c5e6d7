//go:build integration
// +build integration

package engine_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forumkit/automation/actions"
	"github.com/forumkit/automation/engine"

	_ "github.com/lib/pq"
)

// setupTestDB starts a PostgreSQL container and applies the schema.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automation_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=automation_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		container.Terminate(ctx)
	}
	return db, cleanup
}

func createUser(t *testing.T, db *sql.DB, id int64) {
	if _, err := db.Exec(`INSERT INTO users (id) VALUES ($1)`, id); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
}

func int64p(v int64) *int64 { return &v }

func testSlogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestPostgresRuleStore_CRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := engine.NewPostgresRuleStore(db)
	ctx := context.Background()

	cooldown := int64(3600)
	rule := &engine.Rule{
		ID:          1001,
		Name:        "streak bonus",
		Description: "credits for a week-long streak",
		TriggerType: engine.TriggerCheckin,
		Conditions:  engine.Conditions{Checkin: &engine.CheckinCondition{MinStreak: int64p(7)}},
		Actions: []engine.Action{{
			Type:   actions.CreditChange,
			Params: map[string]any{"delta": float64(10), "reason": "streak"},
		}},
		Priority:        5,
		Enabled:         true,
		Repeatable:      true,
		CooldownSeconds: &cooldown,
	}
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, 1001)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "streak bonus" || got.Priority != 5 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Conditions.Checkin == nil || *got.Conditions.Checkin.MinStreak != 7 {
		t.Errorf("conditions did not round-trip: %+v", got.Conditions)
	}
	if got.CooldownSeconds == nil || *got.CooldownSeconds != 3600 {
		t.Errorf("cooldown did not round-trip: %v", got.CooldownSeconds)
	}
	if len(got.Actions) != 1 || got.Actions[0].Type != actions.CreditChange {
		t.Errorf("actions did not round-trip: %+v", got.Actions)
	}

	got.Name = "updated"
	got.Priority = 9
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	updated, err := store.Get(ctx, 1001)
	if err != nil {
		t.Fatalf("Get() after update failed: %v", err)
	}
	if updated.Name != "updated" || updated.Priority != 9 {
		t.Errorf("update not persisted: %+v", updated)
	}

	if err := store.SoftDelete(ctx, 1001); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}
	deleted, err := store.Get(ctx, 1001)
	if err != nil {
		t.Fatalf("Get() after delete failed: %v", err)
	}
	if !deleted.Deleted {
		t.Error("rule should be marked deleted")
	}

	// Deleted rules reject further edits.
	if err := store.Update(ctx, deleted); err == nil {
		t.Error("Update() on deleted rule should fail")
	}
	if err := store.SoftDelete(ctx, 404); err == nil {
		t.Error("SoftDelete() on missing rule should fail")
	}
}

func TestPostgresRuleStore_ListForTrigger(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := engine.NewPostgresRuleStore(db)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(id int64, priority int, mutate func(*engine.Rule)) {
		r := &engine.Rule{
			ID:          id,
			Name:        fmt.Sprintf("rule-%d", id),
			TriggerType: engine.TriggerCheckin,
			Actions:     []engine.Action{{Type: actions.CreditChange, Params: map[string]any{"delta": float64(1)}}},
			Priority:    priority,
			Enabled:     true,
			Repeatable:  true,
		}
		if mutate != nil {
			mutate(r)
		}
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create(%d) failed: %v", id, err)
		}
	}

	mk(1, 5, nil)
	mk(2, 10, nil)
	mk(3, 10, nil)
	mk(4, 0, func(r *engine.Rule) { r.Enabled = false })
	mk(5, 0, func(r *engine.Rule) { r.StartTime = &future })
	mk(6, 0, func(r *engine.Rule) { r.EndTime = &past })
	mk(7, 0, func(r *engine.Rule) { r.TriggerType = engine.TriggerDonation })

	got, err := store.ListForTrigger(ctx, engine.TriggerCheckin, now)
	if err != nil {
		t.Fatalf("ListForTrigger() failed: %v", err)
	}
	wantIDs := []int64{2, 3, 1}
	if len(got) != len(wantIDs) {
		t.Fatalf("ListForTrigger() returned %d rules, want %d", len(got), len(wantIDs))
	}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Errorf("rule[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
}

func TestPostgresExecutionLogStore_GateQueries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := engine.NewPostgresExecutionLogStore(db)
	ctx := context.Background()

	t1 := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Microsecond)
	t2 := t1.Add(time.Hour)
	entries := []*engine.ExecutionLog{
		{ID: uuid.NewString(), RuleID: 1, TriggeredBy: int64p(100), Status: engine.StatusSuccess,
			TriggerContext: map[string]any{"userId": float64(100)}, ExecutedAt: t1},
		{ID: uuid.NewString(), RuleID: 1, Status: engine.StatusSkipped, ExecutedAt: t1.Add(time.Minute)},
		{ID: uuid.NewString(), RuleID: 1, Status: engine.StatusSuccess, ExecutedAt: t2},
		{ID: uuid.NewString(), RuleID: 1, Status: engine.StatusFailed, ErrorMessage: "boom", ExecutedAt: t2.Add(time.Minute)},
		{ID: uuid.NewString(), RuleID: 2, Status: engine.StatusSuccess, ExecutedAt: t2},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	if ok, err := store.HasSuccess(ctx, 1); err != nil || !ok {
		t.Errorf("HasSuccess(1) = %v, %v, want true", ok, err)
	}
	if ok, _ := store.HasSuccess(ctx, 3); ok {
		t.Error("HasSuccess(3) = true, want false")
	}
	if n, _ := store.CountSuccess(ctx, 1); n != 2 {
		t.Errorf("CountSuccess(1) = %d, want 2", n)
	}

	last, found, err := store.LastSuccessAt(ctx, 1)
	if err != nil || !found {
		t.Fatalf("LastSuccessAt(1) = %v, %v, %v", last, found, err)
	}
	if !last.Equal(t2) {
		t.Errorf("LastSuccessAt(1) = %v, want %v", last, t2)
	}

	logs, err := store.ListByRule(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListByRule() failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("ListByRule() returned %d rows, want 2", len(logs))
	}
	if logs[0].Status != engine.StatusFailed || logs[0].ErrorMessage != "boom" {
		t.Errorf("newest log = %+v, want the FAILED row first", logs[0])
	}
}

func TestEngineEndToEndAgainstPostgres(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	createUser(t, db, 100)

	rules := engine.NewPostgresRuleStore(db)
	logs := engine.NewPostgresExecutionLogStore(db)
	subjects := actions.NewPostgresSubjectStore(db)

	eng, err := engine.New(rules, logs, actions.NewRegistry(subjects), testSlogger())
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}

	if err := rules.Create(ctx, &engine.Rule{
		ID:          1,
		Name:        "checkin credit",
		TriggerType: engine.TriggerCheckin,
		Actions: []engine.Action{
			{Type: actions.CreditChange, Params: map[string]any{"delta": float64(10), "reason": "daily-checkin"}},
			{Type: actions.BadgeGrant, Params: map[string]any{"badgeId": float64(7)}},
		},
		Enabled:    true,
		Repeatable: false,
	}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	payload := map[string]any{"userId": int64(100), "streak": int64(3)}
	if err := eng.ExecuteTrigger(ctx, engine.TriggerCheckin, payload); err != nil {
		t.Fatalf("ExecuteTrigger() failed: %v", err)
	}
	// Redelivery of the same event must be absorbed by the gate.
	if err := eng.ExecuteTrigger(ctx, engine.TriggerCheckin, payload); err != nil {
		t.Fatalf("second ExecuteTrigger() failed: %v", err)
	}

	var balance int64
	if err := db.QueryRow(`SELECT credits FROM users WHERE id = 100`).Scan(&balance); err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if balance != 10 {
		t.Errorf("balance = %d, want 10", balance)
	}

	var ledgerRows int
	if err := db.QueryRow(`SELECT count(*) FROM credit_ledger WHERE user_id = 100`).Scan(&ledgerRows); err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if ledgerRows != 1 {
		t.Errorf("ledger rows = %d, want 1", ledgerRows)
	}

	held, err := subjects.HasBadge(ctx, 100, 7)
	if err != nil || !held {
		t.Errorf("HasBadge = %v, %v, want held", held, err)
	}

	entries, err := logs.ListByRule(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListByRule() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("log rows = %d, want 2", len(entries))
	}
	if entries[0].Status != engine.StatusSkipped {
		t.Errorf("newest log status = %s, want SKIPPED", entries[0].Status)
	}
	if entries[1].Status != engine.StatusSuccess {
		t.Errorf("first log status = %s, want SUCCESS", entries[1].Status)
	}
}
