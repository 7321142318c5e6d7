package engine

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRuleStoreCreateAndGet(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	rule := &Rule{ID: 1, Name: "r", TriggerType: TriggerCheckin, Enabled: true}
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := store.Create(ctx, &Rule{ID: 1}); err == nil {
		t.Error("duplicate Create() should fail")
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "r" || got.CreatedAt.IsZero() {
		t.Errorf("Get() = %+v, want name r with timestamps set", got)
	}

	if _, err := store.Get(ctx, 404); err == nil {
		t.Error("Get() on missing rule should fail")
	}
}

func TestListForTriggerFiltersAndOrders(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	rules := []*Rule{
		{ID: 1, TriggerType: TriggerCheckin, Enabled: true, Priority: 5},
		{ID: 2, TriggerType: TriggerCheckin, Enabled: true, Priority: 10},
		{ID: 3, TriggerType: TriggerCheckin, Enabled: true, Priority: 10},
		{ID: 4, TriggerType: TriggerCheckin, Enabled: false},
		{ID: 5, TriggerType: TriggerCheckin, Enabled: true, Deleted: true},
		{ID: 6, TriggerType: TriggerDonation, Enabled: true},
		{ID: 7, TriggerType: TriggerCheckin, Enabled: true, StartTime: &future},
		{ID: 8, TriggerType: TriggerCheckin, Enabled: true, EndTime: &past},
	}
	for _, r := range rules {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create(%d) failed: %v", r.ID, err)
		}
	}

	got, err := store.ListForTrigger(ctx, TriggerCheckin, now)
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

func TestListCron(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	for _, r := range []*Rule{
		{ID: 1, TriggerType: TriggerCron, Enabled: true},
		{ID: 2, TriggerType: TriggerCron, Enabled: false},
		{ID: 3, TriggerType: TriggerCron, Enabled: true, Deleted: true},
		{ID: 4, TriggerType: TriggerCheckin, Enabled: true},
	} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create(%d) failed: %v", r.ID, err)
		}
	}

	got, err := store.ListCron(ctx)
	if err != nil {
		t.Fatalf("ListCron() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("ListCron() = %v rules, want only rule 1", len(got))
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	rule := &Rule{ID: 1, Name: "before", TriggerType: TriggerCheckin, Enabled: true}
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	created, _ := store.Get(ctx, 1)

	if err := store.Update(ctx, &Rule{ID: 1, Name: "after", TriggerType: TriggerCheckin, Enabled: true}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, _ := store.Get(ctx, 1)
	if got.Name != "after" {
		t.Errorf("Name = %q, want after", got.Name)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Error("Update() must not change CreatedAt")
	}

	if err := store.Update(ctx, &Rule{ID: 404}); err == nil {
		t.Error("Update() on missing rule should fail")
	}
}

func TestSoftDeleteKeepsRuleReadable(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Rule{ID: 1, TriggerType: TriggerCheckin, Enabled: true}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := store.SoftDelete(ctx, 1); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	// Deleted rules stay readable for the audit trail but never match.
	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get() after delete failed: %v", err)
	}
	if !got.Deleted {
		t.Error("rule should be marked deleted")
	}

	matches, _ := store.ListForTrigger(ctx, TriggerCheckin, time.Now())
	if len(matches) != 0 {
		t.Errorf("deleted rule still matched, got %d candidates", len(matches))
	}
}

func TestExecutionLogStoreGateQueries(t *testing.T) {
	store := NewInMemoryExecutionLogStore()
	ctx := context.Background()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	entries := []*ExecutionLog{
		{ID: "a", RuleID: 1, Status: StatusSuccess, ExecutedAt: t1},
		{ID: "b", RuleID: 1, Status: StatusSkipped, ExecutedAt: t1.Add(time.Minute)},
		{ID: "c", RuleID: 1, Status: StatusSuccess, ExecutedAt: t2},
		{ID: "d", RuleID: 1, Status: StatusFailed, ExecutedAt: t2.Add(time.Minute)},
		{ID: "e", RuleID: 2, Status: StatusSuccess, ExecutedAt: t2},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s) failed: %v", e.ID, err)
		}
	}

	if ok, _ := store.HasSuccess(ctx, 1); !ok {
		t.Error("HasSuccess(1) = false, want true")
	}
	if ok, _ := store.HasSuccess(ctx, 3); ok {
		t.Error("HasSuccess(3) = true, want false")
	}

	// Only SUCCESS rows count toward the gates.
	if n, _ := store.CountSuccess(ctx, 1); n != 2 {
		t.Errorf("CountSuccess(1) = %d, want 2", n)
	}

	last, found, _ := store.LastSuccessAt(ctx, 1)
	if !found || !last.Equal(t2) {
		t.Errorf("LastSuccessAt(1) = %v found=%v, want %v", last, found, t2)
	}
	if _, found, _ := store.LastSuccessAt(ctx, 3); found {
		t.Error("LastSuccessAt(3) should not find anything")
	}
}

func TestExecutionLogStoreListByRule(t *testing.T) {
	store := NewInMemoryExecutionLogStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, &ExecutionLog{
			ID:         string(rune('a' + i)),
			RuleID:     1,
			Status:     StatusSuccess,
			ExecutedAt: time.Now(),
		}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	got, err := store.ListByRule(ctx, 1, 3)
	if err != nil {
		t.Fatalf("ListByRule() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByRule() returned %d rows, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != "e" || got[2].ID != "c" {
		t.Errorf("order = [%s..%s], want newest first [e..c]", got[0].ID, got[2].ID)
	}
}
