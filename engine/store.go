package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval.
type RuleStore interface {
	// Create adds a new rule.
	Create(ctx context.Context, rule *Rule) error

	// Get retrieves a rule by id, including disabled and deleted ones.
	Get(ctx context.Context, id int64) (*Rule, error)

	// ListForTrigger returns the candidate rules for a trigger type at the
	// given instant: enabled, not soft-deleted, inside their activity
	// window, ordered by priority descending then id ascending.
	ListForTrigger(ctx context.Context, trigger TriggerType, at time.Time) ([]*Rule, error)

	// ListCron returns every enabled, non-deleted CRON rule.
	ListCron(ctx context.Context) ([]*Rule, error)

	// Update replaces an existing rule's configuration.
	Update(ctx context.Context, rule *Rule) error

	// SoftDelete marks a rule deleted without removing its audit trail.
	SoftDelete(ctx context.Context, id int64) error
}

// ExecutionLogStore persists the append-only audit trail.
type ExecutionLogStore interface {
	// Append writes one log row. Rows are never updated afterward.
	Append(ctx context.Context, log *ExecutionLog) error

	// HasSuccess reports whether any SUCCESS row exists for the rule.
	HasSuccess(ctx context.Context, ruleID int64) (bool, error)

	// CountSuccess counts SUCCESS rows for the rule.
	CountSuccess(ctx context.Context, ruleID int64) (int, error)

	// LastSuccessAt returns the most recent SUCCESS time for the rule.
	LastSuccessAt(ctx context.Context, ruleID int64) (time.Time, bool, error)

	// ListByRule returns the newest rows for a rule, newest first.
	ListByRule(ctx context.Context, ruleID int64, limit int) ([]*ExecutionLog, error)
}

// InMemoryRuleStore implements RuleStore with a mutex-guarded map.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[int64]*Rule
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[int64]*Rule)}
}

func (s *InMemoryRuleStore) Create(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %d already exists", rule.ID)
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *InMemoryRuleStore) Get(ctx context.Context, id int64) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %d not found", id)
	}
	cp := *rule
	return &cp, nil
}

func (s *InMemoryRuleStore) ListForTrigger(ctx context.Context, trigger TriggerType, at time.Time) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.TriggerType != trigger || !rule.Live(at) {
			continue
		}
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryRuleStore) ListCron(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.TriggerType == TriggerCron && rule.Enabled && !rule.Deleted {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %d not found", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *InMemoryRuleStore) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %d not found", id)
	}
	rule.Deleted = true
	rule.UpdatedAt = time.Now()
	return nil
}

// InMemoryExecutionLogStore implements ExecutionLogStore with a slice.
type InMemoryExecutionLogStore struct {
	mu   sync.RWMutex
	logs []*ExecutionLog
}

func NewInMemoryExecutionLogStore() *InMemoryExecutionLogStore {
	return &InMemoryExecutionLogStore{}
}

func (s *InMemoryExecutionLogStore) Append(ctx context.Context, log *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *InMemoryExecutionLogStore) HasSuccess(ctx context.Context, ruleID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.logs {
		if l.RuleID == ruleID && l.Status == StatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryExecutionLogStore) CountSuccess(ctx context.Context, ruleID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.logs {
		if l.RuleID == ruleID && l.Status == StatusSuccess {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryExecutionLogStore) LastSuccessAt(ctx context.Context, ruleID int64) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	found := false
	for _, l := range s.logs {
		if l.RuleID == ruleID && l.Status == StatusSuccess && l.ExecutedAt.After(last) {
			last = l.ExecutedAt
			found = true
		}
	}
	return last, found, nil
}

func (s *InMemoryExecutionLogStore) ListByRule(ctx context.Context, ruleID int64, limit int) ([]*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionLog
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.logs[i].RuleID == ruleID {
			cp := *s.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// All returns a copy of every log row. Test helper.
func (s *InMemoryExecutionLogStore) All() []*ExecutionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ExecutionLog, 0, len(s.logs))
	for _, l := range s.logs {
		cp := *l
		out = append(out, &cp)
	}
	return out
}
