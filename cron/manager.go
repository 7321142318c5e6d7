package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/forumkit/automation/engine"
)

// Manager keeps one scheduled job per enabled CRON-triggered rule and
// invokes the rule engine directly on each tick, bypassing the event bus.
// It is in-process and wall-clock driven: running more than one Manager
// against the same rule set double-fires scheduled rules. Single-instance
// deployment is a documented constraint, not enforced here.
type Manager struct {
	engine *engine.Engine
	rules  engine.RuleStore
	log    *slog.Logger
	gron   *gronx.Gronx

	mu   sync.Mutex
	jobs map[int64]*job
}

type job struct {
	schedule string
	cancel   context.CancelFunc
}

func NewManager(eng *engine.Engine, rules engine.RuleStore, log *slog.Logger) *Manager {
	return &Manager{
		engine: eng,
		rules:  rules,
		log:    log,
		gron:   gronx.New(),
		jobs:   make(map[int64]*job),
	}
}

// Initialize loads every enabled, non-deleted CRON rule and schedules a
// job for each. A rule with an invalid schedule expression is logged and
// left unscheduled; it never fails initialization for the other rules.
func (m *Manager) Initialize(ctx context.Context) error {
	rules, err := m.rules.ListCron(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cron rules: %w", err)
	}

	scheduled := 0
	for _, rule := range rules {
		if err := m.AddTask(rule); err != nil {
			m.log.Warn("leaving cron rule unscheduled", "ruleId", rule.ID, "error", err)
			continue
		}
		scheduled++
	}
	m.log.Info("cron manager initialized", "scheduled", scheduled, "total", len(rules))
	return nil
}

// AddTask schedules one job for the rule. The schedule expression is
// validated here: an invalid expression is rejected and the rule stays
// unscheduled.
func (m *Manager) AddTask(rule *engine.Rule) error {
	if rule.TriggerType != engine.TriggerCron {
		return fmt.Errorf("rule %d is not CRON-triggered", rule.ID)
	}
	if rule.Conditions.Cron == nil || rule.Conditions.Cron.Schedule == "" {
		return fmt.Errorf("rule %d has no schedule expression", rule.ID)
	}
	schedule := rule.Conditions.Cron.Schedule
	if !m.gron.IsValid(schedule) {
		return fmt.Errorf("rule %d has invalid schedule expression %q", rule.ID, schedule)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[rule.ID]; ok {
		existing.cancel()
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	m.jobs[rule.ID] = &job{schedule: schedule, cancel: cancel}

	go m.runJob(jobCtx, rule.ID, schedule)

	m.log.Info("cron task scheduled", "ruleId", rule.ID, "schedule", schedule)
	return nil
}

// RemoveTask cancels the rule's job if one is scheduled.
func (m *Manager) RemoveTask(ruleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[ruleID]; ok {
		j.cancel()
		delete(m.jobs, ruleID)
		m.log.Info("cron task removed", "ruleId", ruleID)
	}
}

// UpdateTask re-synchronizes the job with an edited rule. The old job is
// always removed; if the new schedule is invalid (or the rule is now
// disabled or deleted) the rule is left unscheduled and the error
// reported.
func (m *Manager) UpdateTask(rule *engine.Rule) error {
	m.RemoveTask(rule.ID)
	if !rule.Enabled || rule.Deleted {
		return nil
	}
	return m.AddTask(rule)
}

// StopAll cancels every scheduled job, for graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, j := range m.jobs {
		j.cancel()
		delete(m.jobs, id)
	}
	m.log.Info("cron manager stopped")
}

// TaskCount reports how many jobs are currently scheduled.
func (m *Manager) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// runJob sleeps until the schedule's next tick, fires the engine for
// exactly this rule, and repeats. Each rule has its own timer loop, so
// drift or a slow execution in one rule cannot block another's.
func (m *Manager) runJob(ctx context.Context, ruleID int64, schedule string) {
	for {
		next, err := gronx.NextTickAfter(schedule, time.Now(), false)
		if err != nil {
			m.log.Error("failed to compute next tick, unscheduling",
				"ruleId", ruleID, "schedule", schedule, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		payload := map[string]any{
			"trigger": string(engine.TriggerCron),
			"ruleId":  ruleID,
			"firedAt": next.UnixMilli(),
		}
		if err := m.engine.ExecuteRuleByID(ctx, ruleID, payload); err != nil {
			m.log.Error("scheduled rule execution failed", "ruleId", ruleID, "error", err)
		}
	}
}
