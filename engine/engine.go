package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/forumkit/automation/actions"
)

// Engine matches trigger events against configured rules, executes their
// actions through the handler registry, and persists one execution log row
// per evaluation attempt. One rule's defect never prevents other rules
// from firing.
type Engine struct {
	rules    RuleStore
	logs     ExecutionLogStore
	registry *actions.Registry
	log      *slog.Logger

	// now is swappable so tests can drive cooldown windows.
	now func() time.Time

	env      *cel.Env
	mu       sync.RWMutex
	programs map[int64]cel.Program
}

func New(rules RuleStore, logs ExecutionLogStore, registry *actions.Registry, log *slog.Logger) (*Engine, error) {
	// The event payload is bound as a single dynamic `Event` variable;
	// payload shapes differ per trigger type.
	env, err := cel.NewEnv(cel.Variable("Event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		rules:    rules,
		logs:     logs,
		registry: registry,
		log:      log,
		now:      time.Now,
		env:      env,
		programs: make(map[int64]cel.Program),
	}, nil
}

// ExecuteTrigger evaluates every candidate rule for the trigger type
// against the event payload, higher priority first. Handlers registered on
// the bus call this once per delivered event; under at-least-once delivery
// it may run more than once for the same event, which the eligibility
// gates absorb.
func (e *Engine) ExecuteTrigger(ctx context.Context, trigger TriggerType, payload map[string]any) error {
	candidates, err := e.rules.ListForTrigger(ctx, trigger, e.now())
	if err != nil {
		return fmt.Errorf("failed to load rules for trigger %s: %w", trigger, err)
	}

	for _, rule := range candidates {
		e.evaluateRule(ctx, rule, payload)
	}
	return nil
}

// ExecuteRuleByID evaluates exactly one rule, used by the cron manager so
// scheduling drift in one rule cannot block another's timer. The rule is
// re-checked for liveness at fire time: edits between scheduling and
// firing must win.
func (e *Engine) ExecuteRuleByID(ctx context.Context, ruleID int64, payload map[string]any) error {
	rule, err := e.rules.Get(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("failed to load rule %d: %w", ruleID, err)
	}
	if !rule.Live(e.now()) {
		e.log.Debug("scheduled rule no longer live, skipping", "ruleId", ruleID)
		return nil
	}
	e.evaluateRule(ctx, rule, payload)
	return nil
}

// evaluateRule runs the full eligibility-and-execution pipeline for one
// rule. Every failure path is absorbed into a FAILED log row; nothing
// escapes to stop sibling rules.
func (e *Engine) evaluateRule(ctx context.Context, rule *Rule, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while evaluating rule", "ruleId", rule.ID, "panic", r)
			e.writeLog(ctx, rule, payload, StatusFailed, nil, fmt.Sprintf("panic: %v", r))
		}
	}()

	matched, err := e.conditionsMatch(rule, payload)
	if err != nil {
		e.log.Error("failed to evaluate rule conditions", "ruleId", rule.ID, "error", err)
		e.writeLog(ctx, rule, payload, StatusFailed, nil, err.Error())
		return
	}
	if !matched {
		// Condition mismatch is the common case and leaves no log row;
		// only eligibility-gate skips are audited.
		return
	}

	if skip, reason, err := e.checkGates(ctx, rule); err != nil {
		e.log.Error("failed to check rule eligibility", "ruleId", rule.ID, "error", err)
		e.writeLog(ctx, rule, payload, StatusFailed, nil, err.Error())
		return
	} else if skip {
		e.writeLog(ctx, rule, payload, StatusSkipped, nil, reason)
		return
	}

	e.executeActions(ctx, rule, payload)
}

// checkGates applies the idempotency gates in order: non-repeatable,
// max-executions, cooldown. Returns skip=true with a reason when the rule
// must not fire again.
func (e *Engine) checkGates(ctx context.Context, rule *Rule) (bool, string, error) {
	if !rule.Repeatable {
		done, err := e.logs.HasSuccess(ctx, rule.ID)
		if err != nil {
			return false, "", fmt.Errorf("failed to check prior executions: %w", err)
		}
		if done {
			return true, "rule is not repeatable and already executed", nil
		}
	}

	if rule.MaxExecutions != nil {
		n, err := e.logs.CountSuccess(ctx, rule.ID)
		if err != nil {
			return false, "", fmt.Errorf("failed to count prior executions: %w", err)
		}
		if n >= *rule.MaxExecutions {
			return true, fmt.Sprintf("execution cap of %d reached", *rule.MaxExecutions), nil
		}
	}

	if rule.CooldownSeconds != nil {
		last, found, err := e.logs.LastSuccessAt(ctx, rule.ID)
		if err != nil {
			return false, "", fmt.Errorf("failed to check cooldown: %w", err)
		}
		if found {
			cooldown := time.Duration(*rule.CooldownSeconds) * time.Second
			if since := e.now().Sub(last); since < cooldown {
				return true, fmt.Sprintf("inside cooldown, %s remaining", cooldown-since), nil
			}
		}
	}

	return false, "", nil
}

// executeActions runs the rule's actions in list order. Actions are
// independent side effects: a failed action does not abort the ones after
// it, but any failure marks the whole attempt FAILED.
func (e *Engine) executeActions(ctx context.Context, rule *Rule, payload map[string]any) {
	var subjectID int64
	if s := Subject(payload); s != nil {
		subjectID = *s
	}

	outcomes := make([]ActionOutcome, 0, len(rule.Actions))
	status := StatusSuccess
	var firstErr string

	for _, action := range rule.Actions {
		res, err := e.registry.Execute(ctx, action.Type, actions.Context{
			UserID:  subjectID,
			RuleID:  rule.ID,
			Payload: payload,
		}, action.Params)
		if err != nil {
			status = StatusFailed
			if firstErr == "" {
				firstErr = err.Error()
			}
			e.log.Error("action failed", "ruleId", rule.ID, "action", action.Type, "error", err)
			outcomes = append(outcomes, ActionOutcome{Type: action.Type, Success: false, Message: err.Error()})
			continue
		}
		if !res.Success {
			status = StatusFailed
			if firstErr == "" {
				firstErr = res.Message
			}
		}
		outcomes = append(outcomes, ActionOutcome{Type: action.Type, Success: res.Success, Message: res.Message})
	}

	e.writeLog(ctx, rule, payload, status, outcomes, firstErr)
}

func (e *Engine) writeLog(ctx context.Context, rule *Rule, payload map[string]any, status ExecutionStatus, outcomes []ActionOutcome, errMsg string) {
	entry := &ExecutionLog{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		TriggeredBy:    Subject(payload),
		TriggerContext: payload,
		Status:         status,
		Results:        outcomes,
		ErrorMessage:   errMsg,
		ExecutedAt:     e.now(),
	}
	if err := e.logs.Append(ctx, entry); err != nil {
		e.log.Error("failed to persist execution log", "ruleId", rule.ID, "error", err)
	}
}

// conditionsMatch combines the typed condition member with the optional
// CEL expression.
func (e *Engine) conditionsMatch(rule *Rule, payload map[string]any) (bool, error) {
	matched, err := rule.Conditions.MatchesTyped(rule.TriggerType, payload)
	if err != nil || !matched {
		return false, err
	}
	if rule.Conditions.Expression == "" {
		return true, nil
	}
	return e.evalExpression(rule, payload)
}

// evalExpression compiles and caches the rule's CEL predicate, then
// evaluates it with the payload bound as `Event`. Non-boolean results
// count as non-matching.
func (e *Engine) evalExpression(rule *Rule, payload map[string]any) (bool, error) {
	e.mu.RLock()
	prog, ok := e.programs[rule.ID]
	e.mu.RUnlock()

	if !ok {
		ast, issues := e.env.Compile(rule.Conditions.Expression)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("invalid condition expression: %w", issues.Err())
		}
		var err error
		// Cost limit guards against runaway expressions from rule config.
		prog, err = e.env.Program(ast, cel.CostLimit(1000000))
		if err != nil {
			return false, fmt.Errorf("failed to build condition program: %w", err)
		}
		e.mu.Lock()
		e.programs[rule.ID] = prog
		e.mu.Unlock()
	}

	out, _, err := prog.Eval(map[string]any{"Event": payload})
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}

// InvalidateExpression drops the cached program for a rule after its
// conditions change.
func (e *Engine) InvalidateExpression(ruleID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.programs, ruleID)
}
