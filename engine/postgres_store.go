package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Conditions
// and actions are stored as JSONB columns.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, description, trigger_type, conditions, actions,
	priority, enabled, repeatable, max_executions, cooldown_seconds,
	start_time, end_time, deleted, created_at, updated_at`

func (s *PostgresRuleStore) Create(ctx context.Context, rule *Rule) error {
	conditions, actionsJSON, err := marshalRuleBlobs(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, description, trigger_type, conditions, actions,
			priority, enabled, repeatable, max_executions, cooldown_seconds,
			start_time, end_time, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, false, $14, $15)
	`, rule.ID, rule.Name, rule.Description, rule.TriggerType, conditions, actionsJSON,
		rule.Priority, rule.Enabled, rule.Repeatable, rule.MaxExecutions, rule.CooldownSeconds,
		rule.StartTime, rule.EndTime, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) Get(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) ListForTrigger(ctx context.Context, trigger TriggerType, at time.Time) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE trigger_type = $1
		  AND enabled = true
		  AND deleted = false
		  AND (start_time IS NULL OR start_time <= $2)
		  AND (end_time IS NULL OR end_time >= $2)
		ORDER BY priority DESC, id ASC
	`, trigger, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for trigger %s: %w", trigger, err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (s *PostgresRuleStore) ListCron(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE trigger_type = $1 AND enabled = true AND deleted = false
		ORDER BY id ASC
	`, TriggerCron)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	conditions, actionsJSON, err := marshalRuleBlobs(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, trigger_type = $3, conditions = $4,
			actions = $5, priority = $6, enabled = $7, repeatable = $8,
			max_executions = $9, cooldown_seconds = $10, start_time = $11,
			end_time = $12, updated_at = $13
		WHERE id = $14 AND deleted = false
	`, rule.Name, rule.Description, rule.TriggerType, conditions, actionsJSON,
		rule.Priority, rule.Enabled, rule.Repeatable, rule.MaxExecutions,
		rule.CooldownSeconds, rule.StartTime, rule.EndTime, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %d not found", rule.ID)
	}
	return nil
}

func (s *PostgresRuleStore) SoftDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET deleted = true, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %d not found", id)
	}
	return nil
}

func marshalRuleBlobs(rule *Rule) ([]byte, []byte, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return conditions, actionsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		rule       Rule
		conditions []byte
		actionsRaw []byte
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.TriggerType,
		&conditions, &actionsRaw, &rule.Priority, &rule.Enabled,
		&rule.Repeatable, &rule.MaxExecutions, &rule.CooldownSeconds,
		&rule.StartTime, &rule.EndTime, &rule.Deleted,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("invalid conditions for rule %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actionsRaw, &rule.Actions); err != nil {
		return nil, fmt.Errorf("invalid actions for rule %d: %w", rule.ID, err)
	}
	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// PostgresExecutionLogStore implements ExecutionLogStore backed by
// PostgreSQL. Rows are insert-only.
type PostgresExecutionLogStore struct {
	db *sql.DB
}

func NewPostgresExecutionLogStore(db *sql.DB) *PostgresExecutionLogStore {
	return &PostgresExecutionLogStore{db: db}
}

func (s *PostgresExecutionLogStore) Append(ctx context.Context, log *ExecutionLog) error {
	contextJSON, err := json.Marshal(log.TriggerContext)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger context: %w", err)
	}
	resultsJSON, err := json.Marshal(log.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal action results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_execution_logs
			(id, rule_id, triggered_by, trigger_context, status, results, error_message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, log.ID, log.RuleID, log.TriggeredBy, contextJSON, log.Status, resultsJSON,
		nullableString(log.ErrorMessage), log.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

func (s *PostgresExecutionLogStore) HasSuccess(ctx context.Context, ruleID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM rule_execution_logs WHERE rule_id = $1 AND status = $2
		)
	`, ruleID, StatusSuccess).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check prior success: %w", err)
	}
	return exists, nil
}

func (s *PostgresExecutionLogStore) CountSuccess(ctx context.Context, ruleID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM rule_execution_logs WHERE rule_id = $1 AND status = $2
	`, ruleID, StatusSuccess).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count successes: %w", err)
	}
	return n, nil
}

func (s *PostgresExecutionLogStore) LastSuccessAt(ctx context.Context, ruleID int64) (time.Time, bool, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT executed_at FROM rule_execution_logs
		WHERE rule_id = $1 AND status = $2
		ORDER BY executed_at DESC
		LIMIT 1
	`, ruleID, StatusSuccess).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last success: %w", err)
	}
	return last, true, nil
}

func (s *PostgresExecutionLogStore) ListByRule(ctx context.Context, ruleID int64, limit int) ([]*ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, triggered_by, trigger_context, status, results, error_message, executed_at
		FROM rule_execution_logs
		WHERE rule_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		var (
			entry       ExecutionLog
			contextJSON []byte
			resultsJSON []byte
			errMsg      sql.NullString
		)
		err := rows.Scan(&entry.ID, &entry.RuleID, &entry.TriggeredBy, &contextJSON,
			&entry.Status, &resultsJSON, &errMsg, &entry.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		if err := json.Unmarshal(contextJSON, &entry.TriggerContext); err != nil {
			return nil, fmt.Errorf("invalid trigger context in log %s: %w", entry.ID, err)
		}
		if err := json.Unmarshal(resultsJSON, &entry.Results); err != nil {
			return nil, fmt.Errorf("invalid results in log %s: %w", entry.ID, err)
		}
		entry.ErrorMessage = errMsg.String
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution logs: %w", err)
	}
	return out, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
