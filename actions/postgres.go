package actions

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSubjectStore implements SubjectStore over the forum's user
// tables. Credit adjustments run in one transaction so the balance update
// and its ledger entry are atomic; badge membership uses a revoked_at
// soft delete.
type PostgresSubjectStore struct {
	db *sql.DB
}

func NewPostgresSubjectStore(db *sql.DB) *PostgresSubjectStore {
	return &PostgresSubjectStore{db: db}
}

func (s *PostgresSubjectStore) AdjustCredits(ctx context.Context, userID, delta int64, reason string, ruleID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits + $1
		WHERE id = $2
		RETURNING credits
	`, delta, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %d not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (user_id, delta, reason, rule_id, balance_after)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, delta, reason, ruleID, balance)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit transaction: %w", err)
	}
	return balance, nil
}

func (s *PostgresSubjectStore) HasBadge(ctx context.Context, userID, badgeID int64) (bool, error) {
	var held bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM user_badges
			WHERE user_id = $1 AND badge_id = $2 AND revoked_at IS NULL
		)
	`, userID, badgeID).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to check badge membership: %w", err)
	}
	return held, nil
}

func (s *PostgresSubjectStore) GrantBadge(ctx context.Context, userID, badgeID int64) error {
	// Re-granting after a revoke reuses the row and refreshes awarded_at.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_badges (user_id, badge_id, awarded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, badge_id)
		DO UPDATE SET awarded_at = now(), revoked_at = NULL
	`, userID, badgeID)
	if err != nil {
		return fmt.Errorf("failed to grant badge: %w", err)
	}
	return nil
}

func (s *PostgresSubjectStore) RevokeBadge(ctx context.Context, userID, badgeID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_badges
		SET revoked_at = now()
		WHERE user_id = $1 AND badge_id = $2 AND revoked_at IS NULL
	`, userID, badgeID)
	if err != nil {
		return fmt.Errorf("failed to revoke badge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %d does not hold badge %d", userID, badgeID)
	}
	return nil
}

func (s *PostgresSubjectStore) UserGroup(ctx context.Context, userID int64) (int64, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id FROM users WHERE id = $1
	`, userID).Scan(&groupID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %d not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read user group: %w", err)
	}
	return groupID, nil
}

func (s *PostgresSubjectStore) SetUserGroup(ctx context.Context, userID, groupID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET group_id = $1 WHERE id = $2
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to set user group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}
