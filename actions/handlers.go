package actions

import (
	"context"
	"fmt"
)

// creditChangeHandler applies a signed credit delta and writes a ledger
// entry in the same atomic update. It is not intrinsically idempotent:
// the rule engine's eligibility gates (non-repeatable, max-executions,
// cooldown) must run before it under at-least-once delivery.
type creditChangeHandler struct {
	store SubjectStore
}

func (h *creditChangeHandler) Execute(ctx context.Context, actx Context, params map[string]any) (Result, error) {
	if actx.UserID == 0 {
		return Result{}, fmt.Errorf("credit change requires a subject user")
	}
	delta, err := paramInt64(params, "delta")
	if err != nil {
		return Result{}, err
	}
	reason := paramString(params, "reason", fmt.Sprintf("rule:%d", actx.RuleID))

	balance, err := h.store.AdjustCredits(ctx, actx.UserID, delta, reason, actx.RuleID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to adjust credits for user %d: %w", actx.UserID, err)
	}
	return Result{Success: true, Message: fmt.Sprintf("credits %+d, balance %d", delta, balance)}, nil
}

// badgeGrantHandler is idempotent: granting a badge the subject already
// holds succeeds with a skip message rather than creating a duplicate.
type badgeGrantHandler struct {
	store SubjectStore
}

func (h *badgeGrantHandler) Execute(ctx context.Context, actx Context, params map[string]any) (Result, error) {
	if actx.UserID == 0 {
		return Result{}, fmt.Errorf("badge grant requires a subject user")
	}
	badgeID, err := paramInt64(params, "badgeId")
	if err != nil {
		return Result{}, err
	}

	held, err := h.store.HasBadge(ctx, actx.UserID, badgeID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check badge %d for user %d: %w", badgeID, actx.UserID, err)
	}
	if held {
		return Result{Success: true, Message: "skipped, already held"}, nil
	}

	if err := h.store.GrantBadge(ctx, actx.UserID, badgeID); err != nil {
		return Result{}, fmt.Errorf("failed to grant badge %d to user %d: %w", badgeID, actx.UserID, err)
	}
	return Result{Success: true, Message: fmt.Sprintf("badge %d granted", badgeID)}, nil
}

// badgeRevokeHandler mirrors grant: revoking a badge the subject does not
// hold succeeds with a skip message.
type badgeRevokeHandler struct {
	store SubjectStore
}

func (h *badgeRevokeHandler) Execute(ctx context.Context, actx Context, params map[string]any) (Result, error) {
	if actx.UserID == 0 {
		return Result{}, fmt.Errorf("badge revoke requires a subject user")
	}
	badgeID, err := paramInt64(params, "badgeId")
	if err != nil {
		return Result{}, err
	}

	held, err := h.store.HasBadge(ctx, actx.UserID, badgeID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check badge %d for user %d: %w", badgeID, actx.UserID, err)
	}
	if !held {
		return Result{Success: true, Message: "skipped, not held"}, nil
	}

	if err := h.store.RevokeBadge(ctx, actx.UserID, badgeID); err != nil {
		return Result{}, fmt.Errorf("failed to revoke badge %d from user %d: %w", badgeID, actx.UserID, err)
	}
	return Result{Success: true, Message: fmt.Sprintf("badge %d revoked", badgeID)}, nil
}

// groupChangeHandler reassigns the subject's group, succeeding with a skip
// message when the subject is already in the target group.
type groupChangeHandler struct {
	store SubjectStore
}

func (h *groupChangeHandler) Execute(ctx context.Context, actx Context, params map[string]any) (Result, error) {
	if actx.UserID == 0 {
		return Result{}, fmt.Errorf("group change requires a subject user")
	}
	groupID, err := paramInt64(params, "groupId")
	if err != nil {
		return Result{}, err
	}

	current, err := h.store.UserGroup(ctx, actx.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read group for user %d: %w", actx.UserID, err)
	}
	if current == groupID {
		return Result{Success: true, Message: "skipped, already in group"}, nil
	}

	if err := h.store.SetUserGroup(ctx, actx.UserID, groupID); err != nil {
		return Result{}, fmt.Errorf("failed to move user %d to group %d: %w", actx.UserID, groupID, err)
	}
	return Result{Success: true, Message: fmt.Sprintf("moved to group %d", groupID)}, nil
}
