package engine

import (
	"time"

	"github.com/forumkit/automation/actions"
)

// TriggerType is the category of business event (or the wall clock) a rule
// listens for.
type TriggerType string

const (
	TriggerCron             TriggerType = "CRON"
	TriggerPostCreate       TriggerType = "POST_CREATE"
	TriggerPostReply        TriggerType = "POST_REPLY"
	TriggerCheckin          TriggerType = "CHECKIN"
	TriggerDonation         TriggerType = "DONATION"
	TriggerPostLikeGiven    TriggerType = "POST_LIKE_GIVEN"
	TriggerPostLikeReceived TriggerType = "POST_LIKE_RECEIVED"
	TriggerUserRegister     TriggerType = "USER_REGISTER"
	TriggerUserLogin        TriggerType = "USER_LOGIN"
)

// Action is one configured side effect attached to a rule. Params schema
// is specific to the type: CREDIT_CHANGE needs delta and reason,
// BADGE_GRANT/BADGE_REVOKE need badgeId, USER_GROUP_CHANGE needs groupId.
type Action struct {
	Type   actions.Type   `json:"type"`
	Params map[string]any `json:"params"`
}

// Rule is one automation rule.
type Rule struct {
	ID          int64
	Name        string
	Description string
	TriggerType TriggerType
	Conditions  Conditions
	Actions     []Action

	// Priority orders rules for the same trigger: higher runs first,
	// ties broken by id ascending.
	Priority int

	Enabled    bool
	Repeatable bool

	// MaxExecutions caps total successful firings. Nil means unlimited.
	MaxExecutions *int

	// CooldownSeconds is the minimum spacing between two successful
	// firings of this rule. Nil means no cooldown.
	CooldownSeconds *int64

	// StartTime/EndTime bound the activity window. Nil ends are open.
	StartTime *time.Time
	EndTime   *time.Time

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the rule may be matched at the given instant:
// enabled, not soft-deleted, and inside its activity window.
func (r *Rule) Live(at time.Time) bool {
	if !r.Enabled || r.Deleted {
		return false
	}
	if r.StartTime != nil && at.Before(*r.StartTime) {
		return false
	}
	if r.EndTime != nil && at.After(*r.EndTime) {
		return false
	}
	return true
}

// ExecutionStatus classifies one evaluation attempt.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
	StatusSkipped ExecutionStatus = "SKIPPED"
)

// ActionOutcome records one action's result inside an execution log.
type ActionOutcome struct {
	Type    actions.Type `json:"type"`
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
}

// ExecutionLog is the append-only audit record of one evaluation attempt.
// Rows are created exactly once and never mutated.
type ExecutionLog struct {
	ID     string
	RuleID int64

	// TriggeredBy is the subject user id; nil for CRON firings without a
	// subject.
	TriggeredBy *int64

	// TriggerContext snapshots the event payload at evaluation time.
	TriggerContext map[string]any

	Status       ExecutionStatus
	Results      []ActionOutcome
	ErrorMessage string
	ExecutedAt   time.Time
}
