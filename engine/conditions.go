package engine

import (
	"fmt"
)

// Conditions is the trigger-condition predicate of a rule, represented as
// a tagged union keyed by trigger type: exactly the member matching the
// rule's trigger type is consulted, every other member is ignored. The
// optional Expression member holds a CEL predicate evaluated against the
// event payload (bound as `Event`) and is combined with the typed member
// by logical AND.
type Conditions struct {
	Cron     *CronCondition     `json:"cron,omitempty"`
	Post     *PostCondition     `json:"post,omitempty"`
	Checkin  *CheckinCondition  `json:"checkin,omitempty"`
	Donation *DonationCondition `json:"donation,omitempty"`

	// Expression is an optional CEL predicate, e.g.
	// `Event.amount >= 100 && Event.floor == 1`.
	Expression string `json:"expression,omitempty"`
}

// CronCondition carries the schedule for CRON-triggered rules.
type CronCondition struct {
	// Schedule is a cron expression, e.g. "0 3 * * *".
	Schedule string `json:"schedule"`
}

// PostCondition filters post-shaped triggers (create, reply, likes).
type PostCondition struct {
	// CategoryIDs restricts matching to posts in one of these categories.
	// Empty means any category.
	CategoryIDs []int64 `json:"categoryIds,omitempty"`

	// MinFloor matches replies at or above this floor number.
	MinFloor *int64 `json:"minFloor,omitempty"`
}

// CheckinCondition filters check-in triggers.
type CheckinCondition struct {
	// MinStreak matches check-ins with at least this consecutive-day
	// streak.
	MinStreak *int64 `json:"minStreak,omitempty"`
}

// DonationCondition filters donation triggers.
type DonationCondition struct {
	// MinAmount matches donations of at least this amount (minor units).
	MinAmount *int64 `json:"minAmount,omitempty"`
}

// MatchesTyped evaluates the typed member for the trigger type against the
// payload. The CEL expression member is evaluated separately by the engine
// (it needs the compiled program cache). A missing typed member matches
// everything.
func (c Conditions) MatchesTyped(trigger TriggerType, payload map[string]any) (bool, error) {
	switch trigger {
	case TriggerCron:
		// Schedule selection is the cron manager's job; by the time a
		// synthetic CRON event reaches the engine, the condition holds.
		return true, nil

	case TriggerPostCreate, TriggerPostReply, TriggerPostLikeGiven, TriggerPostLikeReceived:
		if c.Post == nil {
			return true, nil
		}
		if len(c.Post.CategoryIDs) > 0 {
			category, ok := payloadInt64(payload, "categoryId")
			if !ok {
				return false, nil
			}
			found := false
			for _, id := range c.Post.CategoryIDs {
				if id == category {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		if c.Post.MinFloor != nil {
			floor, ok := payloadInt64(payload, "floor")
			if !ok || floor < *c.Post.MinFloor {
				return false, nil
			}
		}
		return true, nil

	case TriggerCheckin:
		if c.Checkin == nil || c.Checkin.MinStreak == nil {
			return true, nil
		}
		streak, ok := payloadInt64(payload, "streak")
		return ok && streak >= *c.Checkin.MinStreak, nil

	case TriggerDonation:
		if c.Donation == nil || c.Donation.MinAmount == nil {
			return true, nil
		}
		amount, ok := payloadInt64(payload, "amount")
		return ok && amount >= *c.Donation.MinAmount, nil

	case TriggerUserRegister, TriggerUserLogin:
		return true, nil

	default:
		return false, fmt.Errorf("unknown trigger type %q", trigger)
	}
}

// payloadInt64 reads a numeric payload field that may arrive as int64
// (codec-promoted identifier), float64 (JSON number), or int.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Subject extracts the acting subject's user id from an event payload.
// Returns nil when the payload carries none (e.g. synthetic CRON events).
func Subject(payload map[string]any) *int64 {
	if id, ok := payloadInt64(payload, "userId"); ok && id != 0 {
		return &id
	}
	return nil
}
