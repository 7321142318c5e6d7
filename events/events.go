// Package events defines the producer-facing event catalog: the event
// types business features emit on the bus and constructors for their
// payloads. Emitting is fire-and-forget: an Emit error means the event
// could not be enqueued, while handler and action failures downstream are
// never surfaced to the producer.
package events

import (
	"github.com/forumkit/automation/engine"
)

const (
	PostCreate       = "post:create"
	PostReply        = "post:reply"
	UserCheckin      = "user:checkin"
	DonationConfirm  = "donation:confirmed"
	PostLikeGiven    = "post:like:given"
	PostLikeReceived = "post:like:received"
	UserRegister     = "user:register"
	UserLogin        = "user:login"
)

var triggers = map[string]engine.TriggerType{
	PostCreate:       engine.TriggerPostCreate,
	PostReply:        engine.TriggerPostReply,
	UserCheckin:      engine.TriggerCheckin,
	DonationConfirm:  engine.TriggerDonation,
	PostLikeGiven:    engine.TriggerPostLikeGiven,
	PostLikeReceived: engine.TriggerPostLikeReceived,
	UserRegister:     engine.TriggerUserRegister,
	UserLogin:        engine.TriggerUserLogin,
}

// All lists every bus event type the engine consumes.
func All() []string {
	out := make([]string, 0, len(triggers))
	for eventType := range triggers {
		out = append(out, eventType)
	}
	return out
}

// TriggerFor maps a bus event type to the rule trigger it drives.
func TriggerFor(eventType string) (engine.TriggerType, bool) {
	trigger, ok := triggers[eventType]
	return trigger, ok
}

// Payload constructors. Every payload carries the acting subject under
// "userId" plus whatever context trigger conditions evaluate against.

func PostCreatePayload(userID, postID, categoryID int64) map[string]any {
	return map[string]any{
		"userId":     userID,
		"postId":     postID,
		"categoryId": categoryID,
	}
}

func PostReplyPayload(userID, postID, replyID, categoryID, floor int64) map[string]any {
	return map[string]any{
		"userId":     userID,
		"postId":     postID,
		"replyId":    replyID,
		"categoryId": categoryID,
		"floor":      floor,
	}
}

func CheckinPayload(userID, streak int64) map[string]any {
	return map[string]any{
		"userId": userID,
		"streak": streak,
	}
}

func DonationPayload(userID, orderID, amount int64) map[string]any {
	return map[string]any{
		"userId":  userID,
		"orderId": orderID,
		"amount":  amount,
	}
}

// LikePayload covers both directions: for PostLikeGiven the subject is the
// liker, for PostLikeReceived it is the post author.
func LikePayload(userID, postID, otherUserID int64) map[string]any {
	return map[string]any{
		"userId":      userID,
		"postId":      postID,
		"otherUserId": otherUserID,
	}
}

func UserRegisterPayload(userID int64) map[string]any {
	return map[string]any{"userId": userID}
}

func UserLoginPayload(userID int64) map[string]any {
	return map[string]any{"userId": userID}
}
