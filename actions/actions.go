package actions

import (
	"context"
	"fmt"
	"strconv"
)

// Type identifies one kind of configured consequence.
type Type string

const (
	CreditChange    Type = "CREDIT_CHANGE"
	BadgeGrant      Type = "BADGE_GRANT"
	BadgeRevoke     Type = "BADGE_REVOKE"
	UserGroupChange Type = "USER_GROUP_CHANGE"
)

// Result is the structured outcome of one action execution. Expected
// "nothing to do" cases (badge already held, group already set) come back
// as Success with an explanatory message instead of an error; only
// unexpected failures propagate as errors.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Context carries the triggering event's subject into an action handler.
type Context struct {
	UserID  int64
	RuleID  int64
	Payload map[string]any
}

// Handler executes one action kind against the subject data store.
type Handler interface {
	Execute(ctx context.Context, actx Context, params map[string]any) (Result, error)
}

// Registry maps action types to their handlers (strategy pattern).
type Registry struct {
	handlers map[Type]Handler
}

// NewRegistry wires the default handler set over the given subject store.
func NewRegistry(store SubjectStore) *Registry {
	return &Registry{handlers: map[Type]Handler{
		CreditChange:    &creditChangeHandler{store: store},
		BadgeGrant:      &badgeGrantHandler{store: store},
		BadgeRevoke:     &badgeRevokeHandler{store: store},
		UserGroupChange: &groupChangeHandler{store: store},
	}}
}

// Register replaces or adds the handler for an action type.
func (r *Registry) Register(t Type, h Handler) {
	r.handlers[t] = h
}

// Execute dispatches to the handler for the action type.
func (r *Registry) Execute(ctx context.Context, t Type, actx Context, params map[string]any) (Result, error) {
	h, ok := r.handlers[t]
	if !ok {
		return Result{}, fmt.Errorf("no handler registered for action type %q", t)
	}
	return h.Execute(ctx, actx, params)
}

// paramInt64 reads an integer parameter that may arrive as int64, int,
// float64 (JSON number), or a stringified identifier from the codec.
func paramInt64(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing required parameter %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		out, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q is not an integer: %q", key, n)
		}
		return out, nil
	default:
		return 0, fmt.Errorf("parameter %q has unsupported type %T", key, v)
	}
}

func paramString(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
