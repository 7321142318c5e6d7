package main

import (
	"fmt"
	"time"

	"github.com/forumkit/automation/engine"
)

// API request and response models for the admin surface.

// EmitEventRequest publishes one business event onto the bus.
type EmitEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// SaveRuleRequest is the body for creating or updating a rule.
type SaveRuleRequest struct {
	ID              int64             `json:"id,omitempty"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	TriggerType     string            `json:"triggerType"`
	Conditions      engine.Conditions `json:"conditions"`
	Actions         []engine.Action   `json:"actions"`
	Priority        int               `json:"priority"`
	Enabled         bool              `json:"enabled"`
	Repeatable      bool              `json:"repeatable"`
	MaxExecutions   *int              `json:"maxExecutions,omitempty"`
	CooldownSeconds *int64            `json:"cooldownSeconds,omitempty"`
	StartTime       *time.Time        `json:"startTime,omitempty"`
	EndTime         *time.Time        `json:"endTime,omitempty"`
}

var validTriggers = map[engine.TriggerType]bool{
	engine.TriggerCron:             true,
	engine.TriggerPostCreate:       true,
	engine.TriggerPostReply:        true,
	engine.TriggerCheckin:          true,
	engine.TriggerDonation:         true,
	engine.TriggerPostLikeGiven:    true,
	engine.TriggerPostLikeReceived: true,
	engine.TriggerUserRegister:     true,
	engine.TriggerUserLogin:        true,
}

func (r *SaveRuleRequest) toRule() (*engine.Rule, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	trigger := engine.TriggerType(r.TriggerType)
	if !validTriggers[trigger] {
		return nil, fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
	if len(r.Actions) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}
	return &engine.Rule{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		TriggerType:     trigger,
		Conditions:      r.Conditions,
		Actions:         r.Actions,
		Priority:        r.Priority,
		Enabled:         r.Enabled,
		Repeatable:      r.Repeatable,
		MaxExecutions:   r.MaxExecutions,
		CooldownSeconds: r.CooldownSeconds,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
	}, nil
}

// RuleResponse mirrors a stored rule.
type RuleResponse struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	TriggerType     string            `json:"triggerType"`
	Conditions      engine.Conditions `json:"conditions"`
	Actions         []engine.Action   `json:"actions"`
	Priority        int               `json:"priority"`
	Enabled         bool              `json:"enabled"`
	Repeatable      bool              `json:"repeatable"`
	MaxExecutions   *int              `json:"maxExecutions,omitempty"`
	CooldownSeconds *int64            `json:"cooldownSeconds,omitempty"`
	StartTime       *time.Time        `json:"startTime,omitempty"`
	EndTime         *time.Time        `json:"endTime,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func toRuleResponse(rule *engine.Rule) RuleResponse {
	return RuleResponse{
		ID:              rule.ID,
		Name:            rule.Name,
		Description:     rule.Description,
		TriggerType:     string(rule.TriggerType),
		Conditions:      rule.Conditions,
		Actions:         rule.Actions,
		Priority:        rule.Priority,
		Enabled:         rule.Enabled,
		Repeatable:      rule.Repeatable,
		MaxExecutions:   rule.MaxExecutions,
		CooldownSeconds: rule.CooldownSeconds,
		StartTime:       rule.StartTime,
		EndTime:         rule.EndTime,
		CreatedAt:       rule.CreatedAt,
		UpdatedAt:       rule.UpdatedAt,
	}
}

// ExecutionResponse mirrors one execution-log row.
type ExecutionResponse struct {
	ID           string                 `json:"id"`
	RuleID       int64                  `json:"ruleId"`
	TriggeredBy  *int64                 `json:"triggeredBy,omitempty"`
	Context      map[string]any         `json:"triggerContext"`
	Status       string                 `json:"status"`
	Results      []engine.ActionOutcome `json:"results,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	ExecutedAt   time.Time              `json:"executedAt"`
}

type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

func toExecutionListResponse(logs []*engine.ExecutionLog) ExecutionListResponse {
	out := ExecutionListResponse{Executions: make([]ExecutionResponse, 0, len(logs))}
	for _, l := range logs {
		out.Executions = append(out.Executions, ExecutionResponse{
			ID:           l.ID,
			RuleID:       l.RuleID,
			TriggeredBy:  l.TriggeredBy,
			Context:      l.TriggerContext,
			Status:       string(l.Status),
			Results:      l.Results,
			ErrorMessage: l.ErrorMessage,
			ExecutedAt:   l.ExecutedAt,
		})
	}
	return out
}
