// Package engine – tools_followup.go implements the schedule_follow_up
// executor: create a PENDING follow-up task dispatched later by the
// scheduler.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Follow-up delay bounds in hours: one hour to thirty days.
const (
	minFollowUpDelayHours = 1
	maxFollowUpDelayHours = 720
)

// scheduleFollowUpTool declares the schedule_follow_up registry entry.
func scheduleFollowUpTool() *RegisteredTool {
	return &RegisteredTool{
		Name: "schedule_follow_up",
		Description: "Schedule a follow-up message to the customer after a delay. " +
			"delay_hours must be between 1 and 720 (30 days).",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"delay_hours": {
					"type": "number",
					"minimum": 1,
					"maximum": 720
				},
				"message": {
					"type": "string",
					"description": "The message to send when the follow-up fires"
				},
				"type": {
					"type": "string",
					"description": "Follow-up kind, e.g. 'reminder', 'quote', 'reengagement'"
				},
				"priority": {
					"type": "string",
					"enum": ["low", "normal", "high"]
				}
			},
			"required": ["delay_hours", "message"]
		}`),
		RequiredContextFields: []string{"tenant_id", "customer_phone"},
		SideEffect:            SideEffectScheduling,
		Execute:               execScheduleFollowUp,
	}
}

// execScheduleFollowUp validates the delay and creates the PENDING task.
func execScheduleFollowUp(ctx context.Context, args map[string]any, tc *ToolContext) ToolCallResult {
	delayHours, err := floatArg(args, "delay_hours")
	if err != nil {
		return failResult("", "", "schedule_follow_up", validationErrorf("%v", err))
	}
	message, err := stringArg(args, "message")
	if err != nil {
		return failResult("", "", "schedule_follow_up", validationErrorf("%v", err))
	}
	if delayHours < minFollowUpDelayHours || delayHours > maxFollowUpDelayHours {
		return failResult("", "", "schedule_follow_up",
			validationErrorf("delay_hours %v out of range [%d,%d]",
				delayHours, minFollowUpDelayHours, maxFollowUpDelayHours))
	}

	fuType := optionalStringArg(args, "type")
	if fuType == "" {
		fuType = "reminder"
	}
	priority := optionalStringArg(args, "priority")
	if priority == "" {
		priority = "normal"
	}

	now := tc.Deps.clock()
	task := &FollowUpTask{
		ID:             uuid.NewString(),
		TenantID:       tc.Conv.TenantID,
		ConversationID: tc.Conv.ID,
		CustomerPhone:  tc.Conv.CustomerPhone,
		Type:           fuType,
		Message:        message,
		Priority:       priority,
		ScheduledAt:    now.Add(time.Duration(delayHours * float64(time.Hour))),
		Status:         FollowUpPending,
		CreatedAt:      now,
	}
	if err := tc.Deps.FollowUps.Create(ctx, task); err != nil {
		return failResult("", "", "schedule_follow_up",
			externalErrorf("persisting follow-up: %v", err))
	}

	return ToolCallResult{
		Name:    "schedule_follow_up",
		Success: true,
		Payload: map[string]any{
			"task_id":      task.ID,
			"scheduled_at": task.ScheduledAt.Format(time.RFC3339),
			"type":         fuType,
			"priority":     priority,
		},
	}
}
