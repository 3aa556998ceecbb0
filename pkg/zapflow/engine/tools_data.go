// Package engine – tools_data.go implements the save_conversation_data
// executor: persist a structured business record extracted from the
// conversation (order, appointment, inquiry, ...).
package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// saveConversationDataTool declares the save_conversation_data registry entry.
func saveConversationDataTool() *RegisteredTool {
	return &RegisteredTool{
		Name: "save_conversation_data",
		Description: "Persist structured business data captured from the conversation: " +
			"an order, appointment, inquiry, lead, complaint or feedback. " +
			"Optionally records the customer's name and email.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"data_type": {
					"type": "string",
					"enum": ["order", "appointment", "inquiry", "lead", "complaint", "feedback"],
					"description": "Kind of record being saved"
				},
				"data": {
					"type": "object",
					"description": "Structured payload, e.g. items and quantities for an order"
				},
				"customer_name": {"type": "string"},
				"customer_email": {"type": "string"},
				"follow_up_required": {
					"type": "boolean",
					"description": "Whether a human should follow up on this record"
				}
			},
			"required": ["data_type", "data"]
		}`),
		RequiredContextFields: []string{"tenant_id", "customer_lead_id"},
		SideEffect:            SideEffectPersistence,
		Execute:               execSaveConversationData,
	}
}

// execSaveConversationData validates and persists the business record.
func execSaveConversationData(ctx context.Context, args map[string]any, tc *ToolContext) ToolCallResult {
	dataType, err := stringArg(args, "data_type")
	if err != nil {
		return failResult("", "", "save_conversation_data", validationErrorf("%v", err))
	}
	if !validRecordType(dataType) {
		return failResult("", "", "save_conversation_data",
			validationErrorf("invalid data_type %q", dataType))
	}

	payload, err := mapArg(args, "data")
	if err != nil {
		return failResult("", "", "save_conversation_data", validationErrorf("%v", err))
	}
	if payload == nil {
		return failResult("", "", "save_conversation_data",
			validationErrorf("missing argument: data"))
	}

	followUp, _ := args["follow_up_required"].(bool)

	rec := &BusinessRecord{
		ID:               uuid.NewString(),
		TenantID:         tc.Conv.TenantID,
		ConversationID:   tc.Conv.ID,
		LeadID:           tc.Conv.LeadID,
		Type:             dataType,
		Payload:          payload,
		FollowUpRequired: followUp,
		CreatedAt:        tc.Deps.clock(),
	}
	if err := tc.Deps.Records.Create(ctx, rec); err != nil {
		return failResult("", "", "save_conversation_data",
			externalErrorf("persisting record: %v", err))
	}

	// A saved business record is the conversation's concrete outcome; mark it
	// resolved so the resolution rate counts it. Persisted with the turn.
	tc.Conv.Metadata.Resolved = true

	// Patch lead contact details when the customer volunteered them.
	name := optionalStringArg(args, "customer_name")
	email := optionalStringArg(args, "customer_email")
	if (name != "" || email != "") && tc.Conv.LeadID != "" {
		if err := tc.Deps.Leads.PatchContact(ctx, tc.Conv.LeadID, name, email); err != nil {
			// The record is already saved; surface the partial failure
			// without undoing it.
			return ToolCallResult{
				Name:    "save_conversation_data",
				Success: true,
				Payload: map[string]any{
					"record_id":          rec.ID,
					"data_type":          dataType,
					"follow_up_required": followUp,
					"lead_patch_error":   err.Error(),
				},
			}
		}
	}

	return ToolCallResult{
		Name:    "save_conversation_data",
		Success: true,
		Payload: map[string]any{
			"record_id":          rec.ID,
			"data_type":          dataType,
			"follow_up_required": followUp,
		},
	}
}

// validRecordType checks data_type against the accepted set.
func validRecordType(t string) bool {
	for _, v := range BusinessRecordTypes {
		if v == t {
			return true
		}
	}
	return false
}
