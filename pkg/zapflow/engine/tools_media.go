// Package engine – tools_media.go implements the send_multimedia executor:
// resolve a stored media asset by (tenant, purpose) and deliver it through
// the messaging gateway.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// sendMultimediaTool declares the send_multimedia registry entry.
func sendMultimediaTool() *RegisteredTool {
	return &RegisteredTool{
		Name: "send_multimedia",
		Description: "Send a stored media file (menu, catalog, price list, location map) " +
			"to the customer. The file is looked up by purpose for the current business.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"purpose": {
					"type": "string",
					"description": "What the file is for, e.g. 'menu', 'catalog', 'price_list', 'location'"
				},
				"caption": {
					"type": "string",
					"description": "Optional caption to send with the file"
				}
			},
			"required": ["purpose"]
		}`),
		RequiredContextFields: []string{"tenant_id", "customer_phone"},
		SideEffect:            SideEffectOutbound,
		Execute:               execSendMultimedia,
	}
}

// execSendMultimedia resolves and sends the asset. Identical media already
// delivered this turn is skipped rather than resent.
func execSendMultimedia(ctx context.Context, args map[string]any, tc *ToolContext) ToolCallResult {
	purpose, err := stringArg(args, "purpose")
	if err != nil {
		return failResult("", "", "send_multimedia", validationErrorf("%v", err))
	}
	caption := optionalStringArg(args, "caption")

	asset, err := tc.Deps.Media.FindByPurpose(ctx, tc.Conv.TenantID, purpose)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failResult("", "", "send_multimedia",
				notFoundErrorf("No %s file found", purpose))
		}
		return failResult("", "", "send_multimedia",
			externalErrorf("resolving media asset: %v", err))
	}

	if tc.MediaSentThisTurn(asset.ID) {
		return ToolCallResult{
			Name:    "send_multimedia",
			Success: true,
			Payload: map[string]any{
				"skipped": true,
				"reason":  "identical media already sent this turn",
				"purpose": purpose,
			},
		}
	}

	body := caption
	if body == "" {
		body = asset.Caption
	}

	msgID, err := tc.Deps.Gateway.Send(ctx, tc.Conv.CustomerPhone, body, asset.URL)
	if err != nil {
		return failResult("", "", "send_multimedia",
			externalErrorf("sending media: %v", err))
	}

	tc.MarkMediaSent(asset.ID)

	// Record the delivery in the conversation history so the prompt window
	// and the audit trail both see it.
	tc.Conv.Messages = append(tc.Conv.Messages, Message{
		Role:      RoleAssistant,
		Content:   body,
		Timestamp: tc.Deps.clock(),
		ToolMeta: &ToolMeta{
			ToolName: "send_multimedia",
		},
	})

	return ToolCallResult{
		Name:    "send_multimedia",
		Success: true,
		Payload: map[string]any{
			"message_id": msgID,
			"purpose":    purpose,
			"media_url":  asset.URL,
			"mime_type":  asset.MimeType,
		},
	}
}
