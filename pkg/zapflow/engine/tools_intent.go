// Package engine – tools_intent.go implements the analyze_customer_intent
// executor: score the lead and record intent on the conversation.
// All bounds are checked before any mutation so a rejected call leaves
// persisted state untouched.
package engine

import (
	"context"
	"encoding/json"
	"math"
)

// analyzeCustomerIntentTool declares the analyze_customer_intent registry entry.
func analyzeCustomerIntentTool() *RegisteredTool {
	return &RegisteredTool{
		Name: "analyze_customer_intent",
		Description: "Record the customer's detected intent, a confidence between 0 and 1, " +
			"a qualification score between 0 and 100, and tags describing the customer. " +
			"Tags accumulate across calls; they are never removed.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"intent": {
					"type": "string",
					"description": "Detected intent, e.g. 'purchase', 'pricing_question', 'support'"
				},
				"confidence": {
					"type": "number",
					"minimum": 0,
					"maximum": 1
				},
				"qualification_score": {
					"type": "number",
					"minimum": 0,
					"maximum": 100
				},
				"tags": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Labels to add to the customer's tag set"
				}
			},
			"required": ["intent", "confidence", "qualification_score"]
		}`),
		RequiredContextFields: []string{"tenant_id", "customer_lead_id"},
		SideEffect:            SideEffectScoring,
		Execute:               execAnalyzeCustomerIntent,
	}
}

// execAnalyzeCustomerIntent validates bounds, then unions tags and updates
// scoring on the lead and intent metadata on the conversation.
func execAnalyzeCustomerIntent(ctx context.Context, args map[string]any, tc *ToolContext) ToolCallResult {
	intent, err := stringArg(args, "intent")
	if err != nil {
		return failResult("", "", "analyze_customer_intent", validationErrorf("%v", err))
	}
	confidence, err := floatArg(args, "confidence")
	if err != nil {
		return failResult("", "", "analyze_customer_intent", validationErrorf("%v", err))
	}
	score, err := floatArg(args, "qualification_score")
	if err != nil {
		return failResult("", "", "analyze_customer_intent", validationErrorf("%v", err))
	}
	tags, err := stringSliceArg(args, "tags")
	if err != nil {
		return failResult("", "", "analyze_customer_intent", validationErrorf("%v", err))
	}

	// Bounds are rejected before any mutation.
	if confidence < 0 || confidence > 1 || math.IsNaN(confidence) {
		return failResult("", "", "analyze_customer_intent",
			validationErrorf("confidence %v out of range [0,1]", confidence))
	}
	if score < 0 || score > 100 || math.IsNaN(score) {
		return failResult("", "", "analyze_customer_intent",
			validationErrorf("qualification_score %v out of range [0,100]", score))
	}

	leadID := tc.Conv.LeadID
	if leadID == "" {
		return failResult("", "", "analyze_customer_intent",
			notFoundErrorf("conversation has no lead"))
	}

	if len(tags) > 0 {
		if err := tc.Deps.Leads.UnionTags(ctx, leadID, tags); err != nil {
			return failResult("", "", "analyze_customer_intent",
				externalErrorf("updating tags: %v", err))
		}
	}
	if err := tc.Deps.Leads.UpdateScoring(ctx, leadID, int(score), intent, confidence); err != nil {
		return failResult("", "", "analyze_customer_intent",
			externalErrorf("updating lead scoring: %v", err))
	}

	tc.Conv.Metadata.LastIntent = intent
	tc.Conv.Metadata.IntentConfidence = confidence
	tc.Conv.Metadata.QualificationScore = int(score)

	return ToolCallResult{
		Name:    "analyze_customer_intent",
		Success: true,
		Payload: map[string]any{
			"intent":              intent,
			"confidence":          confidence,
			"qualification_score": int(score),
			"tags_added":          len(tags),
		},
	}
}
