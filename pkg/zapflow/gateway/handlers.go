package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/analytics"
	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// writeDomainError maps the engine error taxonomy onto HTTP status codes.
func (g *Gateway) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		g.writeError(w, err.Error(), 400)
	case errors.Is(err, engine.ErrNotFound):
		g.writeError(w, err.Error(), 404)
	case errors.Is(err, engine.ErrPermission):
		g.writeError(w, err.Error(), 403)
	case errors.Is(err, engine.ErrAlreadyHumanOnly), errors.Is(err, engine.ErrNotHumanOnly):
		g.writeError(w, err.Error(), 409)
	case errors.Is(err, engine.ErrEmptyReason):
		g.writeError(w, err.Error(), 400)
	default:
		g.writeError(w, err.Error(), 500)
	}
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, 200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

// handleInbound implements POST /v1/messages/inbound: one orchestration turn
// for a webhook-delivered customer message.
func (g *Gateway) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var in engine.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		g.writeError(w, "invalid JSON body: "+err.Error(), 400)
		return
	}

	result, err := g.engine.ProcessMessage(r.Context(), &in)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, result)
}

// handleConversationByID routes /v1/conversations/{id}/... subresources.
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.writeError(w, "conversation id required", 400)
		return
	}

	switch action {
	case "collaboration":
		g.handleCollaborationStatus(w, r, id)
	case "takeover/request":
		g.handleTakeoverRequest(w, r, id)
	case "takeover/start":
		g.handleTakeoverStart(w, r, id)
	case "takeover/end":
		g.handleTakeoverEnd(w, r, id)
	case "suggestions":
		g.handleSuggestions(w, r, id)
	default:
		g.writeError(w, "unknown resource", 404)
	}
}

// handleCollaborationStatus implements GET /v1/conversations/{id}/collaboration
func (g *Gateway) handleCollaborationStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	status, err := g.collab.Status(r.Context(), id)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, status)
}

type takeoverRequest struct {
	Reason   string `json:"reason"`
	AgentID  string `json:"agent_id"`
	ReturnTo string `json:"return_to"`
}

// handleTakeoverRequest implements POST /v1/conversations/{id}/takeover/request
func (g *Gateway) handleTakeoverRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, ok := g.decodeTakeover(w, r)
	if !ok {
		return
	}
	if err := g.collab.RequestTakeover(r.Context(), id, req.Reason, req.AgentID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]string{"status": "requested"})
}

// handleTakeoverStart implements POST /v1/conversations/{id}/takeover/start
func (g *Gateway) handleTakeoverStart(w http.ResponseWriter, r *http.Request, id string) {
	req, ok := g.decodeTakeover(w, r)
	if !ok {
		return
	}
	if err := g.collab.StartTakeover(r.Context(), id, req.Reason, req.AgentID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]string{"status": "started"})
}

// handleTakeoverEnd implements POST /v1/conversations/{id}/takeover/end
func (g *Gateway) handleTakeoverEnd(w http.ResponseWriter, r *http.Request, id string) {
	req, ok := g.decodeTakeover(w, r)
	if !ok {
		return
	}
	if err := g.collab.EndTakeover(r.Context(), id, engine.CollaborationMode(req.ReturnTo), req.AgentID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]string{"status": "ended"})
}

func (g *Gateway) decodeTakeover(w http.ResponseWriter, r *http.Request) (*takeoverRequest, bool) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return nil, false
	}
	var req takeoverRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, "invalid JSON body: "+err.Error(), 400)
			return nil, false
		}
	}
	return &req, true
}

type suggestionsRequest struct {
	CurrentMessage string `json:"current_message"`
}

// handleSuggestions implements POST /v1/conversations/{id}/suggestions:
// drafts candidate replies for the human agent holding the conversation.
func (g *Gateway) handleSuggestions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var req suggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid JSON body: "+err.Error(), 400)
		return
	}
	suggestions, err := g.collab.GenerateSuggestions(r.Context(), id, req.CurrentMessage)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]any{"suggestions": suggestions})
}

// handleAnalytics implements GET /v1/analytics?window=24h|7d|30d
func (g *Gateway) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	window := analytics.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = analytics.WindowDay
	}
	report, err := g.analytics.Report(r.Context(), window)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, report)
}

// handleSweep implements POST /v1/followups/sweep: triggers a follow-up
// dispatch sweep outside the cron cadence.
func (g *Gateway) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if g.scheduler == nil {
		g.writeError(w, "scheduler disabled", 409)
		return
	}
	g.scheduler.Sweep(r.Context())
	g.writeJSON(w, 200, map[string]string{"status": "swept"})
}
