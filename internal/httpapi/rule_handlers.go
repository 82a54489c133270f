package httpapi

import (
	"errors"
	"net/http"

	"krepost.org/internal/audit"
	"krepost.org/internal/endpoint"
	"krepost.org/internal/stream"
)

func (a *API) publishRuleChange(ruleID, op string) {
	if a.events == nil {
		return
	}
	a.events.Publish(stream.Event{
		Type:   stream.EventRuleChanged,
		Detail: map[string]any{"rule_id": ruleID, "op": op},
	})
}

type ruleResponse struct {
	ID          string `json:"id"`
	ServiceName string `json:"service_name"`
	Method      string `json:"method"`
	Pattern     string `json:"pattern"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toRuleResponse(rule *endpoint.Rule) ruleResponse {
	return ruleResponse{
		ID:          rule.ID,
		ServiceName: rule.ServiceName,
		Method:      rule.Method,
		Pattern:     rule.Pattern,
		Resource:    rule.Resource,
		Action:      rule.Action,
		Priority:    rule.Priority,
		Active:      rule.Active,
		CreatedAt:   rule.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   rule.UpdatedAt.UTC().Format(timeLayout),
	}
}

type createRuleRequest struct {
	ServiceName string `json:"service_name"`
	Method      string `json:"method"`
	Pattern     string `json:"pattern"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "rule", "write") {
		return
	}
	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	rule, err := a.registry.CreateRule(r.Context(), endpoint.Rule{
		ServiceName: req.ServiceName,
		Method:      req.Method,
		Pattern:     req.Pattern,
		Resource:    req.Resource,
		Action:      req.Action,
		Priority:    req.Priority,
		Active:      true,
	})
	if err != nil {
		a.handleRuleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rule.created", map[string]any{"rule_id": rule.ID, "service": rule.ServiceName, "pattern": rule.Pattern})
	a.publishRuleChange(rule.ID, "created")
	w.Header().Set("Location", "/v1/endpoint-rules/"+rule.ID)
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "rule", "read") {
		return
	}
	rules, err := a.registry.ListRules(r.Context())
	if err != nil {
		a.handleRuleError(w, r, err)
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

type updateRuleRequest struct {
	Resource *string `json:"resource,omitempty"`
	Action   *string `json:"action,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "rule", "write") {
		return
	}
	var req updateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	rule, err := a.registry.UpdateRule(r.Context(), r.PathValue("id"), endpoint.RuleUpdate{
		Resource: req.Resource,
		Action:   req.Action,
		Priority: req.Priority,
		Active:   req.Active,
	})
	if err != nil {
		a.handleRuleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rule.updated", map[string]any{"rule_id": rule.ID})
	a.publishRuleChange(rule.ID, "updated")
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "rule", "write") {
		return
	}
	if err := a.registry.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		a.handleRuleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rule.deleted", map[string]any{"rule_id": r.PathValue("id")})
	a.publishRuleChange(r.PathValue("id"), "deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRuleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, endpoint.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "rule not found")
	case errors.Is(err, endpoint.ErrDuplicateRule):
		writeError(w, r, http.StatusConflict, "duplicate_rule", "a rule for this service, method and pattern exists")
	case errors.Is(err, endpoint.ErrInvalidPattern):
		writeError(w, r, http.StatusBadRequest, "invalid_pattern", err.Error())
	case errors.Is(err, endpoint.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
