package httpapi

import (
	"net/http"
	"strings"

	"keywarden.org/internal/vault"
)

type decisionRequest struct {
	Decision string `json:"decision"`
}

func (a *API) handleApprovalsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	resourceID := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resourceID == "" {
		writeError(w, r, http.StatusBadRequest, "resource query parameter is required")
		return
	}
	items, err := a.service.PendingApprovals(r.Context(), actor, resourceID)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleApprovalScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/approvals/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "decision" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision := vault.Decision(strings.ToUpper(strings.TrimSpace(req.Decision)))
	if decision != vault.DecisionApprove && decision != vault.DecisionDeny {
		writeError(w, r, http.StatusBadRequest, "decision must be APPROVE or DENY")
		return
	}
	resolved, err := a.service.RecordDecision(r.Context(), parts[0], decision, actor)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
