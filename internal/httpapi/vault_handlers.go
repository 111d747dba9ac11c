package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"keywarden.org/internal/auth"
	"keywarden.org/internal/vault"
)

type createResourceRequest struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

type createResourceResponse struct {
	Resource *vault.Resource `json:"resource"`
	// The plaintext API key is returned exactly once, at creation.
	APIKey string `json:"api_key"`
}

type resourceResponse struct {
	Resource  *vault.Resource   `json:"resource"`
	Guardians []*vault.Guardian `json:"guardians"`
}

type addGuardianRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

type putFieldRequest struct {
	Value string `json:"value"`
}

type registerTOTPRequest struct {
	Label      string `json:"label"`
	Secret     string `json:"secret"`
	BackupCode string `json:"backup_code"`
	Shared     bool   `json:"shared"`
}

func (a *API) handleResourcesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	var req createResourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, apiKey, err := a.service.CreateResource(r.Context(), req.Name, vault.ApprovalMode(req.Mode), actor)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/resources/"+res.ID)
	writeJSON(w, http.StatusCreated, createResourceResponse{Resource: res, APIKey: apiKey})
}

// handleResourceScoped dispatches everything under /v1/resources/{id}/...
func (a *API) handleResourceScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/resources/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1:
		a.getResource(w, r, id)
	case len(parts) == 2 && parts[1] == "rotate-key":
		a.rotateAPIKey(w, r, id)
	case len(parts) == 2 && parts[1] == "guardians":
		a.addGuardian(w, r, id)
	case len(parts) == 3 && parts[1] == "guardians":
		a.removeGuardian(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "fields":
		a.listFields(w, r, id)
	case len(parts) == 3 && parts[1] == "fields":
		a.handleField(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "totp":
		a.handleTOTP(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	res, guardians, err := a.service.Resource(r.Context(), actor, id)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceResponse{Resource: res, Guardians: guardians})
}

func (a *API) rotateAPIKey(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	apiKey, err := a.service.RotateAPIKey(r.Context(), actor, id)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (a *API) addGuardian(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	var req addGuardianRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := vault.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if role == "" {
		role = vault.RoleGuardian
	}
	if err := a.service.AddGuardian(r.Context(), actor, id, req.Identity, role); err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"resource_id": id,
		"identity":    strings.TrimSpace(req.Identity),
		"role":        string(role),
	})
}

func (a *API) removeGuardian(w http.ResponseWriter, r *http.Request, id, identity string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	if err := a.service.RemoveGuardian(r.Context(), actor, id, identity); err != nil {
		handleVaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listFields(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	fields, err := a.service.ListFields(r.Context(), actor, id)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": fields})
}

func (a *API) handleField(w http.ResponseWriter, r *http.Request, id, name string) {
	switch r.Method {
	case http.MethodPut:
		a.putField(w, r, id, name)
	case http.MethodGet:
		a.pullField(w, r, id, name)
	case http.MethodDelete:
		a.deleteField(w, r, id, name)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) putField(w http.ResponseWriter, r *http.Request, id, name string) {
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	var req putFieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.service.PutField(r.Context(), actor, id, name, req.Value)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]string{"resource_id": id, "name": name})
}

// pullField is the gated read. Guardians and holders of a granted approval
// get the value; everyone else gets 202 with the pending request id. Machine
// principals read only their own resource's fields.
func (a *API) pullField(w http.ResponseWriter, r *http.Request, id, name string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var value string
	var err error
	if principal.Machine() {
		if principal.ResourceID != id {
			writeError(w, r, http.StatusForbidden, "api key is bound to another resource")
			return
		}
		res, ferr := a.service.Store().Resources().Find(r.Context(), id)
		if ferr != nil {
			handleVaultError(w, r, ferr)
			return
		}
		value, err = a.service.PullFieldWithKey(r.Context(), res, name)
	} else {
		value, err = a.service.PullField(r.Context(), principal.Identity, id, name, r.URL.Query().Get("reason"))
	}

	var pending *vault.PendingApprovalError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
	case errors.As(err, &pending):
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "pending_approval",
			"request_id": pending.RequestID,
		})
	default:
		handleVaultError(w, r, err)
	}
}

func (a *API) deleteField(w http.ResponseWriter, r *http.Request, id, name string) {
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteField(r.Context(), actor, id, name); err != nil {
		handleVaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTOTP(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		a.registerTOTP(w, r, id)
	case http.MethodGet:
		a.pullTOTPCode(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) registerTOTP(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	var req registerTOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cred, err := a.service.RegisterTOTP(r.Context(), actor, id, req.Label, req.Secret, req.BackupCode, req.Shared)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (a *API) pullTOTPCode(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.requireHuman(w, r)
	if !ok {
		return
	}
	code, err := a.service.PullTOTPCode(r.Context(), actor, id, r.URL.Query().Get("reason"))
	var pending *vault.PendingApprovalError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
	case errors.As(err, &pending):
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "pending_approval",
			"request_id": pending.RequestID,
		})
	default:
		handleVaultError(w, r, err)
	}
}

// --- shared helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleVaultError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrNotGuardian):
		writeError(w, r, http.StatusForbidden, "not entitled to this resource")
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, vault.ErrAlreadyExists), errors.Is(err, vault.ErrNoGuardians), errors.Is(err, vault.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrThrottled):
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
