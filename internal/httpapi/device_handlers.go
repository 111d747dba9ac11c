package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"keywarden.org/internal/deviceauth"
	"keywarden.org/internal/vault"
)

type deviceCodeResponse struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	ExpiresIn  int    `json:"expires_in"`
	Interval   int    `json:"interval"`
}

type deviceTokenRequest struct {
	DeviceCode string `json:"device_code"`
}

type deviceTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *API) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, err := a.flow.Initiate(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not start device authorization")
		return
	}
	writeJSON(w, http.StatusOK, deviceCodeResponse{
		DeviceCode: sess.DeviceCode,
		UserCode:   sess.UserCode,
		ExpiresIn:  int(time.Until(sess.ExpiresAt).Seconds()),
		Interval:   int(a.flow.Interval().Seconds()),
	})
}

// handleDeviceToken is the device's poll endpoint. Poll-state outcomes use the
// OAuth device grant error strings so standard clients can drive the loop.
func (a *API) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req deviceTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, expiresAt, err := a.flow.Exchange(r.Context(), strings.TrimSpace(req.DeviceCode))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": oauthErrorString(err)})
		return
	}
	writeJSON(w, http.StatusOK, deviceTokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	})
}

// handleDeviceScoped covers /v1/device/{userCode}/approve and .../deny, both
// performed by an authenticated human.
func (a *API) handleDeviceScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/device/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
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
	userCode := parts[0]
	var err error
	switch parts[1] {
	case "approve":
		err = a.flow.Approve(r.Context(), userCode, actor)
	case "deny":
		err = a.flow.Deny(r.Context(), userCode)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, deviceauth.ErrExpiredToken):
		writeError(w, r, http.StatusGone, "device code expired")
	case errors.Is(err, vault.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		handleVaultError(w, r, err)
	}
}

func oauthErrorString(err error) string {
	switch {
	case errors.Is(err, deviceauth.ErrAuthorizationPending):
		return "authorization_pending"
	case errors.Is(err, deviceauth.ErrSlowDown):
		return "slow_down"
	case errors.Is(err, deviceauth.ErrAccessDenied):
		return "access_denied"
	default:
		return "expired_token"
	}
}
