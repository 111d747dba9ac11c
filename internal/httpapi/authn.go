package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"keywarden.org/internal/auth"
)

const (
	authHeaderName   = "Authorization"
	apiKeyHeader = "X-Api-Key"
	bearer       = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/v1/device/code",
	"/v1/device/token",
	"/",
}

// withAuth resolves the caller to a principal. Humans authenticate with a
// bearer token from the device flow, machines with a resource API key. Both
// land in the context; handlers decide what each principal kind may do.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if rawKey := strings.TrimSpace(r.Header.Get(apiKeyHeader)); rawKey != "" {
			res, err := a.service.AuthenticateAPIKey(r.Context(), rawKey)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "invalid api key")
				return
			}
			principal := auth.Principal{
				Identity:   "api-key:" + res.APIKeyID,
				ResourceID: res.ID,
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeaderName))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		// The signature alone is not enough: the hashed-at-rest record keyed
		// by jti must still exist, match and not be revoked.
		record, err := a.service.Store().Tokens().Find(r.Context(), claims.ID)
		if err != nil || record.Revoked || record.Hash != auth.HashToken(token) {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		principal := auth.Principal{Identity: claims.Subject}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// requireHuman returns the authenticated human identity or writes the
// response itself. Machine principals cannot act as guardians or approvers.
func (a *API) requireHuman(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if principal.Machine() {
		writeError(w, r, http.StatusForbidden, "api keys cannot perform this operation")
		return "", false
	}
	return principal.Identity, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
