package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/mealgram/mealgram/internal/models"
)

// AuthorizeRoles rejects with 403 unless the request identity carries one of
// the allowed roles. Must run after RequireAuth.
func AuthorizeRoles(allowed ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, msgAuthInvalid)
				return
			}

			for _, role := range allowed {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			respondError(w, http.StatusForbidden, "You do not have permission to access this resource")
		})
	}
}

// RequireTokenType rejects with 403 unless the identity was established from
// the given token type. Sensitive operations use it to demand a directly
// verified access token rather than a refresh-derived identity.
func RequireTokenType(t models.TokenType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, msgAuthInvalid)
				return
			}

			if identity.TokenType != t {
				respondError(w, http.StatusForbidden, "This operation requires a freshly verified access token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
