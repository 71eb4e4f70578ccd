package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mealgram/mealgram/internal/models"
	"github.com/mealgram/mealgram/internal/service"
	"github.com/sirupsen/logrus"
)

const (
	msgAuthInvalid   = "Authentication invalid"
	msgLogInAgain    = "Please log in again."
	maxAuthBodyBytes = 1 << 20
)

type identityContextKey struct{}

// IdentityFromContext returns the authenticated identity attached by RequireAuth.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(models.Identity)
	return id, ok
}

// AuthMiddleware gates protected routes. A valid access token passes the
// request through with an identity in context. An invalid or expired access
// token falls back to the refresh token supplied in the request body: a
// successful exchange short-circuits the request with a 200 carrying the new
// pair (the route handler does not run), and anything else is a 401.
type AuthMiddleware struct {
	jwtService *service.JWTService
	sessions   *service.SessionService
	logger     *logrus.Logger
}

func NewAuthMiddleware(jwtService *service.JWTService, sessions *service.SessionService, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		sessions:   sessions,
		logger:     logger,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken := bearerToken(r.Header.Get("Authorization"))

		if accessToken != "" {
			claims, err := m.jwtService.VerifyToken(accessToken)
			if err == nil && claims.TokenType == string(models.TokenTypeAccess) {
				identity := models.Identity{
					UserID:    claims.Subject,
					Role:      models.Role(claims.Role),
					TokenType: models.TokenTypeAccess,
				}
				ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			m.logger.WithError(err).Debug("Access token verification failed")
		}

		// The body is only consumed once access verification has failed, on
		// paths that respond here and never reach the route handler.
		refreshToken := m.refreshTokenFromBody(r)
		if refreshToken == "" {
			respondError(w, http.StatusUnauthorized, msgAuthInvalid)
			return
		}

		pair, err := m.sessions.Rotate(r.Context(), refreshToken)
		if err != nil {
			m.logger.WithError(err).Debug("Refresh exchange rejected")
			respondError(w, http.StatusUnauthorized, msgLogInAgain)
			return
		}

		// Fresh tokens are the response; the originally requested resource
		// must be retried by the client with the new access token.
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"accessToken":  pair.AccessToken,
			"refreshToken": pair.RefreshToken,
		})
	})
}

// refreshTokenFromBody peeks at the JSON request body for an optional
// refreshToken field and restores the body for downstream readers.
func (m *AuthMiddleware) refreshTokenFromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBodyBytes))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.RefreshToken
}

func bearerToken(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
