package models

import "time"

// TokenType distinguishes how a request identity was established: directly
// from an access token, or via a refresh-token exchange.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// SessionRecord is the single durable refresh-token row kept per user.
// The per-user keying means a login or rotation always supersedes whatever
// session existed before, so a user can never hold two valid refresh tokens.
type SessionRecord struct {
	UserID    string    `json:"user_id" dynamodbav:"user_id"`
	Token     string    `json:"token" dynamodbav:"token"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"expires_at"`
}

// Identity is the authenticated principal attached to a request context by
// the auth middleware. TokenType records whether the identity came from a
// verified access token or a refresh exchange; sensitive operations can
// demand the former.
type Identity struct {
	UserID    string
	Role      Role
	TokenType TokenType
}
