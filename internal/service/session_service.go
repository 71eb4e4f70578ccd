package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mealgram/mealgram/internal/models"
	"github.com/mealgram/mealgram/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrSessionInvalid is returned whenever a presented refresh token cannot be
// honored: unknown signature, wrong token type, missing or superseded row,
// expired row, or a mismatched owner. Callers translate it to a single
// "log in again" rejection; the distinctions are logged, not surfaced.
var ErrSessionInvalid = errors.New("refresh token invalid or superseded")

// SessionStore is the durable refresh-token port. *repository.SessionRepository
// is the production implementation.
type SessionStore interface {
	Put(ctx context.Context, rec models.SessionRecord) error
	Get(ctx context.Context, userID string) (*models.SessionRecord, error)
	Swap(ctx context.Context, userID, presented, next string, expiresAt time.Time) error
	Delete(ctx context.Context, userID string) error
}

// UserGetter is the slice of the user store the session service needs to
// re-derive the role claim during a refresh exchange.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// SessionService issues token pairs and rotates refresh tokens. Every user
// has at most one live session: Begin overwrites, Rotate swaps in place, and
// a refresh token that lost a rotation race is rejected for good.
type SessionService struct {
	store  SessionStore
	users  UserGetter
	jwt    *JWTService
	logger *logrus.Logger
}

func NewSessionService(store SessionStore, users UserGetter, jwt *JWTService, logger *logrus.Logger) *SessionService {
	return &SessionService{
		store:  store,
		users:  users,
		jwt:    jwt,
		logger: logger,
	}
}

// Begin mints a fresh token pair for the user and persists the refresh token,
// superseding any session the user already had.
func (s *SessionService) Begin(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	accessToken, err := s.jwt.GenerateAccessToken(user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	refreshToken, expiresAt, err := s.jwt.GenerateRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}

	rec := models.SessionRecord{
		UserID:    user.ID,
		Token:     refreshToken,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwt.AccessExpiry().Seconds()),
	}, nil
}

// Rotate exchanges a presented refresh token for a new pair. The swap in the
// store is conditional on the presented token still being the live one, so
// concurrent rotations have exactly one winner and the losers fail closed.
func (s *SessionService) Rotate(ctx context.Context, presented string) (*models.TokenPair, error) {
	claims, err := s.jwt.VerifyToken(presented)
	if err != nil {
		s.logger.WithError(err).Debug("Refresh token failed verification")
		return nil, ErrSessionInvalid
	}
	if claims.TokenType != string(models.TokenTypeRefresh) {
		return nil, ErrSessionInvalid
	}

	userID := claims.Subject

	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if rec.Token != presented || rec.UserID != userID {
		// Stale, rotated, or forged token presented for this user.
		s.logger.WithField("user_id", userID).Warn("Refresh token reuse detected")
		return nil, ErrSessionInvalid
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrSessionInvalid
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to load session owner: %w", err)
	}

	nextRefresh, expiresAt, err := s.jwt.GenerateRefreshToken(userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Swap(ctx, userID, presented, nextRefresh, expiresAt); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// Lost a rotation race between Get and Swap.
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	accessToken, err := s.jwt.GenerateAccessToken(userID, user.Role)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: nextRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwt.AccessExpiry().Seconds()),
	}, nil
}

// Revoke deletes the user's session row. Used on logout.
func (s *SessionService) Revoke(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, userID)
}
