package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mealgram/mealgram/internal/middleware"
	"github.com/mealgram/mealgram/internal/models"
	"github.com/mealgram/mealgram/internal/repository"
	"github.com/mealgram/mealgram/internal/service"
	"github.com/sirupsen/logrus"
)

// UserStore is the user persistence port consumed by the auth handlers.
// *repository.UserRepository is the production implementation.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	MarkVerified(ctx context.Context, id string) error
}

type AuthHandlers struct {
	users    UserStore
	otp      *service.OTPService
	sessions *service.SessionService
	logger   *logrus.Logger
}

func NewAuthHandlers(
	users UserStore,
	otp *service.OTPService,
	sessions *service.SessionService,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		users:    users,
		otp:      otp,
		sessions: sessions,
		logger:   logger,
	}
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyEmailRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type ResendVerificationRequest struct {
	Email string `json:"email"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type UserResponse struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"displayName,omitempty"`
	Role        models.Role `json:"role"`
	IsVerified  bool        `json:"isVerified"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type TokenResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         UserResponse `json:"user"`
}

func sanitizeUser(u *models.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		IsVerified:  u.IsVerified,
		CreatedAt:   u.CreatedAt,
	}
}

// Register creates an unverified account and issues a verification OTP.
func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !isValidEmail(email) {
		h.respondError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(req.Password) < 8 {
		h.respondError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	user := &models.User{
		Email:       email,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        models.RoleUser,
		IsVerified:  false,
	}
	if err := user.SetPassword(req.Password); err != nil {
		h.logger.WithError(err).Error("Failed to hash password")
		h.respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrUserAlreadyExists) {
			h.respondError(w, http.StatusBadRequest, "User with this email already exists")
			return
		}
		h.logger.WithError(err).Error("Failed to create user")
		h.respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	if _, err := h.otp.GenerateOTP(r.Context(), email); err != nil {
		h.logger.WithError(err).Error("Failed to generate verification OTP")
		h.respondError(w, http.StatusInternalServerError, "Failed to send verification code")
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "Account created, verification code sent",
		"data":    sanitizeUser(user),
	})
}

// Login verifies credentials and starts a session, superseding any prior one.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.respondError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		h.logger.WithError(err).Error("Failed to look up user")
		h.respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	if !user.CheckPassword(req.Password) {
		h.respondError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if !user.IsVerified {
		h.respondError(w, http.StatusForbidden, "Email address not verified")
		return
	}

	pair, err := h.sessions.Begin(r.Context(), user)
	if err != nil {
		h.logger.WithError(err).Error("Failed to start session")
		h.respondError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Login successful",
		"data": TokenResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			User:         sanitizeUser(user),
		},
	})
}

// VerifyEmail validates the OTP, marks the account verified, and logs the
// user in by starting a session.
func (h *AuthHandlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	otp := strings.TrimSpace(req.OTP)
	if !isValidEmail(email) || len(otp) < 4 || len(otp) > 8 {
		h.respondError(w, http.StatusBadRequest, "Invalid email or OTP format")
		return
	}

	valid, err := h.otp.VerifyOTP(r.Context(), email, otp)
	if err != nil || !valid {
		h.respondError(w, http.StatusUnauthorized, "Invalid or expired OTP")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up user after OTP verification")
		h.respondError(w, http.StatusInternalServerError, "Verification failed")
		return
	}

	if err := h.users.MarkVerified(r.Context(), user.ID); err != nil {
		h.logger.WithError(err).Error("Failed to mark user verified")
		h.respondError(w, http.StatusInternalServerError, "Verification failed")
		return
	}
	user.IsVerified = true

	pair, err := h.sessions.Begin(r.Context(), user)
	if err != nil {
		h.logger.WithError(err).Error("Failed to start session")
		h.respondError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Email verified",
		"data": TokenResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			User:         sanitizeUser(user),
		},
	})
}

// ResendVerification issues a fresh code for an account that registered but
// never completed verification, replacing whatever code was pending. This is
// the recovery path when the original code was lost, expired, or failed to
// send.
func (h *AuthHandlers) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !isValidEmail(email) {
		h.respondError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.WithError(err).Error("Failed to look up user")
		h.respondError(w, http.StatusInternalServerError, "Failed to send verification code")
		return
	}

	if user.IsVerified {
		h.respondError(w, http.StatusBadRequest, "Email address already verified")
		return
	}

	if _, err := h.otp.GenerateOTP(r.Context(), email); err != nil {
		h.logger.WithError(err).Error("Failed to generate verification OTP")
		h.respondError(w, http.StatusInternalServerError, "Failed to send verification code")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Verification code sent",
	})
}

// RefreshToken is the dedicated refresh exchange endpoint. It only ever
// returns the new pair or a 401; no other resource is involved.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	pair, err := h.sessions.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrSessionInvalid) {
			h.respondError(w, http.StatusUnauthorized, "Please log in again.")
			return
		}
		h.logger.WithError(err).Error("Refresh exchange failed")
		h.respondError(w, http.StatusInternalServerError, "Failed to refresh tokens")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// Logout revokes the caller's session. Routed behind RequireTokenType(access)
// so a refresh-derived identity cannot revoke on its own.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Authentication invalid")
		return
	}

	if err := h.sessions.Revoke(r.Context(), identity.UserID); err != nil {
		h.logger.WithError(err).Error("Failed to revoke session")
		h.respondError(w, http.StatusInternalServerError, "Logout failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Logged out successfully",
	})
}

// Me returns the authenticated user's profile.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Authentication invalid")
		return
	}

	user, err := h.users.GetByID(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.WithError(err).Error("Failed to load profile")
		h.respondError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Profile fetched successfully",
		"data":    sanitizeUser(user),
	})
}

// GetUser returns any user by ID. Routed behind AuthorizeRoles(admin).
func (h *AuthHandlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.WithError(err).Error("Failed to load user")
		h.respondError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "User fetched successfully",
		"data":    sanitizeUser(user),
	})
}

func (h *AuthHandlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func isValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}
