package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mealgram/mealgram/internal/config"
	"github.com/mealgram/mealgram/internal/middleware"
	"github.com/mealgram/mealgram/internal/models"
	"github.com/mealgram/mealgram/internal/repository"
	"github.com/mealgram/mealgram/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memUserStore implements UserStore and service.UserGetter over a map.
type memUserStore struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
	}
}

func (s *memUserStore) Create(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[user.Email]; ok {
		return repository.ErrUserAlreadyExists
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now()
	copied := *user
	s.byID[user.ID] = &copied
	s.byEmail[user.Email] = user.ID
	return nil
}

func (s *memUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *s.byID[id]
	return &copied, nil
}

func (s *memUserStore) MarkVerified(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.IsVerified = true
	return nil
}

type memSessionStore struct {
	mu   sync.Mutex
	recs map[string]models.SessionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{recs: make(map[string]models.SessionRecord)}
}

func (s *memSessionStore) Put(ctx context.Context, rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.UserID] = rec
	return nil
}

func (s *memSessionStore) Get(ctx context.Context, userID string) (*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := rec
	return &copied, nil
}

func (s *memSessionStore) Swap(ctx context.Context, userID, presented, next string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	if !ok || rec.Token != presented {
		return repository.ErrSessionNotFound
	}
	rec.Token = next
	rec.ExpiresAt = expiresAt
	s.recs[userID] = rec
	return nil
}

func (s *memSessionStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, userID)
	return nil
}

func (s *memSessionStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type handlerFixture struct {
	handlers *AuthHandlers
	mw       *middleware.AuthMiddleware
	users    *memUserStore
	sessions *memSessionStore
	otp      *service.OTPService
	router   *mux.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	logger := testLogger()

	jwtSvc, err := service.NewJWTService(&config.JWTConfig{
		SecretKey:     "0123456789abcdef0123456789abcdef",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: time.Hour,
	}, logger)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	otpSvc := service.NewOTPService(redisClient, &config.OTPConfig{
		Length:      6,
		Expiry:      5 * time.Minute,
		MaxAttempts: 3,
	}, logger)

	users := newMemUserStore()
	sessionStore := newMemSessionStore()
	sessionSvc := service.NewSessionService(sessionStore, users, jwtSvc, logger)

	handlers := NewAuthHandlers(users, otpSvc, sessionSvc, logger)
	authMW := middleware.NewAuthMiddleware(jwtSvc, sessionSvc, logger)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users/register", handlers.Register).Methods(http.MethodPost)
	api.HandleFunc("/users/login", handlers.Login).Methods(http.MethodPost)
	api.HandleFunc("/users/verify-email", handlers.VerifyEmail).Methods(http.MethodPost)
	api.HandleFunc("/users/resend-verification", handlers.ResendVerification).Methods(http.MethodPost)
	api.HandleFunc("/users/refresh-token", handlers.RefreshToken).Methods(http.MethodPost)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(authMW.RequireAuth)
	protected.HandleFunc("/users/me", handlers.Me).Methods(http.MethodGet)

	logout := api.PathPrefix("").Subrouter()
	logout.Use(authMW.RequireAuth, middleware.RequireTokenType(models.TokenTypeAccess))
	logout.HandleFunc("/users/logout", handlers.Logout).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authMW.RequireAuth, middleware.AuthorizeRoles(models.RoleAdmin))
	admin.HandleFunc("/users/{id}", handlers.GetUser).Methods(http.MethodGet)

	return &handlerFixture{
		handlers: handlers,
		mw:       authMW,
		users:    users,
		sessions: sessionStore,
		otp:      otpSvc,
		router:   router,
	}
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

// registerAndVerify walks a fresh account through register and verify-email
// and returns the token pair issued by verification.
func (f *handlerFixture) registerAndVerify(t *testing.T, email, password string) (string, string) {
	t.Helper()

	rr := f.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Re-issue the code directly to learn the plaintext.
	otp, err := f.otp.GenerateOTP(context.Background(), email)
	require.NoError(t, err)

	rr = f.do(t, http.MethodPost, "/api/v1/users/verify-email", "", map[string]string{
		"email": email,
		"otp":   otp,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	data := decode(t, rr)["data"].(map[string]interface{})
	return data["accessToken"].(string), data["refreshToken"].(string)
}

func TestRegisterLoginFlow(t *testing.T) {
	fix := newHandlerFixture(t)

	rr := fix.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"email":       "alice@example.com",
		"password":    "correct-horse",
		"displayName": "Alice",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])

	// Unverified accounts cannot log in.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Email address not verified", decode(t, rr)["message"])

	otp, err := fix.otp.GenerateOTP(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rr = fix.do(t, http.MethodPost, "/api/v1/users/verify-email", "", map[string]string{
		"email": "alice@example.com",
		"otp":   otp,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]interface{})
	assert.NotEmpty(t, data["accessToken"])
	assert.NotEmpty(t, data["refreshToken"])

	rr = fix.do(t, http.MethodPost, "/api/v1/users/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	data = decode(t, rr)["data"].(map[string]interface{})
	user := data["user"].(map[string]interface{})
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, true, user["isVerified"])
	assert.Nil(t, user["passwordHash"])
}

func TestRegister_Validation(t *testing.T) {
	fix := newHandlerFixture(t)

	rr := fix.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"email":    "not-an-email",
		"password": "correct-horse",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = fix.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"email":    "alice@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	fix := newHandlerFixture(t)

	payload := map[string]string{"email": "alice@example.com", "password": "correct-horse"}
	rr := fix.do(t, http.MethodPost, "/api/v1/users/register", "", payload)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = fix.do(t, http.MethodPost, "/api/v1/users/register", "", payload)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "User with this email already exists", decode(t, rr)["message"])
}

func TestLogin_WrongPassword(t *testing.T) {
	fix := newHandlerFixture(t)
	fix.registerAndVerify(t, "alice@example.com", "correct-horse")

	rr := fix.do(t, http.MethodPost, "/api/v1/users/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-horse",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid email or password", decode(t, rr)["message"])
}

func TestLogin_SupersedesPriorSession(t *testing.T) {
	fix := newHandlerFixture(t)
	_, firstRefresh := fix.registerAndVerify(t, "alice@example.com", "correct-horse")

	for i := 0; i < 3; i++ {
		rr := fix.do(t, http.MethodPost, "/api/v1/users/login", "", map[string]string{
			"email":    "alice@example.com",
			"password": "correct-horse",
		})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Equal(t, 1, fix.sessions.size(), "repeated logins must keep a single session")

	// The verification-time refresh token was superseded by the logins.
	rr := fix.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", map[string]string{
		"refreshToken": firstRefresh,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Please log in again.", decode(t, rr)["message"])
}

func TestRefreshTokenEndpoint_Rotation(t *testing.T) {
	fix := newHandlerFixture(t)
	_, refresh := fix.registerAndVerify(t, "alice@example.com", "correct-horse")

	rr := fix.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", map[string]string{
		"refreshToken": refresh,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["accessToken"])
	rotated := body["refreshToken"].(string)
	assert.NotEqual(t, refresh, rotated)

	// The superseded token is dead.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", map[string]string{
		"refreshToken": refresh,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Please log in again.", decode(t, rr)["message"])

	// The rotated one works.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", map[string]string{
		"refreshToken": rotated,
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRefreshTokenEndpoint_MissingToken(t *testing.T) {
	fix := newHandlerFixture(t)

	rr := fix.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMe(t *testing.T) {
	fix := newHandlerFixture(t)
	access, _ := fix.registerAndVerify(t, "alice@example.com", "correct-horse")

	rr := fix.do(t, http.MethodGet, "/api/v1/users/me", access, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, "alice@example.com", data["email"])

	rr = fix.do(t, http.MethodGet, "/api/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogout(t *testing.T) {
	fix := newHandlerFixture(t)
	access, refresh := fix.registerAndVerify(t, "alice@example.com", "correct-horse")

	rr := fix.do(t, http.MethodPost, "/api/v1/users/logout", access, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, fix.sessions.size())

	// The revoked session's refresh token is useless.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", map[string]string{
		"refreshToken": refresh,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminGetUser(t *testing.T) {
	fix := newHandlerFixture(t)
	access, _ := fix.registerAndVerify(t, "alice@example.com", "correct-horse")

	alice, err := fix.users.GetByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)

	// Plain users are rejected.
	rr := fix.do(t, http.MethodGet, "/api/v1/admin/users/"+alice.ID, access, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Promote a second account to admin and fetch through it.
	adminAccess, _ := fix.registerAndVerify(t, "root@example.com", "correct-horse")
	admin, err := fix.users.GetByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	fix.users.mu.Lock()
	fix.users.byID[admin.ID].Role = models.RoleAdmin
	fix.users.mu.Unlock()

	// Re-login so the access token carries the admin role claim.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/login", "", map[string]string{
		"email":    "root@example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]interface{})
	adminAccess = data["accessToken"].(string)

	rr = fix.do(t, http.MethodGet, "/api/v1/admin/users/"+alice.ID, adminAccess, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	fetched := decode(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, "alice@example.com", fetched["email"])
}

func TestResendVerification(t *testing.T) {
	fix := newHandlerFixture(t)

	rr := fix.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	// The first code is lost; a resend must mint a usable replacement.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/resend-verification", "", map[string]string{
		"email": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["success"])

	otp, err := fix.otp.GenerateOTP(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rr = fix.do(t, http.MethodPost, "/api/v1/users/verify-email", "", map[string]string{
		"email": "alice@example.com",
		"otp":   otp,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	// Verified accounts have nothing to resend.
	rr = fix.do(t, http.MethodPost, "/api/v1/users/resend-verification", "", map[string]string{
		"email": "alice@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Email address already verified", decode(t, rr)["message"])
}

func TestResendVerification_UnknownEmail(t *testing.T) {
	fix := newHandlerFixture(t)

	rr := fix.do(t, http.MethodPost, "/api/v1/users/resend-verification", "", map[string]string{
		"email": "nobody@example.com",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestVerifyEmail_WrongOTP(t *testing.T) {
	fix := newHandlerFixture(t)

	rr := fix.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = fix.do(t, http.MethodPost, "/api/v1/users/verify-email", "", map[string]string{
		"email": "alice@example.com",
		"otp":   "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid or expired OTP", decode(t, rr)["message"])
}
