// Package authclient is the client-side half of the authentication flow: a
// durable credential store, an intercepting HTTP transport that keeps the
// access token fresh, and a small client for the auth endpoints themselves.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultRequestTimeout = 30 * time.Second

// UserInfo mirrors the user payload returned by the auth endpoints.
type UserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	IsVerified  bool   `json:"isVerified"`
}

// Client talks to the auth endpoints and maintains the stored token pair.
// The embedded HTTP client carries the refreshing Transport, so it can also
// be used directly for any protected business call.
type Client struct {
	baseURL string
	store   CredentialStore
	http    *http.Client
	logger  *logrus.Logger
}

func New(baseURL string, store CredentialStore, logger *logrus.Logger) *Client {
	transport := NewTransport(store, baseURL+"/api/v1/users/refresh-token", logger)
	return &Client{
		baseURL: baseURL,
		store:   store,
		http: &http.Client{
			Transport: transport,
			Timeout:   defaultRequestTimeout,
		},
		logger: logger,
	}
}

// HTTPClient exposes the intercepting client for protected business calls.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

type authEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		AccessToken  string   `json:"accessToken"`
		RefreshToken string   `json:"refreshToken"`
		User         UserInfo `json:"user"`
	} `json:"data"`
}

// Register creates an account; a verification code is delivered out of band.
func (c *Client) Register(ctx context.Context, email, password, displayName string) error {
	resp, err := c.postJSON(ctx, "/api/v1/users/register", map[string]string{
		"email":       email,
		"password":    password,
		"displayName": displayName,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return c.errorFromResponse(resp)
	}
	return nil
}

// Login exchanges credentials for a token pair and persists it.
func (c *Client) Login(ctx context.Context, email, password string) (*UserInfo, error) {
	return c.authenticate(ctx, "/api/v1/users/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// VerifyEmail confirms the OTP; on success the server also logs the user in.
func (c *Client) VerifyEmail(ctx context.Context, email, otp string) (*UserInfo, error) {
	return c.authenticate(ctx, "/api/v1/users/verify-email", map[string]string{
		"email": email,
		"otp":   otp,
	})
}

func (c *Client) authenticate(ctx context.Context, path string, payload map[string]string) (*UserInfo, error) {
	resp, err := c.postJSON(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var envelope authEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Data.AccessToken == "" || envelope.Data.RefreshToken == "" {
		return nil, fmt.Errorf("response missing tokens")
	}

	if err := c.store.Save(envelope.Data.AccessToken, envelope.Data.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to persist tokens: %w", err)
	}

	user := envelope.Data.User
	return &user, nil
}

// Logout revokes the server-side session and clears local credentials. Local
// credentials are cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/api/v1/users/logout", map[string]string{})
	if clearErr := c.store.ClearAll(); clearErr != nil {
		c.logger.WithError(clearErr).Warn("Failed to clear stored credentials")
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	return resp, nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Message != "" {
		return fmt.Errorf("server rejected request (%d): %s", resp.StatusCode, envelope.Message)
	}
	return fmt.Errorf("server rejected request: status %d", resp.StatusCode)
}

// mapTransportError keeps timeouts and connectivity failures distinguishable
// from authentication rejections.
func (c *Client) mapTransportError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
