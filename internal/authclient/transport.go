package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshTimeout = 15 * time.Second

// CredentialStore is the persistence boundary for the client's token pair.
// *credstore.Store is the durable implementation.
type CredentialStore interface {
	Save(access, refresh string) error
	Access() string
	Refresh() string
	ClearAll() error
}

// Transport is an http.RoundTripper that attaches the current access token
// to every request and transparently recovers from token expiry: on a 401 it
// performs a refresh exchange and retries the original request exactly once
// with the new token. Concurrent 401s coalesce onto a single in-flight
// refresh; waiters retry with its result.
//
// A second 401 after a refresh, or a failed refresh, is surfaced to the
// caller as-is. The transport never loops.
type Transport struct {
	base           http.RoundTripper
	store          CredentialStore
	refreshURL     string
	refreshTimeout time.Duration
	logger         *logrus.Logger

	group singleflight.Group
}

func NewTransport(store CredentialStore, refreshURL string, logger *logrus.Logger) *Transport {
	return &Transport{
		base:           http.DefaultTransport,
		store:          store,
		refreshURL:     refreshURL,
		refreshTimeout: defaultRefreshTimeout,
		logger:         logger,
	}
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req, req.Body, t.store.Access())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if t.store.Refresh() == "" {
		// Nothing to exchange. The stored access token is dead, so drop it
		// and let the 401 stand.
		if clearErr := t.store.ClearAll(); clearErr != nil {
			t.logger.WithError(clearErr).Warn("Failed to clear stored credentials")
		}
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// The body is consumed and cannot be replayed.
		return resp, nil
	}

	// Keep the original 401 around in case the refresh fails.
	original, err := bufferResponse(resp)
	if err != nil {
		return nil, err
	}

	pair, refreshErr := t.refreshCredentials()
	if refreshErr != nil {
		t.logger.WithError(refreshErr).Debug("Refresh exchange failed, surfacing original 401")
		if clearErr := t.store.ClearAll(); clearErr != nil {
			t.logger.WithError(clearErr).Warn("Failed to clear stored credentials")
		}
		return original, nil
	}

	var retryBody io.ReadCloser
	if req.GetBody != nil {
		retryBody, err = req.GetBody()
		if err != nil {
			return nil, err
		}
	}

	original.Body.Close()
	return t.send(req, retryBody, pair.AccessToken)
}

// send dispatches a clone of req with the given body and bearer token. The
// caller's request is never mutated, per the RoundTripper contract.
func (t *Transport) send(req *http.Request, body io.ReadCloser, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Body = body
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(clone)
}

// refreshCredentials runs the refresh exchange behind a single-flight guard:
// however many requests hit a 401 at once, only one exchange goes to the
// server and every waiter shares its outcome.
func (t *Transport) refreshCredentials() (*tokenPair, error) {
	v, err, _ := t.group.Do("refresh", func() (interface{}, error) {
		return t.doRefresh()
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenPair), nil
}

// doRefresh reads the refresh token at call time, so a waiter that arrives
// after an earlier exchange already rotated the pair exchanges the current
// token, not the one it originally failed with. It runs on its own
// timeout-bounded context: cancelling one waiting request must not abort the
// exchange other requests depend on.
func (t *Transport) doRefresh() (*tokenPair, error) {
	presented := t.store.Refresh()
	if presented == "" {
		return nil, ErrLoginRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.refreshTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refreshToken": presented})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrLoginRequired
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, fmt.Errorf("refresh response missing tokens")
	}

	if err := t.store.Save(pair.AccessToken, pair.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	return &pair, nil
}

// bufferResponse reads the response body into memory so the response can
// still be returned to the caller after the connection is reused.
func bufferResponse(resp *http.Response) (*http.Response, error) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}
