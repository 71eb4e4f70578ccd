package authclient

import "errors"

var (
	// ErrUnavailable covers transport failures and timeouts. Distinct from an
	// authentication rejection: retrying later may succeed.
	ErrUnavailable = errors.New("server unavailable")

	// ErrLoginRequired means the stored credentials are no longer usable and
	// the user must authenticate again.
	ErrLoginRequired = errors.New("login required")

	// ErrInvalidCredentials is returned by Login for a bad email/password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
