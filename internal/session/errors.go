package session

import "errors"

// Authentication failures. All three are terminal for the calling request.
var (
	ErrNoToken           = errors.New("no_token")
	ErrInvalidSession    = errors.New("invalid_session")
	ErrSecurityViolation = errors.New("security_violation")
)
