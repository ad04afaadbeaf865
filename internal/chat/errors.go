package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a user, channel or message the backend does not know.
	// Callers treat it as an empty result.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned for capabilities a backend does not offer.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrNotConnected is returned by backends used before Connect.
	ErrNotConnected = errors.New("backend not connected")

	// ErrStateInconsistency marks a mutation referencing a channel or message
	// that is not loaded. It is logged, never returned to callers.
	ErrStateInconsistency = errors.New("state inconsistency")
)

// AuthenticationError reports bad or expired credentials.
type AuthenticationError struct {
	Provider Provider
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError reports an unavailable transport.
type ConnectionError struct {
	Provider Provider
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an AuthenticationError.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
