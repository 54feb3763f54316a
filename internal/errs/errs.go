// Package errs contains the error taxonomy shared by the server, the client
// engine and the transport between them.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels used by repositories and services.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDisconnected is returned by queued or late operations once the
	// session has been closed.
	ErrDisconnected = errors.New("disconnected")
)

// AuthKind classifies credential failures.
type AuthKind int

const (
	AuthMissing AuthKind = iota + 1
	AuthInvalid
	AuthExpired
	AuthRevoked
)

func (k AuthKind) String() string {
	switch k {
	case AuthMissing:
		return "missing"
	case AuthInvalid:
		return "invalid"
	case AuthExpired:
		return "expired"
	case AuthRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("AuthKind(%d)", int(k))
	}
}

// AuthError is returned when a credential is absent or rejected.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
	}
	return "auth " + e.Kind.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any *AuthError with the same Kind, so errors.Is(err,
// errs.Auth(errs.AuthRevoked)) works through wrapping.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// Auth returns an AuthError of the given kind.
func Auth(kind AuthKind) *AuthError { return &AuthError{Kind: kind} }

// IsAuth reports whether err is an AuthError of any kind.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// NotFoundError reports a missing vault file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%q does not exist", e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a rename whose target already exists.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%q already exists", e.Path)
}

func (e *ConflictError) Is(target error) bool { return target == ErrAlreadyExists }

// IOError wraps a local storage failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NetworkError wraps an unreachable peer or an unexpected response.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
