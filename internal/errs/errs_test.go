package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestAuthError_IsByKind(t *testing.T) {
	err := fmt.Errorf("renew: %w", &AuthError{Kind: AuthRevoked, Err: errors.New("epoch 0 < 1")})

	if !errors.Is(err, Auth(AuthRevoked)) {
		t.Fatalf("expected revoked to match")
	}
	if errors.Is(err, Auth(AuthExpired)) {
		t.Fatalf("expected expired not to match")
	}
	if !IsAuth(err) {
		t.Fatalf("expected IsAuth")
	}
}

func TestNotFoundAndConflict_MatchSentinels(t *testing.T) {
	if !errors.Is(fmt.Errorf("x: %w", &NotFoundError{Path: "a.md"}), ErrNotFound) {
		t.Fatalf("expected NotFoundError to match ErrNotFound")
	}
	if !errors.Is(&ConflictError{Path: "b.md"}, ErrAlreadyExists) {
		t.Fatalf("expected ConflictError to match ErrAlreadyExists")
	}
}

func TestIOAndNetwork_Unwrap(t *testing.T) {
	ioErr := &IOError{Op: "write", Path: "a.md", Err: io.ErrUnexpectedEOF}
	if !errors.Is(ioErr, io.ErrUnexpectedEOF) {
		t.Fatalf("expected IOError to unwrap")
	}
	netErr := fmt.Errorf("poll: %w", &NetworkError{Op: "GET /checksum", StatusCode: 502, Err: errors.New("bad gateway")})
	if !IsNetwork(netErr) {
		t.Fatalf("expected IsNetwork")
	}
	if IsNetwork(ioErr) {
		t.Fatalf("IOError is not a network error")
	}
}
