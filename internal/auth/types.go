package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrSecretMismatch   = errors.New("secret mismatch")
	ErrPermissionDenied = errors.New("permission denied")
)

// Permissions granted to the operator token.
const (
	PermissionRunsRead   = "runs:read"
	PermissionRunsCancel = "runs:cancel"
)

// Subject captures the authenticated caller passed to request handlers via
// context.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// operatorSubject is the single identity behind the operator bearer token.
func operatorSubject() *Subject {
	return &Subject{Name: "operator", Permissions: []string{PermissionRunsRead, PermissionRunsCancel}}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Config configures the authentication service. Both values are resolved
// from configuration at startup.
type Config struct {
	// SharedSecret is compared against the secret carried by trigger requests.
	SharedSecret string
	// OperatorToken guards the run-status API. Empty disables the check.
	OperatorToken string
}
