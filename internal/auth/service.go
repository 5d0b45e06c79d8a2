package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"go.uber.org/zap"

	"QuizChain/pkg/logger"
)

// Service verifies trigger secrets and operator bearer tokens.
type Service struct {
	secret   [sha256.Size]byte
	hasToken bool
	token    [sha256.Size]byte
	audit    *zap.Logger
}

// NewService constructs the authentication service.
func NewService(cfg Config) *Service {
	svc := &Service{
		secret: sha256.Sum256([]byte(cfg.SharedSecret)),
		audit:  logger.Audit(),
	}
	if token := strings.TrimSpace(cfg.OperatorToken); token != "" {
		svc.hasToken = true
		svc.token = sha256.Sum256([]byte(token))
	}
	return svc
}

// OperatorAuthEnabled reports whether the run-status API requires a token.
func (s *Service) OperatorAuthEnabled() bool {
	return s != nil && s.hasToken
}

// VerifySecret compares the provided trigger secret with the configured one
// in constant time.
func (s *Service) VerifySecret(provided string) error {
	if s == nil {
		return ErrSecretMismatch
	}
	digest := sha256.Sum256([]byte(provided))
	if subtle.ConstantTimeCompare(digest[:], s.secret[:]) != 1 {
		return ErrSecretMismatch
	}
	return nil
}

// AuthenticateRequest validates an Authorization header carrying the
// operator bearer token.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.OperatorAuthEnabled() {
		return operatorSubject(), nil
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	if subtle.ConstantTimeCompare(digest[:], s.token[:]) != 1 {
		return nil, ErrInvalidToken
	}
	return operatorSubject(), nil
}
