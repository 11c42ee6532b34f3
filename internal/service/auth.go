package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/auth"
)

// tokenSubject is the subject of every issued token. There is one shared
// password, so there is one identity.
const tokenSubject = "editor"

// AuthService exchanges the configured password for API tokens.
//
//	AuthHandler (HTTP) → AuthService → Password (bcrypt)
//	                                 ↘ TokenService (JWT)
type AuthService struct {
	password *auth.Password
	tokens   *auth.TokenService
	logger   *slog.Logger
}

// NewAuthService creates an AuthService. password may be nil, in which case
// every exchange is refused.
func NewAuthService(password *auth.Password, tokens *auth.TokenService, logger *slog.Logger) *AuthService {
	return &AuthService{password: password, tokens: tokens, logger: logger}
}

// Token is an issued bearer token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Exchange checks plaintext against the configured password and issues a
// token. It never says which part failed.
func (s *AuthService) Exchange(ctx context.Context, plaintext string) (*Token, error) {
	if s.password == nil || s.tokens == nil {
		return nil, apperror.Forbidden("token exchange is disabled: no password configured")
	}
	if plaintext == "" {
		return nil, apperror.ValidationFailed("password", "password is required")
	}

	if err := s.password.Check(plaintext); err != nil {
		if errors.Is(err, auth.ErrInvalidPassword) {
			s.logger.Warn("token exchange refused")
			return nil, apperror.Unauthorized("invalid password")
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	token, expires, err := s.tokens.Issue(tokenSubject)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing token: %w", err)
	}

	s.logger.Info("token issued", slog.Time("expiresAt", expires))
	return &Token{Token: token, ExpiresAt: expires}, nil
}
