package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/auth"
)

func newTestAuthService(t *testing.T) (*AuthService, *auth.TokenService) {
	t.Helper()

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	require.NoError(t, err)
	pw, err := auth.NewPassword("open sesame", bcrypt.MinCost)
	require.NoError(t, err)

	return NewAuthService(pw, ts, discardLogger()), ts
}

func TestAuthService_Exchange(t *testing.T) {
	svc, ts := newTestAuthService(t)

	tok, err := svc.Exchange(context.Background(), "open sesame")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	subject, err := ts.Validate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "editor", subject)
}

func TestAuthService_ExchangeErrors(t *testing.T) {
	svc, _ := newTestAuthService(t)

	tests := []struct {
		name     string
		password string
		want     error
	}{
		{"wrong password", "open barley", apperror.ErrUnauthorized},
		{"empty password", "", apperror.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Exchange(context.Background(), tt.password)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAuthService_NoPasswordConfigured(t *testing.T) {
	svc := NewAuthService(nil, nil, discardLogger())

	_, err := svc.Exchange(context.Background(), "anything")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}
