package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/kernelhub/internal/service"
)

// TokenExchanger turns the configured password into a bearer token.
type TokenExchanger interface {
	Exchange(ctx context.Context, password string) (*service.Token, error)
}

// AuthHandler issues API tokens.
type AuthHandler struct {
	auth   TokenExchanger
	logger *slog.Logger
}

func NewAuthHandler(auth TokenExchanger, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

type tokenRequest struct {
	Password string `json:"password"`
}

// HandleToken exchanges the password for a JWT.
//
// HTTP: POST /auth/token
// REQUEST BODY: {"password": "..."}
// RESPONSE: {"token": "<jwt>", "expiresAt": "2026-01-02T15:04:05Z"}
//
// The editor sends the token back as "Authorization: Bearer <jwt>".
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tok, err := h.auth.Exchange(r.Context(), req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
