package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/auth"
	"github.com/dukerupert/rota/internal/model"
	"github.com/dukerupert/rota/internal/store"
)

// SessionRevoker drops realtime connections opened with a revoked session.
type SessionRevoker interface {
	RevokeSession(sessionID string)
}

type AuthHandler struct {
	userStore    *store.UserStore
	sessionStore *store.SessionStore
	tokens       *auth.Tokens
	tokenTTL     time.Duration
	revoker      SessionRevoker
	logger       *slog.Logger
}

func NewAuthHandler(
	us *store.UserStore,
	ss *store.SessionStore,
	tokens *auth.Tokens,
	tokenTTL time.Duration,
	revoker SessionRevoker,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		userStore:    us,
		sessionStore: ss,
		tokens:       tokens,
		tokenTTL:     tokenTTL,
		revoker:      revoker,
		logger:       logger,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON", err)
		return
	}

	email := store.NormalizeEmail(req.Email)
	if !model.ValidEmail(email) {
		writeError(w, h.logger, "", errors.NotValidf("email %q", req.Email))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, h.logger, "", errors.NotValidf("empty name"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, h.logger, "failed to hash password", err)
		return
	}

	user, err := h.userStore.Create(email, name, hash)
	if err != nil {
		writeError(w, h.logger, "failed to create user", err)
		return
	}

	h.logger.Info("user registered", "user_id", user.ID)
	h.issue(w, user, http.StatusCreated)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON", err)
		return
	}

	user, err := h.userStore.GetByEmail(store.NormalizeEmail(req.Email))
	if err != nil {
		writeError(w, h.logger, "failed to look up user", err)
		return
	}
	// Same answer for unknown email and wrong password.
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, h.logger, "", errors.Unauthorizedf("invalid email or password"))
		return
	}

	h.issue(w, user, http.StatusOK)
}

func (h *AuthHandler) issue(w http.ResponseWriter, user *model.User, status int) {
	sess, err := h.sessionStore.Create(user.ID, h.tokenTTL)
	if err != nil {
		writeError(w, h.logger, "failed to create session", err)
		return
	}
	token, err := h.tokens.Issue(sess)
	if err != nil {
		writeError(w, h.logger, "failed to issue token", err)
		return
	}

	writeJSON(w, status, model.AuthResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   sess.ExpiresAt,
		User:        *user,
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.userStore.GetByID(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, "failed to load user", err)
		return
	}
	if user == nil {
		writeError(w, h.logger, "", errors.Unauthorizedf("unknown user"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := auth.SessionID(r.Context())
	if err := h.sessionStore.Delete(sessionID); err != nil {
		writeError(w, h.logger, "failed to delete session", err)
		return
	}
	if h.revoker != nil {
		h.revoker.RevokeSession(sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
